package sim

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"

	"polyflow/internal/core"
)

// Params are the simulation inputs read from a statepoint.
type Params struct {
	NCompounds      int     `sp:"n_compounds" validate:"gt=0"`
	Density         float64 `sp:"density" validate:"gt=0"`
	RemoveHydrogens bool    `sp:"remove_hydrogens"`
	RemoveCharges   bool    `sp:"remove_charges"`

	DT    float64 `sp:"dt" validate:"gt=0"`
	TauKT float64 `sp:"tau_kt" validate:"gt=0"`
	RCut  float64 `sp:"r_cut" validate:"gt=0"`
	Seed  uint64  `sp:"sim_seed"`

	ShrinkSteps  int64   `sp:"shrink_steps" validate:"gte=0"`
	ShrinkPeriod int64   `sp:"shrink_period" validate:"gt=0"`
	ShrinkKT     float64 `sp:"shrink_kT" validate:"gt=0"`
	KT           float64 `sp:"kT" validate:"gt=0"`
	NSteps       int64   `sp:"n_steps" validate:"gte=0"`
	LogWriteFreq int64   `sp:"log_write_freq" validate:"gte=0"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("sp")
	})
	return v
}

// ParamsFromStatepoint extracts Params from sp. Every missing or ill-typed
// parameter is reported in one *core.SchemaError.
//
// log_write_freq is optional and defaults to 0, which disables the data log.
func ParamsFromStatepoint(sp core.Statepoint) (Params, error) {
	var (
		p      Params
		result *multierror.Error
		err    error
	)
	appendErr := func(e error) {
		if e != nil {
			result = multierror.Append(result, e)
		}
	}

	var n int64
	n, err = sp.IntValue("n_compounds")
	appendErr(err)
	p.NCompounds = int(n)
	p.Density, err = sp.FloatValue("density")
	appendErr(err)
	p.RemoveHydrogens, err = optionalBool(sp, "remove_hydrogens")
	appendErr(err)
	p.RemoveCharges, err = optionalBool(sp, "remove_charges")
	appendErr(err)

	p.DT, err = sp.FloatValue("dt")
	appendErr(err)
	p.TauKT, err = sp.FloatValue("tau_kt")
	appendErr(err)
	p.RCut, err = sp.FloatValue("r_cut")
	appendErr(err)
	var seed int64
	seed, err = sp.IntValue("sim_seed")
	appendErr(err)
	if seed < 0 {
		appendErr(core.Schemaf("sim_seed", "must be >= 0, got %d", seed))
	}
	p.Seed = uint64(seed)

	p.ShrinkSteps, err = sp.IntValue("shrink_steps")
	appendErr(err)
	p.ShrinkPeriod, err = sp.IntValue("shrink_period")
	appendErr(err)
	p.ShrinkKT, err = sp.FloatValue("shrink_kT")
	appendErr(err)
	p.KT, err = sp.FloatValue("kT")
	appendErr(err)
	p.NSteps, err = sp.IntValue("n_steps")
	appendErr(err)
	if sp.Has("log_write_freq") {
		p.LogWriteFreq, err = sp.IntValue("log_write_freq")
		appendErr(err)
	}

	if result.ErrorOrNil() == nil {
		appendErr(schemaFromValidation(validate.Struct(p)))
	}
	if result.ErrorOrNil() != nil {
		if len(result.Errors) == 1 {
			return Params{}, result.Errors[0]
		}
		return Params{}, &core.SchemaError{Msg: result.Error(), Cause: result}
	}
	return p, nil
}

func optionalBool(sp core.Statepoint, name string) (bool, error) {
	if v, ok := sp[name]; !ok || v == nil {
		return false, nil
	}
	return sp.BoolValue(name)
}

func schemaFromValidation(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s must be %s %s, got %v", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
	}
	if len(verrs) == 1 {
		return &core.SchemaError{Field: verrs[0].Field(), Msg: msgs[0], Cause: err}
	}
	return &core.SchemaError{Msg: strings.Join(msgs, "; "), Cause: err}
}
