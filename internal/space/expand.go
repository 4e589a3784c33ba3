package space

import "polyflow/internal/core"

// Expand returns the parameter names and the Cartesian product of the value
// lists as statepoints. The last-declared parameter varies fastest.
//
// A schema with zero parameters yields zero statepoints, as does any empty
// value list. Expand does not validate; call Schema.Validate first.
func Expand(s Schema) ([]string, []core.Statepoint) {
	names := s.Names()
	total := s.Size()
	if total == 0 {
		return names, nil
	}

	points := make([]core.Statepoint, 0, total)
	idx := make([]int, len(s.Parameters))
	for {
		sp := make(core.Statepoint, len(s.Parameters))
		for i, p := range s.Parameters {
			sp[p.Name] = p.Values[idx[i]]
		}
		points = append(points, sp)

		// Odometer increment from the rightmost parameter.
		i := len(idx) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(s.Parameters[i].Values) {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return names, points
		}
	}
}
