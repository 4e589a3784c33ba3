package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	icl "polyflow/internal/cli"
	"polyflow/internal/core"
	"polyflow/internal/lease"
)

const smallSchema = `
molecule: PPS
density: 1.1
n_compounds: 8
system: Pack
forcefield: PPS_OPLS_AA
remove_hydrogens: true
remove_charges: false
tau_kt: 0.1
dt: 0.0003
r_cut: 2.5
sim_seed: 42
shrink_steps: 40
shrink_period: 10
shrink_kT: 6.5
kT: [6.0, 6.5]
n_steps: 40
log_write_freq: 20
`

type result struct {
	code   int
	stdout string
	stderr string
}

func run(t *testing.T, root string, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--root", root, "--log-level", "error"}, args...)
	res, _ := icl.Run(context.Background(), full, &stdout, &stderr)
	return result{code: res.ExitCode, stdout: stdout.String(), stderr: stderr.String()}
}

func writeSchema(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "schema.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	return path
}

func initProject(t *testing.T) (string, []string) {
	t.Helper()
	root := t.TempDir()
	schema := writeSchema(t, t.TempDir(), smallSchema)
	r := run(t, root, "init", "--schema", schema, "--list")
	if r.code != icl.ExitSuccess {
		t.Fatalf("init exit %d: %s", r.code, r.stderr)
	}
	lines := strings.Split(strings.TrimSpace(r.stdout), "\n")
	if !strings.HasPrefix(lines[0], "initialized 2 job(s): 2 created") {
		t.Fatalf("unexpected init output %q", lines[0])
	}
	return root, lines[1:]
}

func TestInitRunStatusShow(t *testing.T) {
	root, ids := initProject(t)
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %v", ids)
	}

	tracePath := filepath.Join(t.TempDir(), "trace.json")
	r := run(t, root, "run", "--all", "--parallel", "2", "--trace", tracePath)
	if r.code != icl.ExitSuccess {
		t.Fatalf("run exit %d: %s", r.code, r.stderr)
	}
	if !strings.Contains(r.stdout, "completed 2, interrupted 0") {
		t.Fatalf("unexpected run output %q", r.stdout)
	}
	tr, err := os.ReadFile(tracePath)
	if err != nil {
		t.Fatalf("read trace: %v", err)
	}
	if !strings.Contains(string(tr), `"PhaseEntered"`) || !strings.Contains(string(tr), ids[0]) {
		t.Fatalf("trace lacks phase events: %s", tr)
	}

	r = run(t, root, "status", "--json")
	if r.code != icl.ExitSuccess {
		t.Fatalf("status exit %d: %s", r.code, r.stderr)
	}
	var report struct {
		Total  int `json:"total"`
		Labels []struct {
			Label string `json:"label"`
			True  int    `json:"true"`
		} `json:"labels"`
	}
	if err := json.Unmarshal([]byte(r.stdout), &report); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	sampled := -1
	for _, c := range report.Labels {
		if c.Label == "sampled" {
			sampled = c.True
		}
	}
	if report.Total != 2 || sampled != 2 {
		t.Fatalf("expected 2/2 sampled, got %+v", report)
	}

	r = run(t, root, "show", ids[0][:10])
	if r.code != icl.ExitSuccess {
		t.Fatalf("show exit %d: %s", r.code, r.stderr)
	}
	var info struct {
		ID       string        `json:"id"`
		Document core.Document `json:"document"`
	}
	if err := json.Unmarshal([]byte(r.stdout), &info); err != nil {
		t.Fatalf("decode show: %v", err)
	}
	if info.ID != ids[0] || !info.Document.Done || info.Document.LastTS != 80 {
		t.Fatalf("unexpected job info %+v", info)
	}

	r = run(t, root, "run", ids[0])
	if r.code != icl.ExitSuccess || !strings.Contains(r.stdout, "already sampled") {
		t.Fatalf("rerun of done job: exit %d, %q", r.code, r.stdout)
	}
}

func TestExitCodes(t *testing.T) {
	root, ids := initProject(t)

	cases := []struct {
		name string
		args []string
		want int
	}{
		{"unknown flag", []string{"status", "--bogus"}, icl.ExitInvalidInvocation},
		{"unknown command", []string{"frobnicate"}, icl.ExitInvalidInvocation},
		{"run without ids", []string{"run"}, icl.ExitInvalidInvocation},
		{"run ids and all", []string{"run", "--all", ids[0]}, icl.ExitInvalidInvocation},
		{"show needs one id", []string{"show"}, icl.ExitInvalidInvocation},
		{"unknown job", []string{"show", "ffffffffffff"}, icl.ExitNotFound},
		{"missing schema file", []string{"init", "--schema", filepath.Join(root, "absent.yaml")}, icl.ExitConfigError},
		{"bad log level", []string{"--log-level", "loud", "status"}, icl.ExitConfigError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := run(t, root, tc.args...)
			if r.code != tc.want {
				t.Fatalf("exit %d, want %d (stderr %q)", r.code, tc.want, r.stderr)
			}
		})
	}
}

func TestInit_UnknownMoleculeIsConfigError(t *testing.T) {
	root := t.TempDir()
	schema := writeSchema(t, t.TempDir(), strings.Replace(smallSchema, "molecule: PPS", "molecule: [PPS, NYLON]", 1))

	r := run(t, root, "init", "--schema", schema)
	if r.code != icl.ExitConfigError {
		t.Fatalf("exit %d, want %d (stderr %q)", r.code, icl.ExitConfigError, r.stderr)
	}
	if _, err := os.Stat(filepath.Join(root, "workspace")); err == nil {
		entries, _ := os.ReadDir(filepath.Join(root, "workspace"))
		if len(entries) != 0 {
			t.Fatalf("workspaces were created: %v", entries)
		}
	}
}

func TestConcurrentRunAndUnlock(t *testing.T) {
	root, ids := initProject(t)
	id, err := core.ParseJobID(ids[0])
	if err != nil {
		t.Fatalf("parse id: %v", err)
	}

	// Simulate a crashed run that left its lease behind.
	locker := lease.NewFileLocker(filepath.Join(root, "workspace"))
	if _, err := locker.Acquire(context.Background(), id, "crashed-host/42"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	r := run(t, root, "run", ids[0])
	if r.code != icl.ExitConcurrentRun {
		t.Fatalf("exit %d, want %d (stderr %q)", r.code, icl.ExitConcurrentRun, r.stderr)
	}
	if !strings.Contains(r.stderr, "crashed-host/42") {
		t.Fatalf("error does not name the holder: %q", r.stderr)
	}

	r = run(t, root, "unlock", ids[0])
	if r.code != icl.ExitSuccess {
		t.Fatalf("unlock exit %d: %s", r.code, r.stderr)
	}
	r = run(t, root, "run", ids[0])
	if r.code != icl.ExitSuccess {
		t.Fatalf("run after unlock exit %d: %s", r.code, r.stderr)
	}
}
