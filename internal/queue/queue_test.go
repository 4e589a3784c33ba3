package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polyflow/internal/core"
	"polyflow/internal/engine"
)

type fakeRunner struct {
	out   engine.Outcome
	err   error
	calls []core.JobID
}

func (f *fakeRunner) Run(_ context.Context, id core.JobID) (engine.Outcome, error) {
	f.calls = append(f.calls, id)
	return f.out, f.err
}

func jobID(t *testing.T, v any) core.JobID {
	t.Helper()
	id, err := core.ComputeJobID(core.Statepoint{"replica": v})
	require.NoError(t, err)
	return id
}

func runTask(t *testing.T, id core.JobID) *asynq.Task {
	t.Helper()
	task, err := NewRunTask(id)
	require.NoError(t, err)
	return task
}

func TestNewRunTask(t *testing.T) {
	id := jobID(t, 1)
	task := runTask(t, id)
	assert.Equal(t, TaskTypeRun, task.Type())

	var p RunPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, id, p.JobID)
}

func TestProcessTask_Outcomes(t *testing.T) {
	id := jobID(t, 1)

	cases := []struct {
		name      string
		out       engine.Outcome
		err       error
		wantErr   bool
		skipRetry bool
	}{
		{name: "complete", out: engine.Outcome{Phase: engine.PhaseComplete}},
		{name: "already done", out: engine.Outcome{AlreadyDone: true}},
		{
			name: "stage failure absorbed",
			out:  engine.Outcome{Phase: engine.PhaseInterrupted, Failure: &core.StageFailure{ID: id, Stage: core.StageB, Cause: errors.New("nan")}},
		},
		{
			name:    "cancellation retried",
			out:     engine.Outcome{Phase: engine.PhaseInterrupted, Failure: &core.StageFailure{ID: id, Stage: core.StageB, Cause: context.Canceled}},
			wantErr: true,
		},
		{name: "concurrent run", err: &core.ConcurrentRunError{ID: id}, wantErr: true, skipRetry: true},
		{name: "not found", err: &core.NotFoundError{ID: id}, wantErr: true, skipRetry: true},
		{name: "schema", err: core.Schemaf("molecule", "unknown"), wantErr: true, skipRetry: true},
		{name: "storage", err: errors.New("disk full"), wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &fakeRunner{out: tc.out, err: tc.err}
			err := NewHandler(r, nil).ProcessTask(context.Background(), runTask(t, id))
			assert.Equal(t, []core.JobID{id}, r.calls)
			if !tc.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.skipRetry, errors.Is(err, asynq.SkipRetry))
		})
	}
}

func TestProcessTask_BadPayloadIsNotRetried(t *testing.T) {
	r := &fakeRunner{}
	h := NewHandler(r, nil)

	err := h.ProcessTask(context.Background(), asynq.NewTask(TaskTypeRun, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = h.ProcessTask(context.Background(), asynq.NewTask(TaskTypeRun, []byte(`{"job_id":"nope"}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, r.calls)
}

func TestDispatcher_EnqueueIgnoresDuplicates(t *testing.T) {
	mr := miniredis.RunT(t)
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	d := NewDispatcher(client, "", 3, nil)
	ids := []core.JobID{jobID(t, 1), jobID(t, 2)}

	res, err := d.Enqueue(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, EnqueueResult{Enqueued: 2}, res)

	res, err = d.Enqueue(context.Background(), append(ids, jobID(t, 3)))
	require.NoError(t, err)
	assert.Equal(t, EnqueueResult{Enqueued: 1, Duplicate: 2}, res)
}

func TestServerConfig(t *testing.T) {
	cfg := ServerConfig("", 4, "debug", nil)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, map[string]int{DefaultQueue: 1}, cfg.Queues)
	assert.Equal(t, asynq.DebugLevel, cfg.LogLevel)
}
