package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/pulse/internal/config"
	"github.com/roach88/pulse/internal/model"
)

func TestScheduler_PartitionOrder(t *testing.T) {
	f := defaultFixture(t)
	var order []int64
	f.register(t, "work", &funcAnalyzer{analyze: func(ctx context.Context, step *Step) error {
		order = append(order, step.Modification().Ref.ID)
		return nil
	}})

	f.submit(t, model.NewModification(model.ScopeMachine, 1, "work", 1, t0))
	f.submit(t, model.NewModification(model.ScopeMachine, 1, "work", 5, t0))
	f.submit(t, model.NewModification(model.ScopeMachine, 1, "work", 5, t0))

	sched := NewScheduler(f.proc, config.Scheduler{Workers: 4})
	stats, err := sched.Drain(context.Background(), 5)
	require.NoError(t, err)

	assert.Equal(t, []int64{2, 3, 1}, order, "status_priority descending, then id ascending")
	assert.Equal(t, 3, stats.Completed)
}

func TestScheduler_ImmediateRetries(t *testing.T) {
	f := defaultFixture(t)
	calls := 0
	f.register(t, "chunked", &funcAnalyzer{analyze: func(ctx context.Context, step *Step) error {
		calls++
		if calls < 3 {
			step.MarkAsInProgress(step.Now())
			return nil
		}
		return step.MarkAsCompleted(ctx)
	}})
	ref := f.submit(t, model.NewModification(model.ScopeMachine, 1, "chunked", 0, t0))

	sched := NewScheduler(f.proc, config.Scheduler{Workers: 1})
	stats, err := sched.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Steps)
	assert.Equal(t, model.StatusDone, f.repo.get(ref).Status)
	assert.Equal(t, 3, f.repo.get(ref).Iterations)
}

func TestScheduler_MaxStepsPerPass(t *testing.T) {
	analysis := config.Default().Analysis
	analysis.MaxStepsPerPass = 2
	f := newFixture(t, analysis, config.Auto{})
	f.register(t, "endless", &funcAnalyzer{analyze: func(ctx context.Context, step *Step) error {
		step.MarkAsInProgress(step.Now())
		return nil
	}})
	ref := f.submit(t, model.NewModification(model.ScopeMachine, 1, "endless", 0, t0))

	sched := NewScheduler(f.proc, config.Scheduler{Workers: 1})
	stats, err := sched.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Steps)
	assert.Equal(t, model.StatusInProgress, f.repo.get(ref).Status)
}

func TestScheduler_PendingRecordsDoNotSpin(t *testing.T) {
	f := defaultFixture(t)
	f.register(t, "future", &funcAnalyzer{analyze: func(ctx context.Context, step *Step) error {
		step.MarkAsPending("no data yet")
		return nil
	}})
	ref := f.submit(t, model.NewModification(model.ScopeMachine, 9, "future", 0, t0))

	sched := NewScheduler(f.proc, config.Scheduler{Workers: 1})
	stats, err := sched.Drain(context.Background(), 50)
	require.NoError(t, err)

	assert.Equal(t, model.StatusPending, f.repo.get(ref).Status)
	assert.Less(t, stats.Passes, 50, "drain stops once no step makes progress")
}

func TestScheduler_HooksRunForMachinePartitions(t *testing.T) {
	f := defaultFixture(t)
	f.register(t, "work", &funcAnalyzer{})

	var mu sync.Mutex
	var seen []model.Partition
	hook := func(ctx context.Context, tx Tx, p model.Partition) error {
		assert.Equal(t, TxReadWrite, tx.Mode())
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
		return nil
	}

	f.submit(t, model.NewModification(model.ScopeGlobal, 0, "work", 0, t0))
	f.submit(t, model.NewModification(model.ScopeMachine, 4, "work", 0, t0))

	sched := NewScheduler(f.proc, config.Scheduler{Workers: 2}, WithPartitionHook(hook))
	_, err := sched.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []model.Partition{model.MachinePartition(4)}, seen)
}

func TestScheduler_RunStopsOnContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := defaultFixture(t)
	f.register(t, "work", &funcAnalyzer{})

	sched := NewScheduler(f.proc, config.Scheduler{
		Workers:      2,
		PollInterval: config.Duration(10 * time.Millisecond),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	ref, err := sched.Submit(ctx, model.NewModification(model.ScopeMachine, 2, "work", 0, t0))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		m := f.repo.get(ref)
		return m != nil && m.Status == model.StatusDone
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
