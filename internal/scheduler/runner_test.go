package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type mockLocker struct {
	acquired   bool
	acquireErr error
	lockIDs    []string
	released   []string
}

func (m *mockLocker) Acquire(_ context.Context, lockID, _ string, ttl time.Duration) (bool, error) {
	m.lockIDs = append(m.lockIDs, lockID)
	if ttl != lockTTL {
		return false, errors.New("unexpected ttl")
	}
	return m.acquired, m.acquireErr
}

func (m *mockLocker) Release(_ context.Context, lockID, _ string) error {
	m.released = append(m.released, lockID)
	return nil
}

type mockHistory struct {
	startErr error
	finished []string
	items    []int
	errs     []error
}

func (m *mockHistory) Start(context.Context, string) (int64, error) {
	if m.startErr != nil {
		return 0, m.startErr
	}
	return 42, nil
}

func (m *mockHistory) Finish(_ context.Context, id int64, status string, items int, err error) error {
	if id != 42 {
		return errors.New("unexpected job id")
	}
	m.finished = append(m.finished, status)
	m.items = append(m.items, items)
	m.errs = append(m.errs, err)
	return nil
}

type stubDunning struct {
	n   int
	err error
	now time.Time
}

func (s *stubDunning) SendReminders(_ context.Context, now time.Time) (int, error) {
	s.now = now
	return s.n, s.err
}

type stubSweep struct{ res SweepResult }

func (s stubSweep) Sweep(context.Context, time.Time) (SweepResult, error) { return s.res, nil }

type stubCount struct{ n int }

func (s stubCount) ReplayStale(context.Context, time.Time) (int, error) { return s.n, nil }
func (s stubCount) Archive(context.Context, time.Time) (int, error)     { return s.n, nil }

func newRunner(locker *mockLocker, history *mockHistory, tasks Tasks) *Runner {
	return &Runner{
		Tasks:      tasks,
		JobLock:    locker,
		JobHistory: history,
		WorkerID:   "worker-1",
		Logger:     testLogger(),
	}
}

func TestRun_DispatchesEachTask(t *testing.T) {
	ref := time.Date(2026, 2, 6, 3, 17, 0, 0, time.UTC)
	tasks := Tasks{
		Dunning:    &stubDunning{n: 1},
		Expiration: stubSweep{res: SweepResult{Owners: 2}},
		Replay:     stubCount{n: 3},
		Archive:    stubCount{n: 4},
	}
	want := map[TaskType]int{
		TaskSendDunningReminders: 1,
		TaskExpireCredits:        2,
		TaskReplayWebhooks:       3,
		TaskArchiveWebhookLogs:   4,
	}

	for _, task := range AllTasks {
		t.Run(string(task), func(t *testing.T) {
			locker := &mockLocker{acquired: true}
			history := &mockHistory{}
			runner := newRunner(locker, history, tasks)

			out, err := runner.Run(context.Background(), MaintenancePayload{Task: task, ReferenceTime: &ref})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.Contains(out, "complete") {
				t.Errorf("unexpected result %q", out)
			}
			if locker.lockIDs[0] != string(task)+":2026-02-06T03" {
				t.Errorf("unexpected lock id %q", locker.lockIDs[0])
			}
			if len(history.finished) != 1 || history.finished[0] != JobStatusSuccess || history.items[0] != want[task] {
				t.Errorf("unexpected history %v items %v", history.finished, history.items)
			}
			if len(locker.released) != 0 {
				t.Error("successful runs keep their lock")
			}
		})
	}
}

func TestRun_UsesReferenceTime(t *testing.T) {
	ref := time.Date(2026, 2, 6, 3, 0, 0, 0, time.FixedZone("CET", 3600))
	dunning := &stubDunning{}
	runner := newRunner(&mockLocker{acquired: true}, &mockHistory{}, Tasks{Dunning: dunning})

	if _, err := runner.Run(context.Background(), MaintenancePayload{Task: TaskSendDunningReminders, ReferenceTime: &ref}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dunning.now.Equal(ref) || dunning.now.Location() != time.UTC {
		t.Errorf("expected UTC reference time, got %v", dunning.now)
	}
}

func TestRun_SkipsWhenLockHeld(t *testing.T) {
	dunning := &stubDunning{}
	history := &mockHistory{}
	runner := newRunner(&mockLocker{acquired: false}, history, Tasks{Dunning: dunning})

	out, err := runner.Run(context.Background(), MaintenancePayload{Task: TaskSendDunningReminders})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(out, "skipped") {
		t.Errorf("expected skip, got %q", out)
	}
	if len(history.finished) != 0 {
		t.Error("skipped runs must not record history")
	}
}

func TestRun_FailureRecordsHistoryAndReleasesLock(t *testing.T) {
	locker := &mockLocker{acquired: true}
	history := &mockHistory{}
	runner := newRunner(locker, history, Tasks{Dunning: &stubDunning{n: 2, err: errors.New("db down")}})

	_, err := runner.Run(context.Background(), MaintenancePayload{Task: TaskSendDunningReminders})
	if err == nil || !strings.Contains(err.Error(), "db down") {
		t.Fatalf("expected wrapped task error, got %v", err)
	}
	if history.finished[0] != JobStatusFailed || history.items[0] != 2 || history.errs[0] == nil {
		t.Errorf("unexpected history %v %v %v", history.finished, history.items, history.errs)
	}
	if len(locker.released) != 1 {
		t.Error("failed runs must release their lock")
	}
}

func TestRun_HistoryStartFailureStillRuns(t *testing.T) {
	dunning := &stubDunning{n: 1}
	history := &mockHistory{startErr: errors.New("history table missing")}
	runner := newRunner(&mockLocker{acquired: true}, history, Tasks{Dunning: dunning})

	if _, err := runner.Run(context.Background(), MaintenancePayload{Task: TaskSendDunningReminders}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history.finished) != 0 {
		t.Error("Finish must be skipped without a job id")
	}
}

func TestRun_RejectsBadPayloads(t *testing.T) {
	cases := []struct {
		name    string
		payload MaintenancePayload
		tasks   Tasks
	}{
		{"empty task", MaintenancePayload{}, Tasks{}},
		{"unknown task", MaintenancePayload{Task: "sync_stripe"}, Tasks{}},
		{"unconfigured task", MaintenancePayload{Task: TaskArchiveWebhookLogs}, Tasks{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runner := newRunner(&mockLocker{acquired: true}, &mockHistory{}, tc.tasks)
			if _, err := runner.Run(context.Background(), tc.payload); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestRun_LockErrorIsReturned(t *testing.T) {
	runner := newRunner(&mockLocker{acquireErr: errors.New("conn refused")}, &mockHistory{}, Tasks{})

	if _, err := runner.Run(context.Background(), MaintenancePayload{Task: TaskExpireCredits}); err == nil {
		t.Fatal("expected lock error")
	}
}
