package cron_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/quorum/internal/cron"
	"github.com/basket/quorum/internal/store"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func seedMetric(t *testing.T, st store.Store, sessionID string, age time.Duration) {
	t.Helper()
	err := st.AppendMetric(context.Background(), &store.RunMetric{
		SessionID: sessionID,
		AgentID:   "logician",
		Model:     "gpt-4o",
		Phase:     "analyze",
		TokensIn:  10,
		TokensOut: 20,
		Status:    "success",
		CreatedAt: time.Now().UTC().Add(-age),
	})
	if err != nil {
		t.Fatalf("append metric: %v", err)
	}
}

func TestScheduler_PrunesOnStartup(t *testing.T) {
	st := store.NewMemory()
	seedMetric(t, st, "old-session", 10*24*time.Hour)
	seedMetric(t, st, "new-session", time.Hour)

	sched, err := cron.NewScheduler(cron.Config{
		Store:         st,
		RetentionDays: 7,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	// Startup prune removes the old row and keeps the fresh one.
	waitFor(t, 3*time.Second, func() bool {
		old, err := st.Metrics(context.Background(), "old-session")
		return err == nil && len(old) == 0
	})
	fresh, err := st.Metrics(context.Background(), "new-session")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if len(fresh) != 1 {
		t.Fatalf("expected fresh metric to survive, got %d rows", len(fresh))
	}
}

func TestScheduler_ZeroRetentionDisabled(t *testing.T) {
	st := store.NewMemory()
	seedMetric(t, st, "ancient", 365*24*time.Hour)

	sched, err := cron.NewScheduler(cron.Config{Store: st, RetentionDays: 0})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	sched.Stop()

	rows, err := st.Metrics(context.Background(), "ancient")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected pruning disabled, got %d rows", len(rows))
	}
}

func TestNewScheduler_RejectsBadExpression(t *testing.T) {
	_, err := cron.NewScheduler(cron.Config{
		Store:    store.NewMemory(),
		Schedule: "not a cron expr",
	})
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 8, 24, 2, 30, 0, 0, time.UTC)
	next, err := cron.NextRunTime(cron.DefaultSchedule, after)
	if err != nil {
		t.Fatalf("next run time: %v", err)
	}
	want := time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}

	if _, err := cron.NextRunTime("*/61 * * * *", after); err == nil {
		t.Fatal("expected error for out-of-range field")
	}
}
