package bulk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mboxkit/mboxkit/internal/logger"
	"github.com/mboxkit/mboxkit/internal/model"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	log, err := logger.New(logger.Options{Level: "error", Writer: io.Discard})
	require.NoError(t, err)
	o := NewOrchestrator(log)
	o.sleep = func(context.Context, time.Duration) {}
	return o
}

func identities(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("mbx-%02d", i)
	}
	return out
}

func succeedAll(context.Context, *Item) (model.Outcome, error) {
	return model.OutcomeSucceeded, nil
}

func assertCounters(t *testing.T, result *Result) {
	t.Helper()
	assert.Equal(t, result.TotalItems,
		result.CompletedItems+result.FailedItems+result.SkippedItems,
		"item counters must account for every item")
	for _, item := range result.Items {
		assert.NotEqual(t, ItemPending, item.Status, "no item may finish Pending")
		assert.NotEqual(t, ItemInProgress, item.Status, "no item may finish InProgress")
	}
}

func TestRunAllSucceed(t *testing.T) {
	o := newTestOrchestrator(t)

	result := o.Run(context.Background(), OperationRecovery, identities(5), Config{BatchSize: 2}, succeedAll, nil)

	assert.Equal(t, 5, result.TotalItems)
	assert.Equal(t, 5, result.CompletedItems)
	assert.NotEmpty(t, result.OperationID)
	assert.False(t, result.Cancelled)
	assertCounters(t, result)
}

func TestRunBatchingAndOrder(t *testing.T) {
	o := newTestOrchestrator(t)

	var order []string
	fn := func(_ context.Context, item *Item) (model.Outcome, error) {
		order = append(order, item.Identity)
		if item.Identity == "mbx-03" || item.Identity == "mbx-07" {
			return model.OutcomeFailed, nil
		}
		return model.OutcomeSucceeded, nil
	}

	result := o.Run(context.Background(), OperationRecovery, identities(10), Config{BatchSize: 3}, fn, nil)

	assert.Equal(t, identities(10), order, "items must run in strict input order")
	assert.Equal(t, 8, result.CompletedItems)
	assert.Equal(t, 2, result.FailedItems)
	assert.Equal(t, 0, result.SkippedItems)
	assertCounters(t, result)
}

func TestRunMixedOutcomes(t *testing.T) {
	o := newTestOrchestrator(t)

	fn := func(_ context.Context, item *Item) (model.Outcome, error) {
		switch item.Identity {
		case "mbx-01":
			return model.OutcomeAssumedSuccess, nil
		case "mbx-02":
			return model.OutcomeFailed, errors.New("remote rejected")
		case "mbx-03":
			item.Error = "structured failure"
			return model.OutcomeFailed, nil
		}
		return model.OutcomeSucceeded, nil
	}

	result := o.Run(context.Background(), OperationRecovery, identities(4), Config{BatchSize: 10}, fn, nil)

	assert.Equal(t, 2, result.CompletedItems, "assumed success counts as completed")
	assert.Equal(t, 2, result.FailedItems)
	assert.Equal(t, "remote rejected", result.Items[2].Error)
	assert.Equal(t, "structured failure", result.Items[3].Error)
	assertCounters(t, result)
}

func TestRunStopOnError(t *testing.T) {
	o := newTestOrchestrator(t)

	fn := func(_ context.Context, item *Item) (model.Outcome, error) {
		if item.Identity == "mbx-01" {
			return model.OutcomeFailed, errors.New("boom")
		}
		return model.OutcomeSucceeded, nil
	}

	result := o.Run(context.Background(), OperationRecovery, identities(5), Config{BatchSize: 2, StopOnError: true}, fn, nil)

	assert.Equal(t, 1, result.CompletedItems)
	assert.Equal(t, 1, result.FailedItems)
	assert.Equal(t, 3, result.SkippedItems)
	assertCounters(t, result)
}

func TestRunCancellationDrains(t *testing.T) {
	o := newTestOrchestrator(t)

	// The operation id only exists once Run starts, so capture it from the
	// first progress update and cancel while the third item is in flight.
	// That item must still finish and count as completed.
	var opID string
	progress := func(u ProgressUpdate) { opID = u.OperationID }
	fn := func(_ context.Context, item *Item) (model.Outcome, error) {
		if item.Identity == "mbx-02" {
			o.Cancel(opID)
		}
		return model.OutcomeSucceeded, nil
	}

	result := o.Run(context.Background(), OperationRecovery, identities(6), Config{BatchSize: 2}, fn, progress)

	assert.True(t, result.Cancelled)
	assert.Equal(t, 3, result.CompletedItems, "in-flight item finishes naturally")
	assert.Equal(t, 3, result.SkippedItems)
	assert.Equal(t, 0, result.FailedItems)
	assertCounters(t, result)
}

func TestRunContextCancellationDrains(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())

	fn := func(_ context.Context, item *Item) (model.Outcome, error) {
		if item.Identity == "mbx-01" {
			cancel()
		}
		return model.OutcomeSucceeded, nil
	}

	result := o.Run(ctx, OperationRecovery, identities(4), Config{BatchSize: 2}, fn, nil)

	assert.True(t, result.Cancelled)
	assert.Equal(t, 2, result.CompletedItems)
	assert.Equal(t, 2, result.SkippedItems)
	assertCounters(t, result)
}

func TestRunRetryPassOnlyRevisitsFailed(t *testing.T) {
	o := newTestOrchestrator(t)

	attempts := map[string]int{}
	fn := func(_ context.Context, item *Item) (model.Outcome, error) {
		attempts[item.Identity]++
		if item.Identity == "mbx-01" && attempts[item.Identity] == 1 {
			return model.OutcomeFailed, errors.New("transient")
		}
		return model.OutcomeSucceeded, nil
	}

	result := o.Run(context.Background(), OperationRecovery, identities(3),
		Config{BatchSize: 10, RetryFailed: true, MaxRetries: 2}, fn, nil)

	assert.Equal(t, 3, result.CompletedItems)
	assert.Equal(t, 0, result.FailedItems)
	assert.Equal(t, 1, attempts["mbx-00"], "succeeded items are not re-run")
	assert.Equal(t, 2, attempts["mbx-01"])
	assert.Equal(t, 1, attempts["mbx-02"])
	assert.Equal(t, ItemCompleted, result.Items[1].Status)
	assert.Empty(t, result.Items[1].Error)
	assertCounters(t, result)
}

func TestRunRetryPassStopsAtMaxRetries(t *testing.T) {
	o := newTestOrchestrator(t)

	attempts := 0
	fn := func(_ context.Context, _ *Item) (model.Outcome, error) {
		attempts++
		return model.OutcomeFailed, errors.New("permanent")
	}

	result := o.Run(context.Background(), OperationRecovery, identities(1),
		Config{BatchSize: 10, RetryFailed: true, MaxRetries: 2}, fn, nil)

	assert.Equal(t, 3, attempts, "one main attempt plus two retry passes")
	assert.Equal(t, 1, result.FailedItems)
	assertCounters(t, result)
}

func TestRunProgressCallback(t *testing.T) {
	o := newTestOrchestrator(t)

	var updates []ProgressUpdate
	progress := func(u ProgressUpdate) { updates = append(updates, u) }

	result := o.Run(context.Background(), OperationValidate, identities(3), Config{BatchSize: 2}, succeedAll, progress)

	require.Len(t, updates, 3)
	assert.Equal(t, "mbx-00", updates[0].Current)
	assert.Equal(t, 3, updates[2].Processed)
	assert.Equal(t, result.OperationID, updates[0].OperationID)
}

func TestRunProgressCallbackPanicsAreIsolated(t *testing.T) {
	o := newTestOrchestrator(t)

	progress := func(ProgressUpdate) { panic("observer bug") }
	result := o.Run(context.Background(), OperationRecovery, identities(3), Config{BatchSize: 2}, succeedAll, progress)

	assert.Equal(t, 3, result.CompletedItems)
	assertCounters(t, result)
}

func TestCancelUnknownIDIsNoop(t *testing.T) {
	o := newTestOrchestrator(t)
	o.Cancel("not-a-run")
	o.Cancel("not-a-run")
}

func TestResultLookup(t *testing.T) {
	o := newTestOrchestrator(t)

	result := o.Run(context.Background(), OperationRecovery, identities(2), Config{}, succeedAll, nil)

	stored, ok := o.Result(result.OperationID)
	require.True(t, ok)
	assert.Equal(t, result.OperationID, stored.OperationID)

	_, ok = o.Result("unknown")
	assert.False(t, ok)
}

func TestRetryFailedStandalone(t *testing.T) {
	o := newTestOrchestrator(t)

	calls := 0
	failFirst := func(_ context.Context, _ *Item) (model.Outcome, error) {
		calls++
		if calls <= 2 {
			return model.OutcomeFailed, errors.New("down")
		}
		return model.OutcomeSucceeded, nil
	}

	result := o.Run(context.Background(), OperationRestore, identities(2), Config{BatchSize: 10}, failFirst, nil)
	require.Equal(t, 2, result.FailedItems)

	o.RetryFailed(context.Background(), result, Config{}, failFirst)
	assert.Equal(t, 2, result.CompletedItems)
	assert.Equal(t, 0, result.FailedItems)
	assertCounters(t, result)
}

func TestItemToMap(t *testing.T) {
	start := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	item := &Item{
		Row:            4,
		Identity:       "mbx-00",
		TargetIdentity: "mbx-00@contoso.com",
		Details:        map[string]any{"request_name": "MailboxRestore1"},
		Status:         ItemCompleted,
		Attempts:       1,
		StartedAt:      start,
		CompletedAt:    start.Add(90 * time.Second),
	}
	m := item.ToMap()
	assert.Equal(t, 4, m["row"])
	assert.Equal(t, "mbx-00", m["identity"])
	assert.Equal(t, "mbx-00@contoso.com", m["target_identity"])
	assert.Equal(t, "MailboxRestore1", m["detail_request_name"])
	assert.Equal(t, "completed", m["status"])
	assert.Equal(t, "2026-08-30T10:00:00Z", m["started_at"])
	assert.Equal(t, 90.0, m["duration_seconds"])
}
