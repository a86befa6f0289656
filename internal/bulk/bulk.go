// Package bulk runs recovery, restore, or validation operations over many
// mailboxes: fixed-size batches, strict input order, pacing delays,
// cooperative cancellation, and an optional end-of-run retry pass over
// failures.
package bulk

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mboxkit/mboxkit/internal/logger"
	"github.com/mboxkit/mboxkit/internal/model"
)

// OperationType names the kind of work a bulk run performs.
type OperationType string

const (
	OperationRecovery OperationType = "recovery"
	OperationRestore  OperationType = "restore"
	OperationValidate OperationType = "validate"
)

// ItemStatus is the per-item lifecycle within a bulk run.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemInProgress ItemStatus = "in_progress"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
	ItemSkipped    ItemStatus = "skipped"
)

// Item tracks one mailbox through a bulk run. TargetIdentity and Details are
// filled by the operation function as it resolves them.
type Item struct {
	Row            int
	Identity       string
	TargetIdentity string
	Details        map[string]any
	Status         ItemStatus
	Error          string
	Attempts       int
	StartedAt      time.Time
	CompletedAt    time.Time
}

// ToMap is the flat projection used for export and display.
func (i *Item) ToMap() map[string]any {
	out := map[string]any{
		"row":      i.Row,
		"identity": i.Identity,
		"status":   string(i.Status),
		"error":    i.Error,
		"attempts": i.Attempts,
	}
	if i.TargetIdentity != "" {
		out["target_identity"] = i.TargetIdentity
	}
	for key, value := range i.Details {
		out["detail_"+key] = value
	}
	if !i.StartedAt.IsZero() {
		out["started_at"] = i.StartedAt.UTC().Format(time.RFC3339)
	}
	if !i.CompletedAt.IsZero() {
		out["completed_at"] = i.CompletedAt.UTC().Format(time.RFC3339)
		out["duration_seconds"] = i.CompletedAt.Sub(i.StartedAt).Seconds()
	}
	return out
}

// Result aggregates a bulk run. CompletedItems + FailedItems + SkippedItems
// equals TotalItems once the run finishes.
type Result struct {
	OperationID    string
	Type           OperationType
	TotalItems     int
	CompletedItems int
	FailedItems    int
	SkippedItems   int
	Items          []*Item
	StartedAt      time.Time
	FinishedAt     time.Time
	Cancelled      bool
}

// ToMap is the flat projection of the run summary.
func (r *Result) ToMap() map[string]any {
	return map[string]any{
		"operation_id": r.OperationID,
		"type":         string(r.Type),
		"total":        r.TotalItems,
		"completed":    r.CompletedItems,
		"failed":       r.FailedItems,
		"skipped":      r.SkippedItems,
		"cancelled":    r.Cancelled,
		"started_at":   r.StartedAt.UTC().Format(time.RFC3339),
		"finished_at":  r.FinishedAt.UTC().Format(time.RFC3339),
	}
}

// Config tunes a bulk run.
type Config struct {
	BatchSize   int
	ItemDelay   time.Duration
	BatchDelay  time.Duration
	StopOnError bool
	RetryFailed bool
	MaxRetries  int
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
}

// OperationFunc performs the work for one item. A returned error or a
// Failed outcome marks the item Failed; either success outcome marks it
// Completed.
type OperationFunc func(ctx context.Context, item *Item) (model.Outcome, error)

// ProgressFunc observes the run after every processed item. It is invoked
// best-effort; panics are logged and swallowed.
type ProgressFunc func(update ProgressUpdate)

// ProgressUpdate is a snapshot emitted after each item.
type ProgressUpdate struct {
	OperationID string
	Current     string
	Processed   int
	Total       int
	Completed   int
	Failed      int
	Skipped     int
}

// Orchestrator owns the cancellation flags and finished results of its
// runs. Instances are independent; nothing is shared globally.
type Orchestrator struct {
	log *logger.Logger

	mu      sync.Mutex
	cancels map[string]*atomic.Bool
	results map[string]*Result

	sleep func(ctx context.Context, d time.Duration)
}

// NewOrchestrator builds an Orchestrator.
func NewOrchestrator(log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		log:     log.WithComponent("bulk"),
		cancels: make(map[string]*atomic.Bool),
		results: make(map[string]*Result),
		sleep:   sleepFor,
	}
}

func sleepFor(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Cancel requests cooperative cancellation of a run. Idempotent; unknown
// ids are ignored. The in-flight item finishes naturally — a remote
// operation already executing cannot be safely aborted mid-flight.
func (o *Orchestrator) Cancel(operationID string) {
	o.mu.Lock()
	flag, ok := o.cancels[operationID]
	o.mu.Unlock()
	if ok {
		flag.Store(true)
		o.log.WithFields(map[string]any{"operation_id": operationID}).Info("cancellation requested")
	}
}

// Result returns the stored result for a finished or running operation.
func (o *Orchestrator) Result(operationID string) (*Result, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	result, ok := o.results[operationID]
	return result, ok
}

// Run processes identities in input order and returns the completed result.
// The returned result is also retrievable by operation id afterwards.
func (o *Orchestrator) Run(ctx context.Context, opType OperationType, identities []string, cfg Config, fn OperationFunc, onProgress ProgressFunc) *Result {
	cfg.applyDefaults()

	result := &Result{
		OperationID: uuid.NewString(),
		Type:        opType,
		TotalItems:  len(identities),
		Items:       make([]*Item, 0, len(identities)),
		StartedAt:   time.Now(),
	}
	for row, identity := range identities {
		result.Items = append(result.Items, &Item{Row: row + 1, Identity: identity, Status: ItemPending})
	}

	flag := &atomic.Bool{}
	o.mu.Lock()
	o.cancels[result.OperationID] = flag
	o.results[result.OperationID] = result
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, result.OperationID)
		o.mu.Unlock()
	}()

	o.log.WithFields(map[string]any{
		"operation_id": result.OperationID,
		"type":         string(opType),
		"total":        result.TotalItems,
		"batch_size":   cfg.BatchSize,
	}).Info("bulk run started")

	o.runMainPass(ctx, result, cfg, flag, fn, onProgress)

	if cfg.RetryFailed && result.FailedItems > 0 && !result.Cancelled {
		o.runRetryPasses(ctx, result, cfg, flag, fn)
	}

	result.FinishedAt = time.Now()
	o.log.WithFields(map[string]any{
		"operation_id": result.OperationID,
		"completed":    result.CompletedItems,
		"failed":       result.FailedItems,
		"skipped":      result.SkippedItems,
		"cancelled":    result.Cancelled,
	}).Info("bulk run finished")
	return result
}

func (o *Orchestrator) runMainPass(ctx context.Context, result *Result, cfg Config, flag *atomic.Bool, fn OperationFunc, onProgress ProgressFunc) {
	processed := 0
	batchCount := (len(result.Items) + cfg.BatchSize - 1) / cfg.BatchSize

	for batchIdx := 0; batchIdx < batchCount; batchIdx++ {
		start := batchIdx * cfg.BatchSize
		end := start + cfg.BatchSize
		if end > len(result.Items) {
			end = len(result.Items)
		}

		for _, item := range result.Items[start:end] {
			if flag.Load() || ctx.Err() != nil {
				// Drain instead of aborting so the final counters still
				// account for every item.
				result.Cancelled = true
				item.Status = ItemSkipped
				result.SkippedItems++
				processed++
				continue
			}

			o.processItem(ctx, item, fn)
			processed++
			switch item.Status {
			case ItemCompleted:
				result.CompletedItems++
			case ItemFailed:
				result.FailedItems++
			}

			o.notify(onProgress, result, item.Identity, processed)

			if cfg.StopOnError && item.Status == ItemFailed {
				o.skipRemaining(result)
				return
			}

			o.sleep(ctx, cfg.ItemDelay)
		}

		if batchIdx < batchCount-1 {
			o.sleep(ctx, cfg.BatchDelay)
		}
	}
}

func (o *Orchestrator) processItem(ctx context.Context, item *Item, fn OperationFunc) {
	item.Status = ItemInProgress
	item.StartedAt = time.Now()
	item.Attempts++

	outcome, err := fn(ctx, item)
	item.CompletedAt = time.Now()

	switch {
	case err != nil:
		item.Status = ItemFailed
		item.Error = err.Error()
	case outcome == model.OutcomeFailed:
		item.Status = ItemFailed
		// fn may have set item.Error already for structured failures.
		if item.Error == "" {
			item.Error = "operation failed"
		}
	default:
		item.Status = ItemCompleted
		item.Error = ""
	}
}

func (o *Orchestrator) skipRemaining(result *Result) {
	for _, item := range result.Items {
		if item.Status == ItemPending {
			item.Status = ItemSkipped
			result.SkippedItems++
		}
	}
}

// runRetryPasses re-runs only the currently-Failed items, up to MaxRetries
// passes, stopping early once nothing is Failed. Successes move from the
// failed counter to the completed counter.
func (o *Orchestrator) runRetryPasses(ctx context.Context, result *Result, cfg Config, flag *atomic.Bool, fn OperationFunc) {
	for pass := 0; pass < cfg.MaxRetries && result.FailedItems > 0; pass++ {
		o.log.WithFields(map[string]any{
			"operation_id": result.OperationID,
			"pass":         pass + 1,
			"failed":       result.FailedItems,
		}).Info("retrying failed items")

		for _, item := range result.Items {
			if item.Status != ItemFailed {
				continue
			}
			if flag.Load() || ctx.Err() != nil {
				result.Cancelled = true
				return
			}

			o.processItem(ctx, item, fn)
			if item.Status == ItemCompleted {
				result.FailedItems--
				result.CompletedItems++
			}
			o.sleep(ctx, cfg.ItemDelay)
		}
	}
}

// RetryFailed runs one extra pass over the Failed items of a finished
// result, reusing its operation id for cancellation.
func (o *Orchestrator) RetryFailed(ctx context.Context, result *Result, cfg Config, fn OperationFunc) {
	cfg.applyDefaults()
	if result.FailedItems == 0 {
		return
	}

	flag := &atomic.Bool{}
	o.mu.Lock()
	o.cancels[result.OperationID] = flag
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, result.OperationID)
		o.mu.Unlock()
	}()

	retryCfg := cfg
	retryCfg.MaxRetries = 1
	o.runRetryPasses(ctx, result, retryCfg, flag, fn)
	result.FinishedAt = time.Now()
}

func (o *Orchestrator) notify(onProgress ProgressFunc, result *Result, current string, processed int) {
	if onProgress == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.log.WithFields(map[string]any{"panic": r}).Warn("progress callback panicked")
		}
	}()
	onProgress(ProgressUpdate{
		OperationID: result.OperationID,
		Current:     current,
		Processed:   processed,
		Total:       result.TotalItems,
		Completed:   result.CompletedItems,
		Failed:      result.FailedItems,
		Skipped:     result.SkippedItems,
	})
}
