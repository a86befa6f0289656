// Package monitor tracks progress of long-running operations: a registry of
// per-operation progress records, subscriber fan-out on updates, and a
// polling loop for asynchronous remote restore requests.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mboxkit/mboxkit/internal/logger"
	"github.com/mboxkit/mboxkit/internal/restore"
)

// Status is the monitor's view of an operation's lifecycle.
type Status string

const (
	StatusPending              Status = "pending"
	StatusRunning              Status = "running"
	StatusCompleted            Status = "completed"
	StatusCompletedWithWarning Status = "completed_with_warning"
	StatusFailed               Status = "failed"
	StatusSuspended            Status = "suspended"
	StatusCancelled            Status = "cancelled"
	StatusUnknown              Status = "unknown"
)

// IsTerminal reports whether no further updates are expected.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithWarning, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsSuccessful reports whether the operation finished usefully.
func (s Status) IsSuccessful() bool {
	return s == StatusCompleted || s == StatusCompletedWithWarning
}

// StatusFromRequestState maps the remote restore vocabulary onto Status.
func StatusFromRequestState(state restore.RequestState) Status {
	switch state {
	case restore.StateQueued:
		return StatusPending
	case restore.StateInProgress:
		return StatusRunning
	case restore.StateCompleted:
		return StatusCompleted
	case restore.StateCompletedWithWarning:
		return StatusCompletedWithWarning
	case restore.StateFailed:
		return StatusFailed
	case restore.StateSuspended:
		return StatusSuspended
	case restore.StateCancelled:
		return StatusCancelled
	default:
		return StatusUnknown
	}
}

// Progress is a point-in-time view of one monitored operation.
type Progress struct {
	OperationID        string
	Identity           string
	Status             Status
	PercentComplete    float64
	Message            string
	ItemsProcessed     int64
	ItemsTotal         int64
	BytesProcessed     int64
	Errors             []string
	Warnings           []string
	StartedAt          time.Time
	UpdatedAt          time.Time
	Elapsed            time.Duration
	EstimatedRemaining time.Duration
}

// ToMap is the flat projection used for export and display.
func (p Progress) ToMap() map[string]any {
	return map[string]any{
		"operation_id":      p.OperationID,
		"identity":          p.Identity,
		"status":            string(p.Status),
		"percent_complete":  p.PercentComplete,
		"message":           p.Message,
		"items_processed":   p.ItemsProcessed,
		"items_total":       p.ItemsTotal,
		"bytes_processed":   p.BytesProcessed,
		"errors":            append([]string(nil), p.Errors...),
		"warnings":          append([]string(nil), p.Warnings...),
		"started_at":        p.StartedAt.UTC().Format(time.RFC3339),
		"updated_at":        p.UpdatedAt.UTC().Format(time.RFC3339),
		"elapsed_seconds":   p.Elapsed.Seconds(),
		"remaining_seconds": p.EstimatedRemaining.Seconds(),
	}
}

// Update carries the partial fields merged into a progress record. Nil
// fields are left unchanged; Errors and Warnings append.
type Update struct {
	Status          *Status
	PercentComplete *float64
	Message         *string
	ItemsProcessed  *int64
	ItemsTotal      *int64
	BytesProcessed  *int64
	Errors          []string
	Warnings        []string
}

// Subscriber observes progress updates for one operation.
type Subscriber func(Progress)

// Monitor owns its registry and subscriber lists; instances are
// independent.
type Monitor struct {
	log *logger.Logger
	now func() time.Time

	mu          sync.Mutex
	registry    map[string]*Progress
	subscribers map[string][]Subscriber
	stops       map[string]*atomic.Bool
}

// NewMonitor builds an empty Monitor.
func NewMonitor(log *logger.Logger) *Monitor {
	return &Monitor{
		log:         log.WithComponent("monitor"),
		now:         time.Now,
		registry:    make(map[string]*Progress),
		subscribers: make(map[string][]Subscriber),
		stops:       make(map[string]*atomic.Bool),
	}
}

// Register creates a progress record in Pending state. Re-registering an id
// resets its record.
func (m *Monitor) Register(operationID, identity string) Progress {
	now := m.now()
	progress := &Progress{
		OperationID: operationID,
		Identity:    identity,
		Status:      StatusPending,
		StartedAt:   now,
		UpdatedAt:   now,
	}
	m.mu.Lock()
	m.registry[operationID] = progress
	m.mu.Unlock()
	return *progress
}

// Subscribe attaches a callback invoked on every update of the operation.
func (m *Monitor) Subscribe(operationID string, fn Subscriber) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.subscribers[operationID] = append(m.subscribers[operationID], fn)
	m.mu.Unlock()
}

// UpdateProgress merges partial fields into the record, recomputes derived
// timing, and fans out to subscribers. Unknown ids report ok=false.
func (m *Monitor) UpdateProgress(operationID string, update Update) (Progress, bool) {
	m.mu.Lock()
	progress, ok := m.registry[operationID]
	if !ok {
		m.mu.Unlock()
		return Progress{}, false
	}

	if update.Status != nil {
		progress.Status = *update.Status
	}
	if update.PercentComplete != nil {
		progress.PercentComplete = *update.PercentComplete
	}
	if update.Message != nil {
		progress.Message = *update.Message
	}
	if update.ItemsProcessed != nil {
		progress.ItemsProcessed = *update.ItemsProcessed
	}
	if update.ItemsTotal != nil {
		progress.ItemsTotal = *update.ItemsTotal
	}
	if update.BytesProcessed != nil {
		progress.BytesProcessed = *update.BytesProcessed
	}
	progress.Errors = append(progress.Errors, update.Errors...)
	progress.Warnings = append(progress.Warnings, update.Warnings...)

	now := m.now()
	progress.UpdatedAt = now
	progress.Elapsed = now.Sub(progress.StartedAt)
	progress.EstimatedRemaining = estimateRemaining(progress.Elapsed, progress.PercentComplete, progress.Status)

	snapshot := *progress
	subscribers := append([]Subscriber(nil), m.subscribers[operationID]...)
	m.mu.Unlock()

	for _, fn := range subscribers {
		m.deliver(fn, snapshot)
	}
	return snapshot, true
}

// deliver isolates subscriber panics from the update path and from other
// subscribers.
func (m *Monitor) deliver(fn Subscriber, snapshot Progress) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithFields(map[string]any{
				"operation_id": snapshot.OperationID,
				"panic":        r,
			}).Warn("subscriber panicked")
		}
	}()
	fn(snapshot)
}

// estimateRemaining projects linearly from progress so far; zero when the
// percentage is unusable or the operation already ended.
func estimateRemaining(elapsed time.Duration, percent float64, status Status) time.Duration {
	if percent <= 0 || status.IsTerminal() {
		return 0
	}
	total := time.Duration(float64(elapsed) / (percent / 100))
	remaining := total - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Get returns a copy of the current record.
func (m *Monitor) Get(operationID string) (Progress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	progress, ok := m.registry[operationID]
	if !ok {
		return Progress{}, false
	}
	return *progress, true
}

// List snapshots every registered operation.
func (m *Monitor) List() []Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Progress, 0, len(m.registry))
	for _, progress := range m.registry {
		out = append(out, *progress)
	}
	return out
}

// Remove drops a record and its subscribers.
func (m *Monitor) Remove(operationID string) {
	m.mu.Lock()
	delete(m.registry, operationID)
	delete(m.subscribers, operationID)
	delete(m.stops, operationID)
	m.mu.Unlock()
}

// Stop signals the poller for an operation to exit. Idempotent.
func (m *Monitor) Stop(operationID string) {
	m.mu.Lock()
	flag, ok := m.stops[operationID]
	m.mu.Unlock()
	if ok {
		flag.Store(true)
	}
}

// StatusFetcher retrieves the remote state of a restore request.
type StatusFetcher func(ctx context.Context) (restore.RequestStatus, error)

// StartRestorePoller launches a background loop that polls the remote
// request on the given interval, pushes mapped updates into the registry,
// and stops on a terminal state, a Stop call, or context cancellation. The
// returned channel closes when the loop exits.
func (m *Monitor) StartRestorePoller(ctx context.Context, operationID string, fetch StatusFetcher, interval time.Duration) <-chan struct{} {
	flag := &atomic.Bool{}
	m.mu.Lock()
	m.stops[operationID] = flag
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			m.mu.Lock()
			if m.stops[operationID] == flag {
				delete(m.stops, operationID)
			}
			m.mu.Unlock()
		}()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if flag.Load() {
				m.log.WithFields(map[string]any{"operation_id": operationID}).Debug("poller stopped by request")
				return
			}

			status, err := fetch(ctx)
			if err != nil {
				// Transient status failures keep the poller alive; the
				// record just does not advance this tick.
				m.log.WithFields(map[string]any{"operation_id": operationID}).Debug("status poll failed")
			} else {
				mapped := StatusFromRequestState(status.State)
				message := status.Name
				m.UpdateProgress(operationID, Update{
					Status:          &mapped,
					PercentComplete: &status.PercentComplete,
					Message:         &message,
					ItemsProcessed:  &status.ItemsTransferred,
					BytesProcessed:  &status.BytesTransferred,
				})
				if mapped.IsTerminal() {
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return done
}
