// Package audit records the outcome of mailbox operations through a simple
// collaborator interface so callers can swap the sink.
package audit

import (
	"time"

	"github.com/mboxkit/mboxkit/internal/logger"
	"github.com/mboxkit/mboxkit/internal/psparse"
)

// Entry is one audited operation.
type Entry struct {
	Kind     string
	Identity string
	Details  map[string]any
	Result   string
	Error    string
	At       time.Time
}

// Recorder receives audit entries. Implementations must not block for long;
// they are called inline from operation executors.
type Recorder interface {
	LogOperation(kind, identity string, details map[string]any, result, errText string)
}

// LogRecorder writes audit entries through the structured logger.
type LogRecorder struct {
	log *logger.Logger
}

// NewLogRecorder builds a Recorder backed by the application logger.
func NewLogRecorder(log *logger.Logger) *LogRecorder {
	return &LogRecorder{log: log.WithComponent("audit")}
}

func (r *LogRecorder) LogOperation(kind, identity string, details map[string]any, result, errText string) {
	fields := map[string]any{
		"kind":     kind,
		"identity": identity,
		"result":   result,
	}
	// Detail keys often come straight from remote PascalCase properties.
	for key, value := range details {
		fields["detail_"+psparse.SnakeCase(key)] = value
	}
	if errText != "" {
		fields["error"] = errText
		r.log.WithFields(fields).Warn("operation audited")
		return
	}
	r.log.WithFields(fields).Info("operation audited")
}

// NopRecorder discards audit entries.
type NopRecorder struct{}

func (NopRecorder) LogOperation(string, string, map[string]any, string, string) {}

// CaptureRecorder retains entries in memory for inspection.
type CaptureRecorder struct {
	Entries []Entry
}

func (r *CaptureRecorder) LogOperation(kind, identity string, details map[string]any, result, errText string) {
	r.Entries = append(r.Entries, Entry{
		Kind:     kind,
		Identity: identity,
		Details:  details,
		Result:   result,
		Error:    errText,
		At:       time.Now(),
	})
}

var (
	_ Recorder = (*LogRecorder)(nil)
	_ Recorder = NopRecorder{}
	_ Recorder = (*CaptureRecorder)(nil)
)
