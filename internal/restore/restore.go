// Package restore manages asynchronous mailbox restore requests: merging an
// inactive mailbox's content into an existing active mailbox.
package restore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mboxkit/mboxkit/internal/audit"
	"github.com/mboxkit/mboxkit/internal/channel"
	"github.com/mboxkit/mboxkit/internal/command"
	"github.com/mboxkit/mboxkit/internal/logger"
	"github.com/mboxkit/mboxkit/internal/model"
	"github.com/mboxkit/mboxkit/internal/psparse"
	"github.com/mboxkit/mboxkit/internal/validation"
	mboxerrors "github.com/mboxkit/mboxkit/pkg/errors"
)

const (
	createTimeout = 120 * time.Second
	statusTimeout = 60 * time.Second

	defaultConflictResolution = "KeepAll"
)

// RequestState is the lifecycle state of a remote restore request.
type RequestState string

const (
	StateQueued               RequestState = "Queued"
	StateInProgress           RequestState = "InProgress"
	StateCompleted            RequestState = "Completed"
	StateCompletedWithWarning RequestState = "CompletedWithWarning"
	StateFailed               RequestState = "Failed"
	StateSuspended            RequestState = "Suspended"
	StateCancelled            RequestState = "Cancelled"
	StateUnknown              RequestState = "Unknown"
)

// ParseRequestState maps the remote status vocabulary onto RequestState,
// falling back to Unknown.
func ParseRequestState(raw string) RequestState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued":
		return StateQueued
	case "inprogress":
		return StateInProgress
	case "completed":
		return StateCompleted
	case "completedwithwarning":
		return StateCompletedWithWarning
	case "failed":
		return StateFailed
	case "suspended":
		return StateSuspended
	case "cancelled", "canceled":
		return StateCancelled
	default:
		return StateUnknown
	}
}

// IsTerminal reports whether the request will make no further progress.
// Suspended requests can resume, so they are not terminal.
func (s RequestState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateCompletedWithWarning, StateFailed, StateCancelled:
		return true
	}
	return false
}

// IsSuccessful reports whether the request finished with its content restored.
func (s RequestState) IsSuccessful() bool {
	return s == StateCompleted || s == StateCompletedWithWarning
}

// Runner executes remote commands; the session manager satisfies it.
type Runner interface {
	ExecuteCommand(ctx context.Context, cmd channel.Command, timeout time.Duration) (channel.Result, error)
}

// Gate runs pre-restore validation; *validation.Validator satisfies it.
type Gate interface {
	ValidateRestore(ctx context.Context, sourceIdentity, targetIdentity string) (validation.Result, error)
}

// Request describes one restore. TargetRootFolder defaults to
// Restored-<YYYY-MM-DD> and ConflictResolution to KeepAll.
type Request struct {
	SourceIdentity        string
	TargetIdentity        string
	TargetRootFolder      string
	ConflictResolution    string
	AllowLegacyDNMismatch bool
	BatchName             string
	SkipValidation        bool
}

func (r *Request) applyDefaults(now time.Time) {
	if r.TargetRootFolder == "" {
		r.TargetRootFolder = DefaultFolderName(now)
	}
	if r.ConflictResolution == "" {
		r.ConflictResolution = defaultConflictResolution
	}
}

// DefaultFolderName is the target root folder used when none is supplied.
func DefaultFolderName(now time.Time) string {
	return "Restored-" + now.Format("2006-01-02")
}

// Result is the outcome of creating one restore request.
type Result struct {
	Identity        string
	RequestName     string
	RequestIdentity string
	Outcome         model.Outcome
	Validation      *validation.Result
	ErrorText       string
	Duration        time.Duration
}

// RequestStatus is a point-in-time view of a remote restore request.
type RequestStatus struct {
	Name             string
	State            RequestState
	PercentComplete  float64
	ItemsTransferred int64
	BytesTransferred int64
	BadItems         int64
}

// Service executes restore operations against the remote session.
type Service struct {
	runner   Runner
	gate     Gate
	builder  *command.Builder
	recorder audit.Recorder
	log      *logger.Logger
	now      func() time.Time
}

// NewService builds a restore Service. recorder may be nil.
func NewService(runner Runner, gate Gate, recorder audit.Recorder, log *logger.Logger) *Service {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &Service{
		runner:   runner,
		gate:     gate,
		builder:  command.NewBuilder(),
		recorder: recorder,
		log:      log.WithComponent("restore"),
		now:      time.Now,
	}
}

// Create submits a new restore request. Validation blockers and structured
// remote failures resolve to a Failed outcome with a nil error.
func (s *Service) Create(ctx context.Context, req Request) (Result, error) {
	started := s.now()
	req.applyDefaults(started)
	result := Result{Identity: req.SourceIdentity, Outcome: model.OutcomeFailed}

	if req.SourceIdentity == "" || req.TargetIdentity == "" {
		return result, mboxerrors.NewValidationError(req.SourceIdentity,
			[]string{"source and target identities are required"}, nil)
	}

	s.recorder.LogOperation("restore", req.SourceIdentity,
		map[string]any{"target": req.TargetIdentity}, "started", "")

	if !req.SkipValidation {
		verdict, err := s.gate.ValidateRestore(ctx, req.SourceIdentity, req.TargetIdentity)
		if err != nil {
			return s.finish(result, started, "validation query failed: "+err.Error()), err
		}
		result.Validation = &verdict
		if !verdict.CanProceed() {
			return s.finish(result, started, "validation blocked: "+verdict.BlockerText()), nil
		}
	}

	cmd := s.builder.BuildRestore(command.RestoreParams{
		SourceMailbox:         req.SourceIdentity,
		TargetMailbox:         req.TargetIdentity,
		TargetRootFolder:      req.TargetRootFolder,
		AllowLegacyDNMismatch: req.AllowLegacyDNMismatch,
		ConflictResolution:    req.ConflictResolution,
		BatchName:             req.BatchName,
	})

	remote, err := s.runner.ExecuteCommand(ctx, cmd, createTimeout)
	if err != nil {
		return s.finish(result, started, err.Error()), err
	}
	if !remote.Success {
		details := psparse.ClassifyError(remote.Error)
		return s.finish(result, started, details.Message), nil
	}

	data, parseErr := psparse.ParseObject(remote.Output)
	if parseErr != nil || data == nil {
		s.log.WithFields(map[string]any{"identity": req.SourceIdentity}).Warn(
			"restore request confirmation could not be parsed, assuming success")
		result.Outcome = model.OutcomeAssumedSuccess
		return s.finish(result, started, ""), nil
	}

	result.Outcome = model.OutcomeSucceeded
	result.RequestName = psparse.StringField(data, "Name")
	result.RequestIdentity = psparse.StringField(data, "Identity", "RequestGuid")
	if result.RequestIdentity == "" {
		result.RequestIdentity = result.RequestName
	}
	return s.finish(result, started, ""), nil
}

func (s *Service) finish(result Result, started time.Time, errText string) Result {
	result.Duration = s.now().Sub(started)
	result.ErrorText = errText

	s.recorder.LogOperation("restore", result.Identity,
		map[string]any{"request": result.RequestName}, string(result.Outcome), errText)

	fields := map[string]any{
		"identity": result.Identity,
		"outcome":  string(result.Outcome),
		"duration": result.Duration.String(),
	}
	if errText != "" {
		s.log.WithFields(fields).Warn("restore request finished with failure")
	} else {
		s.log.WithFields(fields).Info("restore request submitted")
	}
	return result
}

// GetStatus fetches progress statistics for one restore request.
func (s *Service) GetStatus(ctx context.Context, requestIdentity string) (RequestStatus, error) {
	remote, err := s.runner.ExecuteCommand(ctx, s.builder.BuildRestoreStatus(requestIdentity), statusTimeout)
	if err != nil {
		return RequestStatus{}, err
	}
	if !remote.Success {
		return RequestStatus{}, mboxerrors.NewOperationError(requestIdentity,
			fmt.Errorf("status query failed: %s", psparse.ClassifyError(remote.Error).Message))
	}

	data, err := psparse.ParseObject(remote.Output)
	if err != nil {
		return RequestStatus{}, err
	}
	if data == nil {
		return RequestStatus{}, mboxerrors.NewOperationError(requestIdentity,
			fmt.Errorf("restore request not found"))
	}
	return statusFromObject(data), nil
}

func statusFromObject(data map[string]any) RequestStatus {
	return RequestStatus{
		Name:             psparse.StringField(data, "Name"),
		State:            ParseRequestState(psparse.StringField(data, "Status")),
		PercentComplete:  psparse.FloatField(data, "PercentComplete"),
		ItemsTransferred: int64(psparse.FloatField(data, "ItemsTransferred")),
		BytesTransferred: int64(psparse.FloatField(data, "BytesTransferred")),
		BadItems:         int64(psparse.FloatField(data, "BadItemsEncountered")),
	}
}

// ListRequests lists restore requests, filtered by batch name when batchName
// is non-empty.
func (s *Service) ListRequests(ctx context.Context, batchName string) ([]RequestStatus, error) {
	remote, err := s.runner.ExecuteCommand(ctx, s.builder.BuildListRestoreRequests(batchName), statusTimeout)
	if err != nil {
		return nil, err
	}
	if !remote.Success {
		return nil, mboxerrors.NewOperationError(batchName,
			fmt.Errorf("list query failed: %s", psparse.ClassifyError(remote.Error).Message))
	}

	objects, err := psparse.ParseObjects(remote.Output)
	if err != nil {
		return nil, err
	}
	statuses := make([]RequestStatus, 0, len(objects))
	for _, obj := range objects {
		statuses = append(statuses, statusFromObject(obj))
	}
	return statuses, nil
}

// Suspend pauses an in-flight restore request.
func (s *Service) Suspend(ctx context.Context, requestIdentity string) error {
	return s.runControl(ctx, "suspend", requestIdentity, s.builder.BuildSuspendRestoreRequest(requestIdentity))
}

// Remove deletes a restore request record. Exchange keeps finished requests
// around until removed explicitly.
func (s *Service) Remove(ctx context.Context, requestIdentity string) error {
	return s.runControl(ctx, "remove", requestIdentity, s.builder.BuildRemoveRestoreRequest(requestIdentity))
}

func (s *Service) runControl(ctx context.Context, action, requestIdentity string, cmd channel.Command) error {
	remote, err := s.runner.ExecuteCommand(ctx, cmd, statusTimeout)
	if err != nil {
		return err
	}
	if !remote.Success {
		return mboxerrors.NewOperationError(requestIdentity,
			fmt.Errorf("%s failed: %s", action, psparse.ClassifyError(remote.Error).Message))
	}
	s.recorder.LogOperation("restore_"+action, requestIdentity, nil, "succeeded", "")
	return nil
}

// WaitForCompletion polls a restore request until it reaches a terminal
// state. onProgress, when non-nil, receives every observed status.
func (s *Service) WaitForCompletion(ctx context.Context, requestIdentity string, interval time.Duration, onProgress func(RequestStatus)) (RequestStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := s.GetStatus(ctx, requestIdentity)
		if err != nil {
			return status, err
		}
		if onProgress != nil {
			onProgress(status)
		}
		if status.State.IsTerminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

// EstimateDuration gives a rough wall-clock estimate for restoring a
// mailbox of the given size, based on a conservative 500 MB/minute transfer
// rate with a fixed provisioning floor.
func EstimateDuration(sizeMB float64) time.Duration {
	const floor = 5 * time.Minute
	if sizeMB <= 0 {
		return floor
	}
	transfer := time.Duration(sizeMB/500*float64(time.Minute)) + floor
	return transfer
}
