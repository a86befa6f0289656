package validation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mboxkit/mboxkit/internal/channel"
	"github.com/mboxkit/mboxkit/internal/command"
	"github.com/mboxkit/mboxkit/internal/logger"
	"github.com/mboxkit/mboxkit/internal/psparse"
	"github.com/mboxkit/mboxkit/internal/session"
)

const (
	preflightTimeout = 60 * time.Second
	lookupTimeout    = 30 * time.Second
)

// Runner is the slice of the session manager the validator needs.
type Runner interface {
	ExecuteCommand(ctx context.Context, cmd channel.Command, timeout time.Duration) (channel.Result, error)
	State() session.State
}

// Validator gathers remote snapshots and evaluates them through the gate.
type Validator struct {
	runner  Runner
	builder *command.Builder
	log     *logger.Logger
}

// NewValidator builds a Validator on top of a session runner.
func NewValidator(runner Runner, log *logger.Logger) *Validator {
	return &Validator{
		runner:  runner,
		builder: command.NewBuilder(),
		log:     log.WithComponent("validation"),
	}
}

// ValidateRecovery runs the full recovery rule set against an inactive
// mailbox. targetUPN and targetSMTP are optional; conflict checks only run
// when they are supplied.
func (v *Validator) ValidateRecovery(ctx context.Context, sourceIdentity, targetUPN, targetSMTP string) (Result, error) {
	snapshot, err := v.Snapshot(ctx, sourceIdentity)
	if err != nil {
		return Result{}, err
	}

	var conflicts *TargetConflicts
	if targetUPN != "" || targetSMTP != "" {
		conflicts = &TargetConflicts{UPN: targetUPN, SMTP: targetSMTP}
		if targetUPN != "" {
			conflicts.UPNExists = v.identityResolves(ctx, targetUPN)
		}
		if targetSMTP != "" {
			conflicts.SMTPExists = v.smtpResolves(ctx, targetSMTP)
		}
	}

	result := EvaluateRecovery(snapshot, conflicts)
	v.logResult("recovery", result)
	return result, nil
}

// ValidateRestore checks both restore endpoints and looks for an equivalent
// in-flight request. The target-liveness and duplicate checks degrade to
// pass when the session is not connected.
func (v *Validator) ValidateRestore(ctx context.Context, sourceIdentity, targetIdentity string) (Result, error) {
	snapshot, err := v.Snapshot(ctx, sourceIdentity)
	if err != nil {
		return Result{}, err
	}

	checks := RestoreChecks{TargetIdentity: targetIdentity}
	if snapshot.Found {
		checks.TargetFound, checks.TargetInactive = v.checkTargetActive(ctx, targetIdentity)
		if checks.TargetFound {
			checks.DuplicateRequest, checks.DuplicateName = v.checkDuplicateRestore(ctx, sourceIdentity, targetIdentity)
		}
	}

	result := EvaluateRestore(snapshot, checks)
	v.logResult("restore", result)
	return result, nil
}

// Snapshot gathers the remote preflight state for one inactive mailbox. A
// not-found response yields a snapshot with Found=false rather than an
// error; transport failures propagate.
func (v *Validator) Snapshot(ctx context.Context, identity string) (MailboxSnapshot, error) {
	snapshot := MailboxSnapshot{Identity: identity}

	result, err := v.runner.ExecuteCommand(ctx, v.builder.BuildPreflight(identity), preflightTimeout)
	if err != nil {
		return snapshot, err
	}
	if !result.Success {
		if psparse.ClassifyError(result.Error).Kind == psparse.ErrorKindNotFound {
			return snapshot, nil
		}
		return snapshot, fmt.Errorf("preflight query failed: %s", firstLine(result.Error))
	}

	data, err := psparse.ParseObject(result.Output)
	if err != nil {
		return snapshot, err
	}
	if data == nil {
		return snapshot, nil
	}

	snapshot.Found = true
	snapshot.DisplayName = psparse.StringField(data, "DisplayName")
	snapshot.IsAuxPrimary = psparse.BoolField(data, "IsAuxPrimary")
	snapshot.AutoExpandingArchive = psparse.BoolField(data, "AutoExpandingArchiveEnabled")
	snapshot.LitigationHold = psparse.BoolField(data, "LitigationHold", "LitigationHoldEnabled")
	snapshot.DelayHold = psparse.BoolField(data, "DelayHoldApplied") || psparse.BoolField(data, "DelayReleaseHoldApplied")
	snapshot.InPlaceHolds = psparse.StringsField(data, "InPlaceHolds")
	if raw := psparse.StringField(data, "WhenSoftDeleted"); raw != "" {
		if parsed, ok := parseRemoteTime(raw); ok {
			snapshot.SoftDeletedAt = parsed
		}
	}

	v.fillStatistics(ctx, &snapshot)
	return snapshot, nil
}

// fillStatistics adds size information to the snapshot; statistics are
// advisory, so failures only log.
func (v *Validator) fillStatistics(ctx context.Context, snapshot *MailboxSnapshot) {
	result, err := v.runner.ExecuteCommand(ctx, v.builder.BuildGetMailboxStatistics(snapshot.Identity), lookupTimeout)
	if err != nil || !result.Success {
		v.log.WithFields(map[string]any{"identity": snapshot.Identity}).Debug("statistics lookup failed, size checks skipped")
		return
	}
	data, err := psparse.ParseObject(result.Output)
	if err != nil || data == nil {
		return
	}
	if bytes, ok := psparse.ParseSize(psparse.StringField(data, "TotalItemSize")); ok {
		snapshot.SizeMB = float64(bytes) / (1 << 20)
	}
}

func (v *Validator) identityResolves(ctx context.Context, identity string) bool {
	result, err := v.runner.ExecuteCommand(ctx, v.builder.BuildCheckMailboxExists(identity), lookupTimeout)
	if err != nil || !result.Success {
		return false
	}
	return strings.TrimSpace(result.Output) != ""
}

func (v *Validator) smtpResolves(ctx context.Context, smtp string) bool {
	result, err := v.runner.ExecuteCommand(ctx, v.builder.BuildCheckSMTPExists(smtp), lookupTimeout)
	if err != nil || !result.Success {
		return false
	}
	return strings.TrimSpace(result.Output) != ""
}

// checkTargetActive resolves the restore target and reports whether it is
// an active mailbox. When the session is disconnected the check passes so
// offline validation is never blocked.
func (v *Validator) checkTargetActive(ctx context.Context, targetIdentity string) (found, inactive bool) {
	if v.runner.State() != session.StateConnected {
		v.log.Debug("session not connected, target liveness check skipped")
		return true, false
	}

	result, err := v.runner.ExecuteCommand(ctx, v.builder.BuildCheckMailboxExists(targetIdentity), lookupTimeout)
	if err != nil || !result.Success {
		return false, false
	}
	data, err := psparse.ParseObject(result.Output)
	if err != nil || data == nil {
		return false, false
	}

	recipientType := psparse.StringField(data, "RecipientTypeDetails")
	return true, strings.Contains(strings.ToLower(recipientType), "inactive")
}

// checkDuplicateRestore looks for a non-terminal restore request with the
// same source and target. Skipped when disconnected.
func (v *Validator) checkDuplicateRestore(ctx context.Context, sourceIdentity, targetIdentity string) (duplicate bool, name string) {
	if v.runner.State() != session.StateConnected {
		v.log.Debug("session not connected, duplicate restore check skipped")
		return false, ""
	}

	result, err := v.runner.ExecuteCommand(ctx, v.builder.BuildListRestoreRequestsFor(sourceIdentity, targetIdentity), lookupTimeout)
	if err != nil || !result.Success {
		return false, ""
	}
	requests, err := psparse.ParseObjects(result.Output)
	if err != nil {
		return false, ""
	}

	for _, request := range requests {
		status := strings.ToLower(psparse.StringField(request, "Status"))
		switch status {
		case "completed", "completedwithwarning", "failed":
			continue
		}
		return true, psparse.StringField(request, "Name")
	}
	return false, ""
}

func (v *Validator) logResult(kind string, result Result) {
	v.log.WithFields(map[string]any{
		"kind":        kind,
		"identity":    result.Identity,
		"issues":      len(result.Issues),
		"can_proceed": result.CanProceed(),
	}).Debug("validation completed")
}

// parseRemoteTime accepts both ISO-8601 and the legacy /Date(ms)/ encoding
// PowerShell uses for DateTime values.
func parseRemoteTime(raw string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed, true
		}
	}
	if strings.HasPrefix(raw, "/Date(") && strings.HasSuffix(raw, ")/") {
		millis := strings.TrimSuffix(strings.TrimPrefix(raw, "/Date("), ")/")
		var ms int64
		if _, err := fmt.Sscanf(millis, "%d", &ms); err == nil {
			return time.UnixMilli(ms), true
		}
	}
	return time.Time{}, false
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return strings.TrimSpace(s)
}
