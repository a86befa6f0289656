// Package validation evaluates whether a recovery or restore operation may
// proceed against a mailbox. The evaluation itself is a pure function over a
// snapshot of remote state; gathering that snapshot is the Validator's job.
package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/mboxkit/mboxkit/internal/psparse"
)

// Severity ranks a validation issue. Only Error-severity issues block.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Code identifies a specific validation rule.
type Code string

const (
	CodeMailboxNotFound         Code = "MAILBOX_NOT_FOUND"
	CodeAuxPrimaryShard         Code = "AUXPRIMARY_SHARD"
	CodeAutoExpandingArchive    Code = "AUTO_EXPANDING_ARCHIVE"
	CodeLitigationHold          Code = "LITIGATION_HOLD"
	CodeEDiscoveryHold          Code = "EDISCOVERY_HOLD"
	CodeRetentionPolicyHold     Code = "RETENTION_POLICY_HOLD"
	CodeDelayHold               Code = "DELAY_HOLD"
	CodeLargeMailbox            Code = "LARGE_MAILBOX"
	CodeOldMailbox              Code = "OLD_MAILBOX"
	CodeUPNConflict             Code = "UPN_CONFLICT"
	CodeSMTPConflict            Code = "SMTP_CONFLICT"
	CodeTargetNotFound          Code = "TARGET_NOT_FOUND"
	CodeTargetInactive          Code = "TARGET_INACTIVE"
	CodeDuplicateRestoreRequest Code = "DUPLICATE_RESTORE_REQUEST"
)

// Issue is a single validation finding.
type Issue struct {
	Code     Code
	Severity Severity
	Message  string
}

// Result aggregates the findings of one validation run.
type Result struct {
	Identity string
	Issues   []Issue
}

// CanProceed reports whether the operation may continue. Warnings and Info
// findings never block.
func (r Result) CanProceed() bool {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			return false
		}
	}
	return true
}

// Errors returns only the blocking issues.
func (r Result) Errors() []Issue {
	var out []Issue
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			out = append(out, issue)
		}
	}
	return out
}

// Warnings returns the non-blocking warning issues.
func (r Result) Warnings() []Issue {
	var out []Issue
	for _, issue := range r.Issues {
		if issue.Severity == SeverityWarning {
			out = append(out, issue)
		}
	}
	return out
}

// BlockerText joins all Error messages into one line for reporting.
func (r Result) BlockerText() string {
	var parts []string
	for _, issue := range r.Errors() {
		parts = append(parts, issue.Message)
	}
	return strings.Join(parts, "; ")
}

func (r *Result) add(code Code, severity Severity, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{
		Code:     code,
		Severity: severity,
		Message:  fmt.Sprintf(format, args...),
	})
}

const (
	// largeMailboxThresholdMB flags mailboxes above 10 GB for awareness only.
	largeMailboxThresholdMB = 10240
	// oldMailboxThreshold flags mailboxes soft-deleted more than two years ago.
	oldMailboxThreshold = 730 * 24 * time.Hour
	// delayHoldGracePeriod is the fixed window Exchange applies after a hold
	// is removed.
	delayHoldGracePeriod = 30 * 24 * time.Hour
)

// MailboxSnapshot is the remote state a recovery evaluation runs against.
type MailboxSnapshot struct {
	Found                bool
	Identity             string
	DisplayName          string
	IsAuxPrimary         bool
	AutoExpandingArchive bool
	LitigationHold       bool
	DelayHold            bool
	InPlaceHolds         []string
	SizeMB               float64
	SoftDeletedAt        time.Time
}

// TargetConflicts captures whether the requested new identity collides with
// an existing one.
type TargetConflicts struct {
	UPN        string
	UPNExists  bool
	SMTP       string
	SMTPExists bool
}

// EvaluateRecovery merges the independent recovery checks over a snapshot.
// An unresolvable source short-circuits everything else.
func EvaluateRecovery(snapshot MailboxSnapshot, target *TargetConflicts) Result {
	result := Result{Identity: snapshot.Identity}

	if !snapshot.Found {
		result.add(CodeMailboxNotFound, SeverityError,
			"inactive mailbox %q could not be found", snapshot.Identity)
		return result
	}

	if snapshot.IsAuxPrimary {
		result.add(CodeAuxPrimaryShard, SeverityError,
			"mailbox is an auxiliary primary shard and cannot be recovered directly; recover the principal mailbox instead")
	}

	if snapshot.AutoExpandingArchive {
		result.add(CodeAutoExpandingArchive, SeverityWarning,
			"mailbox has an auto-expanding archive; archive content requires manual follow-up after recovery")
	}

	if snapshot.LitigationHold {
		result.add(CodeLitigationHold, SeverityWarning,
			"mailbox is on litigation hold; the hold will not carry over to the recovered mailbox")
	}

	ediscovery := 0
	retention := 0
	for _, hold := range psparse.ClassifyHolds(snapshot.InPlaceHolds) {
		switch hold.Type {
		case psparse.HoldTypeEDiscovery:
			ediscovery++
		case psparse.HoldTypeMailbox, psparse.HoldTypeSkype, psparse.HoldTypeGroup:
			// Organizational holds carry over; nothing to flag. cld holds
			// do not get this exemption and count as retention below.
		default:
			retention++
		}
	}
	if ediscovery > 0 {
		result.add(CodeEDiscoveryHold, SeverityWarning,
			"mailbox is under %d eDiscovery case hold(s); coordinate with the case owners before recovery", ediscovery)
	}
	if retention > 0 {
		result.add(CodeRetentionPolicyHold, SeverityWarning,
			"mailbox has %d retention policy hold(s) applied", retention)
	}

	if snapshot.DelayHold {
		result.add(CodeDelayHold, SeverityWarning,
			"mailbox has a delay hold; content remains held for up to %d days after hold removal",
			int(delayHoldGracePeriod.Hours()/24))
	}

	if snapshot.SizeMB > largeMailboxThresholdMB {
		result.add(CodeLargeMailbox, SeverityInfo,
			"mailbox is %.0f MB; recovery may take considerably longer than usual", snapshot.SizeMB)
	}

	if !snapshot.SoftDeletedAt.IsZero() && time.Since(snapshot.SoftDeletedAt) > oldMailboxThreshold {
		days := int(time.Since(snapshot.SoftDeletedAt).Hours() / 24)
		result.add(CodeOldMailbox, SeverityInfo,
			"mailbox was soft-deleted %d days ago; verify retention expectations before recovery", days)
	}

	if target != nil {
		if target.UPNExists {
			result.add(CodeUPNConflict, SeverityError,
				"target UPN %q already resolves to an existing recipient", target.UPN)
		}
		if target.SMTPExists {
			result.add(CodeSMTPConflict, SeverityError,
				"target SMTP address %q is already in use", target.SMTP)
		}
	}

	return result
}

// RestoreChecks is the remote state a restore evaluation runs against, on
// top of the source snapshot.
type RestoreChecks struct {
	TargetFound      bool
	TargetIdentity   string
	TargetInactive   bool
	DuplicateRequest bool
	DuplicateName    string
}

// EvaluateRestore requires both endpoints to resolve and the target to be an
// active mailbox, and blocks when an equivalent restore request is already
// in flight.
func EvaluateRestore(source MailboxSnapshot, checks RestoreChecks) Result {
	result := Result{Identity: source.Identity}

	if !source.Found {
		result.add(CodeMailboxNotFound, SeverityError,
			"source inactive mailbox %q could not be found", source.Identity)
		return result
	}

	if !checks.TargetFound {
		result.add(CodeTargetNotFound, SeverityError,
			"target mailbox %q could not be found", checks.TargetIdentity)
		return result
	}

	if checks.TargetInactive {
		result.add(CodeTargetInactive, SeverityError,
			"target mailbox %q is not an active mailbox", checks.TargetIdentity)
	}

	if checks.DuplicateRequest {
		name := checks.DuplicateName
		if name == "" {
			name = "an existing request"
		}
		result.add(CodeDuplicateRestoreRequest, SeverityError,
			"a restore request for this source and target is already in flight (%s)", name)
	}

	if source.LitigationHold {
		result.add(CodeLitigationHold, SeverityWarning,
			"source mailbox is on litigation hold; restored content is subject to the hold on the source only")
	}

	if source.SizeMB > largeMailboxThresholdMB {
		result.add(CodeLargeMailbox, SeverityInfo,
			"source mailbox is %.0f MB; the restore request may run for a long time", source.SizeMB)
	}

	return result
}
