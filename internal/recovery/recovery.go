// Package recovery turns an inactive mailbox back into an active one by
// creating a new mailbox over the inactive shard.
package recovery

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
	recoveryTimeout = 300 * time.Second
	lookupTimeout   = 30 * time.Second
)

// Runner executes remote commands; the session manager satisfies it.
type Runner interface {
	ExecuteCommand(ctx context.Context, cmd channel.Command, timeout time.Duration) (channel.Result, error)
}

// Gate runs pre-recovery validation; *validation.Validator satisfies it.
type Gate interface {
	ValidateRecovery(ctx context.Context, sourceIdentity, targetUPN, targetSMTP string) (validation.Result, error)
}

// Request describes one recovery. TargetSMTP defaults to TargetUPN and
// DisplayName to the UPN local part when left empty. An empty Password asks
// the service to generate one.
type Request struct {
	SourceIdentity string
	TargetUPN      string
	TargetSMTP     string
	DisplayName    string
	FirstName      string
	LastName       string
	Password       string
	ResetPassword  bool
	SkipValidation bool
}

func (r *Request) applyDefaults() {
	if r.TargetSMTP == "" {
		r.TargetSMTP = r.TargetUPN
	}
	if r.DisplayName == "" {
		if at := strings.IndexByte(r.TargetUPN, '@'); at > 0 {
			r.DisplayName = r.TargetUPN[:at]
		} else {
			r.DisplayName = r.TargetUPN
		}
	}
}

// Result is the outcome of one recovery attempt.
type Result struct {
	Identity          string
	Outcome           model.Outcome
	NewMailboxGUID    string
	NewUPN            string
	GeneratedPassword string
	Validation        *validation.Result
	ErrorText         string
	Duration          time.Duration
}

// Service executes recovery operations against the remote session.
type Service struct {
	runner   Runner
	gate     Gate
	builder  *command.Builder
	recorder audit.Recorder
	log      *logger.Logger
}

// NewService builds a recovery Service. recorder may be nil.
func NewService(runner Runner, gate Gate, recorder audit.Recorder, log *logger.Logger) *Service {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &Service{
		runner:   runner,
		gate:     gate,
		builder:  command.NewBuilder(),
		recorder: recorder,
		log:      log.WithComponent("recovery"),
	}
}

// Recover performs one recovery. Validation blockers and structured remote
// failures resolve to a Failed outcome with a nil error; the error return is
// reserved for transport-level problems.
func (s *Service) Recover(ctx context.Context, req Request) (Result, error) {
	started := time.Now()
	req.applyDefaults()
	result := Result{Identity: req.SourceIdentity, Outcome: model.OutcomeFailed}

	if req.SourceIdentity == "" {
		return result, mboxerrors.NewValidationError(req.SourceIdentity, []string{"source identity is required"}, nil)
	}
	if req.TargetUPN == "" {
		return result, mboxerrors.NewValidationError(req.SourceIdentity, []string{"target UPN is required"}, nil)
	}

	s.recorder.LogOperation("recovery", req.SourceIdentity,
		map[string]any{"target_upn": req.TargetUPN}, "started", "")

	if !req.SkipValidation {
		verdict, err := s.gate.ValidateRecovery(ctx, req.SourceIdentity, req.TargetUPN, req.TargetSMTP)
		if err != nil {
			return s.finish(result, started, "validation query failed: "+err.Error()), err
		}
		result.Validation = &verdict
		if !verdict.CanProceed() {
			return s.finish(result, started, "validation blocked: "+verdict.BlockerText()), nil
		}
	}

	password := req.Password
	if password == "" {
		generated, err := GeneratePassword()
		if err != nil {
			return s.finish(result, started, err.Error()), err
		}
		password = generated
		result.GeneratedPassword = generated
	}

	cmd := s.builder.BuildRecovery(command.RecoveryParams{
		SourceGUID:    req.SourceIdentity,
		DisplayName:   req.DisplayName,
		UPN:           req.TargetUPN,
		Password:      password,
		FirstName:     req.FirstName,
		LastName:      req.LastName,
		ResetPassword: req.ResetPassword,
	})

	remote, err := s.runner.ExecuteCommand(ctx, cmd, recoveryTimeout)
	if err != nil {
		return s.finish(result, started, err.Error()), err
	}
	if !remote.Success {
		details := psparse.ClassifyError(remote.Error)
		return s.finish(result, started, details.Message), nil
	}

	data, parseErr := psparse.ParseObject(remote.Output)
	if parseErr != nil || data == nil {
		// The remote side committed the mailbox creation; only its
		// confirmation payload was unreadable.
		s.log.WithFields(map[string]any{"identity": req.SourceIdentity}).Warn(
			"recovery confirmation could not be parsed, assuming success")
		result.Outcome = model.OutcomeAssumedSuccess
		result.NewUPN = req.TargetUPN
		return s.finish(result, started, ""), nil
	}

	result.Outcome = model.OutcomeSucceeded
	result.NewMailboxGUID = psparse.StringField(data, "ExchangeGuid", "Guid")
	result.NewUPN = psparse.StringField(data, "MicrosoftOnlineServicesID", "UserPrincipalName")
	if result.NewUPN == "" {
		result.NewUPN = req.TargetUPN
	}
	return s.finish(result, started, ""), nil
}

func (s *Service) finish(result Result, started time.Time, errText string) Result {
	result.Duration = time.Since(started)
	result.ErrorText = errText

	status := string(result.Outcome)
	s.recorder.LogOperation("recovery", result.Identity,
		map[string]any{"new_upn": result.NewUPN}, status, errText)

	fields := map[string]any{
		"identity": result.Identity,
		"outcome":  status,
		"duration": result.Duration.String(),
	}
	if errText != "" {
		s.log.WithFields(fields).Warn("recovery finished with failure")
	} else {
		s.log.WithFields(fields).Info("recovery finished")
	}
	return result
}

// ProvisioningStatus reports whether the recovered mailbox has appeared.
type ProvisioningStatus struct {
	Exists        bool
	MailboxGUID   string
	RecipientType string
}

// GetRecoveryStatus checks whether the recovered mailbox resolves yet.
// Provisioning after New-Mailbox is eventually consistent.
func (s *Service) GetRecoveryStatus(ctx context.Context, identity string) (ProvisioningStatus, error) {
	remote, err := s.runner.ExecuteCommand(ctx, s.builder.BuildCheckMailboxExists(identity), lookupTimeout)
	if err != nil {
		return ProvisioningStatus{}, err
	}
	if !remote.Success {
		return ProvisioningStatus{}, nil
	}
	data, err := psparse.ParseObject(remote.Output)
	if err != nil || data == nil {
		return ProvisioningStatus{}, nil
	}
	return ProvisioningStatus{
		Exists:        true,
		MailboxGUID:   psparse.StringField(data, "ExchangeGuid"),
		RecipientType: psparse.StringField(data, "RecipientTypeDetails"),
	}, nil
}

// WaitForProvisioning polls until the recovered mailbox resolves or the
// deadline passes.
func (s *Service) WaitForProvisioning(ctx context.Context, identity string, timeout, interval time.Duration) (ProvisioningStatus, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := s.GetRecoveryStatus(ctx, identity)
		if err != nil {
			return status, err
		}
		if status.Exists {
			return status, nil
		}
		if time.Now().After(deadline) {
			return status, mboxerrors.NewOperationError(identity,
				fmt.Errorf("mailbox did not provision within %s", timeout))
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

// TargetSuggestion is a proposed identity for the recovered mailbox derived
// from the source mailbox.
type TargetSuggestion struct {
	UPN         string
	SMTP        string
	DisplayName string
}

// SuggestTargetDetails derives a target identity from the source mailbox.
// domain overrides the source UPN's domain when non-empty.
func (s *Service) SuggestTargetDetails(ctx context.Context, sourceIdentity, domain string) (TargetSuggestion, error) {
	remote, err := s.runner.ExecuteCommand(ctx, s.builder.BuildGetMailboxDetails(sourceIdentity), lookupTimeout)
	if err != nil {
		return TargetSuggestion{}, err
	}
	if !remote.Success {
		return TargetSuggestion{}, mboxerrors.NewOperationError(sourceIdentity,
			fmt.Errorf("source lookup failed: %s", psparse.ClassifyError(remote.Error).Message))
	}
	data, err := psparse.ParseObject(remote.Output)
	if err != nil {
		return TargetSuggestion{}, err
	}
	if data == nil {
		return TargetSuggestion{}, mboxerrors.NewOperationError(sourceIdentity,
			fmt.Errorf("source mailbox not found"))
	}

	sourceUPN := psparse.StringField(data, "UserPrincipalName")
	local := sourceUPN
	sourceDomain := ""
	if at := strings.IndexByte(sourceUPN, '@'); at > 0 {
		local = sourceUPN[:at]
		sourceDomain = sourceUPN[at+1:]
	}
	if domain == "" {
		domain = sourceDomain
	}

	upn := local
	if domain != "" {
		upn = local + "@" + domain
	}
	suggestion := TargetSuggestion{
		UPN:         upn,
		SMTP:        upn,
		DisplayName: psparse.StringField(data, "DisplayName"),
	}
	if suggestion.DisplayName == "" {
		suggestion.DisplayName = local
	}
	return suggestion, nil
}
