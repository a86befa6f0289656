package recovery

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mboxkit/mboxkit/internal/audit"
	"github.com/mboxkit/mboxkit/internal/channel"
	"github.com/mboxkit/mboxkit/internal/logger"
	"github.com/mboxkit/mboxkit/internal/model"
	"github.com/mboxkit/mboxkit/internal/validation"
	mboxerrors "github.com/mboxkit/mboxkit/pkg/errors"
)

type fakeRunner struct {
	results  []channel.Result
	errs     []error
	executed []channel.Command
}

func (f *fakeRunner) ExecuteCommand(_ context.Context, cmd channel.Command, _ time.Duration) (channel.Result, error) {
	f.executed = append(f.executed, cmd)
	idx := len(f.executed) - 1
	var err error
	if idx < len(f.errs) {
		err = f.errs[idx]
	}
	if idx < len(f.results) {
		return f.results[idx], err
	}
	return channel.Result{Success: true}, err
}

type fakeGate struct {
	result validation.Result
	err    error
	calls  int
}

func (f *fakeGate) ValidateRecovery(context.Context, string, string, string) (validation.Result, error) {
	f.calls++
	return f.result, f.err
}

func newTestService(t *testing.T, runner Runner, gate Gate, recorder audit.Recorder) *Service {
	t.Helper()
	log, err := logger.New(logger.Options{Level: "error", Writer: io.Discard})
	require.NoError(t, err)
	return NewService(runner, gate, recorder, log)
}

func TestRecoverSuccess(t *testing.T) {
	runner := &fakeRunner{results: []channel.Result{
		{Success: true, Output: `{"ExchangeGuid": "b2c3", "MicrosoftOnlineServicesID": "jane@contoso.com"}`},
	}}
	recorder := &audit.CaptureRecorder{}
	svc := newTestService(t, runner, &fakeGate{}, recorder)

	result, err := svc.Recover(context.Background(), Request{
		SourceIdentity: "a1b2",
		TargetUPN:      "jane@contoso.com",
		Password:       "Preset!Passw0rd1",
	})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSucceeded, result.Outcome)
	assert.Equal(t, "b2c3", result.NewMailboxGUID)
	assert.Equal(t, "jane@contoso.com", result.NewUPN)
	assert.Empty(t, result.GeneratedPassword)

	require.Len(t, recorder.Entries, 2)
	assert.Equal(t, "started", recorder.Entries[0].Result)
	assert.Equal(t, "succeeded", recorder.Entries[1].Result)
}

func TestRecoverDefaultsDisplayNameAndSMTP(t *testing.T) {
	runner := &fakeRunner{results: []channel.Result{{Success: true, Output: `{}`}}}
	svc := newTestService(t, runner, &fakeGate{}, nil)

	_, err := svc.Recover(context.Background(), Request{
		SourceIdentity: "a1b2",
		TargetUPN:      "jane.doe@contoso.com",
		Password:       "Preset!Passw0rd1",
	})
	require.NoError(t, err)
	require.Len(t, runner.executed, 1)
	assert.Contains(t, runner.executed[0].Text, "-DisplayName 'jane.doe'")
}

func TestRecoverGeneratesPassword(t *testing.T) {
	runner := &fakeRunner{results: []channel.Result{{Success: true, Output: `{}`}}}
	svc := newTestService(t, runner, &fakeGate{}, nil)

	result, err := svc.Recover(context.Background(), Request{
		SourceIdentity: "a1b2",
		TargetUPN:      "jane@contoso.com",
	})
	require.NoError(t, err)
	assert.Len(t, result.GeneratedPassword, 16)
	assert.Contains(t, runner.executed[0].Text, result.GeneratedPassword)
	assert.True(t, runner.executed[0].Sensitive)
}

func TestRecoverValidationBlocks(t *testing.T) {
	gate := &fakeGate{result: validation.Result{
		Identity: "a1b2",
		Issues: []validation.Issue{{
			Code:     validation.CodeAuxPrimaryShard,
			Severity: validation.SeverityError,
			Message:  "shard mailbox",
		}},
	}}
	runner := &fakeRunner{}
	svc := newTestService(t, runner, gate, nil)

	result, err := svc.Recover(context.Background(), Request{
		SourceIdentity: "a1b2",
		TargetUPN:      "jane@contoso.com",
	})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFailed, result.Outcome)
	assert.Contains(t, result.ErrorText, "shard mailbox")
	assert.Empty(t, runner.executed, "remote command must not run when validation blocks")
}

func TestRecoverSkipValidation(t *testing.T) {
	gate := &fakeGate{}
	runner := &fakeRunner{results: []channel.Result{{Success: true, Output: `{}`}}}
	svc := newTestService(t, runner, gate, nil)

	_, err := svc.Recover(context.Background(), Request{
		SourceIdentity: "a1b2",
		TargetUPN:      "jane@contoso.com",
		SkipValidation: true,
	})
	require.NoError(t, err)
	assert.Zero(t, gate.calls)
}

func TestRecoverAssumedSuccessOnUnparsableConfirmation(t *testing.T) {
	runner := &fakeRunner{results: []channel.Result{
		{Success: true, Output: "Mailbox created but this is not JSON {"},
	}}
	svc := newTestService(t, runner, &fakeGate{}, nil)

	result, err := svc.Recover(context.Background(), Request{
		SourceIdentity: "a1b2",
		TargetUPN:      "jane@contoso.com",
	})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAssumedSuccess, result.Outcome)
	assert.Equal(t, "jane@contoso.com", result.NewUPN)
	assert.Empty(t, result.ErrorText)
}

func TestRecoverRemoteFailureIsStructured(t *testing.T) {
	runner := &fakeRunner{results: []channel.Result{
		{Success: false, Error: "The proxy address is already being used"},
	}}
	svc := newTestService(t, runner, &fakeGate{}, nil)

	result, err := svc.Recover(context.Background(), Request{
		SourceIdentity: "a1b2",
		TargetUPN:      "jane@contoso.com",
	})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFailed, result.Outcome)
	assert.NotEmpty(t, result.ErrorText)
}

func TestRecoverTransportErrorPropagates(t *testing.T) {
	runner := &fakeRunner{
		results: []channel.Result{{}},
		errs:    []error{errors.New("shell unavailable")},
	}
	svc := newTestService(t, runner, &fakeGate{}, nil)

	result, err := svc.Recover(context.Background(), Request{
		SourceIdentity: "a1b2",
		TargetUPN:      "jane@contoso.com",
	})
	require.Error(t, err)
	assert.Equal(t, model.OutcomeFailed, result.Outcome)
}

func TestRecoverMissingFields(t *testing.T) {
	svc := newTestService(t, &fakeRunner{}, &fakeGate{}, nil)

	_, err := svc.Recover(context.Background(), Request{TargetUPN: "x@y.com"})
	var valErr *mboxerrors.ValidationError
	require.True(t, errors.As(err, &valErr))

	_, err = svc.Recover(context.Background(), Request{SourceIdentity: "a1b2"})
	require.True(t, errors.As(err, &valErr))
}

func TestGetRecoveryStatus(t *testing.T) {
	runner := &fakeRunner{results: []channel.Result{
		{Success: true, Output: `{"ExchangeGuid": "b2c3", "RecipientTypeDetails": "UserMailbox"}`},
	}}
	svc := newTestService(t, runner, &fakeGate{}, nil)

	status, err := svc.GetRecoveryStatus(context.Background(), "jane@contoso.com")
	require.NoError(t, err)
	assert.True(t, status.Exists)
	assert.Equal(t, "UserMailbox", status.RecipientType)
}

func TestWaitForProvisioningEventuallyResolves(t *testing.T) {
	runner := &fakeRunner{results: []channel.Result{
		{Success: true, Output: ""},
		{Success: true, Output: ""},
		{Success: true, Output: `{"ExchangeGuid": "b2c3"}`},
	}}
	svc := newTestService(t, runner, &fakeGate{}, nil)

	status, err := svc.WaitForProvisioning(context.Background(), "jane@contoso.com", time.Second, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, status.Exists)
	assert.Len(t, runner.executed, 3)
}

func TestWaitForProvisioningTimesOut(t *testing.T) {
	runner := &fakeRunner{results: make([]channel.Result, 50)}
	for i := range runner.results {
		runner.results[i] = channel.Result{Success: true, Output: ""}
	}
	svc := newTestService(t, runner, &fakeGate{}, nil)

	_, err := svc.WaitForProvisioning(context.Background(), "jane@contoso.com", 5*time.Millisecond, time.Millisecond)
	require.Error(t, err)

	var opErr *mboxerrors.OperationError
	assert.True(t, errors.As(err, &opErr))
}

func TestSuggestTargetDetails(t *testing.T) {
	runner := &fakeRunner{results: []channel.Result{
		{Success: true, Output: `{"UserPrincipalName": "jane.doe@old.contoso.com", "DisplayName": "Jane Doe"}`},
	}}
	svc := newTestService(t, runner, &fakeGate{}, nil)

	suggestion, err := svc.SuggestTargetDetails(context.Background(), "a1b2", "new.contoso.com")
	require.NoError(t, err)
	assert.Equal(t, "jane.doe@new.contoso.com", suggestion.UPN)
	assert.Equal(t, suggestion.UPN, suggestion.SMTP)
	assert.Equal(t, "Jane Doe", suggestion.DisplayName)
}

func TestSuggestTargetDetailsKeepsSourceDomain(t *testing.T) {
	runner := &fakeRunner{results: []channel.Result{
		{Success: true, Output: `{"UserPrincipalName": "jane@contoso.com"}`},
	}}
	svc := newTestService(t, runner, &fakeGate{}, nil)

	suggestion, err := svc.SuggestTargetDetails(context.Background(), "a1b2", "")
	require.NoError(t, err)
	assert.Equal(t, "jane@contoso.com", suggestion.UPN)
	assert.Equal(t, "jane", suggestion.DisplayName)
}

func TestGeneratePasswordPolicy(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		password, err := GeneratePassword()
		require.NoError(t, err)
		assert.Len(t, password, 16)
		assert.True(t, strings.ContainsAny(password, lowerChars), password)
		assert.True(t, strings.ContainsAny(password, upperChars), password)
		assert.True(t, strings.ContainsAny(password, digitChars), password)
		assert.True(t, strings.ContainsAny(password, specialChars), password)
		seen[password] = true
	}
	assert.Greater(t, len(seen), 1, "passwords must not repeat deterministically")
}
