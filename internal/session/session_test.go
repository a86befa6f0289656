package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mboxkit/mboxkit/internal/channel"
	"github.com/mboxkit/mboxkit/internal/logger"
	mboxerrors "github.com/mboxkit/mboxkit/pkg/errors"
)

// fakeChannel replays scripted results for Execute calls and records every
// command it sees.
type fakeChannel struct {
	results   []channel.Result
	errs      []error
	executed  []channel.Command
	hasModule bool
}

func (f *fakeChannel) Execute(_ context.Context, cmd channel.Command, _ time.Duration) (channel.Result, error) {
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

func (f *fakeChannel) CheckModule(context.Context, string) bool { return f.hasModule }
func (f *fakeChannel) TestConnection(context.Context) bool      { return true }

func noSleep(context.Context, time.Duration) error { return nil }

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Options{Level: "error", Writer: io.Discard})
	require.NoError(t, err)
	return log
}

func newTestManager(t *testing.T, ch channel.Channel, opts Options) *Manager {
	t.Helper()
	if opts.Sleep == nil {
		opts.Sleep = noSleep
	}
	return NewManager(ch, opts, newTestLogger(t))
}

func TestConnectSuccess(t *testing.T) {
	fake := &fakeChannel{hasModule: true, results: []channel.Result{{Success: true, Output: "Connected"}}}
	m := newTestManager(t, fake, Options{AccessToken: "tok", Organization: "contoso.onmicrosoft.com"})

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, StateConnected, m.State())
	require.Len(t, fake.executed, 1)
	assert.True(t, fake.executed[0].Sensitive)
}

func TestConnectMissingModule(t *testing.T) {
	fake := &fakeChannel{hasModule: false}
	m := newTestManager(t, fake, Options{})

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, m.State())
	assert.Contains(t, err.Error(), "ExchangeOnlineManagement")
	assert.Empty(t, fake.executed)
}

func TestConnectRetriesExhausted(t *testing.T) {
	fake := &fakeChannel{
		hasModule: true,
		results: []channel.Result{
			{Success: false, Error: "network unreachable"},
			{Success: false, Error: "network unreachable"},
			{Success: false, Error: "network unreachable"},
		},
	}
	m := newTestManager(t, fake, Options{MaxRetries: 2})

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.Len(t, fake.executed, 3)
	assert.Equal(t, StateError, m.State())

	var connErr *mboxerrors.ConnectionError
	require.True(t, errors.As(err, &connErr))

	info := m.Info()
	assert.Equal(t, 3, info.RetryCount)
	assert.Contains(t, info.LastError, "network unreachable")
}

func TestConnectRecoversOnSecondAttempt(t *testing.T) {
	var delays []time.Duration
	fake := &fakeChannel{
		hasModule: true,
		results: []channel.Result{
			{Success: false, Error: "transient"},
			{Success: true, Output: "Connected"},
		},
	}
	m := newTestManager(t, fake, Options{
		MaxRetries: 3,
		Sleep: func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
	})

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, []time.Duration{time.Second}, delays)
	assert.Equal(t, StateConnected, m.State())

	// A successful connect wipes the failure bookkeeping.
	info := m.Info()
	assert.Zero(t, info.RetryCount)
	assert.Empty(t, info.LastError)
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, backoffDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestConnectCancelledDuringBackoff(t *testing.T) {
	fake := &fakeChannel{
		hasModule: true,
		results:   []channel.Result{{Success: false, Error: "down"}},
	}
	m := newTestManager(t, fake, Options{
		MaxRetries: 5,
		Sleep: func(context.Context, time.Duration) error {
			return context.Canceled
		},
	})

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.Len(t, fake.executed, 1)
}

func TestExecuteCommandWithoutTokenFails(t *testing.T) {
	fake := &fakeChannel{hasModule: true}
	m := newTestManager(t, fake, Options{})

	_, err := m.ExecuteCommand(context.Background(), channel.Command{Text: "Get-Mailbox"}, time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no access token")
	assert.Empty(t, fake.executed)

	var connErr *mboxerrors.ConnectionError
	require.True(t, errors.As(err, &connErr))
}

func TestExecuteCommandReconnectsAfterDowngrade(t *testing.T) {
	fake := &fakeChannel{
		hasModule: true,
		results: []channel.Result{
			{Success: true, Output: "Connected"},                  // initial connect
			{Success: false, Error: "connection has been closed"}, // check downgrades
			{Success: true, Output: "Connected"},                  // reconnect with stored token
			{Success: true, Output: `{"Name":"box"}`},             // command
		},
	}
	m := newTestManager(t, fake, Options{AccessToken: "tok", Organization: "contoso.onmicrosoft.com"})
	require.NoError(t, m.Connect(context.Background()))

	assert.False(t, m.CheckConnection(context.Background()))
	assert.Equal(t, StateDisconnected, m.State())

	result, err := m.ExecuteCommand(context.Background(), channel.Command{Text: "Get-Mailbox box"}, time.Minute)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Len(t, fake.executed, 4)
	assert.Equal(t, StateConnected, m.State())
}

func TestExecuteCommandReconnectsWhenSessionStale(t *testing.T) {
	fake := &fakeChannel{
		hasModule: true,
		results: []channel.Result{
			{Success: true, Output: "Connected"},                 // initial connect
			{Success: false, Error: "remote session was closed"}, // liveness check
			{Success: true, Output: "Connected"},                 // reconnect with stored token
			{Success: true, Output: `{"Name":"box"}`},            // command
		},
	}
	m := newTestManager(t, fake, Options{AccessToken: "tok", Organization: "contoso.onmicrosoft.com"})
	require.NoError(t, m.Connect(context.Background()))

	result, err := m.ExecuteCommand(context.Background(), channel.Command{Text: "Get-Mailbox box"}, time.Minute)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Len(t, fake.executed, 4)
	assert.Equal(t, StateConnected, m.State())
}

func TestExecuteCommandExpiryRetriesOnce(t *testing.T) {
	fake := &fakeChannel{
		hasModule: true,
		results: []channel.Result{
			{Success: true, Output: "Connected"},                           // initial connect
			{Success: true, Output: `{"Name":"check"}`},                    // liveness check
			{Success: false, Error: "The session has expired. Reconnect."}, // command hits expiry
			{Success: true, Output: "Connected"},                           // reconnect
			{Success: true, Output: `{"Name":"box"}`},                      // retried command
		},
	}
	m := newTestManager(t, fake, Options{})
	require.NoError(t, m.Connect(context.Background()))

	result, err := m.ExecuteCommand(context.Background(), channel.Command{Text: "Get-Mailbox box"}, time.Minute)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Len(t, fake.executed, 5)
	assert.Equal(t, StateConnected, m.State())
	assert.Empty(t, m.Info().LastError)
}

func TestExecuteCommandExpiryTwiceFails(t *testing.T) {
	fake := &fakeChannel{
		hasModule: true,
		results: []channel.Result{
			{Success: true, Output: "Connected"},
			{Success: true, Output: `{"Name":"check"}`},
			{Success: false, Error: "runspace is not in the opened state"},
			{Success: true, Output: "Connected"},
			{Success: false, Error: "the token has expired"},
		},
	}
	m := newTestManager(t, fake, Options{})
	require.NoError(t, m.Connect(context.Background()))

	_, err := m.ExecuteCommand(context.Background(), channel.Command{Text: "Get-Mailbox box"}, time.Minute)
	require.Error(t, err)
	assert.Equal(t, StateError, m.State())
	assert.Contains(t, m.Info().LastError, "token has expired")
}

func TestExecuteCommandRemoteFailurePassesThrough(t *testing.T) {
	fake := &fakeChannel{
		hasModule: true,
		results: []channel.Result{
			{Success: true, Output: "Connected"},
			{Success: true, Output: `{"Name":"check"}`},
			{Success: false, Error: "The mailbox couldn't be found"},
		},
	}
	m := newTestManager(t, fake, Options{})
	require.NoError(t, m.Connect(context.Background()))

	result, err := m.ExecuteCommand(context.Background(), channel.Command{Text: "Get-Mailbox gone"}, time.Minute)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Len(t, fake.executed, 3)
}

func TestCheckConnectionDowngradesOnFailure(t *testing.T) {
	fake := &fakeChannel{
		hasModule: true,
		results: []channel.Result{
			{Success: true, Output: "Connected"},
			{Success: false, Error: "connection has been closed"},
		},
	}
	m := newTestManager(t, fake, Options{})
	require.NoError(t, m.Connect(context.Background()))

	assert.False(t, m.CheckConnection(context.Background()))
	assert.Equal(t, StateDisconnected, m.State())
}

func TestDisconnectForcesState(t *testing.T) {
	fake := &fakeChannel{
		hasModule: true,
		results: []channel.Result{
			{Success: true, Output: "Connected"},
			{Success: false, Error: "remote teardown failed"},
		},
	}
	m := newTestManager(t, fake, Options{})
	require.NoError(t, m.Connect(context.Background()))

	require.NoError(t, m.Disconnect(context.Background()))
	assert.Equal(t, StateDisconnected, m.State())
}

func TestDefaultExpiryClassifier(t *testing.T) {
	expired := []string{
		"The session has expired",
		"SESSION IS NO LONGER VALID",
		"the runspace is not in the opened state for this operation",
		"underlying connection has been closed unexpectedly",
		"The remote session was closed",
		"OAuth token has expired, please reauthenticate",
	}
	for _, text := range expired {
		assert.True(t, DefaultExpiryClassifier(text), text)
	}

	assert.False(t, DefaultExpiryClassifier("the mailbox couldn't be found"))
	assert.False(t, DefaultExpiryClassifier(""))
}

func TestCustomClassifier(t *testing.T) {
	fake := &fakeChannel{
		hasModule: true,
		results: []channel.Result{
			{Success: true, Output: "Connected"},
			{Success: true, Output: `{"Name":"check"}`},
			{Success: false, Error: "STALE"},
			{Success: true, Output: "Connected"},
			{Success: true},
		},
	}
	m := newTestManager(t, fake, Options{
		Classifier: func(text string) bool { return strings.Contains(text, "STALE") },
	})
	require.NoError(t, m.Connect(context.Background()))

	result, err := m.ExecuteCommand(context.Background(), channel.Command{Text: "Get-Mailbox"}, time.Minute)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Len(t, fake.executed, 5)
	assert.Equal(t, StateConnected, m.State())
}
