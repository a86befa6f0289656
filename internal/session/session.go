// Package session manages the lifecycle of a remote Exchange Online
// PowerShell session: connecting with retry, detecting expiry mid-command,
// and transparently reconnecting once before surfacing the failure.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mboxkit/mboxkit/internal/channel"
	"github.com/mboxkit/mboxkit/internal/command"
	"github.com/mboxkit/mboxkit/internal/logger"
	mboxerrors "github.com/mboxkit/mboxkit/pkg/errors"
)

// State is the connection lifecycle state of a Manager.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// ConnectionInfo describes the current session for display and diagnostics.
// RetryCount counts failed connect attempts and resets to zero once a
// connect succeeds; LastError keeps the text of the most recent failure.
type ConnectionInfo struct {
	State             State
	UserPrincipalName string
	Organization      string
	ConnectedAt       time.Time
	LastActivity      time.Time
	RetryCount        int
	LastError         string
}

// ExpiryClassifier reports whether remote error text indicates the session
// is no longer usable and a reconnect should be attempted.
type ExpiryClassifier func(errorText string) bool

// expirySignatures are the phrases Exchange Online emits when a cached
// session token or runspace has gone stale.
var expirySignatures = []string{
	"session has expired",
	"session is no longer valid",
	"runspace is not in the opened state",
	"connection has been closed",
	"remote session was closed",
	"token has expired",
}

// DefaultExpiryClassifier matches the known Exchange Online session expiry
// phrases, case-insensitively.
func DefaultExpiryClassifier(errorText string) bool {
	lowered := strings.ToLower(errorText)
	for _, signature := range expirySignatures {
		if strings.Contains(lowered, signature) {
			return true
		}
	}
	return false
}

const (
	connectTimeout    = 60 * time.Second
	disconnectTimeout = 30 * time.Second
	checkTimeout      = 30 * time.Second
	baseBackoff       = time.Second
	maxBackoff        = 30 * time.Second
	moduleName        = "ExchangeOnlineManagement"
)

// Options configures a Manager.
type Options struct {
	AccessToken       string
	UserPrincipalName string
	Organization      string
	MaxRetries        int
	Classifier        ExpiryClassifier
	// Sleep is swappable in tests; defaults to time.Sleep via context wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Manager owns a single remote session and serializes state transitions.
// Command execution itself runs unlocked so long-running remote calls do
// not block status queries.
type Manager struct {
	channel    channel.Channel
	builder    *command.Builder
	log        *logger.Logger
	classifier ExpiryClassifier
	sleep      func(ctx context.Context, d time.Duration) error

	accessToken  string
	upn          string
	organization string
	maxRetries   int

	mu           sync.Mutex
	state        State
	connectedAt  time.Time
	lastActivity time.Time
	retryCount   int
	lastError    string
}

// NewManager builds a Manager around an execution channel.
func NewManager(ch channel.Channel, opts Options, log *logger.Logger) *Manager {
	classifier := opts.Classifier
	if classifier == nil {
		classifier = DefaultExpiryClassifier
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = waitFor
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Manager{
		channel:      ch,
		builder:      command.NewBuilder(),
		log:          log.WithComponent("session"),
		classifier:   classifier,
		sleep:        sleep,
		accessToken:  opts.AccessToken,
		upn:          opts.UserPrincipalName,
		organization: opts.Organization,
		maxRetries:   maxRetries,
		state:        StateDisconnected,
	}
}

func waitFor(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Info returns a snapshot of the session.
func (m *Manager) Info() ConnectionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConnectionInfo{
		State:             m.state,
		UserPrincipalName: m.upn,
		Organization:      m.organization,
		ConnectedAt:       m.connectedAt,
		LastActivity:      m.lastActivity,
		RetryCount:        m.retryCount,
		LastError:         m.lastError,
	}
}

func (m *Manager) recordFailure(text string) {
	m.mu.Lock()
	m.retryCount++
	m.lastError = text
	m.mu.Unlock()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Connect establishes the remote session, retrying with exponential backoff
// up to MaxRetries additional attempts (MaxRetries+1 attempts total).
func (m *Manager) Connect(ctx context.Context) error {
	m.setState(StateConnecting)

	if !m.channel.CheckModule(ctx, moduleName) {
		msg := fmt.Sprintf("required module %q is not installed", moduleName)
		m.mu.Lock()
		m.state = StateError
		m.lastError = msg
		m.mu.Unlock()
		return mboxerrors.NewConnectionError(msg, string(StateError), nil)
	}

	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt - 1)
			m.log.WithFields(map[string]any{
				"attempt": attempt + 1,
				"delay":   delay.String(),
			}).Debug("retrying connection after backoff")
			if err := m.sleep(ctx, delay); err != nil {
				m.setState(StateError)
				return mboxerrors.NewConnectionError("connection cancelled", string(StateError), err)
			}
		}

		lastErr = m.connectOnce(ctx)
		if lastErr == nil {
			m.mu.Lock()
			m.state = StateConnected
			m.connectedAt = time.Now()
			m.lastActivity = m.connectedAt
			m.retryCount = 0
			m.lastError = ""
			m.mu.Unlock()
			m.log.WithFields(map[string]any{"upn": m.upn}).Info("connected to Exchange Online")
			return nil
		}
		m.recordFailure(lastErr.Error())
		m.log.WithFields(map[string]any{"attempt": attempt + 1}).Warn("connection attempt failed")
	}

	m.setState(StateError)
	return mboxerrors.NewConnectionError(
		fmt.Sprintf("failed to connect after %d attempts", m.maxRetries+1),
		string(StateError), lastErr)
}

// backoffDelay returns min(baseBackoff * 2^attempt, maxBackoff).
func backoffDelay(attempt int) time.Duration {
	delay := baseBackoff
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

func (m *Manager) connectOnce(ctx context.Context) error {
	result, err := m.channel.Execute(ctx, m.builder.BuildConnect(m.accessToken, m.organization), connectTimeout)
	if err != nil {
		return mboxerrors.NewConnectionError("connect command failed to run", string(StateConnecting), err)
	}
	if !result.Success {
		return mboxerrors.NewConnectionError(
			fmt.Sprintf("connect rejected: %s", firstLine(result.Error)),
			string(StateConnecting), nil)
	}
	return nil
}

// Disconnect tears down the remote session. The state is forced to
// Disconnected even when the remote teardown fails; a dangling remote
// session times out on its own.
func (m *Manager) Disconnect(ctx context.Context) error {
	result, err := m.channel.Execute(ctx, m.builder.BuildDisconnect(), disconnectTimeout)
	m.setState(StateDisconnected)
	if err != nil {
		return mboxerrors.NewConnectionError("disconnect command failed to run", string(StateDisconnected), err)
	}
	if !result.Success {
		m.log.WithFields(map[string]any{"error": firstLine(result.Error)}).Warn("remote disconnect reported failure")
	}
	m.log.Info("disconnected from Exchange Online")
	return nil
}

// CheckConnection runs a lightweight remote check and downgrades the state
// to Disconnected when the session no longer answers.
func (m *Manager) CheckConnection(ctx context.Context) bool {
	if m.State() != StateConnected {
		return false
	}
	result, err := m.channel.Execute(ctx, m.builder.BuildTestConnection(), checkTimeout)
	if err != nil || !result.Success {
		m.setState(StateDisconnected)
		return false
	}
	m.touch()
	return true
}

// EnsureConnected verifies the session is alive, reconnecting with the
// stored credential when it is absent or no longer answers. A connected
// state alone is not trusted; the remote side is asked directly.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	if m.State() == StateConnected && m.CheckConnection(ctx) {
		return nil
	}
	if m.accessToken == "" {
		return mboxerrors.NewConnectionError(
			"not connected and no access token available to reconnect",
			string(m.State()), nil)
	}
	return m.Connect(ctx)
}

func (m *Manager) touch() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()
}

// ExecuteCommand runs a remote command through the managed session,
// re-establishing it first when needed. When the result carries a
// session-expiry signature the manager reconnects and retries exactly once;
// a second expiry surfaces as a ConnectionError.
func (m *Manager) ExecuteCommand(ctx context.Context, cmd channel.Command, timeout time.Duration) (channel.Result, error) {
	if err := m.EnsureConnected(ctx); err != nil {
		return channel.Result{}, err
	}

	result, err := m.channel.Execute(ctx, cmd, timeout)
	if err != nil {
		return result, err
	}
	m.touch()

	if result.Success || !m.classifier(result.Error) {
		return result, nil
	}

	m.log.Warn("session expiry detected, reconnecting")
	m.mu.Lock()
	m.state = StateReconnecting
	m.lastError = firstLine(result.Error)
	m.mu.Unlock()

	if err := m.Connect(ctx); err != nil {
		return channel.Result{}, mboxerrors.NewConnectionError("reconnect after expiry failed", string(m.State()), err)
	}

	retried, err := m.channel.Execute(ctx, cmd, timeout)
	if err != nil {
		return retried, err
	}
	m.touch()

	if !retried.Success && m.classifier(retried.Error) {
		m.mu.Lock()
		m.state = StateError
		m.lastError = firstLine(retried.Error)
		m.mu.Unlock()
		return retried, mboxerrors.NewConnectionError("session expired again after reconnect", string(StateError), nil)
	}
	return retried, nil
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return strings.TrimSpace(s)
}
