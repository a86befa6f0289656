package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mboxerrors "github.com/mboxkit/mboxkit/pkg/errors"
)

const fullConfig = `
connection:
  organization: contoso.onmicrosoft.com
  user_principal_name: admin@contoso.com
  max_retries: 3
  connect_timeout: 90s
  command_timeout: 2m
bulk:
  batch_size: 25
  item_delay: 500ms
  batch_delay: 10s
  stop_on_error: true
  retry_failed: true
  max_retries: 2
monitor:
  poll_interval: 15s
logging:
  level: debug
  human_readable: true
`

func TestParseConfigBytesFull(t *testing.T) {
	cfg, err := ParseConfigBytes([]byte(fullConfig))
	require.NoError(t, err)

	assert.Equal(t, "contoso.onmicrosoft.com", cfg.Connection.Organization)
	assert.Equal(t, 3, cfg.Connection.MaxRetries)
	assert.Equal(t, 90*time.Second, cfg.Connection.ConnectTimeout.Std())
	assert.Equal(t, 2*time.Minute, cfg.Connection.CommandTimeout.Std())
	assert.Equal(t, 25, cfg.Bulk.BatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Bulk.ItemDelay.Std())
	assert.True(t, cfg.Bulk.StopOnError)
	assert.Equal(t, 15*time.Second, cfg.Monitor.PollInterval.Std())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.HumanReadable)
}

func TestParseConfigBytesAppliesDefaults(t *testing.T) {
	cfg, err := ParseConfigBytes([]byte("connection:\n  organization: contoso.onmicrosoft.com\n"))
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Connection.MaxRetries)
	assert.Equal(t, 60*time.Second, cfg.Connection.ConnectTimeout.Std())
	assert.Equal(t, 10, cfg.Bulk.BatchSize)
	assert.Equal(t, time.Second, cfg.Bulk.ItemDelay.Std())
	assert.Equal(t, 30*time.Second, cfg.Monitor.PollInterval.Std())
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestParseConfigBytesIntegerSecondsDuration(t *testing.T) {
	cfg, err := ParseConfigBytes([]byte(`
connection:
  organization: contoso.onmicrosoft.com
  connect_timeout: 45
`))
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Connection.ConnectTimeout.Std())
}

func TestParseConfigBytesMissingOrganization(t *testing.T) {
	_, err := ParseConfigBytes([]byte("bulk:\n  batch_size: 5\n"))
	require.Error(t, err)

	var valErr *mboxerrors.ValidationError
	require.True(t, errors.As(err, &valErr))
	assert.Contains(t, valErr.Error(), "organization")
}

func TestParseConfigBytesInvalidLevel(t *testing.T) {
	_, err := ParseConfigBytes([]byte(`
connection:
  organization: contoso.onmicrosoft.com
logging:
  level: loud
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "one of")
}

func TestParseConfigBytesInvalidUPN(t *testing.T) {
	_, err := ParseConfigBytes([]byte(`
connection:
  organization: contoso.onmicrosoft.com
  user_principal_name: not-a-upn
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user principal name")
}

func TestParseConfigBytesInvalidDuration(t *testing.T) {
	_, err := ParseConfigBytes([]byte(`
connection:
  organization: contoso.onmicrosoft.com
  connect_timeout: soon
`))
	require.Error(t, err)

	var parseErr *mboxerrors.ParseError
	assert.True(t, errors.As(err, &parseErr))
}

func TestParseConfigBytesMalformedYAML(t *testing.T) {
	_, err := ParseConfigBytes([]byte("connection: [unclosed"))
	require.Error(t, err)

	var parseErr *mboxerrors.ParseError
	require.True(t, errors.As(err, &parseErr))
}

func TestParseConfigFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mboxkit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0o644))

	cfg, err := ParseConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Bulk.BatchSize)
}

func TestParseConfigMissingFile(t *testing.T) {
	_, err := ParseConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)

	var parseErr *mboxerrors.ParseError
	assert.True(t, errors.As(err, &parseErr))
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.Connection.Organization = "contoso.onmicrosoft.com"
	require.NoError(t, ValidateConfig(cfg))
}
