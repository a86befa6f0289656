package errors

import (
	stderrors "errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionError(t *testing.T) {
	err := NewConnectionError("session dropped", "reconnecting", io.EOF)

	assert.Equal(t, "connection error [reconnecting]: session dropped", err.Error())
	assert.True(t, stderrors.Is(err, io.EOF))

	var connErr *ConnectionError
	require.True(t, stderrors.As(err, &connErr))
	assert.Equal(t, "reconnecting", connErr.State)
}

func TestConnectionErrorWithoutState(t *testing.T) {
	err := NewConnectionError("module missing", "", nil)
	assert.Equal(t, "connection error: module missing", err.Error())
}

func TestValidationErrorJoinsBlockers(t *testing.T) {
	err := NewValidationError("user@contoso.com", []string{"mailbox is on an AuxPrimary shard", "target UPN already exists"}, nil)

	assert.Equal(t, "validation failed for user@contoso.com: mailbox is on an AuxPrimary shard; target UPN already exists", err.Error())

	var valErr *ValidationError
	require.True(t, stderrors.As(err, &valErr))
	assert.Len(t, valErr.Blockers, 2)
}

func TestValidationErrorWithoutBlockers(t *testing.T) {
	err := NewValidationError("user@contoso.com", nil, nil)
	assert.Equal(t, "validation failed for user@contoso.com", err.Error())
}

func TestOperationError(t *testing.T) {
	cause := stderrors.New("request not found")
	err := NewOperationError("user@contoso.com", cause)

	assert.Equal(t, "operation error on user@contoso.com: request not found", err.Error())
	assert.True(t, stderrors.Is(err, cause))

	anonymous := NewOperationError("", cause)
	assert.Equal(t, "operation error: request not found", anonymous.Error())
}

func TestParseErrorFallsBackToCause(t *testing.T) {
	cause := stderrors.New("unexpected end of JSON input")
	err := NewParseError("", "{\"truncated", cause)

	assert.Equal(t, "parse error: unexpected end of JSON input", err.Error())

	var parseErr *ParseError
	require.True(t, stderrors.As(err, &parseErr))
	assert.Equal(t, "{\"truncated", parseErr.Raw)
	assert.True(t, stderrors.Is(err, cause))
}

func TestNilReceiversAreSafe(t *testing.T) {
	var connErr *ConnectionError
	var valErr *ValidationError
	var opErr *OperationError
	var parseErr *ParseError

	assert.Empty(t, connErr.Error())
	assert.Empty(t, valErr.Error())
	assert.Empty(t, opErr.Error())
	assert.Empty(t, parseErr.Error())
	assert.Nil(t, connErr.Unwrap())
	assert.Nil(t, valErr.Unwrap())
	assert.Nil(t, opErr.Unwrap())
	assert.Nil(t, parseErr.Unwrap())
}
