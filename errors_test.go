package exaws

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServerError(t *testing.T) {
	err := &ServerError{SQLCode: "08004", Message: "authentication failed"}
	assert.Equal(t, "08004: authentication failed", err.Error())
	assert.Equal(t, "08004: authentication failed", err.String())

	var nilErr *ServerError
	assert.Equal(t, "nil ServerError", nilErr.String())
}

func TestProtocolError(t *testing.T) {
	t.Run("without cause", func(t *testing.T) {
		err := protocolErrorf(nil, "missing response status")
		assert.Equal(t, "exaws: protocol error: missing response status", err.Error())
	})

	t.Run("with cause", func(t *testing.T) {
		cause := fmt.Errorf("unexpected end of JSON input")
		err := protocolErrorf(cause, "invalid json")
		assert.Contains(t, err.Error(), "invalid json")
		assert.Contains(t, err.Error(), "unexpected end of JSON input")
		assert.ErrorIs(t, err, cause)
	})

	t.Run("errors.As", func(t *testing.T) {
		wrapped := fmt.Errorf("request failed: %w", protocolErrorf(nil, "invalid response status %q", "warning"))
		var protoErr *ProtocolError
		assert.True(t, errors.As(wrapped, &protoErr))
		assert.Contains(t, protoErr.Reason, "warning")
	})
}
