package errors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelErrorIs(t *testing.T) {
	tests := []struct {
		name   string
		kind   Kind
		target error
		want   bool
	}{
		{"authentication is forbidden", KindAuthentication, ErrForbidden, true},
		{"token missing is forbidden", KindTokenMissing, ErrForbidden, true},
		{"token invalid is forbidden", KindTokenInvalid, ErrForbidden, true},
		{"token expired is forbidden", KindTokenExpired, ErrForbidden, true},
		{"token expired matches itself", KindTokenExpired, ErrTokenExpired, true},
		{"send failed is not forbidden", KindSendFailed, ErrForbidden, false},
		{"send failed matches send failed", KindSendFailed, ErrSendFailed, true},
		{"protocol matches invalid envelope", KindProtocol, ErrInvalidEnvelope, true},
		{"invalid utf8 matches", KindInvalidUTF8, ErrInvalidUTF8, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := New(tc.kind, "test_op", errors.New("boom"))
			assert.Equal(t, tc.want, errors.Is(err, tc.target))
		})
	}
}

func TestChannelErrorMessage(t *testing.T) {
	err := New(KindSendFailed, "send", errors.New("broken pipe"))
	assert.Equal(t, "send failed: broken pipe", err.Error())

	err = err.WithClient("ws.abc")
	assert.Equal(t, "send failed for ws.abc: broken pipe", err.Error())
}

func TestChannelErrorUnwrap(t *testing.T) {
	inner := errors.New("inner")
	err := New(KindServiceInternal, "invoke", inner)
	assert.True(t, errors.Is(err, inner))
}

func TestClientStatus(t *testing.T) {
	t.Run("reportable carries its own status", func(t *testing.T) {
		status, reason := ClientStatus(NewReportable(http.StatusConflict, "Already exists"))
		assert.Equal(t, http.StatusConflict, status)
		assert.Equal(t, "Already exists", reason)
	})

	t.Run("parsing maps to 400", func(t *testing.T) {
		status, reason := ClientStatus(New(KindServiceParsing, "invoke", errors.New("missing field")))
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "I/O processing error", reason)
	})

	t.Run("reportable kind keeps its status code", func(t *testing.T) {
		status, _ := ClientStatus(New(KindServiceReportable, "invoke", errors.New("nope")).WithStatusCode(409))
		assert.Equal(t, 409, status)
	})

	t.Run("anything else maps to 500", func(t *testing.T) {
		status, reason := ClientStatus(errors.New("boom"))
		assert.Equal(t, http.StatusInternalServerError, status)
		assert.Equal(t, "Internal server error", reason)
	})
}

func TestIsAuthError(t *testing.T) {
	require.False(t, IsAuthError(nil))
	require.True(t, IsAuthError(New(KindAuthentication, "auth", errors.New("bad creds"))))
	require.False(t, IsAuthError(errors.New("other")))
}
