package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func callWithHeader(t *testing.T, header string) int64 {
	t.Helper()

	var got int64
	handler := TestUserMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := GetUserID(r.Context())
		require.True(t, ok)
		got = userID
	}))

	req := httptest.NewRequest("GET", "/", nil)
	if header != "" {
		req.Header.Set("X-Test-User-ID", header)
	}
	handler.ServeHTTP(httptest.NewRecorder(), req)

	return got
}

func TestTestUserMiddleware_Header(t *testing.T) {
	assert.Equal(t, int64(42), callWithHeader(t, "42"))
}

func TestTestUserMiddleware_DefaultsToUserOne(t *testing.T) {
	assert.Equal(t, int64(1), callWithHeader(t, ""))
}

func TestTestUserMiddleware_InvalidHeaderDefaults(t *testing.T) {
	assert.Equal(t, int64(1), callWithHeader(t, "abc"))
	assert.Equal(t, int64(1), callWithHeader(t, "-5"))
}

func TestGetUserID_MissingContext(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	_, ok := GetUserID(req.Context())
	assert.False(t, ok)
}
