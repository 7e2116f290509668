//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("get session: %w", errdefs.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("get session: %w", errdefs.ErrUnauthenticated), http.StatusUnauthorized},
		{errdefs.ErrConflict, http.StatusConflict},
		{errdefs.ErrFailedPrecondition, http.StatusConflict},
		{errdefs.ErrInvalidArgument, http.StatusBadRequest},
		{errdefs.ErrResourceExhausted, http.StatusTooManyRequests},
		{errdefs.ErrUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		WriteError(w, tt.err)
		assert.Equal(t, tt.status, w.Code, tt.err.Error())
	}

	w := httptest.NewRecorder()
	WriteError(w, errdefs.ErrUnauthenticated)
	assert.JSONEq(t, `{"error":"unauthorized","redirect":"/login"}`, w.Body.String())
}

type rating struct {
	Rating int `json:"rating" validate:"min=1,max=5"`
}

func TestDecode(t *testing.T) {
	var v rating
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"rating": 4}`))
	require.NoError(t, Decode(r, &v))
	assert.Equal(t, 4, v.Rating)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"rating": 9}`))
	assert.True(t, errdefs.IsInvalidArgument(Decode(r, &v)))

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	assert.True(t, errdefs.IsInvalidArgument(Decode(r, &v)))
}

type pinger func(context.Context) error

func (p pinger) Ping(ctx context.Context) error { return p(ctx) }

func TestHealth(t *testing.T) {
	h := NewHealthHandler(0, map[string]Pinger{
		"store": pinger(func(context.Context) error { return nil }),
		"redis": pinger(func(context.Context) error { return errors.New("down") }),
	})

	w := httptest.NewRecorder()
	h.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "ok", body.Checks["store"])
	assert.Equal(t, "unreachable", body.Checks["redis"])
}
