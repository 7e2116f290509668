package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Remote validates tokens against the portal backend's "current user" endpoint.
type Remote struct {
	url    string
	http   *http.Client
	logger *slog.Logger
}

// NewRemote creates a Remote authenticator for url (for example
// http://backend:5000/api/auth/me).
func NewRemote(url string, httpClient *http.Client, logger *slog.Logger) *Remote {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Remote{url: url, http: httpClient, logger: logger}
}

type meResponse struct {
	User struct {
		ID   json.RawMessage `json:"id"`
		Name string          `json:"name"`
		Role string          `json:"role"`
	} `json:"user"`
}

// Authenticate implements Authenticator.
func (a *Remote) Authenticate(ctx context.Context, token string) (Principal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return Principal{}, fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return Principal{}, fmt.Errorf("call auth service: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			a.logger.Debug("failed to close auth response body", "error", closeErr)
		}
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusUnprocessableEntity ||
		resp.StatusCode == http.StatusNotFound:
		return Principal{}, fmt.Errorf("auth service rejected token (status %d): %w", resp.StatusCode, ErrUnauthenticated)
	case resp.StatusCode != http.StatusOK:
		return Principal{}, fmt.Errorf("auth service returned status %d", resp.StatusCode)
	}

	var me meResponse
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		return Principal{}, fmt.Errorf("decode auth response: %w", err)
	}
	id := strings.Trim(string(me.User.ID), `"`)
	if id == "" || id == "null" {
		return Principal{}, fmt.Errorf("auth response has no user id: %w", ErrUnauthenticated)
	}
	role := strings.ToLower(me.User.Role)
	if role == "" {
		role = RoleCustomer
	}
	return Principal{ID: id, Name: me.User.Name, Role: role}, nil
}

// Dev accepts tokens of the form "role:id" (or a bare id for a customer).
// It is meant for local development and tests only.
type Dev struct{}

// Authenticate implements Authenticator.
func (Dev) Authenticate(_ context.Context, token string) (Principal, error) {
	role, id, ok := strings.Cut(token, ":")
	if !ok {
		role, id = RoleCustomer, token
	}
	role = strings.ToLower(strings.TrimSpace(role))
	id = strings.TrimSpace(id)
	if id == "" {
		return Principal{}, fmt.Errorf("empty dev token: %w", ErrUnauthenticated)
	}
	switch role {
	case RoleCustomer, RoleAgent, RoleManager, RoleCTO:
	default:
		return Principal{}, fmt.Errorf("unknown role %q: %w", role, ErrUnauthenticated)
	}
	if strings.ContainsAny(id, " /?#") {
		return Principal{}, fmt.Errorf("malformed dev id: %w", ErrUnauthenticated)
	}
	return Principal{ID: id, Role: role}, nil
}
