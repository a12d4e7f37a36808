package flume

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Credentials is the static login material for the password grant.
// Immutable for the process lifetime.
type Credentials struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
}

// Session is the live authenticated identity. The UserID is only valid
// for as long as the access token is; both are replaced wholesale on refresh.
type Session struct {
	AccessToken string
	UserID      int64
	IssuedAt    time.Time
}

// SessionManager owns the access token and refreshes it on demand.
// Concurrent refresh requests share a single upstream authentication call.
type SessionManager struct {
	creds      Credentials
	authURL    string
	httpClient *http.Client
	logger     *zap.Logger

	mu      sync.RWMutex
	session *Session

	group singleflight.Group
}

// NewSessionManager creates a session manager for the given credentials
func NewSessionManager(creds Credentials, authURL string, httpClient *http.Client, logger *zap.Logger) *SessionManager {
	return &SessionManager{
		creds:      creds,
		authURL:    authURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Session returns the live session, or ErrNotConnected if the manager
// has never authenticated.
func (m *SessionManager) Session() (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return Session{}, ErrNotConnected
	}
	return *m.session, nil
}

// tokenGrant is one element of the token endpoint's data array
type tokenGrant struct {
	AccessToken string `json:"access_token"`
}

// Authenticate submits the password grant to the token endpoint and swaps
// in the new session. There is no retry here; retry policy belongs to the
// request executor and the monitor loop.
func (m *SessionManager) Authenticate(ctx context.Context) (Session, error) {
	payload, err := json.Marshal(map[string]string{
		"grant_type":    "password",
		"client_id":     m.creds.ClientID,
		"client_secret": m.creds.ClientSecret,
		"username":      m.creds.Username,
		"password":      m.creds.Password,
	})
	if err != nil {
		return Session{}, &AuthError{Message: "failed to encode token request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.authURL, bytes.NewReader(payload))
	if err != nil {
		return Session{}, &AuthError{Message: "failed to build token request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return Session{}, &AuthError{Message: "token request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Session{}, &AuthError{Message: "failed to read token response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		m.logger.Warn("authentication rejected by token endpoint",
			zap.Int("status", resp.StatusCode))
		return Session{}, &AuthError{Message: fmt.Sprintf("token endpoint returned status %d", resp.StatusCode)}
	}

	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Session{}, &AuthError{Message: "malformed token response", Err: err}
	}

	var grants []tokenGrant
	if err := json.Unmarshal(envelope.Data, &grants); err != nil {
		return Session{}, &AuthError{Message: "malformed token response data", Err: err}
	}
	if len(grants) == 0 || grants[0].AccessToken == "" {
		return Session{}, &AuthError{Message: "missing access token in auth response"}
	}

	userID, err := subjectFromToken(grants[0].AccessToken)
	if err != nil {
		return Session{}, &AuthError{Message: "failed to extract user id from access token", Err: err}
	}

	sess := Session{
		AccessToken: grants[0].AccessToken,
		UserID:      userID,
		IssuedAt:    time.Now(),
	}

	m.mu.Lock()
	m.session = &sess
	m.mu.Unlock()

	m.logger.Info("authenticated with flume api", zap.Int64("user_id", userID))
	return sess, nil
}

// Refresh forces re-authentication. Concurrent callers wait for and reuse
// the single in-flight authentication instead of issuing duplicate calls,
// which would invalidate tokens mid-flight.
func (m *SessionManager) Refresh(ctx context.Context) (Session, error) {
	v, err, _ := m.group.Do("authenticate", func() (interface{}, error) {
		return m.Authenticate(ctx)
	})
	if err != nil {
		return Session{}, err
	}
	return v.(Session), nil
}

// subjectFromToken extracts the user_id claim from the access token
// without verifying the signature; verification is the upstream's concern,
// the claim is only used to construct per-user request paths.
func subjectFromToken(token string) (int64, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return 0, fmt.Errorf("invalid access token: %w", err)
	}

	switch v := claims["user_id"].(type) {
	case float64:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("non-numeric user_id claim %q", v)
		}
		return id, nil
	default:
		return 0, fmt.Errorf("missing user_id claim in access token")
	}
}
