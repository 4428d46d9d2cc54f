package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albumqr/albumqr-mesh/internal/httpclient"
	"github.com/albumqr/albumqr-mesh/internal/resilience"
)

const testSecret = "test-secret-key-at-least-32-characters"

func makeTestJWT(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

type stubVerifier struct {
	calls atomic.Int32
	id    *Identity
	err   error
}

func (s *stubVerifier) Verify(context.Context, string) (*Identity, error) {
	s.calls.Add(1)
	return s.id, s.err
}

func okHandler(seen *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			*seen = UserID(r.Context())
		}
		w.WriteHeader(http.StatusOK)
	})
}

// --- JWT Tests ---

func TestJWTVerifier_ValidToken(t *testing.T) {
	v := NewJWTVerifier(testSecret, "albumqr-auth", "albumqr")
	token := makeTestJWT(t, testSecret, jwt.MapClaims{
		"iss":   "albumqr-auth",
		"aud":   "albumqr",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"sub":   "user-1",
		"email": "a@example.com",
	})

	id, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.UserID)
	assert.Equal(t, "a@example.com", id.Email)
}

func TestJWTVerifier_PrefersUserIDClaim(t *testing.T) {
	v := NewJWTVerifier(testSecret, "", "")
	token := makeTestJWT(t, testSecret, jwt.MapClaims{
		"exp":     time.Now().Add(time.Hour).Unix(),
		"sub":     "subject",
		"user_id": 77,
	})

	id, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "77", id.UserID)
}

func TestJWTVerifier_Rejects(t *testing.T) {
	valid := jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix(), "sub": "u"}

	tests := []struct {
		name   string
		secret string
		claims jwt.MapClaims
	}{
		{"expired", testSecret, jwt.MapClaims{"exp": time.Now().Add(-time.Hour).Unix(), "sub": "u"}},
		{"wrong signature", "another-secret-key-at-least-32-chars", valid},
		{"no expiry", testSecret, jwt.MapClaims{"sub": "u"}},
		{"no subject", testSecret, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}},
		{"wrong issuer", testSecret, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix(), "sub": "u", "iss": "evil"}},
	}

	v := NewJWTVerifier(testSecret, "", "")
	strict := NewJWTVerifier(testSecret, "albumqr-auth", "")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := makeTestJWT(t, tt.secret, tt.claims)
			verifier := v
			if tt.name == "wrong issuer" {
				verifier = strict
			}
			_, err := verifier.Verify(context.Background(), token)
			assert.Error(t, err)
		})
	}
}

// --- Authenticator Tests ---

func TestAuthenticator_PublicPathsBypass(t *testing.T) {
	stub := &stubVerifier{err: errors.New("should not be called")}
	a := NewAuthenticator(stub, DefaultPublicPrefixes(), discardLogger())
	handler := a.Middleware(okHandler(nil))

	for _, path := range []string{"/health", "/health/ready", "/healthz", "/auth/login", "/qr/scan/abc", "/metrics"} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
	assert.Zero(t, stub.calls.Load())
}

func TestAuthenticator_MissingToken(t *testing.T) {
	stub := &stubVerifier{id: &Identity{UserID: "u"}}
	a := NewAuthenticator(stub, DefaultPublicPrefixes(), discardLogger())

	for _, header := range []string{"", "Basic dXNlcjpwYXNz", "Bearer ", "Bearer"} {
		req := httptest.NewRequest("GET", "/albums/1", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		a.Middleware(okHandler(nil)).ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "header %q", header)
	}
	assert.Zero(t, stub.calls.Load())
}

func TestAuthenticator_InvalidTokenHidesReason(t *testing.T) {
	stub := &stubVerifier{err: errors.New("signature mismatch for kid 7")}
	a := NewAuthenticator(stub, nil, discardLogger())

	req := httptest.NewRequest("GET", "/albums/1", nil)
	req.Header.Set("Authorization", "Bearer bad")
	w := httptest.NewRecorder()
	a.Middleware(okHandler(nil)).ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotContains(t, w.Body.String(), "signature")
}

func TestAuthenticator_AttachesIdentity(t *testing.T) {
	stub := &stubVerifier{id: &Identity{UserID: "user-9"}}
	a := NewAuthenticator(stub, nil, discardLogger())

	var seen string
	req := httptest.NewRequest("GET", "/albums/1", nil)
	req.Header.Set("Authorization", "bearer good")
	w := httptest.NewRecorder()
	a.Middleware(okHandler(&seen)).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-9", seen)
}

func TestAuthenticator_NilVerifierDisablesAuth(t *testing.T) {
	a := NewAuthenticator(nil, nil, discardLogger())
	w := httptest.NewRecorder()
	a.Middleware(okHandler(nil)).ServeHTTP(w, httptest.NewRequest("GET", "/albums", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

// --- Remote verification Tests ---

func newAuthManager(t *testing.T, url string) *httpclient.Manager {
	t.Helper()
	m := httpclient.NewManager(resilience.DefaultBreakerConfig(), discardLogger())
	_, err := m.Register(httpclient.ServiceConfig{
		Name:       "auth",
		BaseURL:    url,
		Timeout:    time.Second,
		MaxRetries: 0,
	})
	require.NoError(t, err)
	t.Cleanup(m.CloseAll)
	return m
}

func TestRemoteVerifier_ForwardsBearerToken(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/verify", r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"user_id": 12, "email": "x@example.com"}`))
	}))
	defer backend.Close()

	v := NewRemoteVerifier(newAuthManager(t, backend.URL), "auth", time.Second)

	id, err := v.Verify(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "12", id.UserID)
	assert.Equal(t, "x@example.com", id.Email)

	_, err = v.Verify(context.Background(), "bad")
	assert.True(t, resilience.IsType(err, resilience.ErrorAuthentication))
}

func TestRemoteVerifier_Timeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer backend.Close()

	v := NewRemoteVerifier(newAuthManager(t, backend.URL), "auth", 50*time.Millisecond)

	start := time.Now()
	_, err := v.Verify(context.Background(), "tok")
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRemoteVerifier_UnknownService(t *testing.T) {
	m := httpclient.NewManager(resilience.DefaultBreakerConfig(), discardLogger())
	v := NewRemoteVerifier(m, "auth", time.Second)

	_, err := v.Verify(context.Background(), "tok")
	assert.ErrorIs(t, err, httpclient.ErrServiceNotRegistered)
}
