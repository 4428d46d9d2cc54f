package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/albumqr/albumqr-mesh/internal/httpclient"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID string
	Email  string
	Claims map[string]any
}

// Verifier turns a bearer token into an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

type ctxKey int

const (
	identityKey ctxKey = iota
	correlationKey
)

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the caller attached by the auth middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok && id != nil
}

// UserID returns the authenticated user id, or "" for anonymous requests.
func UserID(ctx context.Context) string {
	if id, ok := IdentityFromContext(ctx); ok {
		return id.UserID
	}
	return ""
}

// IsAuthenticated reports whether the request carries a verified identity.
func IsAuthenticated(ctx context.Context) bool {
	_, ok := IdentityFromContext(ctx)
	return ok
}

// RemoteVerifier asks the auth service to verify tokens. The client is
// looked up on every call so a refreshed backend address takes effect.
type RemoteVerifier struct {
	clients *httpclient.Manager
	service string
	timeout time.Duration
}

// NewRemoteVerifier creates a verifier over the named auth service client.
// Each verification is bounded by timeout.
func NewRemoteVerifier(clients *httpclient.Manager, service string, timeout time.Duration) *RemoteVerifier {
	return &RemoteVerifier{clients: clients, service: service, timeout: timeout}
}

// Verify calls GET /auth/verify.
func (v *RemoteVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	client, err := v.clients.Client(v.service)
	if err != nil {
		return nil, err
	}
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}
	info, err := httpclient.NewTokenManager(client).VerifyToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return &Identity{UserID: info.UserID, Email: info.Email, Claims: info.Claims}, nil
}

// JWTVerifier validates HS256 tokens locally without calling the auth
// service.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier creates a local verifier. Empty issuer or audience skips
// that claim check.
func NewJWTVerifier(secret, issuer, audience string) *JWTVerifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &JWTVerifier{secret: []byte(secret), parser: jwt.NewParser(opts...)}
}

// Verify checks the signature and registered claims of token.
func (v *JWTVerifier) Verify(_ context.Context, token string) (*Identity, error) {
	claims := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}); err != nil {
		return nil, fmt.Errorf("verify jwt: %w", err)
	}

	id := &Identity{Claims: claims}
	for _, key := range []string{"user_id", "sub"} {
		if v, ok := claims[key]; ok && v != nil {
			id.UserID = fmt.Sprint(v)
			break
		}
	}
	if email, ok := claims["email"].(string); ok {
		id.Email = email
	}
	if id.UserID == "" {
		return nil, errors.New("verify jwt: token has no subject")
	}
	return id, nil
}

// Authenticator is the auth middleware.
type Authenticator struct {
	verifier Verifier
	public   []string
	logger   *slog.Logger
}

// NewAuthenticator creates the middleware. A nil verifier disables
// authentication; every request passes through anonymously.
func NewAuthenticator(v Verifier, publicPrefixes []string, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{verifier: v, public: publicPrefixes, logger: logger.With("component", "auth")}
}

// IsPublic reports whether path is reachable without a token.
func (a *Authenticator) IsPublic(path string) bool {
	for _, p := range a.public {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Middleware rejects requests to protected paths without a valid bearer
// token. The response never reveals why verification failed.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.verifier == nil || a.IsPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			authFailures.WithLabelValues("missing_token").Inc()
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}

		id, err := a.verifier.Verify(r.Context(), token)
		if err != nil {
			authFailures.WithLabelValues("invalid_token").Inc()
			a.logger.Warn("token verification failed",
				"path", r.URL.Path,
				"correlation_id", CorrelationID(r.Context()),
				"error", err,
			)
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
