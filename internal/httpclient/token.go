package httpclient

import (
	"context"
	"fmt"
	"net/url"
)

// TokenInfo is the identity returned by the auth service for a valid token.
type TokenInfo struct {
	UserID string
	Email  string
	Claims map[string]any
}

// TokenManager wraps the auth service endpoints used by other services.
type TokenManager struct {
	auth *ServiceClient
}

// NewTokenManager creates a token helper over the auth service client.
func NewTokenManager(auth *ServiceClient) *TokenManager {
	return &TokenManager{auth: auth}
}

// ValidateToken checks token against /auth/validate and returns the payload.
func (t *TokenManager) ValidateToken(ctx context.Context, token string) (map[string]any, error) {
	return t.getJSON(ctx, "/auth/validate", token)
}

// VerifyToken checks token against /auth/verify and returns the identity.
func (t *TokenManager) VerifyToken(ctx context.Context, token string) (*TokenInfo, error) {
	payload, err := t.getJSON(ctx, "/auth/verify", token)
	if err != nil {
		return nil, err
	}
	info := &TokenInfo{Claims: payload}
	for _, key := range []string{"user_id", "sub", "id"} {
		if v, ok := payload[key]; ok && v != nil {
			info.UserID = stringify(v)
			break
		}
	}
	if v, ok := payload["email"].(string); ok {
		info.Email = v
	}
	if info.UserID == "" {
		return nil, fmt.Errorf("verify token: response has no user id")
	}
	return info, nil
}

// GetUser fetches a user profile on behalf of the token holder.
func (t *TokenManager) GetUser(ctx context.Context, token, userID string) (map[string]any, error) {
	return t.getJSON(ctx, "/users/"+url.PathEscape(userID), token)
}

func (t *TokenManager) getJSON(ctx context.Context, path, token string) (map[string]any, error) {
	resp, err := t.auth.Get(ctx, path, &RequestConfig{AuthToken: token})
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := resp.Decode(&payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprint(x)
	default:
		return fmt.Sprint(x)
	}
}
