// Package auth provides optional GitHub OAuth login with JWT-backed
// sessions for the HTTP surface. When disabled, the middleware passes
// every request through.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/Encore7/codebase-explainer-agent/internal/config"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const UserContextKey ContextKey = "user"

const tokenTTL = 24 * time.Hour

type User struct {
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type Claims struct {
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
	jwt.RegisteredClaims
}

// Service holds the OAuth app credentials and signs session tokens.
type Service struct {
	jwtSecret    []byte
	clientID     string
	clientSecret string
	redirectURL  string
	allowedOrg   string
	enabled      bool

	httpClient *http.Client

	// Overridable in tests.
	OAuthBase string
	APIBase   string
}

// NewService builds a Service from the auth section of the configuration.
func NewService(spec config.AuthSpecification) *Service {
	return &Service{
		jwtSecret:    []byte(spec.JwtSecret),
		clientID:     spec.GithubClientID,
		clientSecret: spec.GithubClientSecret,
		redirectURL:  spec.GithubRedirectURL,
		allowedOrg:   spec.GithubAllowedOrg,
		enabled:      spec.Enabled,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		OAuthBase:    "https://github.com",
		APIBase:      "https://api.github.com",
	}
}

// Enabled reports whether requests must carry a valid session token.
func (s *Service) Enabled() bool {
	return s != nil && s.enabled
}

// GenerateState creates a random state parameter for OAuth
func (s *Service) GenerateState() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// Fall back to a predictable state in case of error
		return "fallback-state-" + fmt.Sprintf("%d", time.Now().Unix())
	}
	return base64.URLEncoding.EncodeToString(b)
}

// LoginURL returns the GitHub OAuth authorize URL for the given state.
func (s *Service) LoginURL(state string) string {
	scope := "read:user,user:email"
	if s.allowedOrg != "" {
		scope += ",read:org"
	}
	return fmt.Sprintf(
		"%s/login/oauth/authorize?client_id=%s&redirect_uri=%s&scope=%s&state=%s",
		s.OAuthBase, s.clientID, s.redirectURL, scope, state,
	)
}

// ExchangeCode trades an OAuth code for a GitHub access token.
func (s *Service) ExchangeCode(ctx context.Context, code string) (string, error) {
	data := fmt.Sprintf(
		"client_id=%s&client_secret=%s&code=%s",
		s.clientID, s.clientSecret, code,
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.OAuthBase+"/login/oauth/access_token", strings.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer closeBody(resp)

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	if accessToken, ok := result["access_token"].(string); ok && accessToken != "" {
		return accessToken, nil
	}
	return "", errors.New("failed to get access token")
}

// FetchUser loads the authenticated user from the GitHub API and enforces
// org membership when one is configured.
func (s *Service) FetchUser(ctx context.Context, accessToken string) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.APIBase+"/user", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GitHub API returned status %d", resp.StatusCode)
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, err
	}

	if s.allowedOrg != "" {
		if !s.isOrgMember(ctx, accessToken, user.Login) {
			return nil, errors.New("user is not a member of the required organization")
		}
	}
	return &user, nil
}

func (s *Service) isOrgMember(ctx context.Context, accessToken, username string) bool {
	url := fmt.Sprintf("%s/orgs/%s/members/%s", s.APIBase, s.allowedOrg, username)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer closeBody(resp)

	// 204 means user is a public member, 200 means private member
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent
}

// GenerateToken signs a session JWT for the user.
func (s *Service) GenerateToken(user *User) (string, error) {
	claims := Claims{
		Login:     user.Login,
		Name:      user.Name,
		Email:     user.Email,
		AvatarURL: user.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   user.Login,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateToken parses and verifies a session JWT.
func (s *Service) ValidateToken(tokenString string) (*User, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return &User{
			Login:     claims.Login,
			Name:      claims.Name,
			Email:     claims.Email,
			AvatarURL: claims.AvatarURL,
		}, nil
	}
	return nil, errors.New("invalid token")
}

// Middleware validates the session token when auth is enabled; otherwise
// it passes every request through untouched.
func (s *Service) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		var tokenString string
		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			tokenString = strings.TrimPrefix(authHeader, "Bearer ")
		} else if cookie, err := r.Cookie("auth_token"); err == nil {
			tokenString = cookie.Value
		}

		if tokenString == "" {
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return
		}

		user, err := s.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// UserFromContext extracts the authenticated user from a request.
func UserFromContext(r *http.Request) *User {
	if user, ok := r.Context().Value(UserContextKey).(*User); ok {
		return user
	}
	return nil
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close response body")
	}
}
