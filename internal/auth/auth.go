// Package auth signs users in with GitHub and keeps each session's GitHub
// token so ingestion can clone private repositories on the user's behalf.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v57/github"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const UserContextKey ContextKey = "user"

// TokenCookie carries the session JWT for browser clients.
const TokenCookie = "auth_token"

var (
	ErrNotInitialized = errors.New("auth not initialized")
	ErrNotMember      = errors.New("user is not a member of the required organization")
	ErrNoSession      = errors.New("session expired or unknown")
)

type GithubUser struct {
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

// Identity is the authenticated caller of a request.
type Identity struct {
	GithubUser
	SessionID string `json:"session_id"`
}

type AuthResponse struct {
	User      GithubUser `json:"user"`
	SessionID string     `json:"session_id"`
	Token     string     `json:"token,omitempty"`
}

type Claims struct {
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
	jwt.RegisteredClaims
}

type Config struct {
	JwtSecret    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AllowedOrg   string
	Enabled      bool
	// TokenTTL bounds both the JWT and the stored GitHub token. Defaults to 24h.
	TokenTTL time.Duration
	// Endpoint and APIBaseURL override github.com (GitHub Enterprise, tests).
	Endpoint   oauth2.Endpoint
	APIBaseURL string
}

type session struct {
	token   string
	login   string
	expires time.Time
}

// Authenticator runs the GitHub OAuth flow and tracks sessions in memory.
type Authenticator struct {
	cfg   Config
	oauth *oauth2.Config
	now   func() time.Time

	mu       sync.RWMutex
	sessions map[string]session
}

// New creates an Authenticator. A nil *Authenticator behaves as disabled.
func New(cfg Config) *Authenticator {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	endpoint := cfg.Endpoint
	if endpoint.AuthURL == "" {
		endpoint = githuboauth.Endpoint
	}
	scopes := []string{"read:user", "user:email", "repo"}
	if cfg.AllowedOrg != "" {
		scopes = append(scopes, "read:org")
	}
	return &Authenticator{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		now:      time.Now,
		sessions: map[string]session{},
	}
}

// Enabled returns whether authentication is enabled
func (a *Authenticator) Enabled() bool {
	return a != nil && a.cfg.Enabled
}

// GenerateState creates a random state parameter for OAuth
func GenerateState() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// Fall back to a predictable state in case of error
		return "fallback-state-" + fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return base64.URLEncoding.EncodeToString(b)
}

// LoginURL returns the GitHub authorization URL for state.
func (a *Authenticator) LoginURL(state string) string {
	if a == nil {
		return ""
	}
	return a.oauth.AuthCodeURL(state)
}

// Login completes the OAuth callback: exchange the code, load and vet the
// user, open a session holding the GitHub token and sign a JWT for it.
func (a *Authenticator) Login(ctx context.Context, code string) (AuthResponse, error) {
	if a == nil {
		return AuthResponse{}, ErrNotInitialized
	}
	tok, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		return AuthResponse{}, fmt.Errorf("exchange code for token: %w", err)
	}
	user, err := a.GithubUser(ctx, tok.AccessToken)
	if err != nil {
		return AuthResponse{}, err
	}

	sessionID := uuid.NewString()
	a.mu.Lock()
	a.sessions[sessionID] = session{token: tok.AccessToken, login: user.Login, expires: a.now().Add(a.cfg.TokenTTL)}
	a.mu.Unlock()

	signed, err := a.GenerateJWT(user, sessionID)
	if err != nil {
		return AuthResponse{}, err
	}
	log.Info().Str("login", user.Login).Str("session_id", sessionID).Msg("user signed in")
	return AuthResponse{User: *user, SessionID: sessionID, Token: signed}, nil
}

func (a *Authenticator) githubClient(ctx context.Context, accessToken string) (*github.Client, error) {
	client := github.NewClient(oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})))
	if a.cfg.APIBaseURL != "" {
		base, err := url.Parse(strings.TrimRight(a.cfg.APIBaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("bad github api url: %w", err)
		}
		client.BaseURL = base
	}
	return client, nil
}

// GithubUser fetches the token's user and enforces the organization restriction.
func (a *Authenticator) GithubUser(ctx context.Context, accessToken string) (*GithubUser, error) {
	client, err := a.githubClient(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	u, _, err := client.Users.Get(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("get github user: %w", err)
	}
	user := &GithubUser{
		Login:     u.GetLogin(),
		Name:      u.GetName(),
		Email:     u.GetEmail(),
		AvatarURL: u.GetAvatarURL(),
	}

	if a.cfg.AllowedOrg != "" {
		member, _, err := client.Organizations.IsMember(ctx, a.cfg.AllowedOrg, user.Login)
		if err != nil {
			return nil, fmt.Errorf("check org membership: %w", err)
		}
		if !member {
			return nil, ErrNotMember
		}
	}
	return user, nil
}

// GenerateJWT creates a JWT token for the user's session
func (a *Authenticator) GenerateJWT(user *GithubUser, sessionID string) (string, error) {
	if a == nil {
		return "", ErrNotInitialized
	}
	now := a.now()
	claims := Claims{
		Login:     user.Login,
		Name:      user.Name,
		Email:     user.Email,
		AvatarURL: user.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   user.Login,
			ID:        sessionID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.cfg.JwtSecret))
}

// ValidateJWT validates and parses a JWT token
func (a *Authenticator) ValidateJWT(tokenString string) (*Identity, error) {
	if a == nil {
		return nil, ErrNotInitialized
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(a.cfg.JwtSecret), nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return &Identity{
			GithubUser: GithubUser{
				Login:     claims.Login,
				Name:      claims.Name,
				Email:     claims.Email,
				AvatarURL: claims.AvatarURL,
			},
			SessionID: claims.ID,
		}, nil
	}

	return nil, fmt.Errorf("invalid token")
}

// Credential returns the GitHub token of a live session.
func (a *Authenticator) Credential(sessionID string) (string, error) {
	if a == nil {
		return "", ErrNotInitialized
	}
	a.mu.RLock()
	s, ok := a.sessions[sessionID]
	a.mu.RUnlock()
	if !ok || !a.now().Before(s.expires) {
		return "", ErrNoSession
	}
	return s.token, nil
}

// Logout forgets the session.
func (a *Authenticator) Logout(sessionID string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	delete(a.sessions, sessionID)
	a.mu.Unlock()
}

// Prune drops expired sessions and returns how many were removed.
func (a *Authenticator) Prune() int {
	if a == nil {
		return 0
	}
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for id, s := range a.sessions {
		if !now.Before(s.expires) {
			delete(a.sessions, id)
			n++
		}
	}
	return n
}

// TokenFromRequest reads the JWT from the Authorization header or the auth cookie.
func TokenFromRequest(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" && strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	if cookie, err := r.Cookie(TokenCookie); err == nil {
		return cookie.Value
	}
	return ""
}

// OptionalAuthMiddleware extracts and validates JWT from request if auth is enabled
// If auth is disabled, it allows all requests through
func (a *Authenticator) OptionalAuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		tokenString := TokenFromRequest(r)
		if tokenString == "" {
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return
		}

		id, err := a.ValidateJWT(tokenString)
		if err != nil {
			http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// GetUserFromContext extracts the caller from request context
func GetUserFromContext(r *http.Request) *Identity {
	if id, ok := r.Context().Value(UserContextKey).(*Identity); ok {
		return id
	}
	return nil
}
