package auth

import (
	"context"
	"strings"

	xerrors "AgentPay-Chain/internal/errors"
)

// Permissions guarding the REST surface.
const (
	PermPaymentsSettle = "payments:settle"
	PermSessionsRead   = "sessions:read"
	PermSessionsWrite  = "sessions:write"
	PermTasksRead      = "tasks:read"
	PermTasksWrite     = "tasks:write"
	PermHandoffRead    = "handoff:read"
	PermHandoffWrite   = "handoff:write"
)

// Errors returned by the authentication subsystem.
var (
	ErrDisabled           = xerrors.New(xerrors.CodeUnauthenticated, "authentication disabled")
	ErrInvalidCredentials = xerrors.New(xerrors.CodeUnauthenticated, "invalid credentials")
	ErrUnsupportedGrant   = xerrors.New(xerrors.CodeInvalidArgument, "unsupported grant type")
	ErrInvalidToken       = xerrors.New(xerrors.CodeUnauthenticated, "invalid token")
	ErrMissingToken       = xerrors.New(xerrors.CodeUnauthenticated, "missing bearer token")
	ErrPermissionDenied   = xerrors.New(xerrors.CodePermissionDenied, "permission denied")
	ErrSubjectRevoked     = xerrors.New(xerrors.CodePermissionDenied, "subject is disabled")
)

// Store abstracts the account catalogue. Implementations must be safe for
// concurrent use.
type Store interface {
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	FindUserByAPIKey(ctx context.Context, key string) (*User, error)
	LoadSubject(ctx context.Context, userID int64) (*Subject, error)
}

// User represents an account with credentials. Agents usually carry an API
// key, operators a password.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	APIKeyHash   string
	Disabled     bool
}

// Subject is the authenticated principal passed to handlers via context.
type Subject struct {
	ID          int64    `json:"id"`
	Username    string   `json:"username"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled,omitempty"`

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
	}
}

// HasPermission reports whether the subject holds permission. "*" grants all.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet["*"]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.New(xerrors.CodePermissionDenied, "missing permission "+perm,
				xerrors.WithMetadata("permission", perm))
		}
	}
	return nil
}

// Clone returns a copy safe to hand to another goroutine.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		ID:          s.ID,
		Username:    s.Username,
		Permissions: append([]string(nil), s.Permissions...),
		Disabled:    s.Disabled,
	}
	clone.normalise()
	return clone
}

// TokenRequest is the payload of POST /api/auth/token.
type TokenRequest struct {
	GrantType string `json:"grant_type"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	APIKey    string `json:"api_key"`
}

// TokenPair contains the issued tokens.
type TokenPair struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
	TokenType        string `json:"token_type"`
}

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
)

// Config configures the authentication service.
type Config struct {
	Mode  Mode       `koanf:"mode" json:"mode"`
	JWT   JWTOptions `koanf:"jwt" json:"jwt"`
	Seeds []Seed     `koanf:"seeds" json:"seeds"`
}

// JWTOptions contains parameters for local token issuance.
type JWTOptions struct {
	Secret     string   `koanf:"secret" json:"secret"`
	Issuer     string   `koanf:"issuer" json:"issuer"`
	Audience   []string `koanf:"audience" json:"audience"`
	AccessTTL  int64    `koanf:"access_ttl" json:"access_ttl"`
	RefreshTTL int64    `koanf:"refresh_ttl" json:"refresh_ttl"`
}

// Seed defines an account to bootstrap.
type Seed struct {
	Username    string   `koanf:"username" json:"username"`
	Password    string   `koanf:"password" json:"password"`
	APIKey      string   `koanf:"api_key" json:"api_key"`
	Permissions []string `koanf:"permissions" json:"permissions"`
	Disabled    bool     `koanf:"disabled" json:"disabled"`
}
