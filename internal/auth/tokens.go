package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenType distinguishes access tokens from refresh tokens.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// Claims is the payload of every token this service signs.
// Refresh tokens carry identity only: no company or role.
type Claims struct {
	jwt.RegisteredClaims
	UserID    string    `json:"uid"`
	CompanyID string    `json:"cid,omitempty"`
	Role      Role      `json:"role,omitempty"`
	Type      TokenType `json:"typ"`
}

// Username returns the token subject.
func (c *Claims) Username() string { return c.Subject }

// Subject is the identity a token pair is issued for.
type Subject struct {
	Username  string
	UserID    string
	CompanyID string
	Role      Role
}

// SubjectSource reloads an identity when a refresh token is exchanged, so
// role or company changes (and deactivation) apply from the next refresh.
type SubjectSource interface {
	Subject(ctx context.Context, userID string) (Subject, error)
}

// TokenPair is the login and refresh response body.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// TokenConfig is everything TokenService needs; nothing is read from the
// environment.
type TokenConfig struct {
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// Subjects resolves identities during Refresh. Required for Refresh.
	Subjects SubjectSource

	// Now is the service clock. Defaults to time.Now.
	Now func() time.Time
}

// TokenService issues and verifies HS256 tokens signed with the keyring's
// active secret. It holds no per-token state.
type TokenService struct {
	cfg    TokenConfig
	keys   *Keyring
	parser *jwt.Parser
}

// NewTokenService validates cfg and returns a ready service.
func NewTokenService(cfg TokenConfig, keys *Keyring) (*TokenService, error) {
	if keys == nil {
		return nil, errors.New("token service: keyring is required")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token service: TTLs must be positive")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(cfg.Now),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return &TokenService{cfg: cfg, keys: keys, parser: jwt.NewParser(opts...)}, nil
}

// AccessTTL returns the configured access token lifetime.
func (s *TokenService) AccessTTL() time.Duration { return s.cfg.AccessTTL }

// Issue signs a new access and refresh token pair for sub.
func (s *TokenService) Issue(sub Subject) (TokenPair, error) {
	if sub.Username == "" || sub.UserID == "" {
		return TokenPair{}, fmt.Errorf("issuing tokens: %w: username and user id are required", ErrTokenInvalid)
	}

	now := s.cfg.Now()
	access, err := s.sign(Claims{
		RegisteredClaims: s.registered(sub.Username, now, s.cfg.AccessTTL),
		UserID:           sub.UserID,
		CompanyID:        sub.CompanyID,
		Role:             sub.Role,
		Type:             TokenAccess,
	})
	if err != nil {
		return TokenPair{}, err
	}

	refresh, err := s.sign(Claims{
		RegisteredClaims: s.registered(sub.Username, now, s.cfg.RefreshTTL),
		UserID:           sub.UserID,
		Type:             TokenRefresh,
	})
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.cfg.AccessTTL / time.Second),
	}, nil
}

func (s *TokenService) registered(username string, now time.Time, ttl time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   username,
		Issuer:    s.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
}

func (s *TokenService) sign(c Claims) (string, error) {
	kid, secret := s.keys.Active()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	token.Header["kid"] = kid

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("signing %s token: %w", c.Type, err)
	}
	return signed, nil
}

// Claims verifies signature, issuer and expiry and returns the payload.
// Every failure is an *AuthenticationError wrapping ErrTokenExpired,
// ErrUnknownKey or ErrTokenInvalid.
func (s *TokenService) Claims(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := s.parser.ParseWithClaims(token, claims, s.keyFunc)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, unauthenticated(ErrTokenExpired)
	case errors.Is(err, ErrUnknownKey):
		return nil, unauthenticated(ErrUnknownKey)
	default:
		return nil, unauthenticated(fmt.Errorf("%w: %w", ErrTokenInvalid, err))
	}

	if claims.Subject == "" || claims.UserID == "" {
		return nil, unauthenticated(fmt.Errorf("%w: missing identity", ErrTokenInvalid))
	}
	if claims.Type != TokenAccess && claims.Type != TokenRefresh {
		return nil, unauthenticated(fmt.Errorf("%w: unknown type %q", ErrTokenInvalid, claims.Type))
	}
	return claims, nil
}

func (s *TokenService) keyFunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	secret, ok := s.keys.Lookup(kid)
	if !ok {
		return nil, ErrUnknownKey
	}
	return secret, nil
}

// ParseAccess is Claims restricted to access tokens; it is what the bearer
// middleware uses.
func (s *TokenService) ParseAccess(token string) (*Claims, error) {
	return s.parseType(token, TokenAccess)
}

func (s *TokenService) parseType(token string, want TokenType) (*Claims, error) {
	claims, err := s.Claims(token)
	if err != nil {
		return nil, err
	}
	if claims.Type != want {
		return nil, unauthenticated(fmt.Errorf("%w: got %s, want %s", ErrWrongTokenType, claims.Type, want))
	}
	return claims, nil
}

// Validate reports whether token is a valid, unexpired token whose subject
// is expectedUsername. It never returns an error; any doubt is false.
func (s *TokenService) Validate(token, expectedUsername string) bool {
	claims, err := s.Claims(token)
	if err != nil {
		return false
	}
	return expectedUsername != "" && claims.Subject == expectedUsername
}

// Refresh exchanges a refresh token for a new pair. Access tokens are
// rejected with ErrWrongTokenType. The identity is reloaded through
// TokenConfig.Subjects.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.parseType(refreshToken, TokenRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	if s.cfg.Subjects == nil {
		return TokenPair{}, errors.New("token service: no subject source configured")
	}

	sub, err := s.cfg.Subjects.Subject(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrUserInactive) {
			return TokenPair{}, unauthenticated(err)
		}
		return TokenPair{}, fmt.Errorf("loading subject: %w", err)
	}
	if sub.Username != claims.Subject {
		return TokenPair{}, unauthenticated(fmt.Errorf("%w: subject changed", ErrTokenInvalid))
	}
	return s.Issue(sub)
}
