package store

import (
	"errors"
	"strconv"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"marketplace/internal/util"
)

const (
	defaultJWTIssuer   = "marketplace"
	defaultJWTAudience = "marketplace-api"
	minJWTSecretLen    = 32
)

var defaultJWTLeeway = 30 * time.Second

// ErrWeakJWTSecret is returned when the signing secret is too short.
var ErrWeakJWTSecret = errors.New("jwt secret must be at least 32 bytes")

// JWTOptions configures JWT claim validation behavior.
type JWTOptions struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// JWTSessionStore issues and validates HS256 tokens.
// Logout and account deletion go through the revoker, so tokens stop working before expiry.
type JWTSessionStore struct {
	secret  []byte
	ttl     time.Duration
	revoker UserTokenRevoker

	issuer   string
	audience string
	leeway   time.Duration
}

// NewJWTSessionStore builds a JWT session store. A nil revoker falls back to an in-memory one.
func NewJWTSessionStore(secret string, ttl time.Duration, revoker UserTokenRevoker, opts JWTOptions) (*JWTSessionStore, error) {
	if len(secret) < minJWTSecretLen {
		return nil, ErrWeakJWTSecret
	}
	if ttl <= 0 {
		return nil, errors.New("jwt session ttl must be positive")
	}
	if revoker == nil {
		revoker = NewMemoryTokenRevoker()
	}
	opts = normalizeJWTOptions(opts)
	return &JWTSessionStore{
		secret:   []byte(secret),
		ttl:      ttl,
		revoker:  revoker,
		issuer:   opts.Issuer,
		audience: opts.Audience,
		leeway:   opts.Leeway,
	}, nil
}

// NewSession creates a signed JWT for the user ID.
func (s *JWTSessionStore) NewSession(userID int64) (string, error) {
	if userID <= 0 {
		return "", errors.New("invalid user id")
	}
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		Issuer:    s.issuer,
		Audience:  jwt.ClaimStrings{s.audience},
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        util.NewID(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// GetUserIDByToken validates a JWT and returns the subject.
// Invalid, expired and revoked tokens all report ok=false with a nil error.
func (s *JWTSessionStore) GetUserIDByToken(token string) (int64, bool, error) {
	claims, err := s.parseAndVerify(token)
	if err != nil {
		return 0, false, nil
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return 0, false, nil
	}
	revoked, err := s.revoker.IsRevoked(claims.ID)
	if err != nil {
		return 0, false, err
	}
	if revoked {
		return 0, false, nil
	}
	cutoff, err := s.revoker.RevokedAfter(claims.Subject)
	if err != nil {
		return 0, false, err
	}
	if !cutoff.IsZero() && !claims.IssuedAt.Time.After(cutoff) {
		return 0, false, nil
	}
	return userID, true, nil
}

// DeleteSession revokes the token until it expires. Unknown tokens are ignored.
func (s *JWTSessionStore) DeleteSession(token string) error {
	claims, err := s.parseAndVerify(token)
	if err != nil {
		return nil
	}
	return s.revoker.Revoke(claims.ID, time.Until(claims.ExpiresAt.Time)+s.leeway)
}

// RevokeUserSessions invalidates every token issued to the user so far.
func (s *JWTSessionStore) RevokeUserSessions(userID int64) error {
	return s.revoker.RevokeUser(strconv.FormatInt(userID, 10), time.Now().UTC(), s.ttl+s.leeway)
}

func (s *JWTSessionStore) parseAndVerify(token string) (jwt.RegisteredClaims, error) {
	claims := jwt.RegisteredClaims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, errors.New("invalid token format")
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(s.leeway),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
	)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return claims, err
	}
	if strings.TrimSpace(claims.ID) == "" {
		return claims, errors.New("token jti missing")
	}
	if claims.IssuedAt == nil {
		return claims, errors.New("token issued_at missing")
	}
	return claims, nil
}

func normalizeJWTOptions(opts JWTOptions) JWTOptions {
	opts.Issuer = strings.TrimSpace(opts.Issuer)
	opts.Audience = strings.TrimSpace(opts.Audience)
	if opts.Issuer == "" {
		opts.Issuer = defaultJWTIssuer
	}
	if opts.Audience == "" {
		opts.Audience = defaultJWTAudience
	}
	if opts.Leeway <= 0 {
		opts.Leeway = defaultJWTLeeway
	}
	return opts
}
