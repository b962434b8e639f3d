// Package auth turns the bearer token presented on connect into a user id.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Rejection reasons reported to the client before the socket is closed.
const (
	ReasonMissingToken    = "missing_token"
	ReasonInvalidToken    = "invalid_token"
	ReasonMissingIdentity = "missing_identity"
)

// Identity claims, newest first. Older clients were issued tokens carrying
// only "id".
var identityClaims = []string{"userId", "id"}

type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed (%s): %v", e.Reason, e.Err)
	}
	return "authentication failed (" + e.Reason + ")"
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// Verifier resolves a token to a user id.
type Verifier interface {
	Verify(token string) (string, error)
}

type JWTOptions struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// JWTVerifier checks HMAC-signed tokens against a shared secret.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTVerifier(secret string, opts JWTOptions) (*JWTVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is required")
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{
			jwt.SigningMethodHS256.Alg(),
			jwt.SigningMethodHS384.Alg(),
			jwt.SigningMethodHS512.Alg(),
		}),
		jwt.WithIssuedAt(),
	}
	if opts.Leeway > 0 {
		parserOpts = append(parserOpts, jwt.WithLeeway(opts.Leeway))
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}

	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(parserOpts...),
	}, nil
}

func (v *JWTVerifier) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", &AuthenticationError{Reason: ReasonMissingToken}
	}

	claims := jwt.MapClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		if err == nil {
			err = jwt.ErrTokenUnverifiable
		}
		return "", &AuthenticationError{Reason: ReasonInvalidToken, Err: err}
	}

	userID := identityFrom(claims)
	if userID == "" {
		return "", &AuthenticationError{Reason: ReasonMissingIdentity}
	}
	return userID, nil
}

func identityFrom(claims jwt.MapClaims) string {
	for _, key := range identityClaims {
		switch v := claims[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// Mint signs a short-lived HS256 token for userID. Used for local testing;
// production tokens come from the account service.
func Mint(secret, userID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is required")
	}
	if userID == "" {
		return "", errors.New("user id is required")
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"userId": userID,
		"iat":    now.Unix(),
	}
	if ttl > 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
