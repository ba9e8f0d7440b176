package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alwitt/roomcast/common"
	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken returned when a bearer token fails validation
var ErrInvalidToken = errors.New("invalid bearer token")

// ErrNoToken returned when a request carries no bearer token
var ErrNoToken = errors.New("no bearer token provided")

// IdentityResolver resolves an authenticated username from a request. The
// fan-out core trusts its output and never re-validates credentials.
type IdentityResolver interface {
	// Resolve return the authenticated username behind a request
	Resolve(r *http.Request) (string, error)
	// IssueToken mint a bearer token for a username
	IssueToken(username string) (string, error)
}

// sessionClaims JWT claims carried by issued tokens
type sessionClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// jwtResolverImpl implements IdentityResolver with HS256 JWTs
type jwtResolverImpl struct {
	common.Component
	secret   []byte
	lifetime time.Duration
}

// GetJWTResolver define a new JWT backed IdentityResolver
func GetJWTResolver(
	signingSecret string, tokenLifetime time.Duration, instance string,
) (IdentityResolver, error) {
	logTags := log.Fields{
		"module":    "auth",
		"component": "jwt-resolver",
		"instance":  instance,
	}
	if signingSecret == "" {
		err := fmt.Errorf("signing secret can not be empty")
		log.WithError(err).WithFields(logTags).Error("Unable to define identity resolver")
		return nil, err
	}
	return &jwtResolverImpl{
		Component: common.Component{LogTags: logTags},
		secret:    []byte(signingSecret),
		lifetime:  tokenLifetime,
	}, nil
}

// IssueToken mint a bearer token for a username
func (a *jwtResolverImpl) IssueToken(username string) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "roomcast",
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.lifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		log.WithError(err).WithFields(a.LogTags).Errorf("Failed to issue token for %s", username)
		return "", err
	}
	return signed, nil
}

// Resolve return the authenticated username behind a request. The token is
// read from the Authorization header, or from the token query parameter as
// browsers can not set headers on a websocket upgrade.
func (a *jwtResolverImpl) Resolve(r *http.Request) (string, error) {
	raw := ""
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		raw = strings.TrimPrefix(header, "Bearer ")
	} else if param := r.URL.Query().Get("token"); param != "" {
		raw = param
	}
	if raw == "" {
		return "", ErrNoToken
	}

	var claims sessionClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	})
	if err != nil {
		log.WithError(err).WithFields(a.LogTags).Debug("Bearer token rejected")
		return "", ErrInvalidToken
	}
	if !token.Valid || claims.Username == "" {
		return "", ErrInvalidToken
	}
	return claims.Username, nil
}
