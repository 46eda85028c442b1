package pipeline

import (
	stderrors "errors"
	"fmt"
	"time"

	appErr "flowrunner/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
)

// WorkerTokenType marks credentials minted for sandboxed engines.
const WorkerTokenType = "WORKER"

// WorkerClaims are carried by the credential staged in input.json. The subject is the project id.
type WorkerClaims struct {
	CollectionID string `json:"collectionId"`
	Type         string `json:"type"`
	jwt.RegisteredClaims
}

// Credentials mints and checks short-lived worker tokens.
type Credentials struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewCredentials creates a token minter. The secret must be non-empty.
func NewCredentials(secret, issuer string, ttl time.Duration) (*Credentials, error) {
	if secret == "" {
		return nil, fmt.Errorf("worker token secret is required")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Credentials{secret: []byte(secret), issuer: issuer, ttl: ttl}, nil
}

// Mint signs a fresh worker token scoped to one project and collection.
func (c *Credentials) Mint(projectID, collectionID string) (string, error) {
	now := time.Now()
	claims := WorkerClaims{
		CollectionID: collectionID,
		Type:         WorkerTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   projectID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.TokenSignFailed, "sign worker token failed")
	}
	return raw, nil
}

// Verify parses a worker token and checks its signature, expiry, issuer and type.
// The worker only mints tokens; Verify is the check for the callback API that
// receives them, which shares tokenSecret and tokenIssuer through configgen.
func (c *Credentials) Verify(raw string) (*WorkerClaims, error) {
	if raw == "" {
		return nil, appErr.New(appErr.Unauthorized).WithMessage("worker token is empty")
	}
	parsed, err := jwt.ParseWithClaims(raw, &WorkerClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return nil, appErr.New(appErr.Unauthorized).WithMessage("worker token expired")
		}
		return nil, appErr.New(appErr.Unauthorized).WithMessage("worker token invalid")
	}
	claims, ok := parsed.Claims.(*WorkerClaims)
	if !ok || !parsed.Valid {
		return nil, appErr.New(appErr.Unauthorized).WithMessage("worker token invalid")
	}
	if claims.Type != WorkerTokenType || claims.Subject == "" {
		return nil, appErr.New(appErr.Unauthorized).WithMessage("worker token invalid")
	}
	if c.issuer != "" && claims.Issuer != c.issuer {
		return nil, appErr.New(appErr.Unauthorized).WithMessage("worker token invalid")
	}
	return claims, nil
}
