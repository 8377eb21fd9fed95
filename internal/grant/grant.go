// Package grant issues and verifies short-lived object access grants.
// Grants are stateless HS256 tokens scoped to one action on one object; there
// is no revocation list, so the TTL is the only defense after issuance.
package grant

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Action is the single capability a grant conveys.
type Action string

// Grant actions.
const (
	ActionUpload   Action = "UPLOAD"
	ActionDownload Action = "DOWNLOAD"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == ActionUpload || a == ActionDownload
}

// ErrInvalid is returned for malformed, tampered, or wrongly scoped grants.
var ErrInvalid = errors.New("invalid grant")

// ErrExpired is returned when the grant's expiry has passed.
var ErrExpired = errors.New("grant expired")

// Claims is what a successfully verified grant asserts.
type Claims struct {
	ObjectID string
	Action   Action
	Subject  string
}

type grantClaims struct {
	ObjectID string `json:"obj"`
	Action   string `json:"act"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies grants with a process-wide secret.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer creates an Issuer signing with the given secret.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret), now: time.Now}
}

// Issue mints a grant for one action on one object, expiring after ttl. The
// returned time is the token's exact expiry.
func (i *Issuer) Issue(objectID string, action Action, subject string, ttl time.Duration) (string, time.Time, error) {
	if objectID == "" {
		return "", time.Time{}, fmt.Errorf("%w: empty object id", ErrInvalid)
	}
	if !action.Valid() {
		return "", time.Time{}, fmt.Errorf("%w: unknown action %q", ErrInvalid, action)
	}

	now := i.now()
	expiresAt := now.Add(ttl)
	claims := grantClaims{
		ObjectID: objectID,
		Action:   string(action),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify recomputes the signature and checks expiry. It fails closed: any
// malformed, tampered, or expired token is rejected outright.
func (i *Issuer) Verify(tokenStr string) (*Claims, error) {
	claims := &grantClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalid
	}
	if !token.Valid {
		return nil, ErrInvalid
	}

	action := Action(claims.Action)
	if claims.ObjectID == "" || !action.Valid() {
		return nil, ErrInvalid
	}

	return &Claims{
		ObjectID: claims.ObjectID,
		Action:   action,
		Subject:  claims.Subject,
	}, nil
}
