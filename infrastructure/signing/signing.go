// Package signing implements the activity pipeline's Signing service egress
// interface (spec §6): createExpiringResourceSignature and
// verifyExpiringResourceSignature, used to authenticate Push Service
// subscribe frames against a tenant's signing key.
package signing

import (
	stderrors "errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/collabhub/activity/infrastructure/errors"
)

// resourceClaims embeds the signed resourceId as the JWT subject so the
// expiry and signature validity are enforced by the library itself.
type resourceClaims struct {
	ResourceID string `json:"resourceId"`
	jwt.RegisteredClaims
}

// Signer creates and verifies expiring signatures over a resource id
// (typically a userId) using a single process-wide secret.
type Signer struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

// New builds a Signer using secret for HMAC signing; ttl bounds how long a
// created signature remains valid (spec's "expiring" requirement).
func New(secret string, ttl time.Duration) *Signer {
	return &Signer{secret: []byte(secret), ttl: ttl, issuer: "activity-pipeline"}
}

// CreateExpiringResourceSignature signs resourceID with the configured TTL.
func (s *Signer) CreateExpiringResourceSignature(resourceID string) (string, error) {
	return CreateWithSecret(s.secret, resourceID, s.ttl, s.issuer)
}

// VerifyExpiringResourceSignature checks signature was issued for
// resourceID and has not expired.
func (s *Signer) VerifyExpiringResourceSignature(resourceID, signature string) error {
	return VerifyWithSecret(s.secret, resourceID, signature)
}

// CreateWithSecret signs resourceID against an explicit secret, used when
// the caller resolves a tenant-specific signing key rather than the
// process default (spec: "verified against the tenant's signing key").
func CreateWithSecret(secret []byte, resourceID string, ttl time.Duration, issuer string) (string, error) {
	now := time.Now()
	claims := resourceClaims{
		ResourceID: resourceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   resourceID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("signing: sign resource signature: %w", err)
	}
	return signed, nil
}

// VerifyWithSecret checks signature against an explicit secret.
func VerifyWithSecret(secret []byte, resourceID, signature string) error {
	claims := &resourceClaims{}
	token, err := jwt.ParseWithClaims(signature, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return errors.SignatureExpired()
		}
		return errors.InvalidSignature(err)
	}
	if !token.Valid {
		return errors.InvalidSignature(fmt.Errorf("token not valid"))
	}
	if claims.ResourceID != resourceID {
		return errors.InvalidSignature(fmt.Errorf("signature was issued for a different resource"))
	}
	return nil
}
