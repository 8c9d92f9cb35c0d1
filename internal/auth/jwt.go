package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"llm_proxy/internal/config"
)

var (
	// ErrInvalidToken is returned when a token fails validation
	ErrInvalidToken = errors.New("invalid token")
)

// OrgClaims are the claims carried by an organization access token.
type OrgClaims struct {
	OrganizationID   string `json:"org_id"`
	OrganizationName string `json:"org_name"`
	jwt.RegisteredClaims
}

// GenerateOrgToken mints a long-lived access token for an organization.
// Returns the signed token and its expiry.
func GenerateOrgToken(orgID uuid.UUID, orgName string, cfg *config.Config) (string, time.Time, error) {
	expiresAt := time.Now().Add(cfg.JWT.Expiry)
	claims := OrgClaims{
		OrganizationID:   orgID.String(),
		OrganizationName: orgName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   orgID.String(),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signedToken, err := token.SignedString(cfg.JWT.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signedToken, expiresAt, nil
}

// ValidateOrgToken verifies a token and returns its claims. Only HS256
// signatures are accepted.
func ValidateOrgToken(tokenString string, cfg *config.Config) (*OrgClaims, error) {
	claims := &OrgClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return cfg.JWT.Secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if _, err := uuid.Parse(claims.OrganizationID); err != nil {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// OrgID returns the organization ID claim as a UUID. Validation already
// checked it parses.
func (c *OrgClaims) OrgID() uuid.UUID {
	id, _ := uuid.Parse(c.OrganizationID)
	return id
}
