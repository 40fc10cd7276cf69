package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"settld-gateway/pkg/errors"
)

// OpsClaims are the claims of a short-lived ops token minted for the
// maintenance admin surface.
type OpsClaims struct {
	TenantID string `json:"tenant_id"`
	Scope    string `json:"scope"`
	jwt.RegisteredClaims
}

// OpsTokenService mints and validates HS256 ops tokens.
type OpsTokenService struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

// NewOpsTokenService builds the service; an empty secret disables it.
func NewOpsTokenService(secret string, ttl time.Duration, issuer string) *OpsTokenService {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &OpsTokenService{secret: []byte(secret), ttl: ttl, issuer: issuer}
}

// Enabled reports whether ops tokens are configured.
func (s *OpsTokenService) Enabled() bool { return len(s.secret) > 0 }

// Mint issues an ops token for the tenant.
func (s *OpsTokenService) Mint(tenantID string) (string, error) {
	now := time.Now()
	claims := &OpsClaims{
		TenantID: tenantID,
		Scope:    string(ScopeOps),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Subject:   tenantID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Validate parses and checks an ops token.
func (s *OpsTokenService) Validate(token string) (*OpsClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &OpsClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.ErrUnauthorized.WithMessage("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, errors.ErrUnauthorized.Wrap(err)
	}
	claims, ok := parsed.Claims.(*OpsClaims)
	if !ok || !parsed.Valid || claims.Scope != string(ScopeOps) {
		return nil, errors.ErrUnauthorized
	}
	return claims, nil
}
