package identity

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/al-bashkir/tgbridge/internal/config"
)

// HMAC verifies HS256 bearer tokens minted by the CRM with a shared secret.
type HMAC struct {
	secret []byte
	parser *jwt.Parser
	policy claimPolicy
}

func NewHMAC(cfg *config.IdentityConfig) (*HMAC, error) {
	if cfg.HMACSecret == "" {
		return nil, errors.New("hmac secret is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &HMAC{
		secret: []byte(cfg.HMACSecret),
		parser: jwt.NewParser(opts...),
		policy: claimPolicy{
			userClaim:     cfg.UserClaim,
			roleClaim:     cfg.RoleClaim,
			requiredRoles: cfg.RequiredRoles,
		},
	}, nil
}

func (h *HMAC) Authenticate(r *http.Request) (Identity, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return Identity{}, err
	}

	claims := jwt.MapClaims{}
	_, err = h.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return h.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return h.policy.identity(claims)
}
