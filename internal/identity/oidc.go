package identity

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/al-bashkir/tgbridge/internal/config"
)

// OIDC verifies bearer tokens issued by an OpenID Connect provider.
type OIDC struct {
	verifier *oidc.IDTokenVerifier
	policy   claimPolicy
}

// NewOIDC performs discovery via /.well-known/openid-configuration and sets
// up a verifier for the configured audience.
func NewOIDC(ctx context.Context, cfg *config.IdentityConfig) (*OIDC, error) {
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	// Verifies signature via JWKS plus iss, aud and exp.
	verifier := provider.Verifier(&oidc.Config{
		ClientID: cfg.Audience,
	})

	return &OIDC{
		verifier: verifier,
		policy: claimPolicy{
			userClaim:     cfg.UserClaim,
			roleClaim:     cfg.RoleClaim,
			requiredRoles: cfg.RequiredRoles,
		},
	}, nil
}

func (o *OIDC) Authenticate(r *http.Request) (Identity, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return Identity{}, err
	}

	token, err := o.verifier.Verify(r.Context(), raw)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var claims map[string]interface{}
	if err := token.Claims(&claims); err != nil {
		return Identity{}, fmt.Errorf("%w: decode claims: %v", ErrInvalidToken, err)
	}

	return o.policy.identity(claims)
}
