package identity

import (
	"fmt"
	"strings"
)

// claimPolicy turns verified token claims into an Identity and enforces
// role requirements.
type claimPolicy struct {
	userClaim     string
	roleClaim     string
	requiredRoles []string
}

func (p claimPolicy) identity(claims map[string]interface{}) (Identity, error) {
	userID, err := getClaimString(claims, p.userClaim)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: user claim '%s' not found: %v", ErrInvalidToken, p.userClaim, err)
	}
	if strings.TrimSpace(userID) == "" {
		return Identity{}, fmt.Errorf("%w: user claim '%s' is empty", ErrInvalidToken, p.userClaim)
	}

	id := Identity{UserID: userID}
	if p.roleClaim != "" {
		// Absent roles only matter when some are required.
		id.Roles, _ = getRolesFromClaim(claims, p.roleClaim)
	}

	if err := p.validateRoles(id.Roles); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// validateRoles validates that the user has at least one of the required roles.
func (p claimPolicy) validateRoles(roles []string) error {
	if len(p.requiredRoles) == 0 {
		return nil
	}
	for _, requiredRole := range p.requiredRoles {
		if containsRole(roles, requiredRole) {
			return nil
		}
	}
	return fmt.Errorf("%w: need one of %v", ErrForbidden, p.requiredRoles)
}

// getClaimString extracts a string claim, supporting dot notation for nested claims.
// For example: "sub", "preferred_username", "crm.user_id"
func getClaimString(claims map[string]interface{}, path string) (string, error) {
	value, err := getNestedClaim(claims, path)
	if err != nil {
		return "", err
	}

	str, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("claim '%s' is not a string", path)
	}

	return str, nil
}

// getRolesFromClaim extracts roles as a slice of strings.
// Handles both []string and []interface{} types.
func getRolesFromClaim(claims map[string]interface{}, path string) ([]string, error) {
	value, err := getNestedClaim(claims, path)
	if err != nil {
		return nil, err
	}

	switch v := value.(type) {
	case []string:
		return v, nil
	case []interface{}:
		roles := make([]string, 0, len(v))
		for _, role := range v {
			if str, ok := role.(string); ok {
				roles = append(roles, str)
			}
		}
		return roles, nil
	default:
		return nil, fmt.Errorf("claim '%s' is not a string array", path)
	}
}

// getNestedClaim retrieves a claim using dot notation.
// For example: "realm_access.roles" navigates through the claims map.
func getNestedClaim(claims map[string]interface{}, path string) (interface{}, error) {
	parts := strings.Split(path, ".")

	var current interface{} = claims
	for i, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("claim path '%s' not found at level %d (%s)", path, i, part)
		}

		current, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("claim '%s' not found in path '%s'", part, path)
		}
	}

	return current, nil
}

func containsRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
