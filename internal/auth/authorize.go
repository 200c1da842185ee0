package auth

import (
	"context"
	"errors"
	"fmt"

	istore "github.com/rcrt/substrate/internal/store"
	"github.com/rcrt/substrate/pkg/contracts"
	"github.com/rcrt/substrate/pkg/models"
)

var (
	// ErrInsufficientRole is returned when an identity lacks the role
	// required for an operation and no ACL grant covers it either.
	ErrInsufficientRole = errors.New("insufficient role")
	// ErrReasonRequired is returned when a sensitivity=secret read is
	// attempted without the caller-supplied reason required for audit.
	ErrReasonRequired = errors.New("reason required for secret-sensitivity read")
)

// RequireRole reports whether identity's token-level roles satisfy any of
// want, short-circuiting before a (possibly unnecessary) ACL lookup.
func RequireRole(identity *contracts.Identity, want ...models.Role) bool {
	for _, r := range want {
		if identity.HasRole(r) {
			return true
		}
	}
	return false
}

// Authorize gates a breadcrumb-scoped operation against the four disjuncts
// of §3.2 invariant 5: identity holds one of the required roles (curator
// always among them in practice, but checked unconditionally below too),
// OR an ACL grant on breadcrumbID names identity.AgentID with the needed
// permission, OR the breadcrumb is visibility=public, OR it is
// visibility=team and identity belongs to the owning tenant.
func Authorize(ctx context.Context, store contracts.Store, identity *contracts.Identity, breadcrumbID string, perm models.Permission, roles ...models.Role) error {
	if RequireRole(identity, roles...) || identity.HasRole(models.RoleCurator) {
		return nil
	}

	if bc, err := store.GetBreadcrumb(ctx, identity.OwnerID, breadcrumbID, istore.ViewFull, istore.ReadOriginInternal); err == nil {
		if bc.Visibility == models.VisibilityPublic {
			return nil
		}
		if bc.Visibility == models.VisibilityTeam && bc.OwnerID == identity.OwnerID {
			return nil
		}
	}

	grant, err := store.GrantFor(ctx, identity.OwnerID, breadcrumbID, identity.AgentID)
	if err != nil {
		return fmt.Errorf("%w: no role and no ACL grant", ErrInsufficientRole)
	}
	if !grant.Has(perm) {
		return fmt.Errorf("%w: grant does not cover %s", ErrInsufficientRole, perm)
	}
	return nil
}

// AuditPrivilegedRead records an audit entry for any read of a
// non-low-sensitivity breadcrumb, or any read reached only via an ACL
// grant. A reason is mandatory for sensitivity=secret (§4.8).
func AuditPrivilegedRead(ctx context.Context, store contracts.Store, identity *contracts.Identity, b *models.Breadcrumb, viaGrant bool, reason string) error {
	if b.Sensitivity == models.SensitivityLow && !viaGrant {
		return nil
	}
	if b.Sensitivity == models.SensitivitySecret && reason == "" {
		return ErrReasonRequired
	}
	return store.RecordAudit(ctx, &models.AuditEntry{
		OwnerID: identity.OwnerID,
		Actor:   identity.AgentID,
		Target:  b.ID,
		Reason:  reason,
	})
}
