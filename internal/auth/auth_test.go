package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/rcrt/substrate/internal/auth"
	"github.com/rcrt/substrate/internal/store"
	"github.com/rcrt/substrate/pkg/contracts"
	"github.com/rcrt/substrate/pkg/models"
	"github.com/stretchr/testify/require"
)

func testIdentity(owner, agent string, roles ...models.Role) *contracts.Identity {
	return &contracts.Identity{OwnerID: owner, AgentID: agent, Roles: roles}
}

func newTestStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	t.Setenv("RCRT_DATA_DIR", t.TempDir())
	s := store.NewMemoryStore(24 * time.Hour)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSigner_IssueVerifyRoundTrip(t *testing.T) {
	s := auth.NewSigner("test-key")
	token, err := s.Issue("t1", "agent-a", []models.Role{models.RoleEmitter}, time.Hour)
	require.NoError(t, err)

	identity, err := s.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "t1", identity.OwnerID)
	require.Equal(t, "agent-a", identity.AgentID)
	require.True(t, identity.HasRole(models.RoleEmitter))
}

func TestSigner_RejectsTamperedToken(t *testing.T) {
	s := auth.NewSigner("test-key")
	token, err := s.Issue("t1", "agent-a", []models.Role{models.RoleCurator}, time.Hour)
	require.NoError(t, err)

	_, err = s.Verify(token + "x")
	require.ErrorIs(t, err, auth.ErrBadSignature)
}

func TestSigner_RejectsExpiredToken(t *testing.T) {
	s := auth.NewSigner("test-key")
	token, err := s.Issue("t1", "agent-a", []models.Role{models.RoleCurator}, -time.Minute)
	require.NoError(t, err)

	_, err = s.Verify(token)
	require.ErrorIs(t, err, auth.ErrTokenExpired)
}

func TestAuthorize_RoleGrantsAccessWithoutACL(t *testing.T) {
	s := newTestStore(t)
	identity := testIdentity("t1", "agent-a", models.RoleCurator)
	err := auth.Authorize(context.Background(), s, identity, "bc1", models.PermDelete, models.RoleCurator)
	require.NoError(t, err)
}

func TestAuthorize_FallsBackToACLGrant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateGrant(ctx, &models.ACLGrant{
		OwnerID: "t1", BreadcrumbID: "bc1", AgentID: "agent-a", Permissions: []models.Permission{models.PermRead},
	}))

	identity := testIdentity("t1", "agent-a", models.RoleSubscriber)
	err := auth.Authorize(ctx, s, identity, "bc1", models.PermRead, models.RoleCurator)
	require.NoError(t, err)

	err = auth.Authorize(ctx, s, identity, "bc1", models.PermDelete, models.RoleCurator)
	require.ErrorIs(t, err, auth.ErrInsufficientRole)
}

func TestAuditPrivilegedRead_RequiresReasonForSecret(t *testing.T) {
	s := newTestStore(t)
	identity := testIdentity("t1", "agent-a", models.RoleSubscriber)
	b := &models.Breadcrumb{ID: "bc1", OwnerID: "t1", Sensitivity: models.SensitivitySecret}

	err := auth.AuditPrivilegedRead(context.Background(), s, identity, b, false, "")
	require.ErrorIs(t, err, auth.ErrReasonRequired)

	err = auth.AuditPrivilegedRead(context.Background(), s, identity, b, false, "investigating incident 42")
	require.NoError(t, err)

	entries, err := s.ListAudit(context.Background(), "t1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestAuthorize_PublicVisibilityGrantsAccessWithoutRoleOrGrant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTenant(ctx, &models.Tenant{ID: "t1"}))

	bc, err := s.CreateBreadcrumb(ctx, store.CreateParams{Breadcrumb: &models.Breadcrumb{
		OwnerID: "t1", Context: []byte(`{}`), Visibility: models.VisibilityPublic,
	}})
	require.NoError(t, err)

	identity := testIdentity("t1", "agent-a", models.RoleSubscriber)
	err = auth.Authorize(ctx, s, identity, bc.ID, models.PermRead, models.RoleEmitter, models.RoleCurator)
	require.NoError(t, err, "a public breadcrumb must be readable without the required role or an ACL grant")
}

func TestAuthorize_TeamVisibilityGrantsAccessToTenantMembersOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTenant(ctx, &models.Tenant{ID: "t1"}))
	require.NoError(t, s.CreateTenant(ctx, &models.Tenant{ID: "t2"}))

	bc, err := s.CreateBreadcrumb(ctx, store.CreateParams{Breadcrumb: &models.Breadcrumb{
		OwnerID: "t1", Context: []byte(`{}`), Visibility: models.VisibilityTeam,
	}})
	require.NoError(t, err)

	member := testIdentity("t1", "agent-a", models.RoleSubscriber)
	err = auth.Authorize(ctx, s, member, bc.ID, models.PermRead, models.RoleEmitter, models.RoleCurator)
	require.NoError(t, err, "a team-visibility breadcrumb must be readable by any member of the owning tenant")

	outsider := testIdentity("t2", "agent-b", models.RoleSubscriber)
	err = auth.Authorize(ctx, s, outsider, bc.ID, models.PermRead, models.RoleEmitter, models.RoleCurator)
	require.ErrorIs(t, err, auth.ErrInsufficientRole, "team visibility must not leak across tenants")
}

func TestAuthorize_PrivateVisibilityRequiresRoleOrGrant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTenant(ctx, &models.Tenant{ID: "t1"}))

	bc, err := s.CreateBreadcrumb(ctx, store.CreateParams{Breadcrumb: &models.Breadcrumb{
		OwnerID: "t1", Context: []byte(`{}`), Visibility: models.VisibilityPrivate,
	}})
	require.NoError(t, err)

	identity := testIdentity("t1", "agent-a", models.RoleSubscriber)
	err = auth.Authorize(ctx, s, identity, bc.ID, models.PermRead, models.RoleEmitter, models.RoleCurator)
	require.ErrorIs(t, err, auth.ErrInsufficientRole)
}
