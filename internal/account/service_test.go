package account

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/adminisgo/adminis/internal/model"
	"github.com/adminisgo/adminis/internal/repository"
	"github.com/adminisgo/adminis/internal/security"
)

// --- モック ---

type mockTenantStore struct {
	fetchUserFn func(ctx context.Context, subject string) (*model.TenantUser, error)
	createFn    func(ctx context.Context, in repository.CreateTenantInput) (*model.Tenant, error)
	listFn      func(ctx context.Context, tenantID string) ([]*model.TenantUser, error)
	deleteFn    func(ctx context.Context, tenantID string) error
}

func (m *mockTenantStore) FetchCurrentTenantUser(ctx context.Context, subject string) (*model.TenantUser, error) {
	return m.fetchUserFn(ctx, subject)
}
func (m *mockTenantStore) CreateTenantAndUser(ctx context.Context, in repository.CreateTenantInput) (*model.Tenant, error) {
	return m.createFn(ctx, in)
}
func (m *mockTenantStore) ListTenantUsers(ctx context.Context, tenantID string) ([]*model.TenantUser, error) {
	return m.listFn(ctx, tenantID)
}
func (m *mockTenantStore) DeleteTenant(ctx context.Context, tenantID string) error {
	return m.deleteFn(ctx, tenantID)
}

type mockPlans struct {
	findFn func(ctx context.Context, id int64) (*model.Plan, error)
}

func (m *mockPlans) FindByID(ctx context.Context, id int64) (*model.Plan, error) {
	if m.findFn != nil {
		return m.findFn(ctx, id)
	}
	return &model.Plan{ID: id, Nombre: "Basico", Activo: true}, nil
}

type mockIdentity struct {
	mu       sync.Mutex
	deleted  []string
	deleteFn func(ctx context.Context, userID string) error
}

func (m *mockIdentity) DeleteUser(ctx context.Context, userID string) error {
	m.mu.Lock()
	m.deleted = append(m.deleted, userID)
	m.mu.Unlock()
	if m.deleteFn != nil {
		return m.deleteFn(ctx, userID)
	}
	return nil
}

func newService(tenants *mockTenantStore, plans *mockPlans, id *mockIdentity) *Service {
	return NewService(tenants, plans, id, security.NewTextSanitizer(), security.NewValidator(), nil)
}

func ownerSession() *model.Session {
	return &model.Session{AccessToken: "at", User: model.SessionUser{
		ID: "owner-1", Email: "owner@example.com", Metadata: model.SessionMetadata{Nombre: "Pepe"},
	}}
}

func asOwner(_ context.Context, subject string) (*model.TenantUser, error) {
	return &model.TenantUser{ID: subject, TenantID: "c-1", Role: model.Role{ID: 1, Name: model.RoleOwner}}, nil
}

func apiCode(err error) string {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// --- RegisterTenant ---

func TestService_RegisterTenant(t *testing.T) {
	var got repository.CreateTenantInput
	tenants := &mockTenantStore{createFn: func(_ context.Context, in repository.CreateTenantInput) (*model.Tenant, error) {
		got = in
		return &model.Tenant{ID: "c-1", Nombre: in.TenantName, PlanID: in.PlanID}, nil
	}}
	svc := newService(tenants, &mockPlans{}, &mockIdentity{})

	tenant, err := svc.RegisterTenant(context.Background(), ownerSession(), RegisterRequest{Nombre: " Kiosco <b>Pepe</b> ", PlanID: 2})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if tenant.ID != "c-1" {
		t.Errorf("tenant.ID = %q", tenant.ID)
	}
	want := repository.CreateTenantInput{
		OwnerID: "owner-1", OwnerEmail: "owner@example.com", OwnerName: "Pepe", TenantName: "Kiosco Pepe", PlanID: 2,
	}
	if got != want {
		t.Errorf("input = %+v, want %+v", got, want)
	}
}

func TestService_RegisterTenant_AlreadyMember(t *testing.T) {
	tenants := &mockTenantStore{createFn: func(context.Context, repository.CreateTenantInput) (*model.Tenant, error) {
		return nil, repository.ErrTenantUserExists
	}}
	svc := newService(tenants, &mockPlans{}, &mockIdentity{})

	_, err := svc.RegisterTenant(context.Background(), ownerSession(), RegisterRequest{Nombre: "Kiosco", PlanID: 1})
	if apiCode(err) != model.ErrCodeTenantExists {
		t.Errorf("expected %s, got %v", model.ErrCodeTenantExists, err)
	}
}

func TestService_RegisterTenant_UnknownOrInactivePlan(t *testing.T) {
	for name, plan := range map[string]*model.Plan{
		"missing":  nil,
		"inactive": {ID: 9, Activo: false},
	} {
		t.Run(name, func(t *testing.T) {
			tenants := &mockTenantStore{createFn: func(context.Context, repository.CreateTenantInput) (*model.Tenant, error) {
				t.Fatal("CreateTenantAndUser should not be called")
				return nil, nil
			}}
			plans := &mockPlans{findFn: func(context.Context, int64) (*model.Plan, error) { return plan, nil }}
			svc := newService(tenants, plans, &mockIdentity{})

			_, err := svc.RegisterTenant(context.Background(), ownerSession(), RegisterRequest{Nombre: "Kiosco", PlanID: 9})
			if apiCode(err) != model.ErrCodePlanNotFound {
				t.Errorf("expected %s, got %v", model.ErrCodePlanNotFound, err)
			}
		})
	}
}

func TestService_RegisterTenant_Validation(t *testing.T) {
	svc := newService(&mockTenantStore{}, &mockPlans{}, &mockIdentity{})

	_, err := svc.RegisterTenant(context.Background(), ownerSession(), RegisterRequest{Nombre: "", PlanID: 0})
	if apiCode(err) != model.ErrCodeValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestService_RegisterTenant_NoSession(t *testing.T) {
	svc := newService(&mockTenantStore{}, &mockPlans{}, &mockIdentity{})

	_, err := svc.RegisterTenant(context.Background(), nil, RegisterRequest{Nombre: "Kiosco", PlanID: 1})
	if apiCode(err) != model.ErrCodeUnauthorized {
		t.Errorf("expected unauthorized, got %v", err)
	}
}

// --- DeleteTenantAccount ---

// TestService_DeleteTenantAccount は全usuarioの認証ユーザー削除後に店舗が削除されることを検証する。
func TestService_DeleteTenantAccount(t *testing.T) {
	var deletedTenant string
	id := &mockIdentity{}
	tenants := &mockTenantStore{
		fetchUserFn: asOwner,
		listFn: func(_ context.Context, tenantID string) ([]*model.TenantUser, error) {
			return []*model.TenantUser{{ID: "owner-1"}, {ID: "seller-1"}, {ID: "seller-2"}}, nil
		},
		deleteFn: func(_ context.Context, tenantID string) error {
			id.mu.Lock()
			n := len(id.deleted)
			id.mu.Unlock()
			if n != 3 {
				t.Errorf("tenant deleted before identity users (%d deleted)", n)
			}
			deletedTenant = tenantID
			return nil
		},
	}
	svc := newService(tenants, &mockPlans{}, id)

	if err := svc.DeleteTenantAccount(context.Background(), ownerSession()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if deletedTenant != "c-1" {
		t.Errorf("deleted tenant = %q, want c-1", deletedTenant)
	}
	sort.Strings(id.deleted)
	if len(id.deleted) != 3 || id.deleted[0] != "owner-1" || id.deleted[2] != "seller-2" {
		t.Errorf("deleted identity users = %v", id.deleted)
	}
}

func TestService_DeleteTenantAccount_IdentityFailureKeepsTenant(t *testing.T) {
	tenants := &mockTenantStore{
		fetchUserFn: asOwner,
		listFn: func(context.Context, string) ([]*model.TenantUser, error) {
			return []*model.TenantUser{{ID: "owner-1"}, {ID: "seller-1"}}, nil
		},
		deleteFn: func(context.Context, string) error {
			t.Fatal("DeleteTenant should not be called")
			return nil
		},
	}
	id := &mockIdentity{deleteFn: func(_ context.Context, userID string) error {
		if userID == "seller-1" {
			return errors.New("identity unavailable")
		}
		return nil
	}}
	svc := newService(tenants, &mockPlans{}, id)

	if err := svc.DeleteTenantAccount(context.Background(), ownerSession()); err == nil {
		t.Fatal("expected error")
	}
}

func TestService_DeleteTenantAccount_NotOwner(t *testing.T) {
	tenants := &mockTenantStore{
		fetchUserFn: func(_ context.Context, s string) (*model.TenantUser, error) {
			return &model.TenantUser{ID: s, TenantID: "c-1", Role: model.Role{ID: 3, Name: model.RoleSeller}}, nil
		},
	}
	id := &mockIdentity{}
	svc := newService(tenants, &mockPlans{}, id)

	err := svc.DeleteTenantAccount(context.Background(), ownerSession())
	if apiCode(err) != model.ErrCodeForbidden {
		t.Errorf("expected forbidden, got %v", err)
	}
	if len(id.deleted) != 0 {
		t.Errorf("no identity user should be deleted, got %v", id.deleted)
	}
}

func TestService_DeleteTenantAccount_NoTenant(t *testing.T) {
	tenants := &mockTenantStore{
		fetchUserFn: func(context.Context, string) (*model.TenantUser, error) { return nil, nil },
	}
	svc := newService(tenants, &mockPlans{}, &mockIdentity{})

	err := svc.DeleteTenantAccount(context.Background(), ownerSession())
	if apiCode(err) != model.ErrCodeTenantNotFound {
		t.Errorf("expected tenant not found, got %v", err)
	}
}
