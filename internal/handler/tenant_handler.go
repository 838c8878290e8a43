package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/adminisgo/adminis/internal/account"
	"github.com/adminisgo/adminis/internal/middleware"
	"github.com/adminisgo/adminis/internal/model"
)

// PlanLister は有効なプランを返す。
type PlanLister interface {
	ListActive(ctx context.Context) ([]*model.Plan, error)
}

// TenantRegistrar は店舗とオーナーを登録する。
type TenantRegistrar interface {
	RegisterTenant(ctx context.Context, caller *model.Session, req account.RegisterRequest) (*model.Tenant, error)
}

// TenantReader は店舗とusuarioを参照する。
type TenantReader interface {
	FetchCurrentTenant(ctx context.Context, subject string) (*model.Tenant, error)
	ListTenantUsers(ctx context.Context, tenantID string) ([]*model.TenantUser, error)
}

// SubscriptionReader は店舗の契約を参照する。
type SubscriptionReader interface {
	FindByTenantID(ctx context.Context, tenantID string) (*model.Subscription, error)
}

// TenantHandler は店舗登録とゲート内ページのHTTPハンドラー。
type TenantHandler struct {
	lookup    SessionLookup
	plans     PlanLister
	registrar TenantRegistrar
	tenants   TenantReader
	subs      SubscriptionReader
	resolver  TargetResolver
	logger    *slog.Logger
}

// NewTenantHandler はTenantHandlerを生成する。subsがnilの場合は契約を返さない。
func NewTenantHandler(
	lookup SessionLookup,
	plans PlanLister,
	registrar TenantRegistrar,
	tenants TenantReader,
	subs SubscriptionReader,
	resolver TargetResolver,
	logger *slog.Logger,
) *TenantHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TenantHandler{
		lookup:    lookup,
		plans:     plans,
		registrar: registrar,
		tenants:   tenants,
		subs:      subs,
		resolver:  resolver,
		logger:    logger,
	}
}

// planResponse はプランのAPIレスポンス。
type planResponse struct {
	ID           int64   `json:"id"`
	Nombre       string  `json:"nombre"`
	Precio       float64 `json:"precio"`
	MaxUsuarios  int     `json:"max_usuarios"`
	MaxProductos int     `json:"max_productos"`
}

// tenantResponse は店舗のAPIレスポンス。
type tenantResponse struct {
	ID        string    `json:"id"`
	Nombre    string    `json:"nombre"`
	PlanID    int64     `json:"plan_id"`
	CreatedAt time.Time `json:"created_at"`
}

// usuarioResponse はusuarioのAPIレスポンス。
type usuarioResponse struct {
	ID         string    `json:"id"`
	ComercioID string    `json:"comercio_id"`
	Email      string    `json:"email"`
	Nombre     string    `json:"nombre"`
	Telefono   string    `json:"telefono,omitempty"`
	Direccion  string    `json:"direccion,omitempty"`
	RolID      int64     `json:"rol_id"`
	Rol        string    `json:"rol"`
	Activo     bool      `json:"activo"`
	CreatedAt  time.Time `json:"created_at"`
}

// subscriptionResponse は契約のAPIレスポンス。
type subscriptionResponse struct {
	PlanID   int64     `json:"plan_id"`
	Estado   string    `json:"estado"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

// dashboardResponse はGET /dashboardのレスポンス。
type dashboardResponse struct {
	User         *model.SessionUser    `json:"user"`
	Usuario      *usuarioResponse      `json:"usuario"`
	Tenant       *tenantResponse       `json:"comercio"`
	Subscription *subscriptionResponse `json:"suscripcion"`
	IsAdmin      bool                  `json:"is_admin"`
}

func toPlanResponse(p *model.Plan) planResponse {
	return planResponse{
		ID:           p.ID,
		Nombre:       p.Nombre,
		Precio:       p.Precio,
		MaxUsuarios:  p.MaxUsuarios,
		MaxProductos: p.MaxProductos,
	}
}

func toTenantResponse(t *model.Tenant) tenantResponse {
	return tenantResponse{
		ID:        t.ID,
		Nombre:    t.Nombre,
		PlanID:    t.PlanID,
		CreatedAt: t.CreatedAt,
	}
}

func toUsuarioResponse(u *model.TenantUser) usuarioResponse {
	return usuarioResponse{
		ID:         u.ID,
		ComercioID: u.TenantID,
		Email:      u.Email,
		Nombre:     u.Nombre,
		Telefono:   u.Telefono,
		Direccion:  u.Direccion,
		RolID:      u.Role.ID,
		Rol:        string(u.Role.Name),
		Activo:     u.Activo,
		CreatedAt:  u.CreatedAt,
	}
}

// SelectPlan は登録時に選択できるプランの一覧を返す。Authenticatedゲートの内側に置く。
// GET /auth/select-plan
func (h *TenantHandler) SelectPlan(w http.ResponseWriter, r *http.Request) {
	plans, err := h.plans.ListActive(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := make([]planResponse, 0, len(plans))
	for _, p := range plans {
		resp = append(resp, toPlanResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": resp})
}

// RegisterTenant は店舗とオーナーのusuarioを作成し、
// コントローラーのusuarioを再取得してから遷移先を返す。Authenticatedゲートの内側に置く。
// POST /auth/register-tenant
func (h *TenantHandler) RegisterTenant(w http.ResponseWriter, r *http.Request) {
	bs, ok := h.lookup(r)
	if !ok {
		writeUnauthorized(w)
		return
	}
	st := bs.Controller.Snapshot()
	if !st.IsAuthenticated() {
		writeUnauthorized(w)
		return
	}

	var req account.RegisterRequest
	if !decodeBody(w, r, &req, func(v url.Values) {
		req.Nombre = v.Get("nombre")
		req.OwnerNombre = v.Get("owner_nombre")
		req.PlanID, _ = strconv.ParseInt(v.Get("plan_id"), 10, 64)
	}) {
		return
	}

	tenant, err := h.registrar.RegisterTenant(r.Context(), st.Session, req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	h.logger.Info("tenant registered",
		slog.String("comercio_id", tenant.ID),
		slog.Int64("plan_id", tenant.PlanID),
	)

	bs.Controller.Refresh(r.Context())
	respondRedirect(w, r, http.StatusCreated, string(h.resolver.Resolve(r.Context(), st.Session)))
}

// Dashboard はダッシュボードの表示データを返す。Authenticatedゲートの内側に置く。
// 店舗が未登録の場合はcomercioをnullで返す。
// GET /dashboard
func (h *TenantHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	bs, ok := h.lookup(r)
	if !ok {
		writeUnauthorized(w)
		return
	}
	st := bs.Controller.Snapshot()

	resp := dashboardResponse{
		User:    st.User(),
		IsAdmin: st.IsAdmin(),
	}
	if st.Usuario != nil {
		u := toUsuarioResponse(st.Usuario)
		resp.Usuario = &u
	}

	tenant, err := h.tenants.FetchCurrentTenant(r.Context(), st.Session.Subject())
	switch {
	case err == nil && tenant != nil:
		t := toTenantResponse(tenant)
		resp.Tenant = &t
		resp.Subscription = h.subscription(r.Context(), tenant.ID)
	case err != nil && !model.IsNoRows(err):
		h.logger.Error("failed to fetch tenant for dashboard", slog.String("error", err.Error()))
	}

	writeJSON(w, http.StatusOK, resp)
}

// subscription は店舗の契約を返す。契約がない場合と取得に失敗した場合はnil。
func (h *TenantHandler) subscription(ctx context.Context, tenantID string) *subscriptionResponse {
	if h.subs == nil {
		return nil
	}
	sub, err := h.subs.FindByTenantID(ctx, tenantID)
	if err != nil {
		h.logger.Error("failed to fetch subscription for dashboard",
			slog.String("comercio_id", tenantID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if sub == nil {
		return nil
	}
	return &subscriptionResponse{
		PlanID:   sub.PlanID,
		Estado:   string(sub.Status),
		StartsAt: sub.StartsAt,
		EndsAt:   sub.EndsAt,
	}
}

// AdminUsers は店舗に所属するusuarioの一覧を返す。Ownerゲートの内側に置く。
// GET /admin/users
func (h *TenantHandler) AdminUsers(w http.ResponseWriter, r *http.Request) {
	bs, ok := h.lookup(r)
	if !ok {
		writeUnauthorized(w)
		return
	}
	st := bs.Controller.Snapshot()
	if st.Usuario == nil {
		middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
		return
	}

	users, err := h.tenants.ListTenantUsers(r.Context(), st.Usuario.TenantID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := make([]usuarioResponse, 0, len(users))
	for _, u := range users {
		resp = append(resp, toUsuarioResponse(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{"usuarios": resp})
}
