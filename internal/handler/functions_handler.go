package handler

import (
	"context"
	"net/http"

	"github.com/adminisgo/adminis/internal/invite"
	"github.com/adminisgo/adminis/internal/middleware"
	"github.com/adminisgo/adminis/internal/model"
)

// InviteService は招待と招待ユーザーの同期を行う。
type InviteService interface {
	InviteUser(ctx context.Context, caller *model.Session, req invite.Request) (*invite.Result, error)
	SyncInvitedUser(ctx context.Context, session *model.Session) error
}

// AccountDeleter は店舗アカウントを削除する。
type AccountDeleter interface {
	DeleteTenantAccount(ctx context.Context, caller *model.Session) error
}

// FunctionsHandler はBearerトークンで呼び出す /functions/* のHTTPハンドラー。
type FunctionsHandler struct {
	invites  InviteService
	accounts AccountDeleter
}

// NewFunctionsHandler はFunctionsHandlerを生成する。
func NewFunctionsHandler(invites InviteService, accounts AccountDeleter) *FunctionsHandler {
	return &FunctionsHandler{
		invites:  invites,
		accounts: accounts,
	}
}

type successResponse struct {
	Success bool `json:"success"`
}

// InviteUser は呼び出し元オーナーの店舗にユーザーを招待する。
// POST /functions/invite-user
func (h *FunctionsHandler) InviteUser(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.BearerSessionFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	var req invite.Request
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.invites.InviteUser(r.Context(), caller, req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// SyncUsuarioInvite は呼び出し元の招待メタデータからusuarioを作成する。
// 招待でない場合も200を返す。
// POST /functions/sync-usuario-invite
func (h *FunctionsHandler) SyncUsuarioInvite(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.BearerSessionFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	if err := h.invites.SyncInvitedUser(r.Context(), caller); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// DeleteTenantAccount は呼び出し元オーナーの店舗と所属ユーザーをすべて削除する。
// POST /functions/delete-tenant-account
func (h *FunctionsHandler) DeleteTenantAccount(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.BearerSessionFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	if err := h.accounts.DeleteTenantAccount(r.Context(), caller); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}
