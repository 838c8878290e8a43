// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, tenant, payment, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeValidation         = "VALIDATION_FAILED"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodeTenantNotFound     = "TENANT_NOT_FOUND"
	ErrCodeTenantExists       = "TENANT_ALREADY_EXISTS"
	ErrCodePlanNotFound       = "PLAN_NOT_FOUND"
	ErrCodeInviteFailed       = "INVITE_FAILED"
	ErrCodePaymentFailed      = "PAYMENT_FAILED"
	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	ErrCodeCSRF               = "CSRF_VALIDATION_FAILED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Se requiere autenticación.",
		Category: "auth",
		Action:   "Inicie sesión nuevamente.",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "Solo el dueño del comercio puede realizar esta acción.",
		Category: "auth",
		Action:   "Solicite la operación al dueño del comercio.",
	}
}

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(detail string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("Datos inválidos: %s", detail),
		Category: "validation",
		Action:   "Revise los campos del formulario.",
	}
}

// NewInvalidCredentialsError は認証情報不一致エラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "Email o contraseña incorrectos.",
		Category: "auth",
		Action:   "Verifique sus datos e intente de nuevo.",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "Usuario no encontrado.",
		Category: "auth",
		Action:   "Inicie sesión nuevamente.",
	}
}

// NewTenantNotFoundError は店舗が見つからない場合のエラーを生成する。
func NewTenantNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeTenantNotFound,
		Message:  "No se encontró el comercio.",
		Category: "tenant",
		Action:   "Seleccione un plan para registrar su comercio.",
	}
}

// NewTenantExistsError は既に店舗を持つユーザーが再登録しようとした場合のエラーを生成する。
func NewTenantExistsError() *APIError {
	return &APIError{
		Code:     ErrCodeTenantExists,
		Message:  "El usuario ya pertenece a un comercio.",
		Category: "tenant",
		Action:   "Ingrese al panel de control.",
	}
}

// NewPlanNotFoundError はプランが見つからない場合のエラーを生成する。
func NewPlanNotFoundError(planID int64) *APIError {
	return &APIError{
		Code:     ErrCodePlanNotFound,
		Message:  fmt.Sprintf("Plan no encontrado: %d", planID),
		Category: "validation",
		Action:   "Seleccione un plan disponible.",
	}
}

// NewInviteFailedError は招待メール送信の失敗を表す。
func NewInviteFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInviteFailed,
		Message:  fmt.Sprintf("No se pudo enviar la invitación: %s", reason),
		Category: "tenant",
		Action:   "Verifique el email e intente más tarde.",
	}
}

// NewPaymentFailedError は決済プロバイダー連携の失敗を表す。
func NewPaymentFailedError() *APIError {
	return &APIError{
		Code:     ErrCodePaymentFailed,
		Message:  "No se pudo iniciar el pago.",
		Category: "payment",
		Action:   "Intente nuevamente en unos minutos.",
	}
}

// NewRateLimitError はレート制限超過エラーを生成する。
func NewRateLimitError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "Demasiadas solicitudes.",
		Category: "system",
		Action:   "Espere unos segundos e intente de nuevo.",
	}
}

// NewCSRFError はCSRFトークン検証失敗のエラーを生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRF,
		Message:  "La solicitud no pudo ser verificada.",
		Category: "auth",
		Action:   "Recargue la página e intente de nuevo.",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "Ocurrió un error interno.",
		Category: "system",
		Action:   "Intente nuevamente en unos minutos.",
	}
}

// CodeNoRows は単一行取得で行が存在しなかったことを示すリポジトリエラーコード。
// 想定内の結果であり、致命的なエラーとして扱わない。
const CodeNoRows = "PGRST116"

// RepositoryError はリポジトリ層がコード付きで返すエラー。
type RepositoryError struct {
	Code    string
	Message string
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *RepositoryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap は元のエラーを返す。
func (e *RepositoryError) Unwrap() error {
	return e.Err
}

// NewNoRowsError は行なしエラーを生成する。
func NewNoRowsError(resource string) *RepositoryError {
	return &RepositoryError{
		Code:    CodeNoRows,
		Message: fmt.Sprintf("no rows returned for %s", resource),
	}
}

// IsNoRows はerrが行なしエラーかどうかを判定する。
func IsNoRows(err error) bool {
	var repoErr *RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.Code == CodeNoRows
	}
	return false
}
