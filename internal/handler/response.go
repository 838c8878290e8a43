package handler

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"

	"github.com/adminisgo/adminis/internal/gate"
	"github.com/adminisgo/adminis/internal/middleware"
	"github.com/adminisgo/adminis/internal/model"
)

// maxBodyBytes はJSONリクエストボディの上限。
const maxBodyBytes = 64 << 10

// redirectResponse はJSONクライアント向けの遷移先レスポンス。
type redirectResponse struct {
	RedirectTo string `json:"redirect_to"`
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON はリクエストボディをvにデコードする。
// 失敗した場合は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewValidationError("cuerpo JSON inválido"))
		return false
	}
	return true
}

// wantsJSON はリクエストがJSONで送られたかどうかを返す。
// フォーム送信には303で応答し、JSONクライアントには遷移先をボディで返す。
func wantsJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

// respondRedirect はクライアントの種類に応じて遷移先を返す。
func respondRedirect(w http.ResponseWriter, r *http.Request, status int, target string) {
	if wantsJSON(r) {
		writeJSON(w, status, redirectResponse{RedirectTo: target})
		return
	}
	gate.WriteRedirect(w, r, target)
}

// handleServiceError はサービス層のエラーを統一フォーマットで書き込む。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	middleware.WriteError(w, r, err)
}

func writeUnauthorized(w http.ResponseWriter) {
	middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
}

// decodeBody はJSONまたはフォームのリクエストボディを読み取る。
// フォームの場合はfromFormで値を詰める。
func decodeBody(w http.ResponseWriter, r *http.Request, v any, fromForm func(url.Values)) bool {
	if wantsJSON(r) {
		return decodeJSON(w, r, v)
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewValidationError("formulario inválido"))
		return false
	}
	fromForm(r.PostForm)
	return true
}

// validateRequest はリクエストを検証し、失敗した場合は400を書き込みfalseを返す。
func validateRequest(w http.ResponseWriter, v RequestValidator, req any) bool {
	if err := v.Validate(req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError(err.Error()))
		return false
	}
	return true
}

// RequestValidator はリクエストボディの構造体タグを検証する。
type RequestValidator interface {
	Validate(v any) error
}
