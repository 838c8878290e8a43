package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adminisgo/adminis/internal/model"
)

func TestAdmin_InviteUserByEmail_SendsMetadataWithServiceKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/invite" {
			t.Errorf("path = %q, want /auth/v1/invite", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer service-key" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("apikey") != "service-key" {
			t.Errorf("apikey = %q", r.Header.Get("apikey"))
		}

		var body struct {
			Email string         `json:"email"`
			Data  map[string]any `json:"data"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Email != "vendedor@example.com" {
			t.Errorf("email = %q", body.Email)
		}
		if body.Data["comercio_id"] != "42" {
			t.Errorf("data.comercio_id = %v, want 42", body.Data["comercio_id"])
		}
		if body.Data["rol_id"] != float64(3) {
			t.Errorf("data.rol_id = %v, want 3", body.Data["rol_id"])
		}

		writeJSON(w, http.StatusOK, map[string]any{"id": "invited-1", "email": body.Email})
	}))
	defer srv.Close()

	admin := NewAdmin(AdminConfig{BaseURL: srv.URL, ServiceKey: "service-key"}, nil)

	id, err := admin.InviteUserByEmail(context.Background(), "vendedor@example.com", model.SessionMetadata{
		TenantID: "42",
		RoleID:   3,
		Nombre:   "Luis",
	}, "")
	if err != nil {
		t.Fatalf("InviteUserByEmail() error = %v", err)
	}
	if id != "invited-1" {
		t.Errorf("id = %q, want invited-1", id)
	}
}

func TestAdmin_InviteUserByEmail_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"code": 422,
			"msg":  "A user with this email address has already been registered",
		})
	}))
	defer srv.Close()

	admin := NewAdmin(AdminConfig{BaseURL: srv.URL, ServiceKey: "service-key"}, nil)

	_, err := admin.InviteUserByEmail(context.Background(), "dup@example.com", model.SessionMetadata{TenantID: "42"}, "")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("error = %T %v, want *APIError", err, err)
	}
	if apiErr.Status != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", apiErr.Status)
	}
	if apiErr.Code != "422" {
		t.Errorf("code = %q, want 422", apiErr.Code)
	}
}

func TestAdmin_DeleteUser_NotFoundIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/auth/v1/admin/users/user-1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		writeJSON(w, http.StatusNotFound, map[string]any{"msg": "User not found"})
	}))
	defer srv.Close()

	admin := NewAdmin(AdminConfig{BaseURL: srv.URL, ServiceKey: "service-key"}, nil)

	if err := admin.DeleteUser(context.Background(), "user-1"); err != nil {
		t.Errorf("DeleteUser() error = %v, want nil", err)
	}
}

func TestAdmin_DeleteUser_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"msg": "db down"})
	}))
	defer srv.Close()

	admin := NewAdmin(AdminConfig{BaseURL: srv.URL, ServiceKey: "service-key"}, nil)

	if err := admin.DeleteUser(context.Background(), "user-1"); err == nil {
		t.Error("expected error on 500")
	}
}
