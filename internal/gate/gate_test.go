package gate

import (
	"testing"

	"github.com/adminisgo/adminis/internal/model"
	"github.com/adminisgo/adminis/internal/session"
)

func stateWith(loading, authenticated bool, role model.RoleName) session.State {
	st := session.State{Loading: loading}
	if authenticated {
		st.Session = &model.Session{User: model.SessionUser{ID: "user-1"}}
	}
	if role != "" {
		st.Usuario = &model.TenantUser{ID: "user-1", Role: model.Role{Name: role}}
	}
	return st
}

func TestPolicies_LoadingAlwaysPlaceholder(t *testing.T) {
	states := []session.State{
		stateWith(true, false, ""),
		stateWith(true, true, ""),
		stateWith(true, true, model.RoleOwner),
		stateWith(true, true, model.RoleSeller),
	}

	for _, policy := range []Policy{Authenticated{}, Owner{}} {
		for _, st := range states {
			d := policy.Decide(st)
			if d.Action != Placeholder {
				t.Errorf("%s.Decide(%+v) = %v, want placeholder", policy.Name(), st, d.Action)
			}
			if d.Location != "" {
				t.Errorf("%s placeholder should not carry a location", policy.Name())
			}
		}
	}
}

func TestAuthenticated_Decide(t *testing.T) {
	tests := []struct {
		name string
		st   session.State
		want Decision
	}{
		{"no session", stateWith(false, false, ""), Decision{Action: Redirect, Location: LoginPath}},
		{"session without usuario", stateWith(false, true, ""), Decision{Action: Render}},
		{"seller", stateWith(false, true, model.RoleSeller), Decision{Action: Render}},
		{"owner", stateWith(false, true, model.RoleOwner), Decision{Action: Render}},
		// usuarioだけ残っていても認証済みにはならない
		{"usuario without session", stateWith(false, false, model.RoleOwner), Decision{Action: Redirect, Location: LoginPath}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (Authenticated{}).Decide(tt.st); got != tt.want {
				t.Errorf("Decide() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestOwner_Decide(t *testing.T) {
	tests := []struct {
		name string
		st   session.State
		want Decision
	}{
		{"no session", stateWith(false, false, ""), Decision{Action: Redirect, Location: LoginPath}},
		{"authenticated not admin", stateWith(false, true, model.RoleSeller), Decision{Action: Redirect, Location: DashboardPath}},
		{"authenticated without usuario", stateWith(false, true, ""), Decision{Action: Redirect, Location: DashboardPath}},
		{"admin role is not owner", stateWith(false, true, model.RoleAdmin), Decision{Action: Redirect, Location: DashboardPath}},
		{"owner", stateWith(false, true, model.RoleOwner), Decision{Action: Render}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (Owner{}).Decide(tt.st); got != tt.want {
				t.Errorf("Decide() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestAction_String(t *testing.T) {
	if Render.String() != "render" || Placeholder.String() != "placeholder" || Redirect.String() != "redirect" {
		t.Error("unexpected action names")
	}
	if Action(99).String() != "unknown" {
		t.Error("unknown action should be named unknown")
	}
}
