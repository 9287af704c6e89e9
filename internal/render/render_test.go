package render

import (
	"testing"

	"courier/internal/model"
)

func TestRenderSubstitutesVariables(t *testing.T) {
	vars := map[string]string{"host": "api.example.com", "id": "42"}

	got := Render("https://${host}/users/${id}", vars)
	want := "https://api.example.com/users/42"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRenderUnresolvedPassesThrough(t *testing.T) {
	got := Render("https://${missing}/x", map[string]string{})
	if got != "https://${missing}/x" {
		t.Fatalf("unresolved expression must pass through, got %q", got)
	}
}

func TestRenderNoExpressions(t *testing.T) {
	if got := Render("plain text", nil); got != "plain text" {
		t.Fatalf("got %q", got)
	}
}

func TestVarsLaterDuplicateWins(t *testing.T) {
	env := &model.Environment{Variables: []model.Variable{
		{Name: "token", Value: "first", Enabled: true},
		{Name: "token", Value: "second", Enabled: true},
		{Name: "off", Value: "x", Enabled: false},
	}}

	vars := Vars(env)
	if vars["token"] != "second" {
		t.Fatalf("expected later duplicate to win, got %q", vars["token"])
	}
	if _, ok := vars["off"]; ok {
		t.Fatalf("disabled variable must be skipped")
	}
}

func TestVarsNilEnvironment(t *testing.T) {
	if vars := Vars(nil); len(vars) != 0 {
		t.Fatalf("expected empty scope, got %v", vars)
	}
}
