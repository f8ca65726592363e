package router

import (
	"context"
	"testing"

	"github.com/n42/bridgemgr/internal/apperr"
)

func handlerReturning(label string) Handler {
	return func(ctx context.Context, path string) (interface{}, error) {
		return label, nil
	}
}

func TestRegistry_ExactMatch(t *testing.T) {
	r := New()
	r.Register("_matrix/app/v1/ping", Exact, handlerReturning("ping"))

	h, err := r.MatchOrFallback("_matrix/app/v1/ping")
	if err != nil {
		t.Fatalf("MatchOrFallback: %v", err)
	}
	got, _ := h(context.Background(), "_matrix/app/v1/ping")
	if got != "ping" {
		t.Errorf("got %v, want ping", got)
	}
}

func TestRegistry_PrefixMatch(t *testing.T) {
	r := New()
	r.Register("_matrix/app/v1/users/", Prefix, handlerReturning("users"))

	h, err := r.MatchOrFallback("_matrix/app/v1/users/@alice:example.org")
	if err != nil {
		t.Fatalf("MatchOrFallback: %v", err)
	}
	got, _ := h(context.Background(), "")
	if got != "users" {
		t.Errorf("got %v, want users", got)
	}
}

func TestRegistry_RegexMatch(t *testing.T) {
	r := New()
	r.Register(`^rooms/[^/]+/send/[^/]+/[^/]+$`, Regex, handlerReturning("send"))

	h, err := r.MatchOrFallback("rooms/!abc:example.org/send/m.room.message/txn1")
	if err != nil {
		t.Fatalf("MatchOrFallback: %v", err)
	}
	got, _ := h(context.Background(), "")
	if got != "send" {
		t.Errorf("got %v, want send", got)
	}
}

func TestRegistry_FirstMatchWins(t *testing.T) {
	r := New()
	r.Register("_matrix/app/v1/", Prefix, handlerReturning("first"))
	r.Register("_matrix/app/v1/ping", Exact, handlerReturning("second"))

	h, _ := r.MatchOrFallback("_matrix/app/v1/ping")
	got, _ := h(context.Background(), "")
	if got != "first" {
		t.Errorf("expected earlier registration to win, got %v", got)
	}
}

func TestRegistry_Fallback(t *testing.T) {
	r := New()
	r.RegisterFallback(handlerReturning("fallback"))

	h, err := r.MatchOrFallback("unregistered/path")
	if err != nil {
		t.Fatalf("MatchOrFallback: %v", err)
	}
	got, _ := h(context.Background(), "")
	if got != "fallback" {
		t.Errorf("got %v, want fallback", got)
	}
}

func TestRegistry_RouteNotFound(t *testing.T) {
	r := New()
	_, err := r.MatchOrFallback("unregistered/path")
	if apperr.KindOf(err) != apperr.RouteNotFound {
		t.Errorf("expected RouteNotFound, got %v", err)
	}
}

func TestRegistry_InvalidRegexPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for invalid regex pattern")
		}
	}()
	r := New()
	r.Register("(unclosed", Regex, handlerReturning("never"))
}
