package secrets

import (
	"context"
	"errors"
	"testing"
)

func TestEnvProviderResolvesUppercasedPrefixedName(t *testing.T) {
	t.Setenv("GATEWAY_SECRET_STRIPE_KEY", "sk_test_123")
	p := EnvProvider{Prefix: "GATEWAY_SECRET_"}

	v, err := p.Resolve(context.Background(), "stripe_key")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if v != "sk_test_123" {
		t.Fatalf("expected sk_test_123, got %q", v)
	}
}

func TestEnvProviderReturnsErrNotFoundWhenUnset(t *testing.T) {
	p := EnvProvider{Prefix: "GATEWAY_SECRET_"}

	_, err := p.Resolve(context.Background(), "does_not_exist")
	var notFound *ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if notFound.Name != "does_not_exist" {
		t.Fatalf("expected Name %q, got %q", "does_not_exist", notFound.Name)
	}
}

func TestStaticProviderResolvesSeededValue(t *testing.T) {
	p := NewStaticProvider(map[string]string{"tool_token": "sekret"})

	v, err := p.Resolve(context.Background(), "tool_token")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if v != "sekret" {
		t.Fatalf("expected sekret, got %q", v)
	}
}

func TestStaticProviderResolveMissingReturnsErrNotFound(t *testing.T) {
	p := NewStaticProvider(nil)

	_, err := p.Resolve(context.Background(), "missing")
	var notFound *ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStaticProviderSetAddsAndOverwrites(t *testing.T) {
	p := NewStaticProvider(map[string]string{"a": "1"})
	p.Set("a", "2")
	p.Set("b", "3")

	v, err := p.Resolve(context.Background(), "a")
	if err != nil || v != "2" {
		t.Fatalf("expected a=2, got %q err=%v", v, err)
	}
	v, err = p.Resolve(context.Background(), "b")
	if err != nil || v != "3" {
		t.Fatalf("expected b=3, got %q err=%v", v, err)
	}
}

func TestStaticProviderSetOnZeroValueInitializesMap(t *testing.T) {
	var p StaticProvider
	p.Set("x", "y")

	v, err := p.Resolve(context.Background(), "x")
	if err != nil || v != "y" {
		t.Fatalf("expected x=y, got %q err=%v", v, err)
	}
}

func TestStaticProviderConstructorCopiesInput(t *testing.T) {
	seed := map[string]string{"a": "1"}
	p := NewStaticProvider(seed)
	seed["a"] = "mutated"

	v, err := p.Resolve(context.Background(), "a")
	if err != nil || v != "1" {
		t.Fatalf("expected provider unaffected by caller mutation, got %q err=%v", v, err)
	}
}
