package ident

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nebulachat/voicecore/internal/core"
)

func TestTokenFromEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("channel") != "general" {
			t.Errorf("channel query missing: %s", r.URL.RawQuery)
		}
		if r.URL.Query().Get("uid") != "alice-1" {
			t.Errorf("uid query missing: %s", r.URL.RawQuery)
		}
		if r.URL.Query().Get("role") != "publisher" {
			t.Errorf("role query missing: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"issued-token"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	tok, err := c.Token(context.Background(), "general", "alice-1", "publisher")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "issued-token" {
		t.Fatalf("token: want issued-token got %q", tok)
	}
}

func TestNullTokenFallsBackToStatic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"token":null}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "static-cred")
	tok, err := c.Token(context.Background(), "general", "alice-1", "publisher")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "static-cred" {
		t.Fatalf("token: want static fallback got %q", tok)
	}
}

func TestUnreachableEndpointFallsBack(t *testing.T) {
	c := NewClient("http://127.0.0.1:1/token", "static-cred")
	tok, err := c.Token(context.Background(), "general", "alice-1", "publisher")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "static-cred" {
		t.Fatalf("token: want static fallback got %q", tok)
	}
}

func TestNoEndpointNoStaticFails(t *testing.T) {
	c := NewClient("", "")
	_, err := c.Token(context.Background(), "general", "alice-1", "publisher")
	if !errors.Is(err, core.ErrNoCredential) {
		t.Fatalf("want ErrNoCredential, got %v", err)
	}
}

func TestServerErrorFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.Token(context.Background(), "general", "alice-1", "publisher")
	if !errors.Is(err, core.ErrNoCredential) {
		t.Fatalf("want ErrNoCredential without static fallback, got %v", err)
	}
}
