package idp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestValidateToken_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-token" {
			t.Errorf("unexpected Authorization header: %q", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(userResponse{ID: "user-1", Email: "u@example.com"})
	}))
	defer srv.Close()

	c := New(srv.URL, "anon-key")
	user, err := c.ValidateToken(context.Background(), "good-token")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if user.ID != "user-1" {
		t.Fatalf("unexpected user id: %q", user.ID)
	}
}

func TestValidateToken_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, "anon-key")
	_, err := c.ValidateToken(context.Background(), "bad-token")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestValidateToken_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(srv.URL, "anon-key")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.ValidateToken(ctx, "token")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestFetchPublicKeys_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(publicKeysResponse{Keys: []KeyEntry{
			{SourceID: "a", PublicKey: "key-a"},
		}})
	}))
	defer srv.Close()

	c := New(srv.URL, "anon-key")
	keys, err := c.FetchPublicKeys(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(keys) != 1 || keys[0].SourceID != "a" {
		t.Fatalf("unexpected keys: %+v", keys)
	}
}

func TestFetchPublicKeysWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(publicKeysResponse{Keys: []KeyEntry{{SourceID: "a", PublicKey: "k"}}})
	}))
	defer srv.Close()

	c := New(srv.URL, "anon-key")
	keys, err := c.FetchPublicKeysWithRetry(context.Background())
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("unexpected keys: %+v", keys)
	}
	if attempts.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestFetchPublicKeysWithRetry_ExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "anon-key")
	_, err := c.FetchPublicKeysWithRetry(context.Background())
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
}

func TestBackoffDelay_CapsAtMaxDelay(t *testing.T) {
	d := backoffDelay(10)
	if d > maxDelay {
		t.Fatalf("expected delay capped at %v, got %v", maxDelay, d)
	}
}

func TestFingerprintPublicKey(t *testing.T) {
	if got := FingerprintPublicKey("abcdefghij"); got != "abcdefgh" {
		t.Fatalf("expected 8-char prefix, got %q", got)
	}
	if got := FingerprintPublicKey("short"); got != "short" {
		t.Fatalf("expected short string unchanged, got %q", got)
	}
}
