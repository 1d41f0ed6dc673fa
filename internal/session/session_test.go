package session

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestStore_CreateAndValidate(t *testing.T) {
	s := New()
	token, err := s.Create("user-1", "user@example.com")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(token) != TokenLength {
		t.Fatalf("expected token length %d, got %d", TokenLength, len(token))
	}

	sess, ok := s.Validate(token, false)
	if !ok {
		t.Fatal("expected freshly created session to validate")
	}
	if sess.UserID != "user-1" || sess.Email != "user@example.com" {
		t.Fatalf("unexpected session contents: %+v", sess)
	}
}

func TestStore_ValidateRejectsWrongLength(t *testing.T) {
	s := New()
	if _, ok := s.Validate("too-short", false); ok {
		t.Fatal("expected malformed token to be rejected")
	}
}

func TestStore_ValidateExpiresWithoutGrace(t *testing.T) {
	s := NewWithConfig(10, 20*time.Millisecond, 0)
	token, err := s.Create("user-2", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	if _, ok := s.Validate(token, false); ok {
		t.Fatal("expected expired session to be rejected")
	}
	if s.Len() != 0 {
		t.Fatal("expected expired session to be lazily evicted")
	}
}

func TestStore_ValidateHonorsGracePeriod(t *testing.T) {
	s := NewWithConfig(10, 20*time.Millisecond, 100*time.Millisecond)
	token, err := s.Create("user-3", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	if _, ok := s.Validate(token, true); !ok {
		t.Fatal("expected grace period to still validate a recently expired token")
	}
}

func TestStore_CreateFailsAtCapacity(t *testing.T) {
	s := NewWithConfig(1, time.Minute, 0)
	if _, err := s.Create("u1", ""); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := s.Create("u2", ""); err != ErrAtCapacity {
		t.Fatalf("expected ErrAtCapacity, got %v", err)
	}
}

func TestStore_ExtendIsOneShot(t *testing.T) {
	s := NewWithConfig(10, time.Minute, 0)
	token, err := s.Create("u", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	extended, err := s.Extend(token)
	if err != nil || !extended {
		t.Fatalf("expected first extend to succeed, got (%v, %v)", extended, err)
	}

	extended, err = s.Extend(token)
	if err != nil || extended {
		t.Fatalf("expected second extend to be a no-op, got (%v, %v)", extended, err)
	}
}

func TestStore_ConcurrentValidateExtendCleanup(t *testing.T) {
	s := NewWithConfig(MaxCapacity, time.Minute, time.Second)

	tokens := make([]string, 16)
	for i := range tokens {
		token, err := s.Create("user-c", "c@example.com")
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		tokens[i] = token
	}

	extendWins := make([]atomic.Int32, len(tokens))
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i, token := range tokens {
				if _, ok := s.Validate(token, (g+i)%2 == 0); !ok {
					t.Errorf("token %d: expected unexpired session to validate", i)
				}
				if extended, err := s.Extend(token); err == nil && extended {
					extendWins[i].Add(1)
				}
			}
		}(g)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			s.CleanupExpired()
		}
	}()
	wg.Wait()

	// Exactly one concurrent caller per token may observe the one-shot
	// extension; user identity must survive untouched.
	for i, token := range tokens {
		if wins := extendWins[i].Load(); wins != 1 {
			t.Errorf("token %d: expected exactly 1 successful extend, got %d", i, wins)
		}
		sess, ok := s.Validate(token, false)
		if !ok {
			t.Fatalf("token %d: expected session to remain valid", i)
		}
		if sess.UserID != "user-c" || sess.Email != "c@example.com" {
			t.Fatalf("token %d: user identity mutated: %+v", i, sess)
		}
	}
}

func TestStore_CleanupExpiredRemovesOnlyExpired(t *testing.T) {
	s := NewWithConfig(10, 20*time.Millisecond, 0)
	expiring, _ := s.Create("a", "")
	time.Sleep(40 * time.Millisecond)
	fresh, _ := s.Create("b", "")

	removed := s.CleanupExpired()
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, ok := s.Validate(fresh, false); !ok {
		t.Fatal("expected freshly created session to survive cleanup")
	}
	_ = expiring
}
