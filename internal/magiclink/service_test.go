package magiclink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"linkroom/api/internal/auth"
)

type memoryRecord struct {
	userID    int64
	expiresAt time.Time
	used      bool
}

// memoryTokenStore mimics the durable store's conditional update: the
// used flag flips false→true exactly once under the lock.
type memoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*memoryRecord
}

func newMemoryTokenStore() *memoryTokenStore {
	return &memoryTokenStore{tokens: make(map[string]*memoryRecord)}
}

func (s *memoryTokenStore) SaveToken(_ context.Context, tokenHash string, userID int64, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tokenHash] = &memoryRecord{userID: userID, expiresAt: expiresAt}
	return nil
}

func (s *memoryTokenStore) ConsumeToken(_ context.Context, tokenHash string, now time.Time) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.tokens[tokenHash]
	if !ok || record.used || record.expiresAt.Before(now) {
		return 0, false, nil
	}
	record.used = true
	return record.userID, true, nil
}

func TestIssueStoresOnlyTheHash(t *testing.T) {
	store := newMemoryTokenStore()
	svc := NewService(store, 15*time.Minute)

	raw, expiresAt, err := svc.Issue(context.Background(), 7)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if raw == "" {
		t.Fatal("Issue() returned empty raw token")
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("Issue() expiresAt = %v, want future", expiresAt)
	}

	if _, ok := store.tokens[raw]; ok {
		t.Fatal("raw token persisted verbatim")
	}
	if _, ok := store.tokens[auth.HashToken(raw)]; !ok {
		t.Fatal("hashed token not persisted")
	}
}

func TestRedeemReturnsOwner(t *testing.T) {
	store := newMemoryTokenStore()
	svc := NewService(store, 15*time.Minute)

	raw, _, err := svc.Issue(context.Background(), 7)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	userID, err := svc.Redeem(context.Background(), raw, time.Now())
	if err != nil {
		t.Fatalf("Redeem() error = %v", err)
	}
	if userID != 7 {
		t.Fatalf("Redeem() userID = %d, want 7", userID)
	}
}

func TestRedeemFailsUniformly(t *testing.T) {
	store := newMemoryTokenStore()
	svc := NewService(store, 15*time.Minute)

	raw, _, err := svc.Issue(context.Background(), 7)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	// Unknown token.
	if _, err := svc.Redeem(context.Background(), "never-issued", time.Now()); !errors.Is(err, ErrInvalidOrExpired) {
		t.Fatalf("Redeem(unknown) error = %v, want ErrInvalidOrExpired", err)
	}

	// Expired token.
	if _, err := svc.Redeem(context.Background(), raw, time.Now().Add(time.Hour)); !errors.Is(err, ErrInvalidOrExpired) {
		t.Fatalf("Redeem(expired) error = %v, want ErrInvalidOrExpired", err)
	}

	// Already-used token: the expired attempt above did not consume it,
	// so redeem it for real, then retry.
	if _, err := svc.Redeem(context.Background(), raw, time.Now()); err != nil {
		t.Fatalf("Redeem() error = %v", err)
	}
	if _, err := svc.Redeem(context.Background(), raw, time.Now()); !errors.Is(err, ErrInvalidOrExpired) {
		t.Fatalf("Redeem(used) error = %v, want ErrInvalidOrExpired", err)
	}
}

func TestConcurrentRedeemSucceedsAtMostOnce(t *testing.T) {
	store := newMemoryTokenStore()
	svc := NewService(store, 15*time.Minute)

	raw, _, err := svc.Issue(context.Background(), 7)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.Redeem(context.Background(), raw, time.Now())
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
		} else if !errors.Is(err, ErrInvalidOrExpired) {
			t.Fatalf("Redeem() error = %v, want ErrInvalidOrExpired", err)
		}
	}
	if successes != 1 {
		t.Fatalf("concurrent redemptions succeeded %d times, want exactly 1", successes)
	}
}
