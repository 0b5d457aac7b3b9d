package matrix

import (
	"context"
	"os"
	"testing"

	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Aramaki/internal/aramaki/store"
)

func newTestSyncStore(t *testing.T) *DBSyncStore {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "aramaki-sync-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name(), nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return newDBSyncStore(s.DB())
}

func TestSyncStoreNextBatch(t *testing.T) {
	s := newTestSyncStore(t)
	ctx := context.Background()
	user := id.UserID("@persona:example.org")

	// First run: nothing saved yet.
	token, err := s.LoadNextBatch(ctx, user)
	if err != nil {
		t.Fatalf("LoadNextBatch: %v", err)
	}
	if token != "" {
		t.Errorf("expected empty token on first run, got %q", token)
	}

	if err := s.SaveNextBatch(ctx, user, "s123_456"); err != nil {
		t.Fatalf("SaveNextBatch: %v", err)
	}
	if err := s.SaveNextBatch(ctx, user, "s123_789"); err != nil {
		t.Fatalf("SaveNextBatch (update): %v", err)
	}

	token, err = s.LoadNextBatch(ctx, user)
	if err != nil {
		t.Fatalf("LoadNextBatch: %v", err)
	}
	if token != "s123_789" {
		t.Errorf("token = %q, want the latest save", token)
	}
}

func TestSyncStorePerUserIsolation(t *testing.T) {
	s := newTestSyncStore(t)
	ctx := context.Background()

	if err := s.SaveNextBatch(ctx, "@a:example.org", "token-a"); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveFilterID(ctx, "@a:example.org", "filter-a"); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveNextBatch(ctx, "@b:example.org", "token-b"); err != nil {
		t.Fatal(err)
	}

	tokenA, _ := s.LoadNextBatch(ctx, "@a:example.org")
	tokenB, _ := s.LoadNextBatch(ctx, "@b:example.org")
	filterA, _ := s.LoadFilterID(ctx, "@a:example.org")
	filterB, _ := s.LoadFilterID(ctx, "@b:example.org")

	if tokenA != "token-a" || tokenB != "token-b" {
		t.Errorf("tokens crossed sessions: a=%q b=%q", tokenA, tokenB)
	}
	if filterA != "filter-a" || filterB != "" {
		t.Errorf("filters crossed sessions: a=%q b=%q", filterA, filterB)
	}
}
