package ids

import (
	"testing"
	"time"
)

func TestNewULID(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	id, err := NewULID(now)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if len(id) != 26 {
		t.Fatalf("len=%d want 26", len(id))
	}
	got, ok := Time(id)
	if !ok {
		t.Fatalf("Time(%q) failed", id)
	}
	if !got.Equal(now) {
		t.Fatalf("time=%v want %v", got, now)
	}
}

func TestNewIsUnique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := New()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestTimeRejectsGarbage(t *testing.T) {
	if _, ok := Time("not-a-ulid"); ok {
		t.Fatalf("expected failure")
	}
}
