package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"vending-controller/internal/nostr"
)

func signedEvent(t *testing.T, keys nostr.Keys, mention string, createdAt int64) nostr.Event {
	t.Helper()
	ev := nostr.NewEvent(keys, 1573, "{}", nostr.Tags{{"s", "sess"}, {"p", mention}}, time.Unix(createdAt, 0))
	if err := ev.Sign(keys); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return *ev
}

func TestStore_AddRejectsDuplicates(t *testing.T) {
	keys, err := nostr.GenerateKeys()
	if err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}
	s := New()
	ev := signedEvent(t, keys, "m1", 100)

	if !s.Add(ev) {
		t.Fatalf("expected first add to succeed")
	}
	if s.Add(ev) {
		t.Fatalf("expected duplicate add to be rejected")
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 event, got %d", s.Len())
	}
}

func TestStore_QueryOrderAndLimit(t *testing.T) {
	keys, err := nostr.GenerateKeys()
	if err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}
	s := New()
	e1 := signedEvent(t, keys, "m1", 300)
	e2 := signedEvent(t, keys, "m1", 100)
	e3 := signedEvent(t, keys, "m2", 200)
	e4 := signedEvent(t, keys, "m1", 200)
	for _, ev := range []nostr.Event{e1, e2, e3, e4} {
		s.Add(ev)
	}

	all := s.Query([]nostr.Filter{{}})
	if len(all) != 4 {
		t.Fatalf("expected 4 events, got %d", len(all))
	}
	if all[0].ID != e2.ID || all[1].ID != e3.ID || all[2].ID != e4.ID || all[3].ID != e1.ID {
		t.Fatalf("expected oldest first with arrival order on ties")
	}

	limit := 1
	until := int64(250)
	last := s.Query([]nostr.Filter{{Tags: map[string][]string{"p": {"m1"}}, Until: &until, Limit: &limit}})
	if len(last) != 1 || last[0].ID != e4.ID {
		t.Fatalf("expected newest m1 event before 250, got %+v", last)
	}

	since := int64(200)
	live := s.Query([]nostr.Filter{{Since: &since, Tags: map[string][]string{"p": {"m2"}}}, {IDs: []string{e1.ID.String()}}})
	if len(live) != 2 {
		t.Fatalf("expected union of two filters, got %d", len(live))
	}
}

func TestStore_MaxEventsDropsOldest(t *testing.T) {
	keys, err := nostr.GenerateKeys()
	if err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}
	s := NewWithOptions(Options{MaxEvents: 2})
	e1 := signedEvent(t, keys, "m1", 1)
	s.Add(e1)
	s.Add(signedEvent(t, keys, "m1", 2))
	s.Add(signedEvent(t, keys, "m1", 3))

	if s.Len() != 2 {
		t.Fatalf("expected 2 events, got %d", s.Len())
	}
	if !s.Add(e1) {
		t.Fatalf("expected evicted event to be accepted again")
	}
}

func TestStore_Persistence_RoundTrip(t *testing.T) {
	keys, err := nostr.GenerateKeys()
	if err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}
	stateFile := filepath.Join(t.TempDir(), "relay", "events.json")

	s1 := NewWithOptions(Options{StateFile: stateFile})
	ev := signedEvent(t, keys, "m1", 100)
	s1.Add(ev)

	info, err := os.Stat(stateFile)
	if err != nil {
		t.Fatalf("expected state file written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected state file mode 0600, got %o", info.Mode().Perm())
	}

	s2 := NewWithOptions(Options{StateFile: stateFile})
	got := s2.Query([]nostr.Filter{{}})
	if len(got) != 1 || got[0].ID != ev.ID {
		t.Fatalf("expected persisted event to be reloaded, got %+v", got)
	}
	if s2.Add(ev) {
		t.Fatalf("expected reloaded event to count as duplicate")
	}
}
