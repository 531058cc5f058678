package relayclient

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"vending-controller/internal/nostr"
)

func TestReceiver_LagClosesWithError(t *testing.T) {
	r := NewReceiver(2)
	n := Notification{Message: nostr.NoticeMessage{Message: "hi"}}

	assert.True(t, r.Deliver(n))
	assert.True(t, r.Deliver(n))
	assert.False(t, r.Deliver(n), "expected the third delivery to overflow")
	assert.False(t, r.Deliver(n), "expected a lagged receiver to stay closed")

	got := 0
	for range r.C() {
		got++
	}
	assert.Equal(t, 2, got)
	assert.ErrorIs(t, r.Err(), ErrLagged)
}

func TestReceiver_CloseIsIdempotent(t *testing.T) {
	r := NewReceiver(0)
	r.Close(ErrClientClosed)
	r.Close(ErrLagged)
	assert.ErrorIs(t, r.Err(), ErrClientClosed)
	assert.False(t, r.Deliver(Notification{Shutdown: true}))
}

func TestSeenSet_EvictsOldest(t *testing.T) {
	s := newSeenSet(2)
	a, b, c := nostr.EventID{1}, nostr.EventID{2}, nostr.EventID{3}

	assert.True(t, s.add(a))
	assert.False(t, s.add(a))
	assert.True(t, s.add(b))
	assert.True(t, s.add(c))

	// a was evicted to make room for c
	assert.True(t, s.add(a))
	assert.False(t, s.add(c))
}

func TestExtractMention(t *testing.T) {
	ev := &nostr.Event{Tags: nostr.Tags{{SessionTag, "s"}, {MentionTag, "first"}, {MentionTag, "second"}}}
	got, ok := ExtractMention(ev)
	assert.True(t, ok)
	assert.Equal(t, "first", got)

	_, ok = ExtractMention(&nostr.Event{})
	assert.False(t, ok)
	_, ok = ExtractMention(nil)
	assert.False(t, ok)
}
