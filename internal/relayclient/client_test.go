package relayclient_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vending-controller/internal/nostr"
	"vending-controller/internal/relayclient"
	"vending-controller/internal/server"
	"vending-controller/internal/store"
)

const session = "test-session"

func startRelay(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	srv := httptest.NewServer(server.NewRelayRouter(server.RelayDeps{Store: store.New()}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
}

func newClient(t *testing.T, urls ...string) (*relayclient.Client, nostr.Keys) {
	t.Helper()
	keys, err := nostr.GenerateKeys()
	require.NoError(t, err)
	c, err := relayclient.New(context.Background(), urls, keys, session, relayclient.Options{
		PublishTimeout: 2 * time.Second,
		MinBackoff:     20 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, keys
}

func connected(t *testing.T, c *relayclient.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitConnected(ctx))
}

// next returns the first notification for subID, skipping everything else.
func next(t *testing.T, r *relayclient.Receiver, subID string) relayclient.Notification {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case n, ok := <-r.C():
			if !ok {
				t.Fatalf("expected a notification, receiver closed with %v", r.Err())
			}
			switch m := n.Message.(type) {
			case nostr.EventMessage:
				if m.SubscriptionID == subID {
					return n
				}
			case nostr.EOSEMessage:
				if m.SubscriptionID == subID {
					return n
				}
			case nostr.ClosedMessage:
				if m.SubscriptionID == subID {
					return n
				}
			}
		case <-timeout:
			t.Fatalf("expected a notification for %s", subID)
		}
	}
}

// quiet asserts that nothing arrives for subID within d.
func quiet(t *testing.T, r *relayclient.Receiver, subID string, d time.Duration) {
	t.Helper()
	timeout := time.After(d)
	for {
		select {
		case n, ok := <-r.C():
			if !ok {
				return
			}
			switch m := n.Message.(type) {
			case nostr.EventMessage:
				if m.SubscriptionID == subID {
					t.Fatalf("expected no event for %s, got %s", subID, m.Event.ID)
				}
			case nostr.EOSEMessage:
				if m.SubscriptionID == subID {
					t.Fatalf("expected no EOSE for %s", subID)
				}
			}
		case <-timeout:
			return
		}
	}
}

func eventOf(t *testing.T, n relayclient.Notification) nostr.Event {
	t.Helper()
	m, ok := n.Message.(nostr.EventMessage)
	if !ok {
		t.Fatalf("expected an event, got %T", n.Message)
	}
	return m.Event
}

func isEOSE(t *testing.T, n relayclient.Notification) {
	t.Helper()
	if _, ok := n.Message.(nostr.EOSEMessage); !ok {
		t.Fatalf("expected EOSE, got %T", n.Message)
	}
}

func TestNew_Validation(t *testing.T) {
	keys, err := nostr.GenerateKeys()
	require.NoError(t, err)
	ctx := context.Background()

	_, err = relayclient.New(ctx, nil, keys, session, relayclient.Options{})
	assert.Error(t, err)
	_, err = relayclient.New(ctx, []string{"ws://127.0.0.1:1"}, nostr.Keys{}, session, relayclient.Options{})
	assert.Error(t, err)
	_, err = relayclient.New(ctx, []string{"ws://127.0.0.1:1"}, keys, "", relayclient.Options{})
	assert.Error(t, err)
}

func TestClient_SendEventReachesSubscriber(t *testing.T) {
	url := startRelay(t)
	c, keys := newClient(t, url)
	connected(t, c)
	machine, err := nostr.GenerateKeys()
	require.NoError(t, err)

	notes := c.Notifications()
	subID, err := c.Subscribe(context.Background(), time.Now().Add(-time.Minute), []nostr.PublicKey{machine.PublicKey()})
	require.NoError(t, err)
	isEOSE(t, next(t, notes, subID))

	sent, err := c.SendEvent(context.Background(), machine.PublicKey().Hex(), map[string]int{"hello": 1})
	require.NoError(t, err)
	assert.Equal(t, keys.PublicKey(), sent.PubKey)
	assert.Equal(t, relayclient.EventKind, sent.Kind)
	mention, ok := relayclient.ExtractMention(sent)
	require.True(t, ok)
	assert.Equal(t, machine.PublicKey().Hex(), mention)
	s, ok := sent.Tags.Value(relayclient.SessionTag)
	require.True(t, ok)
	assert.Equal(t, session, s)

	got := eventOf(t, next(t, notes, subID))
	assert.Equal(t, sent.ID, got.ID)
	assert.JSONEq(t, `{"hello":1}`, got.Content)
}

func TestClient_SubscribeIgnoresOtherMentions(t *testing.T) {
	url := startRelay(t)
	c, _ := newClient(t, url)
	connected(t, c)
	mine, err := nostr.GenerateKeys()
	require.NoError(t, err)
	other, err := nostr.GenerateKeys()
	require.NoError(t, err)

	notes := c.Notifications()
	subID, err := c.Subscribe(context.Background(), time.Now().Add(-time.Minute), []nostr.PublicKey{mine.PublicKey()})
	require.NoError(t, err)
	isEOSE(t, next(t, notes, subID))

	_, err = c.SendEvent(context.Background(), other.PublicKey().Hex(), map[string]int{"n": 1})
	require.NoError(t, err)
	quiet(t, notes, subID, 200*time.Millisecond)
}

func TestClient_SubscribeLastEvent(t *testing.T) {
	url := startRelay(t)
	c, keys := newClient(t, url)
	connected(t, c)
	machine, err := nostr.GenerateKeys()
	require.NoError(t, err)

	now := time.Now()
	var newest *nostr.Event
	for i, age := range []time.Duration{3 * time.Minute, time.Minute, 2 * time.Minute} {
		ev := nostr.NewEvent(keys, relayclient.EventKind, `{"i":`+string(rune('0'+i))+`}`,
			nostr.Tags{{relayclient.SessionTag, session}, {relayclient.MentionTag, machine.PublicKey().Hex()}}, now.Add(-age))
		require.NoError(t, ev.Sign(keys))
		require.NoError(t, c.Publish(context.Background(), ev))
		if age == time.Minute {
			newest = ev
		}
	}

	notes := c.Notifications()
	author := keys.PublicKey()
	subID, err := c.SubscribeLastEvent(context.Background(), now, &author, machine.PublicKey())
	require.NoError(t, err)

	got := eventOf(t, next(t, notes, subID))
	assert.Equal(t, newest.ID, got.ID)
	isEOSE(t, next(t, notes, subID))

	// the subscription is gone after EOSE
	_, err = c.SendEvent(context.Background(), machine.PublicKey().Hex(), map[string]int{"late": 1})
	require.NoError(t, err)
	quiet(t, notes, subID, 200*time.Millisecond)
}

func TestClient_SubscribeAllSince(t *testing.T) {
	url := startRelay(t)
	c, keys := newClient(t, url)
	connected(t, c)

	now := time.Now()
	old := nostr.NewEvent(keys, relayclient.EventKind, `{}`,
		nostr.Tags{{relayclient.SessionTag, session}, {relayclient.MentionTag, "m1"}}, now.Add(-time.Hour))
	require.NoError(t, old.Sign(keys))
	require.NoError(t, c.Publish(context.Background(), old))
	recent := nostr.NewEvent(keys, relayclient.EventKind, `{}`,
		nostr.Tags{{relayclient.SessionTag, session}, {relayclient.MentionTag, "m2"}}, now)
	require.NoError(t, recent.Sign(keys))
	require.NoError(t, c.Publish(context.Background(), recent))
	foreign := nostr.NewEvent(keys, relayclient.EventKind, `{}`,
		nostr.Tags{{relayclient.SessionTag, "another-session"}, {relayclient.MentionTag, "m2"}}, now)
	require.NoError(t, foreign.Sign(keys))
	require.NoError(t, c.Publish(context.Background(), foreign))

	notes := c.Notifications()
	since := now.Add(-time.Minute)
	subID, err := c.SubscribeAll(context.Background(), &since)
	require.NoError(t, err)
	assert.Equal(t, recent.ID, eventOf(t, next(t, notes, subID)).ID)
	isEOSE(t, next(t, notes, subID))

	notes = c.Notifications()
	subID, err = c.SubscribeAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, old.ID, eventOf(t, next(t, notes, subID)).ID)
	assert.Equal(t, recent.ID, eventOf(t, next(t, notes, subID)).ID)
	isEOSE(t, next(t, notes, subID))
}

func TestClient_TwoRelaysDeduplicateAndAggregateEOSE(t *testing.T) {
	c, _ := newClient(t, startRelay(t), startRelay(t))
	require.Eventually(t, func() bool { return c.ConnectedRelays() == 2 }, 5*time.Second, 10*time.Millisecond)

	// stored on both relays
	sent, err := c.SendEvent(context.Background(), "m1", map[string]int{"n": 1})
	require.NoError(t, err)

	notes := c.Notifications()
	subID, err := c.SubscribeAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, sent.ID, eventOf(t, next(t, notes, subID)).ID)
	isEOSE(t, next(t, notes, subID))
	quiet(t, notes, subID, 300*time.Millisecond)
}

func TestClient_PublishRejected(t *testing.T) {
	url := startRelay(t)
	c, keys := newClient(t, url)
	connected(t, c)

	ev := nostr.NewEvent(keys, relayclient.EventKind, `{}`, nostr.Tags{{relayclient.SessionTag, session}}, time.Now())
	require.NoError(t, ev.Sign(keys))
	ev.Content = `{"tampered":true}`
	err := c.Publish(context.Background(), ev)
	if !errors.Is(err, relayclient.ErrPublishFailed) {
		t.Fatalf("expected ErrPublishFailed, got %v", err)
	}
}

func TestClient_NoRelayConnected(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := httptest.NewServer(server.NewRelayRouter(server.RelayDeps{}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	srv.Close()

	c, _ := newClient(t, url)
	_, err := c.SendEvent(context.Background(), "m1", map[string]int{})
	if !errors.Is(err, relayclient.ErrNoRelayConnected) {
		t.Fatalf("expected ErrNoRelayConnected from SendEvent, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.Error(t, c.WaitConnected(ctx))

	err = c.RunRelayChecker(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, relayclient.ErrNoRelayConnected) {
		t.Fatalf("expected ErrNoRelayConnected from the checker, got %v", err)
	}
}

func TestClient_RelayCheckerStopsWithContext(t *testing.T) {
	c, _ := newClient(t, startRelay(t))
	connected(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, c.RunRelayChecker(ctx, 20*time.Millisecond))
}

func TestClient_CloseNotifiesReceivers(t *testing.T) {
	c, _ := newClient(t, startRelay(t))
	connected(t, c)
	notes := c.Notifications()

	c.Close()

	select {
	case n := <-notes.C():
		assert.True(t, n.Shutdown)
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a shutdown notification")
	}
	_, ok := <-notes.C()
	assert.False(t, ok)
	assert.ErrorIs(t, notes.Err(), relayclient.ErrClientClosed)

	_, err := c.SubscribeAll(context.Background(), nil)
	assert.ErrorIs(t, err, relayclient.ErrClientClosed)
	late := c.Notifications()
	_, ok = <-late.C()
	assert.False(t, ok)
}
