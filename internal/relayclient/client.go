package relayclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"vending-controller/internal/metrics"
	"vending-controller/internal/nostr"
)

const (
	DefaultNotificationBuffer = 4096
	DefaultPublishTimeout     = 10 * time.Second
	DefaultCheckInterval      = 10 * time.Second
	seenCapacity              = 16384
)

var (
	ErrNoRelayConnected = errors.New("no relay connected")
	ErrPublishFailed    = errors.New("event rejected by every relay")
)

type Options struct {
	NotificationBuffer int
	PublishTimeout     time.Duration
	PingInterval       time.Duration
	PongWait           time.Duration
	MinBackoff         time.Duration
	MaxBackoff         time.Duration
	Dialer             *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.NotificationBuffer <= 0 {
		o.NotificationBuffer = DefaultNotificationBuffer
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = DefaultPublishTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 2 * o.PingInterval
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return o
}

type subscription struct {
	id          string
	filters     []nostr.Filter
	closeOnEOSE bool
	sentTo      map[string]bool
	eose        map[string]bool
	eoseSent    bool
	seen        *seenSet
}

// complete reports whether every relay holding the REQ has finished
// replaying stored events.
func (s *subscription) complete() bool {
	if s.eoseSent || len(s.sentTo) == 0 {
		return false
	}
	for url := range s.sentTo {
		if !s.eose[url] {
			return false
		}
	}
	return true
}

type publishResult struct {
	relay    string
	accepted bool
	reason   string
}

type publishWait struct {
	expect  map[string]bool
	results chan publishResult
}

// Client publishes and subscribes to application events on a pool of relays.
// Every event it signs carries the session tag and one mention tag.
type Client struct {
	keys    nostr.Keys
	session string
	opts    Options
	conns   []*relayConn

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	receivers map[*Receiver]struct{}
	subs      map[string]*subscription
	pending   map[nostr.EventID]*publishWait
}

func New(ctx context.Context, urls []string, keys nostr.Keys, session string, opts Options) (*Client, error) {
	if len(urls) == 0 {
		return nil, errors.New("at least one relay url is required")
	}
	if !keys.Valid() {
		return nil, errors.New("signing keys are required")
	}
	if session == "" {
		return nil, errors.New("session is required")
	}

	c := &Client{
		keys:      keys,
		session:   session,
		opts:      opts.withDefaults(),
		receivers: make(map[*Receiver]struct{}),
		subs:      make(map[string]*subscription),
		pending:   make(map[nostr.EventID]*publishWait),
	}

	seen := map[string]bool{}
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		c.conns = append(c.conns, newRelayConn(c, u))
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	for _, rc := range c.conns {
		rc := rc
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			rc.run(runCtx)
		}()
	}
	go func() {
		<-runCtx.Done()
		c.shutdown()
	}()
	return c, nil
}

func (c *Client) PublicKey() nostr.PublicKey { return c.keys.PublicKey() }

func (c *Client) Session() string { return c.session }

// Close disconnects every relay and sends Shutdown to all receivers.
func (c *Client) Close() {
	c.cancel()
	c.wg.Wait()
	c.shutdown()
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for r := range c.receivers {
		r.Deliver(Notification{Shutdown: true})
		r.Close(ErrClientClosed)
	}
	c.receivers = map[*Receiver]struct{}{}
}

// Notifications registers a new receiver. Messages arriving before the call
// are not replayed.
func (c *Client) Notifications() *Receiver {
	r := NewReceiver(c.opts.NotificationBuffer)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		r.Close(ErrClientClosed)
		return r
	}
	c.receivers[r] = struct{}{}
	return r
}

func (c *Client) broadcastLocked(n Notification) {
	for r := range c.receivers {
		if !r.Deliver(n) {
			delete(c.receivers, r)
		}
	}
}

func (c *Client) ConnectedRelays() int {
	n := 0
	for _, rc := range c.conns {
		if rc.isConnected() {
			n++
		}
	}
	return n
}

// WaitConnected blocks until at least one relay is connected.
func (c *Client) WaitConnected(ctx context.Context) error {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for c.ConnectedRelays() == 0 {
		select {
		case <-ctx.Done():
			return errors.Wrap(ErrNoRelayConnected, ctx.Err().Error())
		case <-ticker.C:
		}
	}
	return nil
}

// RunRelayChecker returns ErrNoRelayConnected the first time a check finds
// every relay down. It returns nil when ctx ends.
func (c *Client) RunRelayChecker(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if c.ConnectedRelays() == 0 {
				return ErrNoRelayConnected
			}
		}
	}
}

func (c *Client) baseFilter() nostr.Filter {
	return nostr.Filter{
		Kinds: []int{EventKind},
		Tags:  map[string][]string{SessionTag: {c.session}},
	}
}

// SubscribeLastEvent asks for the newest event mentioning mention created at
// or before until, optionally restricted to author. The subscription is
// closed on each relay after its EOSE.
func (c *Client) SubscribeLastEvent(ctx context.Context, until time.Time, author *nostr.PublicKey, mention nostr.PublicKey) (string, error) {
	f := c.baseFilter()
	f.Tags[MentionTag] = []string{mention.Hex()}
	u := until.Unix()
	f.Until = &u
	limit := 1
	f.Limit = &limit
	if author != nil {
		f.Authors = []string{author.Hex()}
	}
	return c.subscribe(ctx, []nostr.Filter{f}, true)
}

// Subscribe opens a live subscription for events mentioning any of mentions.
func (c *Client) Subscribe(ctx context.Context, since time.Time, mentions []nostr.PublicKey) (string, error) {
	f := c.baseFilter()
	values := make([]string, 0, len(mentions))
	for _, m := range mentions {
		values = append(values, m.Hex())
	}
	f.Tags[MentionTag] = values
	s := since.Unix()
	f.Since = &s
	return c.subscribe(ctx, []nostr.Filter{f}, false)
}

// SubscribeAll opens a live subscription for every event of the session.
func (c *Client) SubscribeAll(ctx context.Context, since *time.Time) (string, error) {
	f := c.baseFilter()
	if since != nil {
		s := since.Unix()
		f.Since = &s
	}
	return c.subscribe(ctx, []nostr.Filter{f}, false)
}

func (c *Client) subscribe(ctx context.Context, filters []nostr.Filter, closeOnEOSE bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sub := &subscription{
		id:          uuid.NewString(),
		filters:     filters,
		closeOnEOSE: closeOnEOSE,
		sentTo:      map[string]bool{},
		eose:        map[string]bool{},
		seen:        newSeenSet(seenCapacity),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClientClosed
	}
	c.subs[sub.id] = sub
	var targets []*relayConn
	for _, rc := range c.conns {
		if rc.isConnected() {
			sub.sentTo[rc.url] = true
			targets = append(targets, rc)
		}
	}
	c.mu.Unlock()

	req := nostr.ReqMessage{SubscriptionID: sub.id, Filters: filters}
	for _, rc := range targets {
		if err := rc.writeJSON(req); err != nil {
			log.Warn().Err(err).Str("relay", rc.url).Str("subscription", sub.id).Msg("send REQ failed")
		}
	}
	return sub.id, nil
}

func (c *Client) Unsubscribe(id string) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	for _, rc := range c.conns {
		if sub.sentTo[rc.url] && rc.isConnected() {
			_ = rc.writeJSON(nostr.CloseMessage{SubscriptionID: id})
		}
	}
}

// SendEvent signs message as an application event mentioning to and
// publishes it. It fails only when no relay accepted the event.
func (c *Client) SendEvent(ctx context.Context, to string, message any) (*nostr.Event, error) {
	content, err := json.Marshal(message)
	if err != nil {
		return nil, errors.Wrap(err, "encode message")
	}
	tags := nostr.Tags{{SessionTag, c.session}, {MentionTag, to}}
	ev := nostr.NewEvent(c.keys, EventKind, string(content), tags, time.Now())
	if err := ev.Sign(c.keys); err != nil {
		return nil, err
	}
	if err := c.Publish(ctx, ev); err != nil {
		return ev, err
	}
	return ev, nil
}

// Publish sends a signed event to every connected relay and waits for the
// first OK that accepts it.
func (c *Client) Publish(ctx context.Context, ev *nostr.Event) error {
	wait := &publishWait{expect: map[string]bool{}}
	var targets []*relayConn

	c.mu.Lock()
	for _, rc := range c.conns {
		if rc.isConnected() {
			wait.expect[rc.url] = true
			targets = append(targets, rc)
		}
	}
	if len(targets) == 0 {
		c.mu.Unlock()
		return ErrNoRelayConnected
	}
	wait.results = make(chan publishResult, len(targets))
	c.pending[ev.ID] = wait
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, ev.ID)
		c.mu.Unlock()
	}()

	msg := nostr.PublishMessage{Event: *ev}
	for _, rc := range targets {
		if err := rc.writeJSON(msg); err != nil {
			c.reportPublish(ev.ID, publishResult{relay: rc.url, reason: err.Error()})
		}
	}

	timer := time.NewTimer(c.opts.PublishTimeout)
	defer timer.Stop()

	var failures []string
	for i := 0; i < len(targets); i++ {
		select {
		case res := <-wait.results:
			if res.accepted {
				return nil
			}
			metrics.RecordPublishFailure(res.relay)
			log.Warn().Str("relay", res.relay).Str("event_id", ev.ID.String()).Str("reason", res.reason).Msg("relay rejected event")
			failures = append(failures, fmt.Sprintf("%s: %s", res.relay, res.reason))
		case <-timer.C:
			failures = append(failures, "timed out waiting for OK")
			return errors.Wrap(ErrPublishFailed, strings.Join(failures, "; "))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Wrap(ErrPublishFailed, strings.Join(failures, "; "))
}

func (c *Client) reportPublish(id nostr.EventID, res publishResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.pending[id]
	if !ok || !w.expect[res.relay] {
		return
	}
	delete(w.expect, res.relay)
	w.results <- res
}

func (c *Client) onConnect(rc *relayConn) {
	c.mu.Lock()
	rc.setConnected(true)
	var reqs []nostr.ReqMessage
	for _, sub := range c.subs {
		if sub.sentTo[rc.url] || (sub.closeOnEOSE && sub.eose[rc.url]) {
			continue
		}
		sub.sentTo[rc.url] = true
		reqs = append(reqs, nostr.ReqMessage{SubscriptionID: sub.id, Filters: sub.filters})
	}
	c.mu.Unlock()

	for _, req := range reqs {
		if err := rc.writeJSON(req); err != nil {
			log.Warn().Err(err).Str("relay", rc.url).Str("subscription", req.SubscriptionID).Msg("resend REQ failed")
		}
	}
}

func (c *Client) onDisconnect(rc *relayConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rc.setConnected(false)
	for _, sub := range c.subs {
		delete(sub.sentTo, rc.url)
		if !sub.closeOnEOSE {
			delete(sub.eose, rc.url)
		}
		c.finishEOSELocked(sub, rc.url)
	}
}

func (c *Client) finishEOSELocked(sub *subscription, relay string) {
	if !sub.complete() {
		return
	}
	sub.eoseSent = true
	if sub.closeOnEOSE {
		delete(c.subs, sub.id)
	}
	c.broadcastLocked(Notification{RelayURL: relay, Message: nostr.EOSEMessage{SubscriptionID: sub.id}})
}

func (c *Client) handleRelayMessage(relay string, msg nostr.RelayMessage) {
	switch m := msg.(type) {
	case nostr.EventMessage:
		c.handleEvent(relay, m)
	case nostr.EOSEMessage:
		c.mu.Lock()
		sub, ok := c.subs[m.SubscriptionID]
		if !ok {
			c.mu.Unlock()
			return
		}
		sub.eose[relay] = true
		closeIt := sub.closeOnEOSE
		c.finishEOSELocked(sub, relay)
		c.mu.Unlock()
		if closeIt {
			c.closeOn(relay, m.SubscriptionID)
		}
	case nostr.ClosedMessage:
		c.mu.Lock()
		sub, ok := c.subs[m.SubscriptionID]
		if ok {
			delete(sub.sentTo, relay)
			c.broadcastLocked(Notification{RelayURL: relay, Message: m})
			c.finishEOSELocked(sub, relay)
		}
		c.mu.Unlock()
		log.Warn().Str("relay", relay).Str("subscription", m.SubscriptionID).Str("message", m.Message).Msg("subscription closed by relay")
	case nostr.OKMessage:
		c.reportPublish(m.EventID, publishResult{relay: relay, accepted: m.Accepted, reason: m.Message})
	case nostr.NoticeMessage:
		log.Info().Str("relay", relay).Str("notice", m.Message).Msg("relay notice")
		c.mu.Lock()
		c.broadcastLocked(Notification{RelayURL: relay, Message: m})
		c.mu.Unlock()
	}
}

func (c *Client) handleEvent(relay string, m nostr.EventMessage) {
	if err := m.Event.Verify(); err != nil {
		log.Warn().Err(err).Str("relay", relay).Str("event_id", m.Event.ID.String()).Msg("dropping event with bad id or signature")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[m.SubscriptionID]
	if !ok {
		return
	}
	matched := false
	for _, f := range sub.filters {
		if f.Matches(&m.Event) {
			matched = true
			break
		}
	}
	if !matched {
		log.Debug().Str("relay", relay).Str("event_id", m.Event.ID.String()).Msg("dropping event outside subscription filters")
		return
	}
	if !sub.seen.add(m.Event.ID) {
		return
	}
	c.broadcastLocked(Notification{RelayURL: relay, Message: m})
}

func (c *Client) closeOn(relay, subID string) {
	for _, rc := range c.conns {
		if rc.url == relay {
			_ = rc.writeJSON(nostr.CloseMessage{SubscriptionID: subID})
			return
		}
	}
}

// seenSet remembers the most recent event ids up to a fixed capacity.
type seenSet struct {
	ids  map[nostr.EventID]struct{}
	ring []nostr.EventID
	next int
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{ids: make(map[nostr.EventID]struct{}, capacity), ring: make([]nostr.EventID, 0, capacity)}
}

// add returns false when id was already present.
func (s *seenSet) add(id nostr.EventID) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	if len(s.ring) < cap(s.ring) {
		s.ring = append(s.ring, id)
	} else {
		delete(s.ids, s.ring[s.next])
		s.ring[s.next] = id
		s.next = (s.next + 1) % len(s.ring)
	}
	s.ids[id] = struct{}{}
	return true
}
