package node

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"vending-controller/internal/config"
	"vending-controller/internal/ledger"
	"vending-controller/internal/model"
	"vending-controller/internal/nostr"
	"vending-controller/internal/relayclient"
)

var (
	ErrSubscriptionClosed   = errors.New("subscription closed by relay")
	ErrRelayShutdown        = errors.New("relay client shut down")
	ErrMachineNotControlled = errors.New("machine not controlled by this node")
)

// Relay is the part of the relay client the coordinator uses.
type Relay interface {
	PublicKey() nostr.PublicKey
	Notifications() *relayclient.Receiver
	SubscribeLastEvent(ctx context.Context, until time.Time, author *nostr.PublicKey, mention nostr.PublicKey) (string, error)
	Subscribe(ctx context.Context, since time.Time, mentions []nostr.PublicKey) (string, error)
	SendEvent(ctx context.Context, to string, message any) (*nostr.Event, error)
	RunRelayChecker(ctx context.Context, interval time.Duration) error
}

type Config struct {
	AdminKey      nostr.PublicKey
	TrustedKeys   []nostr.PublicKey
	Machines      []nostr.PublicKey
	Class         string
	PrepaidAmount uint64
	PayAmount     uint64
	AutoRevert    time.Duration
	ReasonPolicy  string
	CheckInterval time.Duration
}

type expiry struct {
	machine        nostr.PublicKey
	gen            uint64
	initialRequest nostr.EventID
	payload        string
}

// Coordinator drives the Available/Working state of the configured machines.
// All machine state is owned by the goroutine running the event loop; timers
// and the admin API only talk to it through channels and the snapshot.
type Coordinator struct {
	relay      Relay
	gate       ledger.Gate
	cfg        Config
	controller nostr.PublicKey

	machines map[nostr.PublicKey]*machine
	expiries chan expiry
	snapshot atomic.Pointer[[]model.Machine]
	now      func() time.Time
}

func New(relay Relay, gate ledger.Gate, cfg Config) (*Coordinator, error) {
	if len(cfg.Machines) == 0 {
		return nil, errors.New("no machines configured")
	}
	if cfg.AdminKey.IsZero() {
		return nil, errors.New("admin key is required")
	}
	if cfg.Class == "" {
		cfg.Class = config.ClassCharger
	}
	if cfg.AutoRevert <= 0 {
		cfg.AutoRevert = config.DefaultAutoRevert(cfg.Class)
	}
	if cfg.ReasonPolicy == "" {
		cfg.ReasonPolicy = config.PolicyEnforce
	}
	if cfg.Class == config.ClassCharger && cfg.ReasonPolicy == config.PolicyEnforce && len(cfg.TrustedKeys) == 0 {
		return nil, errors.New("charger machines enforcing reasons need the settlement server as a trusted key")
	}
	if cfg.PrepaidAmount == 0 {
		cfg.PrepaidAmount = config.DefaultPrepaidAmount
	}
	if cfg.PayAmount == 0 {
		cfg.PayAmount = config.DefaultPayAmount
	}

	c := &Coordinator{
		relay:      relay,
		gate:       gate,
		cfg:        cfg,
		controller: relay.PublicKey(),
		machines:   make(map[nostr.PublicKey]*machine, len(cfg.Machines)),
		expiries:   make(chan expiry, len(cfg.Machines)),
		now:        time.Now,
	}
	for _, pk := range cfg.Machines {
		c.machines[pk] = &machine{pubkey: pk, status: model.StatusAvailable}
	}
	c.publishSnapshot()
	return c, nil
}

// Snapshot returns a copy of the machine table sorted by pubkey.
func (c *Coordinator) Snapshot() []model.Machine {
	p := c.snapshot.Load()
	if p == nil {
		return nil
	}
	out := make([]model.Machine, len(*p))
	copy(out, *p)
	return out
}

func (c *Coordinator) publishSnapshot() {
	out := make([]model.Machine, 0, len(c.machines))
	for _, m := range c.machines {
		out = append(out, m.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PubKey < out[j].PubKey })
	c.snapshot.Store(&out)
}

func (c *Coordinator) machineKeys() []nostr.PublicKey {
	keys := make([]nostr.PublicKey, 0, len(c.machines))
	for pk := range c.machines {
		keys = append(keys, pk)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Hex() < keys[j].Hex() })
	return keys
}

// Run rehydrates machine state from the node's own history, then handles
// live events until ctx ends or a fatal relay condition occurs.
func (c *Coordinator) Run(ctx context.Context) error {
	startedAt := c.now()
	notes := c.relay.Notifications()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.relay.RunRelayChecker(gctx, c.cfg.CheckInterval)
	})
	g.Go(func() error {
		if err := c.backfill(gctx, notes, startedAt); err != nil {
			return err
		}
		return c.live(gctx, notes, startedAt)
	})
	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Coordinator) receive(ctx context.Context, notes *relayclient.Receiver) (relayclient.Notification, error) {
	select {
	case <-ctx.Done():
		return relayclient.Notification{}, ctx.Err()
	case n, ok := <-notes.C():
		if !ok {
			err := notes.Err()
			if err == nil {
				err = ErrRelayShutdown
			}
			return relayclient.Notification{}, errors.Wrap(err, "notification stream ended")
		}
		if n.Shutdown {
			return relayclient.Notification{}, ErrRelayShutdown
		}
		return n, nil
	}
}

func (c *Coordinator) backfill(ctx context.Context, notes *relayclient.Receiver, startedAt time.Time) error {
	pending := make(map[string]nostr.PublicKey, len(c.machines))
	for _, pk := range c.machineKeys() {
		author := c.controller
		id, err := c.relay.SubscribeLastEvent(ctx, startedAt, &author, pk)
		if err != nil {
			return errors.Wrapf(err, "subscribe last event of %s", pk.Hex())
		}
		pending[id] = pk
	}
	log.Info().Int("machines", len(pending)).Msg("backfilling machine state")

	// Relays may disagree on the latest event, so only the newest one per
	// machine is applied, once every relay finished sending stored events.
	latest := make(map[nostr.PublicKey]backfilled, len(pending))
	for len(pending) > 0 {
		n, err := c.receive(ctx, notes)
		if err != nil {
			return err
		}
		switch m := n.Message.(type) {
		case nostr.ClosedMessage:
			if _, ok := pending[m.SubscriptionID]; ok {
				log.Error().Str("relay", n.RelayURL).Str("message", m.Message).Msg("backfill subscription closed before end of stored events")
				return errors.Wrap(ErrSubscriptionClosed, m.Message)
			}
		case nostr.EOSEMessage:
			delete(pending, m.SubscriptionID)
		case nostr.EventMessage:
			pk, ok := pending[m.SubscriptionID]
			if !ok {
				continue
			}
			ev := m.Event
			msg, err := model.DecodeMessage(ev.Content)
			if err != nil {
				log.Error().Err(err).Str("event_id", ev.ID.String()).Msg("unreadable event in backfill")
				continue
			}
			st, ok := msg.(model.StatusUpdate)
			if !ok {
				log.Warn().Str("event_id", ev.ID.String()).Msg("backfill only applies status events")
				continue
			}
			if prev, seen := latest[pk]; seen && !newer(&ev, prev.event) {
				log.Debug().Str("event_id", ev.ID.String()).Str("relay", n.RelayURL).Msg("older status in backfill, skip event")
				continue
			}
			latest[pk] = backfilled{event: &ev, status: st}
		}
	}
	for _, pk := range c.machineKeys() {
		if b, ok := latest[pk]; ok {
			c.applyStatus(b.event, b.status)
		}
	}

	for _, pk := range c.machineKeys() {
		m := c.machines[pk]
		if m.status != model.StatusWorking || m.initialRequest == nil {
			continue
		}
		delay := time.Unix(m.updatedAt, 0).Add(c.cfg.AutoRevert).Sub(c.now())
		if delay < 0 {
			delay = 0
		}
		c.arm(ctx, m, *m.initialRequest, m.payload, delay)
		log.Info().Str("machine", pk.Hex()).Dur("in", delay).Msg("re-armed auto revert after backfill")
	}
	log.Info().Msg("backfill complete")
	return nil
}

type backfilled struct {
	event  *nostr.Event
	status model.StatusUpdate
}

// newer orders events by created_at, then by id.
func newer(a, b *nostr.Event) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID.String() > b.ID.String()
}

func (c *Coordinator) live(ctx context.Context, notes *relayclient.Receiver, startedAt time.Time) error {
	subID, err := c.relay.Subscribe(ctx, startedAt, c.machineKeys())
	if err != nil {
		return errors.Wrap(err, "subscribe machine events")
	}
	log.Info().Str("subscription", subID).Msg("handling live events")

	for {
		var n relayclient.Notification
		select {
		case <-ctx.Done():
			return nil
		case exp := <-c.expiries:
			c.fire(ctx, exp)
			continue
		case next, ok := <-notes.C():
			if !ok {
				err := notes.Err()
				if err == nil {
					err = ErrRelayShutdown
				}
				return errors.Wrap(err, "notification stream ended")
			}
			n = next
		}
		if n.Shutdown {
			return ErrRelayShutdown
		}

		switch m := n.Message.(type) {
		case nostr.ClosedMessage:
			if m.SubscriptionID == subID {
				log.Error().Str("relay", n.RelayURL).Str("message", m.Message).Msg("live subscription closed")
				return errors.Wrap(ErrSubscriptionClosed, m.Message)
			}
		case nostr.EventMessage:
			if m.SubscriptionID != subID {
				continue
			}
			ev := m.Event
			c.handleEvent(ctx, &ev)
		}
	}
}
