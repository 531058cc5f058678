package settlement

import (
	"context"
	"sync"
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

const DefaultBacktrack = 120 * time.Second

var (
	ErrHistoryGap         = errors.New("end of stored events reached before the last processed event")
	ErrSubscriptionClosed = errors.New("subscription closed by relay")
	ErrRelayShutdown      = errors.New("relay client shut down")
)

// Store is the durable ingestion cursor.
type Store interface {
	LastProcessed(ctx context.Context) (*model.ReceivedEventRecord, error)
	RecordReceived(ctx context.Context, eventID string, createdAt int64) (id int64, processed bool, err error)
	MarkProcessed(ctx context.Context, id int64) error
}

type Relay interface {
	Notifications() *relayclient.Receiver
	SubscribeAll(ctx context.Context, since *time.Time) (string, error)
	SendEvent(ctx context.Context, to string, message any) (*nostr.Event, error)
	RunRelayChecker(ctx context.Context, interval time.Duration) error
}

type Config struct {
	PrepaidAmount  uint64
	TransferAmount uint64
	Backtrack      time.Duration
	CheckInterval  time.Duration
}

// Coordinator locks funds when a session starts and settles them when it
// ends, resuming from the durable cursor after a restart.
type Coordinator struct {
	relay Relay
	gate  ledger.Gate
	store Store
	cfg   Config

	ready     chan struct{}
	readyOnce sync.Once
	pending   sync.WaitGroup
}

func New(relay Relay, gate ledger.Gate, store Store, cfg Config) *Coordinator {
	if cfg.PrepaidAmount == 0 {
		cfg.PrepaidAmount = config.DefaultPrepaidAmount
	}
	if cfg.TransferAmount == 0 {
		cfg.TransferAmount = config.DefaultTransfer
	}
	if cfg.Backtrack == 0 {
		cfg.Backtrack = DefaultBacktrack
	}
	return &Coordinator{
		relay: relay,
		gate:  gate,
		store: store,
		cfg:   cfg,
		ready: make(chan struct{}),
	}
}

// Ready is closed once the coordinator has caught up with stored history.
func (c *Coordinator) Ready() <-chan struct{} { return c.ready }

func (c *Coordinator) Run(ctx context.Context) error {
	defer c.pending.Wait()

	last, err := c.store.LastProcessed(ctx)
	if err != nil {
		return errors.Wrap(err, "read cursor")
	}
	var (
		since  *time.Time
		lastID string
	)
	if last != nil {
		t := time.Unix(last.CreatedAt, 0).Add(-c.cfg.Backtrack)
		since = &t
		lastID = last.EventID
		log.Info().Str("last_event_id", lastID).Time("since", t).Msg("resuming from cursor")
	} else {
		log.Info().Msg("no processed events recorded, reading all history")
	}

	notes := c.relay.Notifications()
	subID, err := c.relay.SubscribeAll(ctx, since)
	if err != nil {
		return errors.Wrap(err, "subscribe events")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.relay.RunRelayChecker(gctx, c.cfg.CheckInterval)
	})
	g.Go(func() error {
		return c.loop(gctx, notes, subID, lastID)
	})
	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Coordinator) loop(ctx context.Context, notes *relayclient.Receiver, subID, lastID string) error {
	reached := lastID == ""
	for {
		var n relayclient.Notification
		select {
		case <-ctx.Done():
			return nil
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
				log.Error().Str("relay", n.RelayURL).Str("message", m.Message).Msg("subscription closed")
				return errors.Wrap(ErrSubscriptionClosed, m.Message)
			}
		case nostr.EOSEMessage:
			if m.SubscriptionID != subID {
				continue
			}
			if !reached {
				log.Error().Str("last_event_id", lastID).Msg("end of stored events before reaching the last processed event")
				return errors.Wrap(ErrHistoryGap, lastID)
			}
			c.readyOnce.Do(func() {
				log.Info().Msg("caught up with stored events")
				close(c.ready)
			})
		case nostr.EventMessage:
			if m.SubscriptionID != subID {
				continue
			}
			ev := m.Event
			if !reached {
				if ev.ID.String() == lastID {
					log.Info().Str("last_event_id", lastID).Msg("reached last processed event, start handling events")
					reached = true
				}
				continue
			}
			if err := c.process(ctx, &ev); err != nil {
				return err
			}
		}
	}
}

// process records ev, handles it once and marks it processed. Only cursor
// failures are returned.
func (c *Coordinator) process(ctx context.Context, ev *nostr.Event) error {
	rowID, processed, err := c.store.RecordReceived(ctx, ev.ID.String(), ev.CreatedAt)
	if err != nil {
		return err
	}
	if processed {
		log.Debug().Str("event_id", ev.ID.String()).Msg("event already processed, skip")
		return nil
	}

	msg, err := model.DecodeMessage(ev.Content)
	if err != nil {
		log.Error().Err(err).Str("event_id", ev.ID.String()).Msg("failed to parse message")
	} else {
		c.handle(ctx, ev, msg)
	}
	return c.store.MarkProcessed(ctx, rowID)
}
