package node

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"vending-controller/internal/metrics"
	"vending-controller/internal/model"
	"vending-controller/internal/nostr"
	"vending-controller/internal/relayclient"
)

type machine struct {
	pubkey         nostr.PublicKey
	status         model.Status
	initialRequest *nostr.EventID
	payload        string
	updatedAt      int64

	// gen identifies the current auto-revert arm. Bumping it invalidates
	// any expiry already in flight.
	gen   uint64
	timer *time.Timer
}

func (m *machine) view() model.Machine {
	v := model.Machine{PubKey: m.pubkey.Hex(), Status: m.status, UpdatedAt: m.updatedAt}
	if m.initialRequest != nil {
		id := *m.initialRequest
		v.InitialRequest = &id
	}
	return v
}

func (m *machine) cancelTimer() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// applyStatus moves a machine to the state announced by a Status event.
// Self-loops are ignored.
func (c *Coordinator) applyStatus(ev *nostr.Event, st model.StatusUpdate) {
	mention, ok := relayclient.ExtractMention(ev)
	if !ok {
		log.Warn().Str("event_id", ev.ID.String()).Msg("status event has no mention")
		return
	}
	pk, err := nostr.ParsePublicKey(mention)
	if err != nil {
		log.Warn().Err(err).Str("event_id", ev.ID.String()).Str("mention", mention).Msg("status event mentions an invalid key")
		return
	}
	m, ok := c.machines[pk]
	if !ok {
		log.Debug().Err(ErrMachineNotControlled).Str("mention", mention).Msg("ignoring status")
		return
	}
	if m.status == st.Status {
		return
	}

	log.Info().
		Str("machine", mention).
		Str("from", m.status.String()).
		Str("to", st.Status.String()).
		Str("reason", st.Reason.String()).
		Str("initial_request", st.InitialRequest.String()).
		Msg("machine status changed")

	m.cancelTimer()
	id := st.InitialRequest
	m.status = st.Status
	m.initialRequest = &id
	m.payload = st.Payload
	m.updatedAt = ev.CreatedAt
	c.publishSnapshot()
}

// arm schedules the synthetic stop for the session started by initialRequest.
// The expiry goes back through the event loop, which drops it if the machine
// moved on in the meantime.
func (c *Coordinator) arm(ctx context.Context, m *machine, initialRequest nostr.EventID, payload string, delay time.Duration) {
	m.cancelTimer()
	exp := expiry{machine: m.pubkey, gen: m.gen, initialRequest: initialRequest, payload: payload}
	m.timer = time.AfterFunc(delay, func() {
		select {
		case c.expiries <- exp:
		case <-ctx.Done():
		}
	})
}

func (c *Coordinator) fire(ctx context.Context, exp expiry) {
	m, ok := c.machines[exp.machine]
	if !ok || m.gen != exp.gen || m.status != model.StatusWorking ||
		m.initialRequest == nil || *m.initialRequest != exp.initialRequest {
		log.Debug().Str("machine", exp.machine.Hex()).Msg("stale auto revert ignored")
		return
	}
	m.timer = nil
	metrics.RecordTimerFired()

	st := model.StatusUpdate{
		Status:         model.StatusAvailable,
		Reason:         model.ReasonUserBehaviour,
		InitialRequest: exp.initialRequest,
		Payload:        exp.payload,
	}
	c.publishStatus(ctx, exp.machine.Hex(), st)
}

// publishStatus sends st and applies it locally once a relay accepted it.
func (c *Coordinator) publishStatus(ctx context.Context, mention string, st model.StatusUpdate) bool {
	ev, err := c.relay.SendEvent(ctx, mention, st)
	if err != nil {
		log.Error().Err(err).
			Str("machine", mention).
			Str("status", st.Status.String()).
			Str("initial_request", st.InitialRequest.String()).
			Msg("failed to publish status")
		return false
	}
	metrics.RecordStatusPublished(st.Status.String(), st.Reason.String())
	c.applyStatus(ev, st)
	return true
}
