package settlement

import (
	"context"

	"github.com/rs/zerolog/log"

	"vending-controller/internal/metrics"
	"vending-controller/internal/model"
	"vending-controller/internal/nostr"
	"vending-controller/internal/relayclient"
)

func (c *Coordinator) handle(ctx context.Context, ev *nostr.Event, msg model.Message) {
	st, ok := msg.(model.StatusUpdate)
	if !ok {
		return
	}
	switch {
	case st.Status == model.StatusWorking && st.Reason == model.ReasonUserRequest:
		c.lock(ctx, ev, st)
	case st.Status == model.StatusAvailable && st.Reason == model.ReasonUserBehaviour:
		c.settle(ctx, ev, st)
	}
}

func machineOf(ev *nostr.Event) (string, bool) {
	mention, ok := relayclient.ExtractMention(ev)
	if !ok {
		log.Error().Str("event_id", ev.ID.String()).Msg("machine not mentioned in event, skip event")
		return "", false
	}
	if _, err := nostr.ParsePublicKey(mention); err != nil {
		log.Error().Err(err).Str("event_id", ev.ID.String()).Str("mention", mention).Msg("failed to parse machine pubkey, skip event")
		return "", false
	}
	return mention, true
}

func (c *Coordinator) lock(ctx context.Context, ev *nostr.Event, st model.StatusUpdate) {
	mention, ok := machineOf(ev)
	if !ok {
		return
	}
	p, err := model.ParseSessionPayload(st.Payload)
	if err != nil {
		log.Error().Err(err).Str("event_id", ev.ID.String()).Msg("failed to parse status payload, skip event")
		return
	}
	logger := log.With().
		Str("event_id", ev.ID.String()).
		Str("machine", mention).
		Str("user", p.User).
		Uint64("nonce", p.Nonce).
		Logger()

	sig, err := c.gate.Lock(ctx, p.User, c.cfg.PrepaidAmount, p.RecoverInfo)
	if err == nil {
		metrics.RecordSettlementAction("lock", true)
		logger.Info().Str("signature", sig).Msg("funds locked")
		return
	}
	metrics.RecordSettlementAction("lock", false)
	logger.Error().Err(err).Msg("failed to lock, requesting machine stop")

	req := model.Request{
		ToStatus:       model.StatusAvailable,
		Reason:         model.ReasonLockFailed,
		InitialRequest: st.InitialRequest,
		Payload:        st.Payload,
	}
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		if _, err := c.relay.SendEvent(ctx, mention, req); err != nil {
			logger.Error().Err(err).Msg("failed to publish lock failure request")
			return
		}
		metrics.RecordSettlementAction("compensate", true)
	}()
}

func (c *Coordinator) settle(ctx context.Context, ev *nostr.Event, st model.StatusUpdate) {
	mention, ok := machineOf(ev)
	if !ok {
		return
	}
	p, err := model.ParseSessionPayload(st.Payload)
	if err != nil {
		log.Error().Err(err).Str("event_id", ev.ID.String()).Msg("failed to parse status payload, skip event")
		return
	}
	logger := log.With().
		Str("event_id", ev.ID.String()).
		Str("machine", mention).
		Str("user", p.User).
		Uint64("nonce", p.Nonce).
		Logger()

	sig, err := c.gate.Settle(ctx, p.User, p.Nonce, c.cfg.TransferAmount)
	if err != nil {
		metrics.RecordSettlementAction("settle", false)
		logger.Error().Err(err).Msg("failed to settle")
		return
	}
	metrics.RecordSettlementAction("settle", true)
	logger.Info().Str("signature", sig).Msg("session settled")
}
