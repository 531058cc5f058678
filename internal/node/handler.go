package node

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"vending-controller/internal/config"
	"vending-controller/internal/metrics"
	"vending-controller/internal/model"
	"vending-controller/internal/nostr"
	"vending-controller/internal/relayclient"
)

func (c *Coordinator) handleEvent(ctx context.Context, ev *nostr.Event) {
	msg, err := model.DecodeMessage(ev.Content)
	if err != nil {
		log.Error().Err(err).Str("event_id", ev.ID.String()).Msg("failed to parse message")
		return
	}
	switch m := msg.(type) {
	case model.Request:
		c.handleRequest(ctx, ev, m)
	case model.StatusUpdate:
		c.applyStatus(ev, m)
	}
}

func (c *Coordinator) privileged(sender nostr.PublicKey) bool {
	if sender == c.cfg.AdminKey {
		return true
	}
	for _, k := range c.cfg.TrustedKeys {
		if sender == k {
			return true
		}
	}
	return false
}

func (c *Coordinator) reject(logger zerolog.Logger, outcome, msg string) {
	metrics.RecordNodeRequest(outcome)
	logger.Error().Str("outcome", outcome).Msg(msg)
}

func (c *Coordinator) handleRequest(ctx context.Context, ev *nostr.Event, req model.Request) {
	logger := log.With().
		Str("event_id", ev.ID.String()).
		Str("sender", ev.PubKey.Hex()).
		Str("to_status", req.ToStatus.String()).
		Str("reason", req.Reason.String()).
		Logger()

	if req.Reason != model.ReasonUserRequest && !c.privileged(ev.PubKey) {
		if c.cfg.ReasonPolicy == config.PolicyEnforce {
			c.reject(logger, "unauthorized", "only the admin may use a reason other than UserRequest, skip event")
			return
		}
		logger.Error().Msg("only the admin may use a reason other than UserRequest")
	}

	mention, ok := relayclient.ExtractMention(ev)
	if !ok {
		c.reject(logger, "malformed", "machine not mentioned in event, skip event")
		return
	}
	logger = logger.With().Str("machine", mention).Logger()
	pk, err := nostr.ParsePublicKey(mention)
	if err != nil {
		c.reject(logger, "malformed", "failed to parse machine pubkey, skip event")
		return
	}
	m, ok := c.machines[pk]
	if !ok {
		c.reject(logger, "unknown_machine", "machine not controlled by us, skip event")
		return
	}

	if m.status == req.ToStatus {
		c.reject(logger, "noop", "machine already in requested status, skip event")
		return
	}
	if req.ToStatus == model.StatusAvailable {
		if req.Reason == model.ReasonUserRequest {
			c.reject(logger, "user_stop", "user cannot manually stop machine, skip event")
			return
		}
		if m.initialRequest != nil && *m.initialRequest != req.InitialRequest {
			c.reject(logger, "wrong_session", "machine is working for a different request, skip event")
			return
		}
	}

	payload, err := model.ParseSessionPayload(req.Payload)
	if err != nil {
		logger.Error().Err(err).Msg("failed to parse payload, skip event")
		metrics.RecordNodeRequest("malformed")
		return
	}
	logger = logger.With().Str("user", payload.User).Uint64("nonce", payload.Nonce).Logger()

	if !c.charge(ctx, logger, req, payload) {
		return
	}

	encoded, err := payload.Encode()
	if err != nil {
		logger.Error().Err(err).Msg("failed to encode payload")
		return
	}
	st := model.StatusUpdate{
		Status:         req.ToStatus,
		Reason:         req.Reason,
		InitialRequest: ev.ID,
		Payload:        encoded,
	}
	if !c.publishStatus(ctx, mention, st) {
		metrics.RecordNodeRequest("publish_failed")
		return
	}
	metrics.RecordNodeRequest("accepted")
	logger.Info().Msg("request accepted")

	if req.ToStatus == model.StatusWorking {
		c.arm(ctx, m, ev.ID, encoded, c.cfg.AutoRevert)
	}
}

// charge runs the class specific payment step. Chargers only check
// eligibility, settlement happens on the server. Gacha machines are paid up
// front when they start.
func (c *Coordinator) charge(ctx context.Context, logger zerolog.Logger, req model.Request, p model.SessionPayload) bool {
	if c.cfg.Class == config.ClassGacha {
		if req.ToStatus != model.StatusWorking {
			return true
		}
		sig, err := c.gate.Pay(ctx, p.User, c.cfg.PayAmount, p.RecoverInfo)
		if err != nil {
			logger.Error().Err(err).Msg("failed to pay, skip event")
			metrics.RecordNodeRequest("payment_failed")
			return false
		}
		logger.Info().Str("signature", sig).Msg("payment confirmed")
		return true
	}

	eligible, err := c.gate.CheckEligible(ctx, p.User, p.Nonce, c.cfg.PrepaidAmount, p.RecoverInfo)
	if err != nil {
		logger.Error().Err(err).Msg("failed to check eligibility, skip event")
		metrics.RecordNodeRequest("eligibility_error")
		return false
	}
	if !eligible {
		logger.Error().Msg("user not eligible, skip event")
		metrics.RecordNodeRequest("ineligible")
		return false
	}
	return true
}
