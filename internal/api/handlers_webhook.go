package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"jugarenchile.com/tawk-relay/internal/auth"
	"jugarenchile.com/tawk-relay/internal/core"
	"jugarenchile.com/tawk-relay/internal/logging"
	"jugarenchile.com/tawk-relay/internal/metrics"
	"jugarenchile.com/tawk-relay/internal/tawk"
	"jugarenchile.com/tawk-relay/internal/telemetry"
)

// WebhookHandler answers one Tawk.to message event.
//
// A bad signature or payload is rejected before any database, cache or model
// call. After the filter, every dependency is opportunistic: failures are
// logged, listed in "degraded", and the visitor still gets an answer.
func (h *APIHandler) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	log := logging.Ctx(r.Context())
	outcome := "error"
	defer func() {
		metrics.WebhookRequests.WithLabelValues(outcome).Inc()
		metrics.WebhookDuration.Observe(time.Since(start).Seconds())
	}()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		outcome = "invalid"
		respondError(w, http.StatusBadRequest, "No se pudo leer el cuerpo de la solicitud", nil)
		return
	}

	if h.webhookSecret == "" {
		log.Warn().Msg("Webhook secret not configured, accepting unsigned request")
	}
	if !auth.VerifyWebhookSignature(body, r.Header.Get(auth.SignatureHeader), h.webhookSecret) {
		outcome = "unauthorized"
		log.Warn().Str("remote_addr", r.RemoteAddr).Msg("Webhook signature rejected")
		respondError(w, http.StatusUnauthorized, "Firma inválida", nil)
		return
	}

	payload, err := tawk.ParsePayload(body)
	if err == nil {
		err = tawk.Validate(payload)
	}
	if err != nil {
		outcome = "invalid"
		var ve *tawk.ValidationError
		if errors.As(err, &ve) {
			respondError(w, http.StatusBadRequest, "Payload inválido: "+ve.Error(), map[string]any{"field": ve.Field})
			return
		}
		log.Debug().Err(err).Msg("Webhook body is not valid JSON")
		respondError(w, http.StatusBadRequest, "Payload inválido: JSON mal formado", nil)
		return
	}

	if decision := tawk.ShouldProcess(payload); !decision.Process {
		outcome = "ignored"
		h.telemetry.Track(telemetry.EventWebhookIgnored, map[string]any{"reason": decision.Reason}, clientMetadata(r, "", payload.ChatID))
		respondJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"ignored": true,
			"message": "Mensaje ignorado",
			"reason":  decision.Reason,
		})
		return
	}

	msg := tawk.Extract(payload)
	meta := clientMetadata(r, msg.VisitorID, msg.ConversationID)
	log.Info().
		Str("conversation_id", msg.ConversationID).
		Str("visitor_id", msg.VisitorID).
		Int("message_length", len(msg.Text)).
		Msg("Processing visitor message")

	// Once accepted the message is answered even if the client goes away.
	ctx := context.WithoutCancel(r.Context())

	var degraded []string
	history := h.loadAndRecordInbound(ctx, msg, &degraded)

	var (
		reply     string
		tokens    int
		cost      float64
		fromCache bool
		safety    bool
	)
	if h.safety.Detect(msg.Text) {
		safety = true
		reply = h.safety.SupportResponse()
		metrics.SafetyTriggered.Inc()
		log.Info().Str("conversation_id", msg.ConversationID).Msg("Problem gambling signal detected, sending support resources")
		h.telemetry.Track(telemetry.EventSafetyTriggered, map[string]any{
			"conversationId": msg.ConversationID,
			"messageLength":  len(msg.Text),
		}, meta)
	} else {
		res := h.generator.Generate(ctx, msg.Text, history)
		reply = res.Text
		tokens = res.TokensUsed
		cost = res.Cost
		fromCache = res.FromCache
		degraded = appendUnique(degraded, res.Degraded...)
		if res.Err != nil {
			h.telemetry.TrackError(res.Err, "generation", meta)
		}
	}

	if msg.ConversationID != "" && h.chats.Available() {
		if err := h.chats.RecordReply(ctx, msg.ConversationID, reply, tokens, fromCache, safety); err != nil {
			log.Warn().Err(err).Msg("Failed to store assistant reply")
			metrics.DependencyDegraded.WithLabelValues("database").Inc()
			degraded = appendUnique(degraded, "database")
		}
	}

	delivered := false
	if msg.ConversationID != "" {
		delivered = h.deliver(ctx, msg.ConversationID, reply, meta)
	}

	elapsed := time.Since(start).Milliseconds()
	h.telemetry.Track(telemetry.EventMessageProcessed, map[string]any{
		"conversationId":          msg.ConversationID,
		"messageLength":           len(msg.Text),
		"responseLength":          len(reply),
		"processingTime":          elapsed,
		"tokensUsed":              tokens,
		"fromCache":               fromCache,
		"gamblingProblemDetected": safety,
		"delivered":               delivered,
	}, meta)

	outcome = "processed"
	if safety {
		outcome = "safety"
	}
	if degraded == nil {
		degraded = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"message":          "Webhook procesado exitosamente",
		"visitor":          msg.VisitorName,
		"processingTimeMs": elapsed,
		"tokensUsed":       tokens,
		"cost":             cost,
		"fromCache":        fromCache,
		"safetyTriggered":  safety,
		"responseSent":     msg.ConversationID != "",
		"delivered":        delivered,
		"degraded":         degraded,
	})
}

// loadAndRecordInbound reads the prior turns and stores the inbound message.
// History is read first so the current message is not part of it.
func (h *APIHandler) loadAndRecordInbound(ctx context.Context, msg tawk.InboundMessage, degraded *[]string) []core.Turn {
	if msg.ConversationID == "" {
		return nil
	}
	log := logging.Ctx(ctx)
	if !h.chats.Available() {
		*degraded = appendUnique(*degraded, "database")
		return nil
	}

	history, err := h.chats.History(ctx, msg.ConversationID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load conversation history")
		metrics.DependencyDegraded.WithLabelValues("database").Inc()
		*degraded = appendUnique(*degraded, "database")
	}
	if err := h.chats.RecordInbound(ctx, msg); err != nil {
		log.Warn().Err(err).Msg("Failed to store visitor message")
		metrics.DependencyDegraded.WithLabelValues("database").Inc()
		*degraded = appendUnique(*degraded, "database")
	}
	return history
}

func (h *APIHandler) deliver(ctx context.Context, chatID, text string, meta telemetry.Metadata) bool {
	log := logging.Ctx(ctx)
	err := h.delivery.SendMessage(ctx, chatID, text)
	switch {
	case err == nil:
		log.Debug().Str("conversation_id", chatID).Msg("Reply delivered")
		if err := h.delivery.MarkChatAsRead(ctx, chatID); err != nil {
			log.Warn().Err(err).Str("conversation_id", chatID).Msg("Failed to mark chat as read")
		}
		return true
	case errors.Is(err, tawk.ErrNotConfigured):
		log.Warn().Msg("Tawk API credentials missing, reply not delivered")
	default:
		log.Error().Err(err).Str("conversation_id", chatID).Msg("Failed to deliver reply")
		h.telemetry.Track(telemetry.EventDeliveryFailed, map[string]any{
			"conversationId": chatID,
			"error":          err.Error(),
		}, meta)
	}
	return false
}
