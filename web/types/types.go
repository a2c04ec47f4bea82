package types

import (
	"encoding/json"
	"strconv"
	"strings"

	apperrors "lead-agent/errors"
)

// WebhookPayload mirrors the WhatsApp Cloud API webhook envelope. Only the
// fields the ingestion layer reads are declared; everything else is ignored
// by the decoder.
type WebhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string        `json:"field"`
			Value WebhookChange `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type WebhookChange struct {
	MessagingProduct string `json:"messaging_product"`
	Contacts         []struct {
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
		WaID string `json:"wa_id"`
	} `json:"contacts"`
	Messages []WebhookMessage `json:"messages"`
	Statuses []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"statuses"`
}

type WebhookMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image *struct {
		ID      string `json:"id"`
		Caption string `json:"caption"`
	} `json:"image"`
	Audio *struct {
		ID string `json:"id"`
	} `json:"audio"`
}

// InboundMessage is the decoded form handed to the rest of the pipeline.
// The webhook decoder fails fast; downstream code never digs into raw JSON.
type InboundMessage struct {
	MessageID  string
	From       string
	SenderName string
	Timestamp  int64
	Type       string
	Body       string
	MediaID    string
}

// DecodeWebhook parses a raw webhook body into an InboundMessage.
// Returns ErrNoMessage for deliveries that only carry status updates and
// ErrInvalidPayload when the envelope cannot be decoded or lacks the
// identifying fields the dedup guard depends on.
func DecodeWebhook(body []byte) (InboundMessage, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return InboundMessage{}, apperrors.WrapError(apperrors.ErrInvalidPayload, err.Error())
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if len(change.Value.Messages) == 0 {
				continue
			}
			msg := change.Value.Messages[0]
			if msg.ID == "" || msg.From == "" {
				return InboundMessage{}, apperrors.WrapError(apperrors.ErrInvalidPayload, "message missing id or sender")
			}

			ts, err := strconv.ParseInt(strings.TrimSpace(msg.Timestamp), 10, 64)
			if err != nil {
				return InboundMessage{}, apperrors.WrapError(apperrors.ErrInvalidPayload, "unparseable timestamp")
			}

			inbound := InboundMessage{
				MessageID: msg.ID,
				From:      msg.From,
				Timestamp: ts,
				Type:      msg.Type,
			}
			if len(change.Value.Contacts) > 0 {
				inbound.SenderName = change.Value.Contacts[0].Profile.Name
			}

			switch msg.Type {
			case "text":
				if msg.Text == nil {
					return InboundMessage{}, apperrors.WrapError(apperrors.ErrInvalidPayload, "text message without body")
				}
				inbound.Body = msg.Text.Body
			case "image":
				if msg.Image == nil {
					return InboundMessage{}, apperrors.WrapError(apperrors.ErrInvalidPayload, "image message without media")
				}
				inbound.MediaID = msg.Image.ID
				inbound.Body = msg.Image.Caption
			case "audio":
				if msg.Audio == nil {
					return InboundMessage{}, apperrors.WrapError(apperrors.ErrInvalidPayload, "audio message without media")
				}
				inbound.MediaID = msg.Audio.ID
			}

			return inbound, nil
		}
	}

	return InboundMessage{}, apperrors.ErrNoMessage
}
