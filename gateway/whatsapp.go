package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "lead-agent/errors"

	"go.uber.org/zap"
)

const graphAPIBase = "https://graph.facebook.com/v18.0"

// Messenger is the outbound messaging collaborator. Delivery downstream of
// Send is at-least-once; the dedup guard on the receive side covers that.
type Messenger interface {
	Send(ctx context.Context, to, text string) error
	MarkRead(ctx context.Context, messageID string) error
}

// WhatsAppClient sends messages through the WhatsApp Cloud API.
type WhatsAppClient struct {
	accessToken   string
	phoneNumberID string
	baseURL       string
	httpClient    *http.Client
	logger        *zap.Logger
}

func NewWhatsAppClient(accessToken, phoneNumberID string, logger *zap.Logger) *WhatsAppClient {
	return &WhatsAppClient{
		accessToken:   accessToken,
		phoneNumberID: phoneNumberID,
		baseURL:       fmt.Sprintf("%s/%s", graphAPIBase, phoneNumberID),
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		logger:        logger,
	}
}

// Configured reports whether credentials are present. Unconfigured clients
// log sends instead of calling the API, which keeps local development
// working without Meta credentials.
func (w *WhatsAppClient) Configured() bool {
	return w.accessToken != "" && w.phoneNumberID != ""
}

// Send delivers a text message, converting any markdown the model produced
// into WhatsApp's formatting conventions first.
func (w *WhatsAppClient) Send(ctx context.Context, to, text string) error {
	text = ToWhatsAppText(text)

	if !w.Configured() {
		w.logger.Info("WhatsApp gateway not configured, logging outbound message",
			zap.String("to", to),
			zap.String("text", text))
		return nil
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]string{"body": text},
	}
	if err := w.post(ctx, payload); err != nil {
		return apperrors.WrapError(apperrors.ErrGatewaySend, err.Error())
	}

	w.logger.Debug("Message sent", zap.String("to", to))
	return nil
}

// MarkRead flags an inbound message as read, which shows the user the
// assistant has seen it.
func (w *WhatsAppClient) MarkRead(ctx context.Context, messageID string) error {
	if !w.Configured() {
		return nil
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	}
	return w.post(ctx, payload)
}

func (w *WhatsAppClient) post(ctx context.Context, payload map[string]any) error {
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal gateway payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("create gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.accessToken)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send gateway request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("gateway status %s: %s", resp.Status, string(body))
	}
	return nil
}
