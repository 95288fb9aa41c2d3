package cdr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flowpbx/flowgate/internal/database/models"
)

// webhookEvent is one call-detail event as posted to a webhook.
type webhookEvent struct {
	CallID      string    `json:"call_id"`
	Kind        string    `json:"kind"`
	Cause       string    `json:"cause,omitempty"`
	Code        int       `json:"code,omitempty"`
	Route       string    `json:"route,omitempty"`
	DurationMs  int64     `json:"duration_ms,omitempty"`
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	Realm       string    `json:"realm,omitempty"`
	Username    string    `json:"username,omitempty"`
	SourceIP    string    `json:"source_ip,omitempty"`
	AccountID   string    `json:"account_id,omitempty"`
	ContextID   string    `json:"context_id,omitempty"`
	ControlID   string    `json:"control_id,omitempty"`
	BaseIP      string    `json:"base_ip,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// webhookBatch is the body of every webhook POST.
type webhookBatch struct {
	Events []webhookEvent `json:"events"`
}

// errorBody is how a receiver may explain a rejected batch.
type errorBody struct {
	Error string `json:"error"`
}

// Webhook is a Sink that posts each batch as JSON to an HTTP endpoint.
type Webhook struct {
	httpClient *http.Client
	url        string
	key        string
}

// NewWebhook creates a webhook sink. key, if set, is sent as X-Api-Key.
func NewWebhook(url, key string) *Webhook {
	return &Webhook{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		url:        url,
		key:        key,
	}
}

// InsertBatch implements Sink. Any 2xx status counts as stored.
func (w *Webhook) InsertBatch(ctx context.Context, events []models.CDREvent) error {
	if len(events) == 0 {
		return nil
	}
	batch := webhookBatch{Events: make([]webhookEvent, len(events))}
	for i, e := range events {
		batch.Events[i] = webhookEvent{
			CallID:      e.CallID,
			Kind:        e.Kind,
			Cause:       e.Cause,
			Code:        e.Code,
			Route:       e.Route,
			DurationMs:  e.DurationMs,
			Source:      e.Source,
			Destination: e.Destination,
			Realm:       e.Realm,
			Username:    e.Username,
			SourceIP:    e.SourceIP,
			AccountID:   e.AccountID,
			ContextID:   e.ContextID,
			ControlID:   e.ControlID,
			BaseIP:      e.BaseIP,
			OccurredAt:  e.OccurredAt.UTC(),
		}
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("cdr webhook: marshalling batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("cdr webhook: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.key != "" {
		req.Header.Set("X-Api-Key", w.key)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cdr webhook: sending batch: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		if json.Unmarshal(respBody, &eb) == nil && eb.Error != "" {
			return fmt.Errorf("cdr webhook: receiver error (status %d): %s", resp.StatusCode, eb.Error)
		}
		return fmt.Errorf("cdr webhook: receiver returned status %d", resp.StatusCode)
	}
	return nil
}
