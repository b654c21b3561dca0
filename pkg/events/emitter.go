// Package events reports build lifecycle events to an external event logger.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the event logger rejected the builder token.
var ErrUnauthorized = errors.New("events: unauthorized")

// ErrInvalidArgument indicates the event logger rejected the payload.
var ErrInvalidArgument = errors.New("events: invalid argument")

// Event levels.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Event is one build lifecycle notification.
type Event struct {
	TenantID   string
	BuildID    string
	Stage      string
	Level      string
	Service    string
	Message    string
	Metadata   map[string]any
	OccurredAt time.Time
}

// Sink accepts build events.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// Discard drops every event.
type Discard struct{}

// Emit implements Sink.
func (Discard) Emit(context.Context, Event) error { return nil }

// Emitter posts events to {baseURL}/events.
type Emitter struct {
	baseURL string
	token   string
	client  *http.Client
	now     func() time.Time
}

// NewEmitter creates an emitter using the event logger base URL and builder token.
func NewEmitter(baseURL, builderToken string, client *http.Client) (*Emitter, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("events: base url required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Emitter{
		baseURL: trimmed,
		token:   strings.TrimSpace(builderToken),
		client:  client,
		now:     time.Now,
	}, nil
}

type payload struct {
	TenantID   string         `json:"tenant_id"`
	BuildID    string         `json:"build_id"`
	Stage      string         `json:"stage"`
	Level      string         `json:"level"`
	Service    string         `json:"service,omitempty"`
	Message    string         `json:"message"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt string         `json:"occurred_at"`
}

// Emit sends the event.
func (e *Emitter) Emit(ctx context.Context, event Event) error {
	if strings.TrimSpace(event.TenantID) == "" || strings.TrimSpace(event.BuildID) == "" {
		return fmt.Errorf("%w: tenant_id and build_id required", ErrInvalidArgument)
	}
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = e.now()
	}
	level := strings.TrimSpace(event.Level)
	if level == "" {
		level = LevelInfo
	}
	body, err := json.Marshal(payload{
		TenantID:   event.TenantID,
		BuildID:    event.BuildID,
		Stage:      event.Stage,
		Level:      level,
		Service:    event.Service,
		Message:    strings.TrimSpace(event.Message),
		Metadata:   event.Metadata,
		OccurredAt: occurred.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build event request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("X-Builder-Token", e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	return nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	default:
		return fmt.Errorf("event request failed: %s", summary)
	}
}
