package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
	"github.com/rs/zerolog"

	"imagery-timelapse/internal/logging"
)

// Tracker records product analytics events
type Tracker interface {
	Track(event string, props map[string]interface{})
	Close() error
}

// Nop discards every event
type Nop struct{}

func (Nop) Track(string, map[string]interface{}) {}
func (Nop) Close() error                         { return nil }

// tagged adds fixed properties to every event of the wrapped tracker
type tagged struct {
	next Tracker
	base map[string]interface{}
}

// WithProps returns a tracker that merges base into the properties of every
// event. Properties set on the event win over base.
func WithProps(t Tracker, base map[string]interface{}) Tracker {
	if _, ok := t.(Nop); ok {
		return t
	}
	return &tagged{next: t, base: base}
}

func (t *tagged) Track(event string, props map[string]interface{}) {
	merged := make(map[string]interface{}, len(t.base)+len(props))
	for k, v := range t.base {
		merged[k] = v
	}
	for k, v := range props {
		merged[k] = v
	}
	t.next.Track(event, merged)
}

func (t *tagged) Close() error {
	return t.next.Close()
}

// PostHog sends events to a PostHog project
type PostHog struct {
	client     posthog.Client
	distinctID string
	logger     zerolog.Logger
}

// New returns a PostHog tracker, or Nop when no key is configured
func New(key, host, distinctID string) (Tracker, error) {
	if key == "" {
		return Nop{}, nil
	}
	client, err := posthog.NewWithConfig(key, posthog.Config{
		Endpoint: host,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostHog: %w", err)
	}
	if distinctID == "" {
		distinctID = "anonymous"
	}
	return &PostHog{
		client:     client,
		distinctID: distinctID,
		logger:     logging.Component("telemetry"),
	}, nil
}

// Track enqueues an event; delivery is asynchronous
func (p *PostHog) Track(event string, props map[string]interface{}) {
	if err := p.client.Enqueue(posthog.Capture{
		DistinctId: p.distinctID,
		Event:      event,
		Properties: props,
	}); err != nil {
		p.logger.Debug().Err(err).Str("event", event).Msg("Failed to enqueue event")
	}
}

// Close flushes pending events
func (p *PostHog) Close() error {
	return p.client.Close()
}

// InstallID returns a random id persisted in dir, creating it on first use
func InstallID(dir string) (string, error) {
	path := filepath.Join(dir, "install_id")
	if data, err := os.ReadFile(path); err == nil {
		if id, err := uuid.Parse(strings.TrimSpace(string(data))); err == nil {
			return id.String(), nil
		}
	}

	id := uuid.NewString()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return id, fmt.Errorf("failed to create settings directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0644); err != nil {
		return id, fmt.Errorf("failed to save install id: %w", err)
	}
	return id, nil
}
