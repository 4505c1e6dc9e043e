package telemetry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/posthog/posthog-go"

	"orthotiles/internal/logger"
)

// Tracker sends usage events to PostHog. A Tracker without an API key drops every
// event, so callers never need to check whether telemetry is enabled.
type Tracker struct {
	client     posthog.Client
	distinctID string
	version    string
	log        *logger.Logger
}

// New creates a tracker. An empty key disables telemetry.
func New(key, host, distinctID, version string, log *logger.Logger) *Tracker {
	if log == nil {
		log = logger.Nop()
	}
	t := &Tracker{distinctID: distinctID, version: version, log: log}
	if key == "" {
		return t
	}

	client, err := posthog.NewWithConfig(key, posthog.Config{Endpoint: host})
	if err != nil {
		log.Warn("[Telemetry] Failed to initialize PostHog", map[string]interface{}{"error": err.Error()})
		return t
	}
	t.client = client
	return t
}

// Enabled reports whether events are sent
func (t *Tracker) Enabled() bool {
	return t != nil && t.client != nil
}

// Track enqueues an event. Common properties are added to props.
func (t *Tracker) Track(event string, props map[string]interface{}) {
	if !t.Enabled() {
		return
	}
	properties := posthog.NewProperties().
		Set("version", t.version).
		Set("os", goruntime.GOOS).
		Set("arch", goruntime.GOARCH)
	for k, v := range props {
		properties.Set(k, v)
	}

	if err := t.client.Enqueue(posthog.Capture{
		DistinctId: t.distinctID,
		Event:      event,
		Properties: properties,
	}); err != nil {
		t.log.Debug("[Telemetry] Dropped event", map[string]interface{}{"event": event, "error": err.Error()})
	}
}

// Close flushes pending events
func (t *Tracker) Close() error {
	if !t.Enabled() {
		return nil
	}
	return t.client.Close()
}

// InstallID returns the anonymous id stored in dir, creating it on first use
func InstallID(dir string) (string, error) {
	path := filepath.Join(dir, "install_id")

	data, err := os.ReadFile(path)
	if err == nil {
		if id, err := uuid.Parse(strings.TrimSpace(string(data))); err == nil {
			return id.String(), nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to read install id: %w", err)
	}

	id := uuid.New().String()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create install id directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0644); err != nil {
		return "", fmt.Errorf("failed to write install id: %w", err)
	}
	return id, nil
}
