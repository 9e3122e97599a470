package events

import (
	"encoding/json"
	"fmt"
	"time"

	"log/slog"

	"github.com/nats-io/nats.go"
)

// Event is a status-change notification for the editor UI.
type Event struct {
	ProjectID string    `json:"project_id"`
	Kind      string    `json:"kind"`
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher publishes status events. A nil Publisher is a valid no-op, so
// services can stay unaware of whether NATS is configured.
type Publisher struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// Connect dials the NATS server with reconnect enabled.
func Connect(url string, logger *slog.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name("oreus-api"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Publisher{nc: nc, logger: logger}, nil
}

// DevServer publishes a dev server state transition.
func (p *Publisher) DevServer(projectID, state, detail string) {
	p.publish("oreus.devserver."+projectID, Event{
		ProjectID: projectID,
		Kind:      "devserver",
		State:     state,
		Detail:    detail,
		At:        time.Now().UTC(),
	})
}

// Deployment publishes a deployment state transition.
func (p *Publisher) Deployment(projectID, state, detail string) {
	p.publish("oreus.deploy."+projectID, Event{
		ProjectID: projectID,
		Kind:      "deployment",
		State:     state,
		Detail:    detail,
		At:        time.Now().UTC(),
	})
}

func (p *Publisher) publish(subject string, event Event) {
	if p == nil || p.nc == nil || p.nc.IsClosed() {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := p.nc.Publish(subject, payload); err != nil && p.logger != nil {
		p.logger.Warn("event publish failed", "subject", subject, "error", err)
	}
}

// Healthy reports whether the connection is up.
func (p *Publisher) Healthy() bool {
	return p != nil && p.nc != nil && p.nc.IsConnected()
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	_ = p.nc.Drain()
	p.nc.Close()
}
