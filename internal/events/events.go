// Package events publishes group lifecycle notifications for the real-time
// transport: creations, explicit ends, sweep reclamations and presence changes.
// Publishing is best-effort; a failed publish is logged and never fails the
// operation that produced it.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	TypeCreated   = "created"
	TypeEnded     = "ended"
	TypeReclaimed = "reclaimed"
	TypePresence  = "presence"
)

// SubjectPrefix is prepended to the event type to form the NATS subject.
const SubjectPrefix = "groups."

type Event struct {
	Type            string    `json:"type"`
	GroupID         string    `json:"group_id"`
	CreatorID       string    `json:"creator_id,omitempty"`
	ActiveUserCount *int      `json:"active_user_count,omitempty"`
	Predicate       string    `json:"predicate,omitempty"`
	At              time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

type NATSPublisher struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// ConnectNATS dials url with reconnects enabled for the lifetime of the process.
func ConnectNATS(url, name string, log zerolog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{nc: nc, log: log}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Error().Err(err).Str("type", ev.Type).Msg("encode event")
		return
	}
	if err := p.nc.Publish(SubjectPrefix+ev.Type, data); err != nil {
		p.log.Warn().Err(err).Str("type", ev.Type).Str("group_id", ev.GroupID).Msg("publish event")
	}
}

// Close flushes buffered events and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}

// Count returns a pointer to n for Event.ActiveUserCount.
func Count(n int) *int { return &n }
