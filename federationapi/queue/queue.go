// Package queue is the outbound fanout bus: the room server publishes one
// OutputEvent per room to a JetStream subject as soon as it appends an
// event to the timeline, and the federation sender and sync notifier
// consume it as independent durable subscribers. This replaces an
// in-process channel fanout with a durable, replay-capable queue so a
// federation sender restart never drops a transaction mid-flight.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// OutputEvent is published once per accepted timeline event; the
// federation sender uses it to build outbound transactions, and the sync
// notifier uses it to wake long-polling /sync requests for the room.
type OutputEvent struct {
	RoomID  string          `json:"room_id"`
	EventID string          `json:"event_id"`
	Count   int64           `json:"count"`
	PDUJSON json.RawMessage `json:"pdu_json"`
}

// StreamName is the JetStream stream every room's subject lives under;
// individual rooms get their own subject (StreamName + "." + roomID) so a
// consumer can filter to just the rooms it cares about.
const StreamName = "roomserver_output"

// EmbeddedServer starts an in-process NATS server with JetStream enabled,
// for single-process deployments and tests that don't want to depend on
// an external NATS cluster. storeDir is the JetStream file store location
// ("" uses an OS temp directory).
func EmbeddedServer(storeDir string) (*server.Server, *nats.Conn, error) {
	opts := &server.Options{
		JetStream: true,
		StoreDir:  storeDir,
		Port:      server.RANDOM_PORT,
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("queue: start embedded nats server: %w", err)
	}
	srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		return nil, nil, fmt.Errorf("queue: embedded nats server did not become ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		srv.Shutdown()
		return nil, nil, fmt.Errorf("queue: connect to embedded nats server: %w", err)
	}
	return srv, nc, nil
}

// Publisher publishes OutputEvents onto the per-room subject of
// StreamName.
type Publisher struct {
	js nats.JetStreamContext
}

// NewPublisher ensures StreamName exists and returns a Publisher bound to
// it.
func NewPublisher(nc *nats.Conn) (*Publisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("queue: jetstream context: %w", err)
	}
	if _, err := js.AddStream(&nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{StreamName + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	}); err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return nil, fmt.Errorf("queue: add stream: %w", err)
	}
	return &Publisher{js: js}, nil
}

// Publish enqueues ev for roomID's subject and returns once JetStream has
// durably stored it (the "enqueue and return immediately" contract holds
// from the caller's perspective: this call does not wait for any consumer
// to process the message, only for the broker to persist it).
func (p *Publisher) Publish(ctx context.Context, roomID string, ev OutputEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("queue: marshal output event: %w", err)
	}
	_, err = p.js.Publish(subjectFor(roomID), data, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("queue: publish to %s: %w", subjectFor(roomID), err)
	}
	return nil
}

func subjectFor(roomID string) string {
	return StreamName + "." + roomID
}

// Handler processes one delivered OutputEvent; a non-nil error leaves the
// message unacked so JetStream redelivers it.
type Handler func(ctx context.Context, ev OutputEvent) error

// Subscribe creates (or resumes) a durable push consumer named durableName
// over every room's subject and invokes handler for each message,
// acknowledging on success and leaving failures for redelivery.
func Subscribe(nc *nats.Conn, durableName string, handler Handler) (*nats.Subscription, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("queue: jetstream context: %w", err)
	}
	sub, err := js.Subscribe(StreamName+".>", func(msg *nats.Msg) {
		var ev OutputEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			msg.Term()
			return
		}
		if err := handler(context.Background(), ev); err != nil {
			msg.Nak()
			return
		}
		msg.Ack()
	}, nats.Durable(durableName), nats.ManualAck(), nats.DeliverNew())
	if err != nil {
		return nil, fmt.Errorf("queue: subscribe %s: %w", durableName, err)
	}
	return sub, nil
}
