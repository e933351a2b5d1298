package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LocalRooms delivers an encoded event to the sockets this process holds.
type LocalRooms interface {
	Deliver(room domain.Room, message []byte)
}

// Relay is an app.Broadcaster spanning processes. An event is delivered to
// local sockets right away and published once on the channel; every other
// process delivers it to its own sockets. Delivery is at-most-once.
type Relay struct {
	client  *redis.Client
	channel string
	local   LocalRooms
	origin  string
}

type relayMessage struct {
	Origin string          `json:"origin"`
	Room   domain.Room     `json:"room"`
	Event  json.RawMessage `json:"event"`
}

func NewRelay(client *redis.Client, channel string, local LocalRooms) *Relay {
	if channel == "" {
		channel = "game:events"
	}
	return &Relay{client: client, channel: channel, local: local, origin: uuid.NewString()}
}

func (r *Relay) Emit(ctx context.Context, room domain.Room, event app.Event) error {
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event.Type, err)
	}
	r.local.Deliver(room, encoded)

	payload, err := json.Marshal(relayMessage{Origin: r.origin, Room: room, Event: encoded})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// Run forwards events published by other processes until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m relayMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				log.Printf("relay: drop malformed message: %v", err)
				continue
			}
			if m.Origin == r.origin {
				continue
			}
			r.local.Deliver(m.Room, m.Event)
		}
	}
}
