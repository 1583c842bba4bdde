package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Topic is the watermill topic execution events are published on.
const Topic = "stepflow.executions"

const (
	sequenceMetadataKey  = "sequence"
	eventTypeMetadataKey = "event_type"
)

// Bus bridges the in-process emitter to any watermill-backed transport.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
}

func NewBus(pub message.Publisher, sub message.Subscriber) *Bus {
	return &Bus{publisher: pub, subscriber: sub}
}

// NewGoChannelBus creates an in-memory bus, suitable for tests and for
// single-process deployments where the transport lives in the same binary.
func NewGoChannelBus(logger *slog.Logger) *Bus {
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer: 1000,
			Persistent:          false,
		},
		watermill.NewSlogLogger(logger),
	)

	return NewBus(pubSub, pubSub)
}

// Publish serializes one event onto the bus topic.
func (b *Bus) Publish(event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event %d: %w", event.Sequence, err)
	}

	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(sequenceMetadataKey, strconv.FormatUint(event.Sequence, 10))
	msg.Metadata.Set(eventTypeMetadataKey, string(event.Type))

	return b.publisher.Publish(Topic, msg)
}

// Subscribe decodes the bus topic back into a typed event channel. The
// channel closes when ctx is cancelled or the bus shuts down.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, error) {
	messages, err := b.subscriber.Subscribe(ctx, Topic)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", Topic, err)
	}

	out := make(chan Event)

	go func() {
		defer close(out)

		for msg := range messages {
			var event Event

			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				msg.Nack()

				continue
			}

			msg.Ack()

			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Pump forwards an emitter subscription onto the bus until the source
// channel closes or ctx is cancelled. Run it in its own goroutine.
func (b *Bus) Pump(ctx context.Context, source <-chan Event) error {
	for {
		select {
		case event, ok := <-source:
			if !ok {
				return nil
			}

			if err := b.Publish(event); err != nil {
				return err
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
