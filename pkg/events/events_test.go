package events

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitterAssignsMonotonicSequence(t *testing.T) {
	e := NewEmitter()

	first := e.Emit(Event{Type: FlowStarted, FlowName: "f"})
	second := e.Emit(Event{Type: StepStarted, StepID: "s1"})
	third := e.Emit(Event{Type: StepCompleted, StepID: "s1"})

	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, uint64(3), third.Sequence)
	assert.False(t, second.Timestamp.IsZero())

	log := e.Events()
	require.Len(t, log, 3)
	assert.Equal(t, FlowStarted, log[0].Type)
	assert.Equal(t, StepCompleted, log[2].Type)
}

func TestEmitterTotalOrderUnderConcurrency(t *testing.T) {
	e := NewEmitter()

	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for j := 0; j < 50; j++ {
				e.Emit(Event{Type: StepCompleted})
			}
		}()
	}

	wg.Wait()

	log := e.Events()
	require.Len(t, log, 400)

	for i, event := range log {
		assert.Equal(t, uint64(i+1), event.Sequence)
	}
}

func TestEmitterSubscribeReceivesSubsequentEvents(t *testing.T) {
	e := NewEmitter()
	e.Emit(Event{Type: FlowStarted})

	ch, cancel := e.Subscribe()
	defer cancel()

	e.Emit(Event{Type: StepStarted, StepID: "a"})
	e.Emit(Event{Type: StepCompleted, StepID: "a"})

	got := <-ch
	assert.Equal(t, StepStarted, got.Type)
	assert.Equal(t, uint64(2), got.Sequence)

	got = <-ch
	assert.Equal(t, StepCompleted, got.Type)
}

func TestEmitterCloseEndsSubscriptions(t *testing.T) {
	e := NewEmitter()

	ch, _ := e.Subscribe()
	e.Close()

	_, open := <-ch
	assert.False(t, open)

	late, _ := e.Subscribe()
	_, open = <-late
	assert.False(t, open)
}

func TestEmitterSlowSubscriberDoesNotStall(t *testing.T) {
	e := NewEmitter()

	// Never read from the subscription while emitting far past the delivery
	// buffer. Emit, a second Subscribe and the cancel must all return.
	ch, cancel := e.Subscribe()

	for i := 0; i < subscriberBuffer*2; i++ {
		e.Emit(Event{Type: StepCompleted})
	}

	_, cancelSecond := e.Subscribe()
	cancelSecond()

	// Delivery order toward the slow subscriber is still the log order.
	got := <-ch
	assert.Equal(t, uint64(1), got.Sequence)

	got = <-ch
	assert.Equal(t, uint64(2), got.Sequence)

	cancel()

	assert.Len(t, e.Events(), subscriberBuffer*2)
}

func TestBusRoundtrip(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	bus := NewGoChannelBus(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	emitter := NewEmitter()
	source, cancelSub := emitter.Subscribe()

	defer cancelSub()

	go func() {
		_ = bus.Pump(ctx, source)
	}()

	emitter.Emit(Event{Type: FlowStarted, FlowName: "f", ExecutionID: "x1"})
	emitter.Emit(Event{Type: FlowCompleted, FlowName: "f", ExecutionID: "x1"})

	got := <-received
	assert.Equal(t, FlowStarted, got.Type)
	assert.Equal(t, "x1", got.ExecutionID)
	assert.Equal(t, uint64(1), got.Sequence)

	got = <-received
	assert.Equal(t, FlowCompleted, got.Type)
	assert.Equal(t, uint64(2), got.Sequence)
}
