package redisbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"fulcrum-registry/bus"
	"fulcrum-registry/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return store.NewWithClient(rdb)
}

func TestSubscriber_DeliversPublishedEnvelopes(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *bus.Envelope, 1)
	sub := NewSubscriber(st, "registry-1", 4, bus.ChannelHeartbeat)
	done := make(chan error, 1)
	go func() {
		done <- sub.Start(ctx, func(_ context.Context, channel string, env *bus.Envelope) error {
			if channel != bus.ChannelHeartbeat {
				t.Errorf("handler channel got=%#v", channel)
			}
			received <- env
			return nil
		})
	}()

	// Give the subscription a moment to settle before publishing.
	time.Sleep(50 * time.Millisecond)

	pub := NewPublisher(st, "mini1")
	env, err := bus.NewEnvelope("", bus.TypeHeartbeat, &bus.Heartbeat{ID: "mini1"})
	if err != nil {
		t.Fatalf("NewEnvelope() error=%v", err)
	}
	if err := pub.Publish(ctx, bus.ChannelHeartbeat, env); err != nil {
		t.Fatalf("Publish() error=%v", err)
	}
	if env.Sender != "mini1" {
		t.Errorf("Publish() did not stamp the sender: %#v", env.Sender)
	}

	select {
	case got := <-received:
		if got.CorrelationID != env.CorrelationID {
			t.Errorf("delivered correlation id got=%#v want=%#v", got.CorrelationID, env.CorrelationID)
		}
		var hb bus.Heartbeat
		if err := got.Decode(&hb); err != nil {
			t.Fatalf("Decode() error=%v", err)
		}
		if hb.ID != "mini1" {
			t.Errorf("delivered heartbeat got=%#v", hb)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no envelope delivered")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber did not stop on context cancel")
	}
}

func TestSubscriber_FiltersOwnMessages(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *bus.Envelope, 2)
	sub := NewSubscriber(st, "registry-1", 2, bus.ChannelCapacity)
	go func() {
		_ = sub.Start(ctx, func(_ context.Context, _ string, env *bus.Envelope) error {
			received <- env
			return nil
		})
	}()
	time.Sleep(50 * time.Millisecond)

	// One message from the subscriber's own identity, one from a peer.
	own := NewPublisher(st, "registry-1")
	peer := NewPublisher(st, "registry-2")
	ownEnv, err := bus.NewEnvelope("", bus.TypeCapacityChanged, &bus.CapacityChanged{SlotID: "mini1A", Family: "mini", Remaining: 3})
	if err != nil {
		t.Fatalf("NewEnvelope() error=%v", err)
	}
	if err := own.Publish(ctx, bus.ChannelCapacity, ownEnv); err != nil {
		t.Fatalf("Publish(own) error=%v", err)
	}
	peerEnv, err := bus.NewEnvelope("", bus.TypeCapacityChanged, &bus.CapacityChanged{SlotID: "mini2A", Family: "mini", Remaining: 5})
	if err != nil {
		t.Fatalf("NewEnvelope() error=%v", err)
	}
	if err := peer.Publish(ctx, bus.ChannelCapacity, peerEnv); err != nil {
		t.Fatalf("Publish(peer) error=%v", err)
	}

	select {
	case got := <-received:
		if got.Sender != "registry-2" {
			t.Errorf("delivered sender got=%#v want registry-2 only", got.Sender)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("peer envelope never delivered")
	}
	select {
	case got := <-received:
		t.Errorf("own message was not filtered: %#v", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSubscriber_DropsMalformedPayloads(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *bus.Envelope, 1)
	sub := NewSubscriber(st, "registry-1", 2, bus.ChannelControl)
	go func() {
		_ = sub.Start(ctx, func(_ context.Context, _ string, env *bus.Envelope) error {
			received <- env
			return nil
		})
	}()
	time.Sleep(50 * time.Millisecond)

	if _, err := st.Publish(ctx, bus.ChannelControl, "{garbage"); err != nil {
		t.Fatalf("Publish(garbage) error=%v", err)
	}
	// A well-formed envelope after the poison message still arrives.
	env, err := bus.NewEnvelope("operator", bus.TypeControl, &bus.ControlCommand{Action: "shutdown", ID: "mini1"})
	if err != nil {
		t.Fatalf("NewEnvelope() error=%v", err)
	}
	pub := NewPublisher(st, "operator")
	if err := pub.Publish(ctx, bus.ChannelControl, env); err != nil {
		t.Fatalf("Publish() error=%v", err)
	}

	select {
	case got := <-received:
		if got.Type != bus.TypeControl {
			t.Errorf("delivered type got=%#v", got.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber stalled after a malformed payload")
	}
}

func TestSubscriber_ReadySignalsLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := NewSubscriber(st, "registry-1", 1, bus.ChannelControl)
	if sub.Ready() {
		t.Fatalf("subscriber reports ready before Start")
	}

	done := make(chan error, 1)
	go func() {
		done <- sub.Start(ctx, func(context.Context, string, *bus.Envelope) error { return nil })
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !sub.Ready() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !sub.Ready() {
		t.Fatalf("subscriber never became ready")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber did not stop on context cancel")
	}
	if sub.Ready() {
		t.Errorf("subscriber still ready after stop")
	}
}
