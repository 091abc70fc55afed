package signal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type mockSubscriber struct {
	mu       sync.Mutex
	name     string
	received []Signal
	err      error
}

func (m *mockSubscriber) Name() string { return m.name }

func (m *mockSubscriber) Handle(_ context.Context, sig Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, sig)
	return m.err
}

func (m *mockSubscriber) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.received)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBus_FanOut(t *testing.T) {
	bus := NewBus(BusConfig{QueueSize: 16, Workers: 2, PollInterval: 5 * time.Millisecond}, nil)
	a := &mockSubscriber{name: "a"}
	b := &mockSubscriber{name: "b", err: errors.New("sink down")}
	bus.Subscribe(a)
	bus.Subscribe(b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)

	for i := 0; i < 5; i++ {
		if err := bus.Publish(ctx, New(RuleCreated, "rule-1", nil)); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	waitFor(t, func() bool { return a.count() == 5 && b.count() == 5 })
	bus.Stop()

	m := bus.Metrics()
	if m.Delivered != 5 {
		t.Errorf("Delivered = %d, want 5", m.Delivered)
	}
	if m.Failed != 5 {
		t.Errorf("Failed = %d, want 5", m.Failed)
	}
}

func TestBus_StopDrainsQueue(t *testing.T) {
	bus := NewBus(BusConfig{QueueSize: 16, Workers: 1, PollInterval: time.Millisecond}, nil)
	sub := &mockSubscriber{name: "sub"}
	bus.Subscribe(sub)

	for i := 0; i < 3; i++ {
		_ = bus.Publish(context.Background(), New(WorkflowExecuted, "exec", nil))
	}

	bus.Start(context.Background())
	bus.Stop()

	if sub.count() != 3 {
		t.Errorf("received %d signals, want 3", sub.count())
	}
	if err := bus.Publish(context.Background(), New(RuleDeleted, "r", nil)); err == nil {
		t.Error("Publish() after Stop should fail")
	}
}

func TestBus_PublishFullQueue(t *testing.T) {
	bus := NewBus(BusConfig{QueueSize: 1, Workers: 1}, nil)

	if err := bus.Publish(context.Background(), New(RuleCreated, "1", nil)); err != nil {
		t.Fatalf("first Publish() error = %v", err)
	}
	if err := bus.Publish(context.Background(), New(RuleCreated, "2", nil)); err == nil {
		t.Error("expected error publishing to a full queue")
	}
	if got := bus.Metrics().Queue.Dropped; got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
}

func TestBus_SubscriberPanicIsContained(t *testing.T) {
	bus := NewBus(BusConfig{QueueSize: 4, Workers: 1, PollInterval: time.Millisecond}, nil)
	bus.Subscribe(SubscriberFunc{ID: "panics", Fn: func(context.Context, Signal) error {
		panic("boom")
	}})
	ok := &mockSubscriber{name: "ok"}
	bus.Subscribe(ok)

	bus.Start(context.Background())
	_ = bus.Publish(context.Background(), New(ExtensionInstalled, "ext", nil))
	waitFor(t, func() bool { return ok.count() == 1 })
	bus.Stop()

	if bus.Metrics().Failed != 1 {
		t.Errorf("Failed = %d, want 1", bus.Metrics().Failed)
	}
}

func TestOrDiscard(t *testing.T) {
	if OrDiscard(nil) != Discard {
		t.Error("OrDiscard(nil) should return Discard")
	}
	bus := NewBus(DefaultBusConfig(), nil)
	if OrDiscard(bus) != Publisher(bus) {
		t.Error("OrDiscard should return non-nil publishers unchanged")
	}
}
