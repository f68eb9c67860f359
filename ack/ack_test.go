package ack

import (
	"testing"
	"time"
)

func TestManagerRegisterComplete(t *testing.T) {
	m := NewManager(0)
	defer m.Close()

	w := m.Register("client-1", 1, "payload")
	if w == nil {
		t.Fatal("Register should return a non-nil Wait")
	}
	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", m.Len())
	}

	v, ok := m.Complete("client-1", 1)
	if !ok || v != "payload" {
		t.Errorf("Complete = (%v, %v), want (payload, true)", v, ok)
	}
	select {
	case <-w.Signal:
	default:
		t.Error("Complete should close the Wait's Signal channel")
	}
	if m.Len() != 0 {
		t.Errorf("Len() after Complete = %d, want 0", m.Len())
	}

	if _, ok := m.Complete("client-1", 1); ok {
		t.Error("Complete on an already-resolved key should report ok=false")
	}
}

// Scenario G: a QoS 1 publish registers a wait and is resolved exactly
// once when the matching PUBACK arrives.
func TestManagerQoS1AckFlow(t *testing.T) {
	m := NewManager(0)
	defer m.Close()

	type pendingPublish struct {
		topic   string
		payload []byte
	}
	pub := pendingPublish{topic: "a/b", payload: []byte("hello")}
	w := m.Register("client-1", 42, pub)

	done := make(chan struct{})
	go func() {
		<-w.Signal
		close(done)
	}()

	v, ok := m.Complete("client-1", 42)
	if !ok {
		t.Fatal("Complete should succeed for the registered pkid")
	}
	got := v.(pendingPublish)
	if got.topic != pub.topic || string(got.payload) != string(pub.payload) {
		t.Errorf("Complete returned %+v, want %+v", got, pub)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter never observed the ack signal")
	}
}

func TestManagerRegisterEvictsPriorWait(t *testing.T) {
	m := NewManager(0)
	defer m.Close()

	first := m.Register("c", 1, "first")
	second := m.Register("c", 1, "second")

	select {
	case <-first.Signal:
	default:
		t.Error("re-registering the same key should close the prior Wait's Signal")
	}
	v, ok := m.Complete("c", 1)
	if !ok || v != "second" {
		t.Errorf("Complete after re-register = (%v, %v), want (second, true)", v, ok)
	}
	_ = second
}

func TestManagerPeekDoesNotComplete(t *testing.T) {
	m := NewManager(0)
	defer m.Close()

	m.Register("c", 1, "v")
	v, ok := m.Peek("c", 1)
	if !ok || v != "v" {
		t.Fatalf("Peek = (%v, %v), want (v, true)", v, ok)
	}
	if m.Len() != 1 {
		t.Errorf("Peek should not remove the wait, Len() = %d", m.Len())
	}
	// Still completable afterward (models the QoS 2 PUBREL step reading
	// the buffered PUBLISH before acknowledging it).
	if _, ok := m.Complete("c", 1); !ok {
		t.Error("Complete after Peek should still succeed")
	}
}

func TestManagerMarkRetryIncrements(t *testing.T) {
	m := NewManager(0)
	defer m.Close()

	m.Register("c", 1, nil)
	if n, ok := m.MarkRetry("c", 1); !ok || n != 1 {
		t.Errorf("first MarkRetry = (%d, %v), want (1, true)", n, ok)
	}
	if n, ok := m.MarkRetry("c", 1); !ok || n != 2 {
		t.Errorf("second MarkRetry = (%d, %v), want (2, true)", n, ok)
	}
	if _, ok := m.MarkRetry("c", 999); ok {
		t.Error("MarkRetry on an unknown key should report ok=false")
	}
}

func TestManagerClearClientRemovesOnlyThatClient(t *testing.T) {
	m := NewManager(0)
	defer m.Close()

	wa := m.Register("a", 1, nil)
	m.Register("a", 2, nil)
	wb := m.Register("b", 1, nil)

	m.ClearClient("a")

	if m.Len() != 1 {
		t.Fatalf("Len() after ClearClient = %d, want 1", m.Len())
	}
	if _, ok := m.Peek("b", 1); !ok {
		t.Error("ClearClient(a) should not remove b's waits")
	}
	for _, w := range []*Wait{wa, wb} {
		_ = w
	}
	select {
	case <-wa.Signal:
	default:
		t.Error("ClearClient should close the signal for every wait it removes")
	}
	select {
	case <-wb.Signal:
		t.Error("ClearClient(a) should not close b's signal")
	default:
	}
}

func TestManagerSweepReclaimsExpiredWaits(t *testing.T) {
	m := NewManager(20 * time.Millisecond)
	defer m.Close()

	w := m.Register("c", 1, "v")
	select {
	case <-w.Signal:
		t.Fatal("wait should not be closed immediately after Register")
	case <-time.After(5 * time.Millisecond):
	}

	select {
	case <-w.Signal:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("sweeper never reclaimed the expired wait")
	}
	if _, ok := m.Peek("c", 1); ok {
		t.Error("swept wait should be removed from the table")
	}
}

func TestManagerCloseIsIdempotent(t *testing.T) {
	m := NewManager(time.Millisecond)
	m.Close()
	m.Close()
}
