package collab

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func recvMessage(t *testing.T, c *client) *Message {
	t.Helper()
	select {
	case data, ok := <-c.send:
		if !ok {
			t.Fatal("send channel closed")
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("bad frame %q: %v", data, err)
		}
		return &msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func expectSilence(t *testing.T, c *client) {
	t.Helper()
	select {
	case data, ok := <-c.send:
		if ok {
			t.Fatalf("unexpected message: %s", data)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func mustRegister(t *testing.T, h *Hub, c *client) {
	t.Helper()
	if err := h.Register(c); err != nil {
		t.Fatalf("register %s: %v", c.id, err)
	}
}

func TestHubRelaysToOthersOnly(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := NewHub(10)
	go h.Run()
	defer h.Stop()

	alice, bob, carol := newClient("alice"), newClient("bob"), newClient("carol")
	mustRegister(t, h, alice)
	mustRegister(t, h, bob)
	mustRegister(t, h, carol)

	if err := h.Submit(alice, []byte(`{"action":"chat","payload":{"text":"hi"}}`)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	for _, c := range []*client{bob, carol} {
		msg := recvMessage(t, c)
		if msg.Action != "chat" {
			t.Errorf("%s got action %q, want chat", c.id, msg.Action)
		}
		if msg.Sender != "alice" {
			t.Errorf("%s got sender %q, want alice", c.id, msg.Sender)
		}
		if msg.Timestamp == 0 {
			t.Errorf("%s got no timestamp", c.id)
		}
	}
	expectSilence(t, alice)
}

func TestHubRejectsMalformedToSenderOnly(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := NewHub(10)
	go h.Run()
	defer h.Stop()

	alice, bob := newClient("alice"), newClient("bob")
	mustRegister(t, h, alice)
	mustRegister(t, h, bob)

	if err := h.Submit(alice, []byte(`{broken`)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	msg := recvMessage(t, alice)
	if msg.Action != ActionError {
		t.Errorf("sender got action %q, want %q", msg.Action, ActionError)
	}
	expectSilence(t, bob)

	if stats := h.Stats(); stats.Rejected != 1 || stats.Relayed != 0 {
		t.Errorf("stats = %+v, want 1 rejected, 0 relayed", stats)
	}
}

func TestHubBroadcastOrderPreserved(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := NewHub(0)
	go h.Run()
	defer h.Stop()

	alice, bob := newClient("alice"), newClient("bob")
	mustRegister(t, h, alice)
	mustRegister(t, h, bob)

	for i := 0; i < 20; i++ {
		frame := fmt.Sprintf(`{"action":"chat","payload":{"n":%d}}`, i)
		if err := h.Submit(alice, []byte(frame)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	for i := 0; i < 20; i++ {
		msg := recvMessage(t, bob)
		var payload struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if payload.N != i {
			t.Fatalf("message %d arrived out of order (n=%d)", i, payload.N)
		}
	}
}

func TestHubConflictDetection(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := NewHub(10)
	go h.Run()
	defer h.Stop()

	alice, bob := newClient("alice"), newClient("bob")
	mustRegister(t, h, alice)
	mustRegister(t, h, bob)

	// Fresh edit from alice takes doc.md to version 1.
	if err := h.Submit(alice, []byte(`{"action":"edit","resource":"doc.md","base_version":0}`)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	msg := recvMessage(t, bob)
	if msg.Version != 1 {
		t.Errorf("relayed edit version = %d, want 1", msg.Version)
	}

	// Bob edits against version 0: stale, but still relayed.
	if err := h.Submit(bob, []byte(`{"action":"edit","resource":"doc.md","base_version":0}`)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	notice := recvMessage(t, bob)
	if notice.Action != ActionConflict {
		t.Fatalf("bob got action %q, want %q", notice.Action, ActionConflict)
	}
	if notice.Resource != "doc.md" || notice.Version != 1 {
		t.Errorf("conflict notice = %+v, want doc.md at version 1", notice)
	}

	relayed := recvMessage(t, alice)
	if relayed.Action != ActionEdit || relayed.Sender != "bob" {
		t.Errorf("alice got %+v, want bob's edit relayed", relayed)
	}

	if stats := h.Stats(); stats.Conflicts != 1 {
		t.Errorf("conflicts = %d, want 1", stats.Conflicts)
	}
}

func TestHubHistoryReplay(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := NewHub(2)
	go h.Run()
	defer h.Stop()

	alice := newClient("alice")
	mustRegister(t, h, alice)

	for i := 0; i < 3; i++ {
		frame := fmt.Sprintf(`{"action":"chat","payload":{"n":%d}}`, i)
		if err := h.Submit(alice, []byte(frame)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	// Only the last two messages survive the history limit.
	late := newClient("late")
	mustRegister(t, h, late)

	for _, want := range []int{1, 2} {
		msg := recvMessage(t, late)
		var payload struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if payload.N != want {
			t.Errorf("replayed n = %d, want %d", payload.N, want)
		}
	}
	expectSilence(t, late)
}

func TestHubDropsSlowClient(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := NewHub(0)
	go h.Run()
	defer h.Stop()

	alice := newClient("alice")
	slow := &client{id: "slow", send: make(chan []byte, 1)}
	mustRegister(t, h, alice)
	mustRegister(t, h, slow)

	// The first frame fills slow's buffer; the second overflows it.
	for i := 0; i < 2; i++ {
		if err := h.Submit(alice, []byte(`{"action":"chat"}`)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.Stats().Dropped == 0 {
		if time.Now().After(deadline) {
			t.Fatal("slow client was never dropped")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if clients := h.Stats().Clients; clients != 1 {
		t.Errorf("clients = %d, want 1 after drop", clients)
	}

	// The hub closes a dropped client's channel.
	<-slow.send
	if _, ok := <-slow.send; ok {
		t.Error("expected slow client's channel to be closed")
	}
}

func TestHubStopRejectsNewWork(t *testing.T) {
	h := NewHub(0)
	go h.Run()
	h.Stop()

	if err := h.Register(newClient("late")); err != ErrHubStopped {
		t.Errorf("Register after stop = %v, want ErrHubStopped", err)
	}
	if err := h.Submit(newClient("late"), []byte(`{}`)); err != ErrHubStopped {
		t.Errorf("Submit after stop = %v, want ErrHubStopped", err)
	}
}
