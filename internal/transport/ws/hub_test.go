package ws

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/onem2m/cse/internal/m2m"
)

func newTestClient(hub *Hub, originator string) *Client {
	return &Client{
		Originator: originator,
		Send:       make(chan []byte, 16),
		hub:        hub,
	}
}

func TestRegisterAndDeliver(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient(hub, "Cae1")
	hub.Register(client)

	if hub.ClientCount() != 1 {
		t.Fatalf("clients = %d", hub.ClientCount())
	}

	n := &m2m.Notification{SUR: "/id-in/sub1"}
	rsc, err := hub.Deliver("ws://Cae1", n.Wrap())
	if err != nil || rsc != m2m.RSCOK {
		t.Fatalf("deliver = %d, %v", rsc, err)
	}

	select {
	case data := <-client.Send:
		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		sgn, ok := payload["m2m:sgn"].(map[string]any)
		if !ok || sgn["sur"] != "/id-in/sub1" {
			t.Fatalf("payload = %v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("client did not receive notification")
	}
}

func TestDeliverToUnknownOriginator(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	rsc, err := hub.Deliver("ws://nobody", map[string]any{})
	if err == nil || rsc != m2m.RSCTargetNotReachable {
		t.Fatalf("deliver = %d, %v", rsc, err)
	}
	if !m2m.IsRSC(err, m2m.RSCTargetNotReachable) {
		t.Fatalf("err = %v", err)
	}
}

func TestUnregisterClosesSendChannel(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient(hub, "Cae1")
	hub.Register(client)
	hub.Unregister(client)

	if hub.ClientCount() != 0 {
		t.Fatalf("clients = %d", hub.ClientCount())
	}
	if _, open := <-client.Send; open {
		t.Fatal("send channel still open")
	}
	// A second unregister must be harmless.
	hub.Unregister(client)
}

func TestReplacingConnectionClosesOldOne(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	old := newTestClient(hub, "Cae1")
	hub.Register(old)
	fresh := newTestClient(hub, "Cae1")
	hub.Register(fresh)

	if hub.ClientCount() != 1 {
		t.Fatalf("clients = %d", hub.ClientCount())
	}
	if _, open := <-old.Send; open {
		t.Fatal("old connection still open")
	}
	if rsc, err := hub.Deliver("ws://Cae1", map[string]any{}); err != nil || rsc != m2m.RSCOK {
		t.Fatalf("deliver to fresh = %d, %v", rsc, err)
	}
}
