package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestEventEncoding(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	data, err := json.Marshal(Event{Type: TypePresence, GroupID: "g1", ActiveUserCount: Count(0), At: at})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"presence","group_id":"g1","active_user_count":0,"at":"2026-01-02T03:04:05Z"}`
	if string(data) != want {
		t.Fatalf("got  %s\nwant %s", data, want)
	}

	data, _ = json.Marshal(Event{Type: TypeEnded, GroupID: "g1", At: at})
	if want := `{"type":"ended","group_id":"g1","at":"2026-01-02T03:04:05Z"}`; string(data) != want {
		t.Fatalf("got  %s\nwant %s", data, want)
	}
}

func TestConnectNATSUnreachable(t *testing.T) {
	if _, err := ConnectNATS("nats://127.0.0.1:1", "groups-test", zerolog.Nop()); err == nil {
		t.Fatal("expected a dial error")
	}
}
