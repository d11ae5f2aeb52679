package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/onurcolak/link-relay/environments"
	"github.com/onurcolak/link-relay/pkg/discord"
)

// channelServer keeps the live messages of channel c1 and serves the REST
// calls the relay makes. Its DELETE applies and then answers 502, the way a
// gateway error after a committed write looks to the client.
type channelServer struct {
	mu   sync.Mutex
	live map[string]bool
}

func (s *channelServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/channels/c1/webhooks":
		_, _ = w.Write([]byte(`[{"id":"111","channel_id":"c1","name":"Link Relay","token":"tok"}]`))
	case r.Method == http.MethodPost && r.URL.Path == "/webhooks/111/tok":
		s.live["new-1"] = true
		_, _ = w.Write([]byte(`{"id":"new-1"}`))
	case r.Method == http.MethodDelete && r.URL.Path == "/channels/c1/messages/m1":
		if !s.live["m1"] {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Unknown Message","code":10008}`))
			return
		}
		delete(s.live, "m1")
		w.WriteHeader(http.StatusBadGateway)
	case r.Method == http.MethodGet && r.URL.Path == "/channels/c1/messages/m1":
		if !s.live["m1"] {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Unknown Message","code":10008}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"m1"}`))
	case r.Method == http.MethodDelete && r.URL.Path == "/webhooks/111/tok/messages/new-1":
		delete(s.live, "new-1")
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *channelServer) isLive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[id]
}

func TestRelay_DeleteAppliedBehindGatewayErrorKeepsRepost(t *testing.T) {
	state := &channelServer{live: map[string]bool{"m1": true}}
	server := httptest.NewServer(state)
	defer server.Close()

	client := discord.NewClient(environments.DiscordConfig{
		APIBase:  server.URL,
		BotToken: "bot-token",
		Timeout:  time.Second,
	})
	r := NewRelayer(client, passthroughDispatcher{}, nil, nil, Options{WebhookName: "Link Relay"})

	res, err := r.Relay(context.Background(), testMessage(), "check https://affiliate.example/x", nil)
	if err != nil {
		t.Fatalf("Relay returned error: %v", err)
	}
	if res.NewMessageID != "new-1" {
		t.Fatalf("unexpected result %+v", res)
	}

	if state.isLive("m1") {
		t.Fatalf("original should be gone")
	}
	if !state.isLive("new-1") {
		t.Fatalf("repost was removed although it is the only copy of the message")
	}
}
