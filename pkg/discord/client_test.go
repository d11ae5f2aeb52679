package discord

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onurcolak/link-relay/environments"
	"github.com/onurcolak/link-relay/internal/domain"
)

func newTestClient(serverURL string) *Client {
	return NewClient(environments.DiscordConfig{
		APIBase:       serverURL,
		BotToken:      "bot-token",
		Timeout:       time.Second,
		MaxUploadSize: 1024,
	})
}

func TestExecuteWebhook_JSONPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/webhooks/111/tok" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("wait") != "true" {
			t.Errorf("expected wait=true")
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		if body["content"] != "hello https://affiliate.example/x" {
			t.Errorf("unexpected content %v", body["content"])
		}
		if body["username"] != "alice" || body["avatar_url"] != "https://cdn.example/a.png" {
			t.Errorf("author identity not forwarded: %v", body)
		}
		mentions, _ := body["allowed_mentions"].(map[string]any)
		if parse, ok := mentions["parse"].([]any); !ok || len(parse) != 0 {
			t.Errorf("expected mentions to be disabled, got %v", body["allowed_mentions"])
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"999"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	handle := domain.WebhookHandle{ChannelID: "c1", WebhookID: "111", Token: "tok"}

	id, err := client.ExecuteWebhook(context.Background(), handle, WebhookMessage{
		Content:   "hello https://affiliate.example/x",
		Username:  "alice",
		AvatarURL: "https://cdn.example/a.png",
	})
	if err != nil {
		t.Fatalf("ExecuteWebhook returned error: %v", err)
	}
	if id != "999" {
		t.Fatalf("expected message id 999, got %q", id)
	}
}

func TestExecuteWebhook_MultipartWithFiles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("expected multipart body: %v", err)
			return
		}
		if !strings.Contains(r.FormValue("payload_json"), `"filename":"cat.png"`) {
			t.Errorf("payload_json does not reference the attachment: %s", r.FormValue("payload_json"))
		}

		file, header, err := r.FormFile("files[0]")
		if err != nil {
			t.Errorf("missing files[0]: %v", err)
			return
		}
		defer file.Close()

		data, _ := io.ReadAll(file)
		if header.Filename != "cat.png" || string(data) != "png-bytes" {
			t.Errorf("unexpected file %s %q", header.Filename, data)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1000"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	handle := domain.WebhookHandle{WebhookID: "111", Token: "tok"}

	id, err := client.ExecuteWebhook(context.Background(), handle, WebhookMessage{
		Content: "see attachment",
		Files:   []File{{Name: "cat.png", ContentType: "image/png", Data: []byte("png-bytes")}},
	})
	if err != nil {
		t.Fatalf("ExecuteWebhook returned error: %v", err)
	}
	if id != "1000" {
		t.Fatalf("expected message id 1000, got %q", id)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   error
	}{
		{status: http.StatusForbidden, body: `{"message":"Missing Permissions","code":50013}`, want: domain.ErrPermissionDenied},
		{status: http.StatusNotFound, body: `{"message":"Unknown Message","code":10008}`, want: domain.ErrNotFound},
	}

	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tt.status)
			_, _ = w.Write([]byte(tt.body))
		}))

		err := newTestClient(server.URL).DeleteMessage(context.Background(), "c1", "m1")
		server.Close()

		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: expected %v, got %v", tt.status, tt.want, err)
		}
	}
}

func TestRateLimitReadsRetryAfterFromBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"You are being rate limited.","retry_after":1.5,"global":false}`))
	}))
	defer server.Close()

	err := newTestClient(server.URL).EditMessage(context.Background(), "c1", "m1", "text")

	rl, ok := domain.IsRateLimited(err)
	if !ok {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rl.RetryAfter != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s, got %v", rl.RetryAfter)
	}
}

func TestListWebhooks_SkipsTokenless(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bot bot-token" {
			t.Errorf("missing bot authorization")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id":"1","channel_id":"c1","name":"Link Relay","token":"t1"},
			{"id":"2","channel_id":"c1","name":"Follower"}
		]`))
	}))
	defer server.Close()

	handles, err := newTestClient(server.URL).ListWebhooks(context.Background(), "c1")
	if err != nil {
		t.Fatalf("ListWebhooks returned error: %v", err)
	}
	if len(handles) != 1 || handles[0].WebhookID != "1" || handles[0].Name != "Link Relay" {
		t.Fatalf("unexpected handles %+v", handles)
	}
}

func TestDownloadAttachment_RejectsOversized(t *testing.T) {
	client := newTestClient("http://unused")

	_, err := client.DownloadAttachment(context.Background(), domain.Attachment{
		Filename: "big.bin",
		URL:      "http://unused/big.bin",
		Size:     4096,
	})
	if !errors.Is(err, ErrAttachmentTooLarge) {
		t.Fatalf("expected ErrAttachmentTooLarge, got %v", err)
	}
}

func TestDownloadAttachment_DoesNotSendBotToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Errorf("bot token leaked to attachment host")
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("hello"))
	}))
	defer server.Close()

	file, err := newTestClient(server.URL).DownloadAttachment(context.Background(), domain.Attachment{
		Filename: "a.txt",
		URL:      server.URL + "/a.txt",
		Size:     5,
	})
	if err != nil {
		t.Fatalf("DownloadAttachment returned error: %v", err)
	}
	if string(file.Data) != "hello" || file.ContentType != "text/plain" {
		t.Fatalf("unexpected file %+v", file)
	}
}

func TestParseWebhookURL(t *testing.T) {
	id, token, err := ParseWebhookURL("https://discord.com/api/webhooks/123456789/abc-DEF_ghi")
	if err != nil {
		t.Fatalf("ParseWebhookURL returned error: %v", err)
	}
	if id != "123456789" || token != "abc-DEF_ghi" {
		t.Fatalf("unexpected id/token %q %q", id, token)
	}

	for _, raw := range []string{"", "http://discord.com/api/webhooks/1/t", "https://discord.com/api/webhooks/abc/t", "https://discord.com/api/channels/1"} {
		if _, _, err := ParseWebhookURL(raw); !errors.Is(err, ErrInvalidWebhookURL) {
			t.Errorf("%q: expected ErrInvalidWebhookURL, got %v", raw, err)
		}
	}
}

func TestMessageExists(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("unexpected method %s", r.Method)
		}
		switch r.URL.Path {
		case "/channels/c1/messages/live":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"live"}`))
		case "/channels/c1/messages/gone":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Unknown Message","code":10008}`))
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	if ok, err := client.MessageExists(context.Background(), "c1", "live"); err != nil || !ok {
		t.Fatalf("expected live message to exist, got %v %v", ok, err)
	}
	if ok, err := client.MessageExists(context.Background(), "c1", "gone"); err != nil || ok {
		t.Fatalf("expected deleted message to be reported gone, got %v %v", ok, err)
	}
	if _, err := client.MessageExists(context.Background(), "c1", "hidden"); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestDeleteMessage_TimedOutAttemptIsRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			select {
			case <-time.After(300 * time.Millisecond):
			case <-r.Context().Done():
			}
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(environments.DiscordConfig{
		APIBase:  server.URL,
		BotToken: "bot-token",
		Timeout:  100 * time.Millisecond,
	})

	if err := client.DeleteMessage(context.Background(), "c1", "m1"); err != nil {
		t.Fatalf("DeleteMessage returned error: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected 2 attempts, got %d", n)
	}
}
