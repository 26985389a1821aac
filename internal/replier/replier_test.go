package replier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/replyops/replygate/internal/bus"
	"github.com/replyops/replygate/internal/config"
)

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(config.ReplierConfig{}); err == nil {
		t.Error("empty base_url accepted")
	}
}

func sampleInbound() bus.InboundMessage {
	return bus.InboundMessage{
		Channel:                "telegram",
		TenantID:               "default",
		ExternalMessageID:      "42",
		ExternalConversationID: "1001",
		SenderName:             "Ada",
		Text:                   "where is my order?",
		Timestamp:              1700000000000,
	}
}

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internal/replies/generate" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("X-Internal-Secret"); got != "shh" {
			t.Errorf("X-Internal-Secret = %q", got)
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.TenantID != "default" || req.Channel != "telegram" || req.Text != "where is my order?" {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(Candidate{
			Reply:  "it ships tomorrow",
			Intent: "order_status",
		})
	}))
	defer srv.Close()

	c, err := NewClient(config.ReplierConfig{BaseURL: srv.URL, InternalSecret: "shh"})
	if err != nil {
		t.Fatal(err)
	}

	cand, err := c.Generate(context.Background(), sampleInbound())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if cand.Reply != "it ships tomorrow" || cand.Intent != "order_status" {
		t.Errorf("candidate = %+v", cand)
	}
}

func TestGenerateNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _ := NewClient(config.ReplierConfig{BaseURL: srv.URL})
	if _, err := c.Generate(context.Background(), sampleInbound()); err == nil {
		t.Error("503 response produced no error")
	}
}

func TestGenerateEmptyReplyRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Candidate{Reply: "", Intent: "faq"})
	}))
	defer srv.Close()

	c, _ := NewClient(config.ReplierConfig{BaseURL: srv.URL})
	if _, err := c.Generate(context.Background(), sampleInbound()); err == nil {
		t.Error("empty reply accepted")
	}
}
