package advisory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"capital-autopilot-go/internal/config"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// setupTestServer creates a test server and a Client configured to use it.
func setupTestServer(handler http.Handler) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	client := NewClient(config.Advisory{
		BaseURL:       server.URL,
		APIKey:        "token",
		Timeout:       2 * time.Second,
		MinConfidence: 0.7,
	}, zap.NewNop())
	return client, server
}

func respondJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

func TestParseAction(t *testing.T) {
	assert.Equal(t, ActionBuy, ParseAction("buy"))
	assert.Equal(t, ActionSell, ParseAction(" SELL "))
	assert.Equal(t, ActionSkip, ParseAction("skip"))
	assert.Equal(t, ActionHold, ParseAction("HOLD"))
	assert.Equal(t, ActionHold, ParseAction("strong buy"))
	assert.Equal(t, ActionHold, ParseAction(""))

	_, ok := ActionHold.Side()
	assert.False(t, ok)
	side, ok := ActionSell.Side()
	assert.True(t, ok)
	assert.Equal(t, "short", string(side))
}

func TestTradeDecision(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/decisions/trade", r.URL.Path)
			assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
			var bc BotContext
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&bc))
			assert.Equal(t, "bot-1", bc.BotID)
			respondJSON(w, map[string]interface{}{"decision": "BUY", "confidence": 0.82, "reasoning": "trend"})
		})
		client, server := setupTestServer(handler)
		defer server.Close()

		d, err := client.TradeDecision(context.Background(), BotContext{BotID: "bot-1"})
		assert.NoError(t, err)
		assert.Equal(t, ActionBuy, d.Action)
		assert.Equal(t, 0.82, d.Confidence)
	})

	t.Run("LowConfidenceHolds", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			respondJSON(w, map[string]interface{}{"decision": "SELL", "confidence": 0.5})
		})
		client, server := setupTestServer(handler)
		defer server.Close()

		d, err := client.TradeDecision(context.Background(), BotContext{BotID: "bot-1"})
		assert.NoError(t, err)
		assert.Equal(t, ActionHold, d.Action)
		assert.Contains(t, d.Reasoning, "below")
	})

	t.Run("ServerErrorHolds", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		client, server := setupTestServer(handler)
		defer server.Close()

		d, err := client.TradeDecision(context.Background(), BotContext{BotID: "bot-1"})
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Equal(t, ActionHold, d.Action)
	})

	t.Run("TimeoutHolds", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
			respondJSON(w, map[string]interface{}{"decision": "BUY", "confidence": 0.9})
		})
		client, server := setupTestServer(handler)
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		d, err := client.TradeDecision(ctx, BotContext{BotID: "bot-1"})
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Equal(t, ActionHold, d.Action)
	})
}

func TestPromotionOpinion(t *testing.T) {
	t.Run("Approved", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/opinions/promotion", r.URL.Path)
			respondJSON(w, PromotionOpinion{Approved: true, Reasoning: "consistent"})
		})
		client, server := setupTestServer(handler)
		defer server.Close()

		op, err := client.PromotionOpinion(context.Background(), BotContext{BotID: "bot-1"})
		assert.NoError(t, err)
		assert.True(t, op.Approved)
	})

	t.Run("UnavailableRejects", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		client, server := setupTestServer(handler)
		defer server.Close()

		op, err := client.PromotionOpinion(context.Background(), BotContext{BotID: "bot-1"})
		assert.Error(t, err)
		assert.False(t, op.Approved)
	})
}

func TestEmergencyExit(t *testing.T) {
	t.Run("ExitNow", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/opinions/emergency-exit", r.URL.Path)
			respondJSON(w, ExitOpinion{ExitNow: true, Reasoning: "breakdown"})
		})
		client, server := setupTestServer(handler)
		defer server.Close()

		op, err := client.EmergencyExit(context.Background(), PositionContext{PositionID: "p1"})
		assert.NoError(t, err)
		assert.True(t, op.ExitNow)
	})

	t.Run("UnavailableNeverExits", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		client, server := setupTestServer(handler)
		defer server.Close()

		op, err := client.EmergencyExit(context.Background(), PositionContext{PositionID: "p1"})
		assert.Error(t, err)
		assert.False(t, op.ExitNow)
	})
}
