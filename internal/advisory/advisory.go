// Package advisory talks to the external decision provider that suggests trade
// direction, reviews promotions and may request an emergency exit. Every failure
// degrades to a safe default: HOLD, not approved, no exit.
package advisory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"capital-autopilot-go/internal/config"
	"capital-autopilot-go/internal/models"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ErrUnavailable wraps every transport, status or decoding failure.
var ErrUnavailable = errors.New("advisory provider unavailable")

// Action is the closed set of trade decisions.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
	ActionSkip Action = "SKIP"
)

// ParseAction maps the provider's free-form decision onto the closed set.
// Anything unrecognized is HOLD.
func ParseAction(s string) Action {
	switch Action(strings.ToUpper(strings.TrimSpace(s))) {
	case ActionBuy:
		return ActionBuy
	case ActionSell:
		return ActionSell
	case ActionSkip:
		return ActionSkip
	default:
		return ActionHold
	}
}

// Side returns the position side an actionable decision opens.
func (a Action) Side() (models.Side, bool) {
	switch a {
	case ActionBuy:
		return models.SideLong, true
	case ActionSell:
		return models.SideShort, true
	}
	return "", false
}

// TradeDecision is an entry suggestion.
type TradeDecision struct {
	Action     Action  `json:"decision"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Hold is the safe default decision.
func Hold(reason string) TradeDecision {
	return TradeDecision{Action: ActionHold, Reasoning: reason}
}

// PromotionOpinion is the qualitative review of a bot that passed the hard filter.
type PromotionOpinion struct {
	Approved  bool   `json:"approved"`
	Reasoning string `json:"reasoning"`
}

// ExitOpinion is the provider's answer to an emergency exit query.
type ExitOpinion struct {
	ExitNow   bool   `json:"exit_now"`
	Reasoning string `json:"reasoning"`
}

// BotContext is what the provider sees of a bot.
type BotContext struct {
	BotID        string             `json:"bot_id"`
	Exchange     string             `json:"exchange"`
	Pair         string             `json:"pair"`
	RiskProfile  models.RiskProfile `json:"risk_profile"`
	TradingMode  models.TradingMode `json:"trading_mode"`
	Capital      float64            `json:"capital"`
	TotalProfit  float64            `json:"total_profit"`
	TradesCount  int                `json:"trades_count"`
	WinRate      float64            `json:"win_rate"`
	MaxDrawdown  float64            `json:"max_drawdown"`
	DaysInPaper  float64            `json:"days_in_paper"`
	CurrentPrice float64            `json:"current_price,omitempty"`
}

// NewBotContext summarizes a bot for the provider.
func NewBotContext(bot *models.Bot, price float64, now time.Time) BotContext {
	return BotContext{
		BotID:        bot.ID,
		Exchange:     bot.Exchange,
		Pair:         bot.Pair,
		RiskProfile:  bot.RiskProfile,
		TradingMode:  bot.TradingMode,
		Capital:      bot.CurrentCapital,
		TotalProfit:  bot.TotalProfit,
		TradesCount:  bot.TradesCount,
		WinRate:      bot.WinRate(),
		MaxDrawdown:  bot.MaxDrawdown,
		DaysInPaper:  now.Sub(bot.PaperStartedAt).Hours() / 24,
		CurrentPrice: price,
	}
}

// PositionContext is what the provider sees of an open position.
type PositionContext struct {
	PositionID    string      `json:"position_id"`
	BotID         string      `json:"bot_id"`
	Pair          string      `json:"pair"`
	Side          models.Side `json:"side"`
	EntryPrice    float64     `json:"entry_price"`
	CurrentPrice  float64     `json:"current_price"`
	UnrealizedPct float64     `json:"unrealized_pct"`
	HeldFor       string      `json:"held_for"`
}

// Provider is the contract the control loop, the exit engine and the promotion gate depend on.
type Provider interface {
	TradeDecision(ctx context.Context, bc BotContext) (TradeDecision, error)
	PromotionOpinion(ctx context.Context, bc BotContext) (PromotionOpinion, error)
	EmergencyExit(ctx context.Context, pc PositionContext) (ExitOpinion, error)
}

// Client is the REST implementation of Provider.
type Client struct {
	client        *resty.Client
	logger        *zap.Logger
	minConfidence float64
}

var _ Provider = (*Client)(nil)

// NewClient creates a client for the configured provider.
func NewClient(cfg config.Advisory, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &Client{
		client:        client,
		logger:        logger.Named("advisory"),
		minConfidence: cfg.MinConfidence,
	}
}

// post sends one request. Advisory calls are never retried within a cycle.
func (c *Client) post(ctx context.Context, path string, body, result interface{}) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(result).
		Post(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: %s returned %s", ErrUnavailable, path, resp.Status())
	}
	return nil
}

// TradeDecision asks for an entry decision. Low-confidence and unknown answers become HOLD.
// On error the returned decision is still a usable HOLD.
func (c *Client) TradeDecision(ctx context.Context, bc BotContext) (TradeDecision, error) {
	var raw struct {
		Decision   string  `json:"decision"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	}
	if err := c.post(ctx, "/v1/decisions/trade", bc, &raw); err != nil {
		c.logger.Warn("Trade decision unavailable, holding", zap.String("bot_id", bc.BotID), zap.Error(err))
		return Hold("advisory unavailable"), err
	}

	d := TradeDecision{Action: ParseAction(raw.Decision), Confidence: raw.Confidence, Reasoning: raw.Reasoning}
	if _, actionable := d.Action.Side(); actionable && d.Confidence < c.minConfidence {
		d = TradeDecision{
			Action:     ActionHold,
			Confidence: raw.Confidence,
			Reasoning:  fmt.Sprintf("confidence %.2f below %.2f", raw.Confidence, c.minConfidence),
		}
	}
	return d, nil
}

// PromotionOpinion asks whether a bot may become a candidate. Errors mean not approved.
func (c *Client) PromotionOpinion(ctx context.Context, bc BotContext) (PromotionOpinion, error) {
	var op PromotionOpinion
	if err := c.post(ctx, "/v1/opinions/promotion", bc, &op); err != nil {
		c.logger.Warn("Promotion opinion unavailable", zap.String("bot_id", bc.BotID), zap.Error(err))
		return PromotionOpinion{Reasoning: "advisory unavailable"}, err
	}
	return op, nil
}

// EmergencyExit asks whether a losing position should be closed now. Errors mean no exit.
func (c *Client) EmergencyExit(ctx context.Context, pc PositionContext) (ExitOpinion, error) {
	var op ExitOpinion
	if err := c.post(ctx, "/v1/opinions/emergency-exit", pc, &op); err != nil {
		c.logger.Warn("Emergency exit opinion unavailable", zap.String("position_id", pc.PositionID), zap.Error(err))
		return ExitOpinion{Reasoning: "advisory unavailable"}, err
	}
	return op, nil
}
