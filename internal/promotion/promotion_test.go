package promotion

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"capital-autopilot-go/internal/advisory"
	"capital-autopilot-go/internal/config"
	"capital-autopilot-go/internal/database"
	"capital-autopilot-go/internal/events"
	"capital-autopilot-go/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockAdvisor is a mock implementation of advisory.Provider.
type MockAdvisor struct {
	mock.Mock
}

func (m *MockAdvisor) TradeDecision(ctx context.Context, bc advisory.BotContext) (advisory.TradeDecision, error) {
	args := m.Called(bc)
	return args.Get(0).(advisory.TradeDecision), args.Error(1)
}

func (m *MockAdvisor) PromotionOpinion(ctx context.Context, bc advisory.BotContext) (advisory.PromotionOpinion, error) {
	args := m.Called(bc)
	return args.Get(0).(advisory.PromotionOpinion), args.Error(1)
}

func (m *MockAdvisor) EmergencyExit(ctx context.Context, pc advisory.PositionContext) (advisory.ExitOpinion, error) {
	args := m.Called(pc)
	return args.Get(0).(advisory.ExitOpinion), args.Error(1)
}

type recordingPublisher struct{ events []events.Event }

func (p *recordingPublisher) Publish(ev events.Event) { p.events = append(p.events, ev) }

func setupTest(t *testing.T) (*Gate, *database.Store, *MockAdvisor, *recordingPublisher) {
	db, err := database.NewDatabase(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	store := database.NewStore(db)
	advisor := new(MockAdvisor)
	pub := &recordingPublisher{}
	cfg := config.Promotion{Interval: time.Hour, MinPaperDays: 7, MinTrades: 50, MinWinRate: 0.55, MaxDrawdown: 0.10}
	g := New(cfg, time.Second, store, advisor, pub, nil, zap.NewNop())
	return g, store, advisor, pub
}

// eligibleBot has 7 elapsed days, 50 trades, 60% win rate and 8% max drawdown.
func eligibleBot(t *testing.T, store *database.Store) *models.Bot {
	bot := &models.Bot{
		ID:             uuid.NewString(),
		UserID:         "u1",
		Name:           "paper-bot",
		Exchange:       "binance",
		Pair:           "BTC/USDT",
		InitialCapital: 1000,
		TradesCount:    50,
		WinCount:       30,
		LossCount:      20,
		MaxDrawdown:    0.08,
		PaperStartedAt: time.Now().Add(-7*24*time.Hour - time.Minute),
	}
	require.NoError(t, store.CreateBot(context.Background(), bot))
	return bot
}

func TestEvaluate_PromotesOnApproval(t *testing.T) {
	g, store, advisor, pub := setupTest(t)
	ctx := context.Background()
	bot := eligibleBot(t, store)
	advisor.On("PromotionOpinion", mock.Anything).Return(advisory.PromotionOpinion{Approved: true, Reasoning: "steady"}, nil)

	res, err := g.Evaluate(ctx, bot)
	require.NoError(t, err)
	assert.True(t, res.Promoted)
	assert.Equal(t, OutcomePromoted, res.Outcome)

	got, _ := store.GetBot(ctx, bot.ID)
	assert.Equal(t, models.ModeCandidate, got.TradingMode)
	assert.NotNil(t, got.PromotedAt)
	require.Len(t, pub.events, 1)
	assert.Equal(t, events.BotPromoted, pub.events[0].Type)
	advisor.AssertExpectations(t)
}

func TestEvaluate_HardFilterNeverConsultsAdvisor(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(b *models.Bot)
	}{
		{"TooYoung", func(b *models.Bot) { b.PaperStartedAt = time.Now().Add(-6 * 24 * time.Hour) }},
		{"TooFewTrades", func(b *models.Bot) { b.TradesCount, b.WinCount, b.LossCount = 49, 30, 19 }},
		{"LowWinRate", func(b *models.Bot) { b.WinCount, b.LossCount = 27, 23 }},
		{"DeepDrawdown", func(b *models.Bot) { b.MaxDrawdown = 0.11 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, store, advisor, _ := setupTest(t)
			bot := eligibleBot(t, store)
			tt.mutate(bot)

			res, err := g.Evaluate(context.Background(), bot)
			require.NoError(t, err)
			assert.False(t, res.Promoted)
			assert.Equal(t, OutcomeFiltered, res.Outcome)
			assert.Len(t, res.Failures, 1)
			advisor.AssertNotCalled(t, "PromotionOpinion", mock.Anything)
		})
	}
}

func TestEvaluate_RejectedNotResubmittedUntilMetricsChange(t *testing.T) {
	g, store, advisor, _ := setupTest(t)
	ctx := context.Background()
	bot := eligibleBot(t, store)
	advisor.On("PromotionOpinion", mock.Anything).Return(advisory.PromotionOpinion{Approved: false, Reasoning: "too volatile"}, nil).Once()

	res, err := g.Evaluate(ctx, bot)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)

	got, _ := store.GetBot(ctx, bot.ID)
	assert.Equal(t, models.ModePaper, got.TradingMode)
	assert.Equal(t, 50, got.PromotionReviewedTrades)

	res, err = g.Evaluate(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, res.Outcome)
	advisor.AssertNumberOfCalls(t, "PromotionOpinion", 1)

	got.TradesCount, got.WinCount = 51, 31
	advisor.On("PromotionOpinion", mock.Anything).Return(advisory.PromotionOpinion{Approved: true}, nil).Once()
	res, err = g.Evaluate(ctx, got)
	require.NoError(t, err)
	assert.True(t, res.Promoted)
}

func TestEvaluate_AdvisorUnavailableStaysPaper(t *testing.T) {
	g, store, advisor, pub := setupTest(t)
	ctx := context.Background()
	bot := eligibleBot(t, store)
	advisor.On("PromotionOpinion", mock.Anything).Return(advisory.PromotionOpinion{}, errors.New("timeout")).Once()

	res, err := g.Evaluate(ctx, bot)
	require.NoError(t, err)
	assert.False(t, res.Promoted)
	assert.Equal(t, OutcomeDeferred, res.Outcome)

	got, _ := store.GetBot(ctx, bot.ID)
	assert.Equal(t, models.ModePaper, got.TradingMode)
	assert.Zero(t, got.PromotionReviewedTrades, "a failed review is not remembered")
	assert.Empty(t, pub.events)

	// The next pass asks again without any new trades.
	advisor.On("PromotionOpinion", mock.Anything).Return(advisory.PromotionOpinion{Approved: true}, nil).Once()
	res, err = g.Evaluate(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, OutcomePromoted, res.Outcome)
	advisor.AssertNumberOfCalls(t, "PromotionOpinion", 2)
}

func TestEvaluate_OnlyActivePaperBots(t *testing.T) {
	g, store, advisor, _ := setupTest(t)
	bot := eligibleBot(t, store)
	bot.TradingMode = models.ModeCandidate

	res, err := g.Evaluate(context.Background(), bot)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIneligible, res.Outcome)

	bot.TradingMode = models.ModePaper
	bot.Status = models.BotPaused
	res, err = g.Evaluate(context.Background(), bot)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIneligible, res.Outcome)
	advisor.AssertNotCalled(t, "PromotionOpinion", mock.Anything)
}

func TestConfirmLiveAndDemote(t *testing.T) {
	g, store, _, _ := setupTest(t)
	ctx := context.Background()
	bot := eligibleBot(t, store)

	err := g.ConfirmLive(ctx, bot.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition, "paper cannot skip to live")

	ok, err := store.TransitionMode(ctx, bot.ID, models.ModePaper, models.ModeCandidate, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, g.ConfirmLive(ctx, bot.ID))

	got, _ := store.GetBot(ctx, bot.ID)
	assert.Equal(t, models.ModeLive, got.TradingMode)

	require.NoError(t, g.Demote(ctx, bot.ID))
	got, _ = store.GetBot(ctx, bot.ID)
	assert.Equal(t, models.ModePaper, got.TradingMode)
	assert.Zero(t, got.MaxDrawdown)
	assert.WithinDuration(t, time.Now(), got.PaperStartedAt, time.Minute)

	assert.ErrorIs(t, g.Demote(ctx, bot.ID), ErrInvalidTransition)
}
