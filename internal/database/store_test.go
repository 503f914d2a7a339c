package database

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"capital-autopilot-go/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTest opens an isolated in-memory database for each test.
func setupTest(t *testing.T) *Store {
	db, err := NewDatabase(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	return NewStore(db)
}

func newBot(userID string, capital float64) *models.Bot {
	return &models.Bot{
		ID:             uuid.NewString(),
		UserID:         userID,
		Name:           "bot",
		Exchange:       "binance",
		Pair:           "BTC/USDT",
		InitialCapital: capital,
		PaperStartedAt: time.Now().UTC(),
	}
}

func newPosition(bot *models.Bot) *models.Position {
	return &models.Position{
		ID:          uuid.NewString(),
		BotID:       bot.ID,
		UserID:      bot.UserID,
		Exchange:    bot.Exchange,
		Pair:        bot.Pair,
		Side:        models.SideLong,
		EntryPrice:  100,
		EntryQty:    1,
		EntryTime:   time.Now().UTC(),
		TradingMode: bot.TradingMode,
		PeakPrice:   100,
	}
}

func TestStore_CreateBotDefaults(t *testing.T) {
	s := setupTest(t)
	ctx := context.Background()

	bot := newBot("u1", 1000)
	require.NoError(t, s.CreateBot(ctx, bot))

	got, err := s.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BotActive, got.Status)
	assert.Equal(t, models.ModePaper, got.TradingMode)
	assert.Equal(t, models.RiskSafe, got.RiskProfile)
	assert.Equal(t, 1000.0, got.CurrentCapital)
	assert.Equal(t, 1000.0, got.PeakCapital)

	_, err = s.GetBot(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListBotsExcludesDeleted(t *testing.T) {
	s := setupTest(t)
	ctx := context.Background()

	a, b := newBot("u1", 1000), newBot("u1", 1000)
	require.NoError(t, s.CreateBot(ctx, a))
	require.NoError(t, s.CreateBot(ctx, b))
	require.NoError(t, s.CreateBot(ctx, newBot("u2", 1000)))
	require.NoError(t, s.SoftDeleteBot(ctx, b.ID))

	bots, err := s.ListBots(ctx, BotFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, bots, 1)
	assert.Equal(t, a.ID, bots[0].ID)

	users, err := s.UserIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, users)
}

func TestStore_OpenPositionRejectsSecond(t *testing.T) {
	s := setupTest(t)
	ctx := context.Background()
	bot := newBot("u1", 1000)
	require.NoError(t, s.CreateBot(ctx, bot))

	require.NoError(t, s.OpenPosition(ctx, newPosition(bot), "", time.Now()))
	err := s.OpenPosition(ctx, newPosition(bot), "", time.Now())
	assert.ErrorIs(t, err, ErrPositionExists)

	open, err := s.OpenPositionsForBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestStore_OpenPositionConcurrent(t *testing.T) {
	s := setupTest(t)
	ctx := context.Background()
	bot := newBot("u1", 1000)
	require.NoError(t, s.CreateBot(ctx, bot))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.OpenPosition(ctx, newPosition(bot), "", time.Now()); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	open, err := s.OpenPositionsForBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestStore_ClosePositionSettlesOnce(t *testing.T) {
	s := setupTest(t)
	ctx := context.Background()
	bot := newBot("u1", 1000)
	require.NoError(t, s.CreateBot(ctx, bot))
	pos := newPosition(bot)
	require.NoError(t, s.OpenPosition(ctx, pos, "", time.Now()))

	po := &models.PendingOrder{ID: uuid.NewString(), BotID: bot.ID, PositionID: pos.ID, Purpose: models.PurposeExit}
	require.NoError(t, s.CreatePendingOrder(ctx, po))

	st := Settlement{
		PositionID:     pos.ID,
		ExitPrice:      90,
		ExitQty:        1,
		NetProfit:      -10,
		Reason:         models.ExitStopLoss,
		PendingOrderID: po.ID,
		At:             time.Now().UTC(),
	}
	trade, updated, err := s.ClosePosition(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, -10.0, trade.NetProfit)
	assert.Equal(t, 990.0, updated.CurrentCapital)
	assert.Equal(t, -10.0, updated.TotalProfit)
	assert.Equal(t, -10.0, updated.ReinvestableProfit)
	assert.Equal(t, 1, updated.LossCount)
	assert.Equal(t, 1, updated.TradesCount)
	assert.InDelta(t, 0.01, updated.MaxDrawdown, 1e-9)
	assert.NotNil(t, updated.LastTradeAt)

	_, _, err = s.ClosePosition(ctx, st)
	assert.ErrorIs(t, err, ErrPositionNotOpen)

	trades, err := s.ListTrades(ctx, TradeFilter{BotID: bot.ID})
	require.NoError(t, err)
	assert.Len(t, trades, 1)

	got, err := s.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, 990.0, got.CurrentCapital)
	assert.Equal(t, 1, got.TradesCount)

	pending, err := s.PendingOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStore_ClosePositionConcurrent(t *testing.T) {
	s := setupTest(t)
	ctx := context.Background()
	bot := newBot("u1", 1000)
	require.NoError(t, s.CreateBot(ctx, bot))
	pos := newPosition(bot)
	require.NoError(t, s.OpenPosition(ctx, pos, "", time.Now()))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = s.ClosePosition(ctx, Settlement{PositionID: pos.ID, ExitPrice: 110, ExitQty: 1, NetProfit: 10, Reason: models.ExitTakeProfit, At: time.Now()})
		}()
	}
	wg.Wait()

	got, err := s.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, 1010.0, got.CurrentCapital)
	assert.Equal(t, 1, got.WinCount)
	assert.Equal(t, 1, got.TradesCount)
}

func TestStore_PauseAndResume(t *testing.T) {
	s := setupTest(t)
	ctx := context.Background()
	bot := newBot("u1", 1000)
	require.NoError(t, s.CreateBot(ctx, bot))

	ev := &models.SafetyEvent{UserID: "u1", BotID: bot.ID, Kind: models.SafetyBotPause, Reason: "drawdown"}
	changed, err := s.PauseBot(ctx, bot.ID, "drawdown", false, ev)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.PauseBot(ctx, bot.ID, "again", false, &models.SafetyEvent{UserID: "u1", Kind: models.SafetyBotPause})
	require.NoError(t, err)
	assert.False(t, changed)

	events, err := s.ListSafetyEvents(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	changed, err = s.ResumeBot(ctx, bot.ID, nil)
	require.NoError(t, err)
	assert.True(t, changed)
	got, _ := s.GetBot(ctx, bot.ID)
	assert.Equal(t, models.BotActive, got.Status)
	assert.Empty(t, got.PausedReason)
}

func TestStore_HaltIsPersistentUntilCleared(t *testing.T) {
	s := setupTest(t)
	ctx := context.Background()

	uc, err := s.GetUserControl(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, uc.Halted)

	changed, err := s.HaltUser(ctx, "u1", "global drawdown", time.Now(), &models.SafetyEvent{UserID: "u1", Kind: models.SafetySystemHalt})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.HaltUser(ctx, "u1", "again", time.Now(), nil)
	require.NoError(t, err)
	assert.False(t, changed)

	uc, err = s.GetUserControl(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, uc.Halted)
	assert.Equal(t, "global drawdown", uc.HaltReason)

	changed, err = s.ClearHalt(ctx, "u1", nil)
	require.NoError(t, err)
	assert.True(t, changed)
	uc, _ = s.GetUserControl(ctx, "u1")
	assert.False(t, uc.Halted)
}

func TestStore_ApplyAllocationKeepsCapitalBalanced(t *testing.T) {
	s := setupTest(t)
	ctx := context.Background()
	a, b := newBot("u1", 1000), newBot("u1", 1000)
	a.ReinvestableProfit = 300
	b.ReinvestableProfit = 200
	require.NoError(t, s.CreateBot(ctx, a))
	require.NoError(t, s.CreateBot(ctx, b))

	plan := AllocationPlan{
		Injections: []models.CapitalInjection{
			{BotID: a.ID, UserID: "u1", Amount: -300, Kind: models.InjectionReallocationOut},
			{BotID: b.ID, UserID: "u1", Amount: -200, Kind: models.InjectionReallocationOut},
			{BotID: a.ID, UserID: "u1", Amount: 500, Kind: models.InjectionReallocationIn},
		},
		ResetBotIDs: []string{a.ID, b.ID},
	}
	require.NoError(t, s.ApplyAllocation(ctx, plan))

	gotA, _ := s.GetBot(ctx, a.ID)
	gotB, _ := s.GetBot(ctx, b.ID)
	assert.Equal(t, 1200.0, gotA.CurrentCapital)
	assert.Equal(t, 800.0, gotB.CurrentCapital)
	assert.Zero(t, gotA.ReinvestableProfit)
	assert.Zero(t, gotB.ReinvestableProfit)

	report, err := s.UserProfit(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2000.0, report.CurrentCapital)
	assert.Zero(t, report.TradingProfit)
	assert.Equal(t, 500.0, report.Injections[models.InjectionReallocationIn])
}

func TestStore_ApplyAllocationSeedDoesNotDoubleFund(t *testing.T) {
	s := setupTest(t)
	ctx := context.Background()

	nb := newBot("u1", 1000)
	plan := AllocationPlan{
		NewBot:     nb,
		Injections: []models.CapitalInjection{{BotID: nb.ID, UserID: "u1", Amount: 1000, Kind: models.InjectionSeed}},
	}
	require.NoError(t, s.ApplyAllocation(ctx, plan))

	got, err := s.GetBot(ctx, nb.ID)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, got.CurrentCapital)
}

func TestStore_InjectCapital(t *testing.T) {
	s := setupTest(t)
	ctx := context.Background()
	bot := newBot("u1", 1000)
	require.NoError(t, s.CreateBot(ctx, bot))

	require.NoError(t, s.InjectCapital(ctx, &models.CapitalInjection{BotID: bot.ID, Amount: 250, Kind: models.InjectionExternal}))
	got, _ := s.GetBot(ctx, bot.ID)
	assert.Equal(t, 1250.0, got.CurrentCapital)
	assert.Zero(t, got.TotalProfit)

	injections, err := s.ListInjections(ctx, bot.ID, "")
	require.NoError(t, err)
	require.Len(t, injections, 1)
	assert.Equal(t, "u1", injections[0].UserID)

	err = s.InjectCapital(ctx, &models.CapitalInjection{BotID: "missing", Amount: 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func settle(t *testing.T, s *Store, bot *models.Bot, net float64) *models.Bot {
	t.Helper()
	ctx := context.Background()
	pos := newPosition(bot)
	require.NoError(t, s.OpenPosition(ctx, pos, "", time.Now()))
	_, updated, err := s.ClosePosition(ctx, Settlement{PositionID: pos.ID, ExitPrice: 100, ExitQty: 1, NetProfit: net, Reason: models.ExitStopLoss, At: time.Now().UTC()})
	require.NoError(t, err)
	return updated
}

func TestStore_InjectionDoesNotHideDrawdown(t *testing.T) {
	s := setupTest(t)
	ctx := context.Background()
	bot := newBot("u1", 1000)
	require.NoError(t, s.CreateBot(ctx, bot))

	require.NoError(t, s.ApplyAllocation(ctx, AllocationPlan{
		Injections: []models.CapitalInjection{{BotID: bot.ID, UserID: "u1", Amount: 500, Kind: models.InjectionReallocationIn}},
	}))
	got, _ := s.GetBot(ctx, bot.ID)
	assert.Equal(t, 1500.0, got.PeakCapital)

	updated := settle(t, s, bot, -400)
	assert.Equal(t, 1100.0, updated.CurrentCapital)
	assert.Equal(t, 1500.0, updated.PeakCapital)
	assert.InDelta(t, 400.0/1500.0, updated.MaxDrawdown, 1e-9)
}

func TestStore_SweepDoesNotInflateDrawdown(t *testing.T) {
	s := setupTest(t)
	ctx := context.Background()
	bot := newBot("u1", 1000)
	require.NoError(t, s.CreateBot(ctx, bot))

	updated := settle(t, s, bot, 200)
	assert.Equal(t, 1200.0, updated.PeakCapital)

	require.NoError(t, s.ApplyAllocation(ctx, AllocationPlan{
		Injections:  []models.CapitalInjection{{BotID: bot.ID, UserID: "u1", Amount: -200, Kind: models.InjectionReallocationOut}},
		ResetBotIDs: []string{bot.ID},
	}))
	require.NoError(t, s.InjectCapital(ctx, &models.CapitalInjection{BotID: bot.ID, Amount: -100, Kind: models.InjectionExternal}))

	updated = settle(t, s, bot, -1)
	assert.Equal(t, 899.0, updated.CurrentCapital)
	assert.Equal(t, 900.0, updated.PeakCapital)
	assert.InDelta(t, 1.0/900.0, updated.MaxDrawdown, 1e-9)
}

func TestStore_CreateBotDefaultsPaperStart(t *testing.T) {
	s := setupTest(t)
	ctx := context.Background()
	bot := newBot("u1", 1000)
	bot.PaperStartedAt = time.Time{}
	require.NoError(t, s.CreateBot(ctx, bot))

	got, err := s.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), got.PaperStartedAt, time.Minute)
}

func TestStore_TransitionModeIsConditional(t *testing.T) {
	s := setupTest(t)
	ctx := context.Background()
	bot := newBot("u1", 1000)
	require.NoError(t, s.CreateBot(ctx, bot))

	ok, err := s.TransitionMode(ctx, bot.ID, models.ModeCandidate, models.ModeLive, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.TransitionMode(ctx, bot.ID, models.ModePaper, models.ModeCandidate, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	got, _ := s.GetBot(ctx, bot.ID)
	assert.Equal(t, models.ModeCandidate, got.TradingMode)
}

func TestStore_Credentials(t *testing.T) {
	s := setupTest(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCredentials(ctx, &models.APIKey{UserID: "u1", Exchange: "binance", APIKey: "k1", Secret: "s1"}))
	require.NoError(t, s.SaveCredentials(ctx, &models.APIKey{UserID: "u1", Exchange: "binance", APIKey: "k2", Secret: "s2"}))

	key, err := s.Credentials(ctx, "u1", "binance")
	require.NoError(t, err)
	assert.Equal(t, "k2", key.APIKey)

	_, err = s.Credentials(ctx, "u1", "kraken")
	assert.ErrorIs(t, err, ErrNotFound)
}
