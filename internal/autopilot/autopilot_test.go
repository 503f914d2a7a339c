package autopilot

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"capital-autopilot-go/internal/botlock"
	"capital-autopilot-go/internal/config"
	"capital-autopilot-go/internal/database"
	"capital-autopilot-go/internal/events"
	"capital-autopilot-go/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type nopPublisher struct{ events []events.Event }

func (p *nopPublisher) Publish(ev events.Event) { p.events = append(p.events, ev) }

func testConfig() config.Autopilot {
	return config.Autopilot{
		Interval:          time.Hour,
		ReinvestThreshold: 1000,
		NewBotCapital:     1000,
		MaxTotalBots:      45,
		TopK:              5,
		DefaultRisk:       "safe",
		Exchanges: []config.ExchangeCap{
			{Name: "luno", MaxBots: 5, Pair: "BTC/ZAR"},
			{Name: "binance", MaxBots: 10, Pair: "BTC/USDT"},
			{Name: "kucoin", MaxBots: 10, Pair: "BTC/USDT"},
			{Name: "kraken", MaxBots: 10, Pair: "BTC/USD"},
			{Name: "valr", MaxBots: 10, Pair: "BTC/ZAR"},
		},
	}
}

func setupTest(t *testing.T, cfg config.Autopilot) (*Allocator, *database.Store) {
	db, err := database.NewDatabase(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	store := database.NewStore(db)
	a := New(cfg, store, botlock.New(), &nopPublisher{}, nil, zap.NewNop())
	return a, store
}

func createBot(t *testing.T, store *database.Store, userID, exchange string, reinvestable, totalProfit float64) *models.Bot {
	bot := &models.Bot{
		ID:                 uuid.NewString(),
		UserID:             userID,
		Name:               "bot",
		Exchange:           exchange,
		Pair:               "BTC/USDT",
		InitialCapital:     1000,
		CurrentCapital:     1000 + totalProfit,
		TotalProfit:        totalProfit,
		ReinvestableProfit: reinvestable,
		PaperStartedAt:     time.Now(),
	}
	require.NoError(t, store.CreateBot(context.Background(), bot))
	return bot
}

// assertCapitalInvariant checks CurrentCapital = InitialCapital + TotalProfit + non-seed injections.
func assertCapitalInvariant(t *testing.T, store *database.Store, userID string) {
	ctx := context.Background()
	bots, err := store.ListBots(ctx, database.BotFilter{UserID: userID})
	require.NoError(t, err)
	for _, bot := range bots {
		injections, err := store.ListInjections(ctx, bot.ID, "")
		require.NoError(t, err)
		sum := 0.0
		for _, inj := range injections {
			if inj.Kind != models.InjectionSeed {
				sum += inj.Amount
			}
		}
		assert.InDelta(t, bot.InitialCapital+bot.TotalProfit+sum, bot.CurrentCapital, 1e-6, "bot %s", bot.ID)
	}
}

func TestRunUser_BelowThreshold(t *testing.T) {
	a, store := setupTest(t, testConfig())
	createBot(t, store, "u1", "binance", 400, 400)
	createBot(t, store, "u1", "binance", 500, 500)

	res, err := a.RunUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeBelowThreshold, res.Outcome)

	bots, _ := store.ListBots(context.Background(), database.BotFilter{UserID: "u1"})
	assert.Len(t, bots, 2)
}

func TestRunUser_SpawnsOnFirstExchangeWithCapacity(t *testing.T) {
	a, store := setupTest(t, testConfig())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		createBot(t, store, "u1", "luno", 240, 240)
	}

	res, err := a.RunUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, OutcomeBotCreated, res.Outcome)
	assert.True(t, res.Profit.Equal(decimal.NewFromInt(1200)))

	nb, err := store.GetBot(ctx, res.NewBotID)
	require.NoError(t, err)
	assert.Equal(t, "binance", nb.Exchange)
	assert.Equal(t, "BTC/USDT", nb.Pair)
	assert.Equal(t, models.ModePaper, nb.TradingMode)
	assert.Equal(t, models.RiskSafe, nb.RiskProfile)
	assert.Equal(t, 1000.0, nb.InitialCapital)
	assert.Equal(t, 1000.0, nb.CurrentCapital)

	bots, _ := store.ListBots(ctx, database.BotFilter{UserID: "u1"})
	assert.Len(t, bots, 6)
	for _, b := range bots {
		assert.Zero(t, b.ReinvestableProfit)
	}
	assertCapitalInvariant(t, store, "u1")
}

func TestRunUser_NoCapacityChangesNothing(t *testing.T) {
	cfg := testConfig()
	cfg.Exchanges = []config.ExchangeCap{{Name: "luno", MaxBots: 2, Pair: "BTC/ZAR"}}
	a, store := setupTest(t, cfg)
	ctx := context.Background()
	createBot(t, store, "u1", "luno", 600, 600)
	createBot(t, store, "u1", "luno", 600, 600)

	res, err := a.RunUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoCapacity, res.Outcome)

	bots, _ := store.ListBots(ctx, database.BotFilter{UserID: "u1"})
	assert.Len(t, bots, 2)
	for _, b := range bots {
		assert.Equal(t, 600.0, b.ReinvestableProfit)
	}
}

func TestRunUser_ReallocatesAtBotCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotalBots = 7
	cfg.TopK = 3
	a, store := setupTest(t, cfg)
	ctx := context.Background()

	var bots []*models.Bot
	for i := 0; i < 7; i++ {
		// Lifetime profit 100..700; counters 300 each except the worst bot at a loss.
		reinvest := 300.0
		if i == 0 {
			reinvest = -100
		}
		bots = append(bots, createBot(t, store, "u1", "binance", reinvest, float64(100*(i+1))))
	}

	before := 0.0
	all, _ := store.ListBots(ctx, database.BotFilter{UserID: "u1"})
	for _, b := range all {
		before += b.CurrentCapital
	}

	res, err := a.RunUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, OutcomeReallocated, res.Outcome)
	assert.True(t, res.Profit.Equal(decimal.NewFromInt(1700)))

	after := 0.0
	all, _ = store.ListBots(ctx, database.BotFilter{UserID: "u1"})
	assert.Len(t, all, 7)
	for _, b := range all {
		after += b.CurrentCapital
		assert.Zero(t, b.ReinvestableProfit)
	}
	assert.InDelta(t, before, after, 1e-6, "reallocation conserves capital")

	// Pool of 1800 across the three best bots.
	best, _ := store.GetBot(ctx, bots[6].ID)
	third, _ := store.GetBot(ctx, bots[4].ID)
	worst, _ := store.GetBot(ctx, bots[0].ID)
	assert.InDelta(t, 1000+700-300+600, best.CurrentCapital, 1e-6)
	assert.InDelta(t, 1000+500-300+600, third.CurrentCapital, 1e-6)
	assert.InDelta(t, 1000+100, worst.CurrentCapital, 1e-6)
	assert.Equal(t, 700.0, best.TotalProfit, "injections never count as trading profit")

	assertCapitalInvariant(t, store, "u1")
}

func TestRunUser_ReallocationIsAtomicWithSettlement(t *testing.T) {
	for round := 0; round < 5; round++ {
		cfg := testConfig()
		cfg.MaxTotalBots = 3
		cfg.TopK = 2
		a, store := setupTest(t, cfg)
		ctx := context.Background()

		var bots []*models.Bot
		for i := 0; i < 3; i++ {
			bots = append(bots, createBot(t, store, "u1", "binance", 400, 400))
		}
		pos := &models.Position{
			ID:          uuid.NewString(),
			BotID:       bots[0].ID,
			UserID:      "u1",
			Exchange:    "binance",
			Pair:        "BTC/USDT",
			Side:        models.SideLong,
			EntryPrice:  100,
			EntryQty:    1,
			EntryTime:   time.Now().UTC(),
			TradingMode: models.ModePaper,
			PeakPrice:   100,
		}
		require.NoError(t, store.OpenPosition(ctx, pos, "", time.Now()))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Settle the way the engine's exit path does: under the bot's lock.
			unlock := a.locks.Lock(pos.BotID)
			defer unlock()
			_, _, err := store.ClosePosition(ctx, database.Settlement{
				PositionID: pos.ID,
				ExitPrice:  150,
				ExitQty:    1,
				NetProfit:  50,
				Reason:     models.ExitTakeProfit,
				At:         time.Now().UTC(),
			})
			assert.NoError(t, err)
		}()
		res, err := a.RunUser(ctx, "u1")
		wg.Wait()
		require.NoError(t, err)
		require.Equal(t, OutcomeReallocated, res.Outcome)

		swept := 0.0
		for _, tr := range res.Transfers {
			if tr.Kind == models.InjectionReallocationOut {
				swept -= tr.Amount
			}
		}
		remaining := 0.0
		all, err := store.ListBots(ctx, database.BotFilter{UserID: "u1"})
		require.NoError(t, err)
		for _, b := range all {
			remaining += b.ReinvestableProfit
		}
		assert.InDelta(t, 1200.0+50.0, swept+remaining, 1e-6, "round %d: no profit lost or counted twice", round)
		assertCapitalInvariant(t, store, "u1")
	}
}

func TestRunUser_HaltedUserSkipped(t *testing.T) {
	a, store := setupTest(t, testConfig())
	ctx := context.Background()
	createBot(t, store, "u1", "binance", 5000, 5000)
	_, err := store.HaltUser(ctx, "u1", "test", time.Now(), nil)
	require.NoError(t, err)

	res, err := a.RunUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeHalted, res.Outcome)
}

func TestRunOnce_OnlyAutopilotUsers(t *testing.T) {
	a, store := setupTest(t, testConfig())
	ctx := context.Background()
	createBot(t, store, "u1", "binance", 2000, 2000)
	createBot(t, store, "u2", "binance", 2000, 2000)
	require.NoError(t, store.SetAutopilot(ctx, "u1", true))

	a.RunOnce(ctx)

	u1, _ := store.ListBots(ctx, database.BotFilter{UserID: "u1"})
	u2, _ := store.ListBots(ctx, database.BotFilter{UserID: "u2"})
	assert.Len(t, u1, 2)
	assert.Len(t, u2, 1)
}

func TestSplitEvenly(t *testing.T) {
	shares := SplitEvenly(decimal.NewFromInt(100), 3)
	require.Len(t, shares, 3)
	assert.Equal(t, "33.33333334", shares[0].String())
	assert.Equal(t, "33.33333333", shares[1].String())

	sum := decimal.Zero
	for _, s := range shares {
		sum = sum.Add(s)
	}
	assert.True(t, sum.Equal(decimal.NewFromInt(100)))
	assert.Nil(t, SplitEvenly(decimal.NewFromInt(1), 0))
}
