package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ksred/klear-markets/internal/amm"
	"github.com/ksred/klear-markets/internal/database"
	"github.com/ksred/klear-markets/internal/duel"
	"github.com/ksred/klear-markets/internal/events"
	"github.com/ksred/klear-markets/internal/ledger"
	"github.com/ksred/klear-markets/internal/pricefeed"
	"github.com/ksred/klear-markets/internal/types"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	authority     = types.Address("authority")
	oracle        = types.Address("oracle")
	feeCollector  = types.Address("fee-collector")
	traderFunds   = uint64(50_000_000)
	authorityFund = uint64(1_000_000_000)
	poolLiquidity = uint64(10_000_000)
)

var questions = []string{
	"Will BTC close above 100k this week?",
	"Will ETH flip its previous high?",
	"Will SOL trade above 300 by Friday?",
}

func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
}

// opStats tracks latency and outcomes for one operation type
type opStats struct {
	name      string
	durations []time.Duration
	failures  int
}

func (s *opStats) calculate() (min, max, mean, p95 time.Duration) {
	if len(s.durations) == 0 {
		return 0, 0, 0, 0
	}
	sort.Slice(s.durations, func(i, j int) bool {
		return s.durations[i] < s.durations[j]
	})

	min = s.durations[0]
	max = s.durations[len(s.durations)-1]
	var sum time.Duration
	for _, d := range s.durations {
		sum += d
	}
	mean = sum / time.Duration(len(s.durations))
	p95 = s.durations[int(math.Ceil(float64(len(s.durations))*0.95))-1]
	return
}

type recorder struct {
	mu    sync.Mutex
	stats map[string]*opStats
	order []string
}

func newRecorder() *recorder {
	return &recorder{stats: make(map[string]*opStats)}
}

// track times fn and counts it as failed when it returns an error that is
// not an expected domain rejection.
func (r *recorder) track(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[name]
	if !ok {
		s = &opStats{name: name}
		r.stats[name] = s
		r.order = append(r.order, name)
	}
	s.durations = append(s.durations, elapsed)
	if err != nil {
		s.failures++
	}
	return err
}

type simulation struct {
	db      *gorm.DB
	clock   *ledger.ManualClock
	duels   *duel.Service
	pools   *amm.Service
	rec     *recorder
	traders []types.Address
	poolIDs []string
}

func main() {
	numTraders := flag.Int("traders", 12, "number of simulated traders")
	numOps := flag.Int("ops", 40, "operations per trader")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flag.Parse()

	started := time.Now()
	sim, err := setup(*numTraders)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up simulation")
	}

	ctx := context.Background()
	var g errgroup.Group
	for i, trader := range sim.traders {
		rng := rand.New(rand.NewSource(*seed + int64(i)))
		g.Go(func() error {
			return sim.trade(ctx, rng, trader, *numOps)
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Simulation aborted")
	}

	if err := sim.settle(ctx, rand.New(rand.NewSource(*seed))); err != nil {
		log.Fatal().Err(err).Msg("Failed to settle markets")
	}

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("MARKET SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Traders: %d  Ops/trader: %d  Seed: %d  Duration: %v\n\n",
		*numTraders, *numOps, *seed, time.Since(started).Round(time.Millisecond))

	sim.printOperations()
	balanced, err := sim.printReconciliation(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to reconcile")
	}
	if !balanced {
		os.Exit(1)
	}
}

func setup(numTraders int) (*simulation, error) {
	db, err := database.NewDatabase("file:simulation?mode=memory&cache=shared", false)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	clock := ledger.NewManualClock(time.Now().Unix())
	balances := ledger.NewDatabase(db)
	if _, err := balances.Deposit(ctx, authority, authorityFund); err != nil {
		return nil, err
	}

	sim := &simulation{db: db, clock: clock, rec: newRecorder()}
	for i := 0; i < numTraders; i++ {
		trader := types.Address(fmt.Sprintf("trader-%02d", i))
		if _, err := balances.Deposit(ctx, trader, traderFunds); err != nil {
			return nil, err
		}
		sim.traders = append(sim.traders, trader)
	}

	emitter := events.NewLogEmitter(log.With().Str("component", "events").Logger())

	duelPolicy := duel.DefaultPolicy()
	duelPolicy.FeeCollector = feeCollector
	duelPolicy.Resolvers = []types.Address{oracle}
	sim.duels = duel.NewService(db, clock, duelPolicy, emitter)

	poolPolicy := amm.DefaultPolicy()
	poolPolicy.Resolvers = []types.Address{oracle}
	sim.pools = amm.NewService(db, clock, poolPolicy, emitter)

	for _, q := range questions {
		pool, err := sim.pools.CreatePool(ctx, authority, amm.CreatePoolRequest{
			Question:         q,
			ResolutionTime:   clock.Now() + 3_600,
			InitialLiquidity: poolLiquidity,
		}, "")
		if err != nil {
			return nil, err
		}
		sim.poolIDs = append(sim.poolIDs, pool.PoolID)
	}
	return sim, nil
}

// trade runs numOps random operations for one trader. Domain rejections
// such as slippage or insufficient tokens are part of the workload; any
// other error aborts the run.
func (s *simulation) trade(ctx context.Context, rng *rand.Rand, trader types.Address, numOps int) error {
	for i := 0; i < numOps; i++ {
		poolID := s.poolIDs[rng.Intn(len(s.poolIDs))]
		outcome := types.Outcome(rng.Intn(2))

		var err error
		switch roll := rng.Intn(100); {
		case roll < 40:
			err = s.rec.track("buy", func() error {
				_, err := s.pools.Buy(ctx, poolID, trader, outcome, uint64(rng.Intn(500_000)+1), 0)
				return err
			})
		case roll < 65:
			pos, perr := s.pools.GetPosition(ctx, poolID, trader)
			if perr != nil {
				return perr
			}
			held := pos.Balance(outcome)
			if held == 0 {
				continue
			}
			err = s.rec.track("sell", func() error {
				_, err := s.pools.Sell(ctx, poolID, trader, outcome, uint64(rng.Int63n(int64(held)))+1, 0)
				return err
			})
		case roll < 80:
			err = s.rec.track("create_duel", func() error {
				_, err := s.duels.CreateDuel(ctx, trader, uint64(rng.Intn(100_000)+1), types.Prediction(rng.Intn(2)), "")
				return err
			})
		case roll < 95:
			waiting, lerr := s.duels.ListDuels(ctx, duel.ListFilter{Status: duel.StatusWaitingForOpponent})
			if lerr != nil {
				return lerr
			}
			if len(waiting) == 0 {
				continue
			}
			target := waiting[rng.Intn(len(waiting))]
			err = s.rec.track("join_duel", func() error {
				_, err := s.duels.JoinDuel(ctx, target.DuelID, trader, types.Prediction(rng.Intn(2)))
				return err
			})
		default:
			err = s.rec.track("quote", func() error {
				_, err := s.pools.Quote(ctx, poolID, amm.TradeSideBuy, outcome, uint64(rng.Intn(100_000)+1))
				return err
			})
		}

		if err != nil && !expected(err) {
			return fmt.Errorf("%s: %w", trader, err)
		}
	}
	return nil
}

func expected(err error) bool {
	var domainErr *types.Error
	return errors.As(err, &domainErr) && !errors.Is(err, types.ErrNotFound)
}

// settle drives every open market to a terminal state.
func (s *simulation) settle(ctx context.Context, rng *rand.Rand) error {
	// Zero-latency venues keep the run fast while the quotes still spread.
	venues := pricefeed.DefaultVenues()
	for i := range venues {
		venues[i].MinLatency, venues[i].MaxLatency = 0, 0
	}
	feed := pricefeed.NewFeed(pricefeed.Config{Reference: 60_000_000, VolatilityBps: 40, Seed: rng.Int63()}, venues)
	keeper := duel.NewKeeper(s.duels, feed, duel.KeeperConfig{
		Address:          oracle,
		CountdownSeconds: 10,
		DurationSeconds:  60,
	})

	for _, wait := range []int64{10, 60} {
		s.clock.Advance(wait)
		err := s.rec.track("keeper_round", func() error {
			_, _, err := keeper.Tick(ctx)
			return err
		})
		if err != nil {
			return err
		}
	}

	s.clock.Advance(3_600)
	waiting, err := s.duels.ListDuels(ctx, duel.ListFilter{Status: duel.StatusWaitingForOpponent})
	if err != nil {
		return err
	}
	for _, d := range waiting {
		err := s.rec.track("cancel_duel", func() error {
			_, err := s.duels.CancelDuel(ctx, d.DuelID, d.Player1)
			return err
		})
		if err != nil {
			return err
		}
	}

	for _, poolID := range s.poolIDs {
		outcome := types.Outcome(rng.Intn(2))
		err := s.rec.track("resolve_pool", func() error {
			_, err := s.pools.Resolve(ctx, poolID, oracle, outcome)
			return err
		})
		if err != nil {
			return err
		}
		for _, trader := range s.traders {
			err := s.rec.track("claim", func() error {
				_, err := s.pools.Claim(ctx, poolID, trader)
				return err
			})
			if err != nil && !expected(err) {
				return err
			}
		}
	}
	return nil
}

func (s *simulation) printOperations() {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Operation", "Calls", "Rejected", "Min", "Mean", "P95", "Max")
	for _, name := range s.rec.order {
		st := s.rec.stats[name]
		min, max, mean, p95 := st.calculate()
		table.Append(
			st.name,
			fmt.Sprintf("%d", len(st.durations)),
			fmt.Sprintf("%d", st.failures),
			min.Round(time.Microsecond).String(),
			mean.Round(time.Microsecond).String(),
			p95.Round(time.Microsecond).String(),
			max.Round(time.Microsecond).String(),
		)
	}
	table.Render()
	fmt.Println()
}

// printReconciliation reports every pool's vault identity and checks that
// the ledger as a whole still holds exactly what was deposited.
func (s *simulation) printReconciliation(ctx context.Context) (bool, error) {
	balanced := true

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Pool", "Status", "Vault", "YES reserve", "NO reserve", "Fees kept", "Claimed", "Drift")
	for _, poolID := range s.poolIDs {
		report, err := s.pools.Reconcile(ctx, poolID)
		if err != nil {
			return false, err
		}
		pool, err := s.pools.GetPool(ctx, poolID)
		if err != nil {
			return false, err
		}
		balanced = balanced && report.Balanced
		table.Append(
			poolID[:13],
			string(pool.Status),
			fmt.Sprintf("%d", report.VaultBalance),
			fmt.Sprintf("%d", report.YesReserve),
			fmt.Sprintf("%d", report.NoReserve),
			fmt.Sprintf("%d", report.SellFeesRetained),
			fmt.Sprintf("%d", report.TotalClaimed),
			report.Drift.String(),
		)
	}
	table.Render()

	var total int64
	if err := s.db.WithContext(ctx).Model(&ledger.Balance{}).Select("COALESCE(SUM(amount), 0)").Scan(&total).Error; err != nil {
		return false, err
	}
	deposited := authorityFund + traderFunds*uint64(len(s.traders))
	conserved := uint64(total) == deposited
	balanced = balanced && conserved

	collected, err := ledger.NewDatabase(s.db).GetBalance(ctx, feeCollector)
	if err != nil {
		return false, err
	}
	fmt.Printf("\nLedger total: %d  Deposited: %d  Conserved: %t  Duel fees: %d\n",
		total, deposited, conserved, collected.Amount)
	fmt.Println(strings.Repeat("=", 80))

	log.Warn().
		Bool("balanced", balanced).
		Int64("ledger_total", total).
		Msg("Simulation completed")
	return balanced, nil
}
