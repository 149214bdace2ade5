// The coordinator binary wires the marketplace together: registry, hire
// engine, payments, quote gate, verification, and the HTTP API.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/mosaicprotocol/coordinator/internal/api"
	"github.com/mosaicprotocol/coordinator/internal/autonomy"
	"github.com/mosaicprotocol/coordinator/internal/chain"
	"github.com/mosaicprotocol/coordinator/internal/circuitbreaker"
	"github.com/mosaicprotocol/coordinator/internal/collusion"
	"github.com/mosaicprotocol/coordinator/internal/config"
	"github.com/mosaicprotocol/coordinator/internal/core"
	"github.com/mosaicprotocol/coordinator/internal/decisions"
	"github.com/mosaicprotocol/coordinator/internal/events"
	"github.com/mosaicprotocol/coordinator/internal/metrics"
	"github.com/mosaicprotocol/coordinator/internal/middleware"
	"github.com/mosaicprotocol/coordinator/internal/payment"
	"github.com/mosaicprotocol/coordinator/internal/quote"
	"github.com/mosaicprotocol/coordinator/internal/registry"
	"github.com/mosaicprotocol/coordinator/internal/reputation"
	"github.com/mosaicprotocol/coordinator/internal/selection"
	"github.com/mosaicprotocol/coordinator/internal/task"
	"github.com/mosaicprotocol/coordinator/internal/verifiable"
)

func main() {
	configPath := flag.String("config", "coordinator.yaml", "path to the YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	log.Printf("starting coordinator (env=%s, addr=%s)", cfg.Server.Env, cfg.Server.Addr)

	mets := metrics.New()

	// Event fan-out: local bus always, Redis bridge for multi-pod, decision
	// ring for the diagnostics endpoint.
	bus := events.NewBus()
	defer bus.Close()
	var emitter events.Sink = bus
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rbus := events.NewRedisBus(bus, rdb)
		defer rbus.Close()
		emitter = rbus
		log.Printf("event bridge on redis %s", cfg.Redis.Addr)
	}
	decisionLog := decisions.NewLog(0)
	sink := events.Multi{emitter, decisionLog}

	ledger := payment.NewLedger(core.Sha256TxHasher{}, sink, mets)
	coordOwner := common.HexToAddress(cfg.Payment.CoordinatorOwner)
	if cfg.Server.Env == "development" {
		// Dev ledgers start funded so tasks can run without a faucet.
		if err := ledger.Credit(coordOwner, big.NewInt(1_000_000_000)); err != nil {
			log.Fatalf("seed coordinator balance: %v", err)
		}
	}

	meter := payment.NewStreamMeter(ledger, sink, nil, mets, payment.MeterMode(cfg.Payment.StreamMode))
	minMicro := new(big.Int)
	if cfg.Payment.MinMicroPayment != "" {
		if _, ok := minMicro.SetString(cfg.Payment.MinMicroPayment, 10); !ok {
			log.Fatalf("bad min_micro_payment %q", cfg.Payment.MinMicroPayment)
		}
	}
	meter.SetDefaults(cfg.Payment.StreamThreshold, minMicro)

	treasury := common.HexToAddress(cfg.Payment.TreasuryAddress)
	jobs := verifiable.NewManager(ledger, sink, nil, mets, treasury)
	jobs.SetSlashFee(cfg.Payment.SlashFeeBps)

	source := registry.NewMemorySource()
	seedAgents(source, cfg.Agents)

	detector := collusion.NewDetector(collusion.Config{
		PriceMultiple:   cfg.Collusion.PriceMultiple,
		RepeatThreshold: cfg.Collusion.RepeatThreshold,
		RepeatWindow:    cfg.RepeatWindow(),
		CycleBound:      cfg.Collusion.CycleBound,
		Capacity:        cfg.Collusion.HistoryCapacity,
	}, nil)

	breakers := circuitbreaker.NewSet()
	reg := registry.NewClient(guardedSource{inner: source, b: breakers.Registry}, 0)

	executors := guardedExecutors{
		inner: autonomy.NewHTTPExecutorFactory(nil),
		b:     breakers.Execute,
	}

	selOpts := selection.Options{
		MinReputation: cfg.Selection.MinReputation,
		WRep:          cfg.Selection.ReputationWeight,
		WPrice:        cfg.Selection.PriceWeight,
	}
	hires := autonomy.NewEngine(
		reg,
		detector,
		ledger,
		executors,
		reputation.NewTracker(sink),
		selection.NewAuctionEngine(sink, nil),
		sink,
		mets,
		autonomy.Config{
			MaxDepth:       cfg.Selection.MaxDepth,
			ExecuteTimeout: cfg.ExecuteTimeout(),
			Selection:      selOpts,
		},
	)

	coordinator := &core.Agent{
		TokenID: 1,
		Name:    "coordinator",
		Owner:   coordOwner,
		Active:  true,
		CanHire: true,
	}

	var planner task.Planner = task.KeywordPlanner{}
	if cfg.Planner.Endpoint != "" {
		planner = task.NewHTTPPlanner(cfg.Planner.Endpoint, nil, task.KeywordPlanner{})
		log.Printf("planner endpoint %s (keyword fallback)", cfg.Planner.Endpoint)
	}
	planner = guardedPlanner{inner: planner, b: breakers.Planner}

	tasks := task.NewEngine(hires, planner, nil, meter, coordinator, sink)

	var store quote.Store = quote.NewMemoryStore()
	if cfg.Database.URL != "" {
		pg, err := quote.NewPostgresStore(cfg.Database.URL)
		if err != nil {
			log.Fatalf("open quote store: %v", err)
		}
		store = pg
		log.Printf("quote store on postgres")

		journal, err := verifiable.NewPostgresJournal(cfg.Database.URL)
		if err != nil {
			log.Fatalf("open job journal: %v", err)
		}
		jobs.SetJournalSink(journal)
	}

	signingKey := cfg.Quote.SigningKey
	if signingKey == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			log.Fatalf("generate signing key: %v", err)
		}
		signingKey = hex.EncodeToString(buf)
		log.Printf("WARNING: no quote signing key configured; quotes will not survive a restart")
	}
	quotes := quote.NewService(planner, reg, store, []byte(signingKey), quote.Fees{
		CoordinatorBps: cfg.Quote.CoordinatorBps,
		BufferBps:      cfg.Quote.BufferBps,
		PlatformBps:    cfg.Quote.PlatformBps,
	}, cfg.QuoteTTL(), nil, mets)

	var verifier api.PaymentVerifier
	if cfg.Chain.RPCURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		v, err := chain.Dial(ctx, cfg.Chain.RPCURL, common.HexToAddress(cfg.Chain.USDCAddress))
		cancel()
		if err != nil {
			log.Fatalf("dial chain rpc: %v", err)
		}
		verifier = guardedVerifier{inner: v, b: breakers.Chain}
	} else {
		log.Printf("WARNING: no chain RPC configured; payment verification disabled")
	}

	server := api.NewServer(api.Config{
		Addr:           cfg.Server.Addr,
		PaymentAddress: common.HexToAddress(cfg.Chain.PaymentAddress),
		RateLimit:      middleware.RateLimitConfig{MaxCallsPerMinute: cfg.Server.MaxCallsPerMinute},
	}, api.Deps{
		Quotes:   quotes,
		Tasks:    tasks,
		Ledger:   ledger,
		Registry: reg,
		Agents:   source,
		Verifier: verifier,
		Log:      decisionLog,
		Breakers: breakers,
		Bus:      bus,
	})

	stopJanitor := make(chan struct{})
	go janitor(store, jobs, stopJanitor)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("shutdown signal received, draining...")
		close(stopJanitor)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("server shutdown: %v", err)
		}
	}()

	if err := server.Start(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
	log.Println("coordinator stopped")
}

// janitor purges terminal quotes and slashes timed-out verification jobs.
func janitor(store quote.Store, jobs *verifiable.Manager, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := store.PurgeBefore(time.Now().Add(-24 * time.Hour)); n > 0 {
				log.Printf("purged %d stale quotes", n)
			}
			if slashed := jobs.SweepTimeouts(); len(slashed) > 0 {
				log.Printf("slashed %d timed-out jobs", len(slashed))
			}
		}
	}
}

func seedAgents(source *registry.MemorySource, seeds []config.AgentSeed) {
	for _, s := range seeds {
		price := new(big.Int)
		if s.Price != "" {
			if _, ok := price.SetString(s.Price, 10); !ok {
				log.Fatalf("agent %s: bad price %q", s.Name, s.Price)
			}
		}
		source.Register(&core.Agent{
			TokenID:    s.TokenID,
			Name:       s.Name,
			Capability: s.Capability,
			Endpoint:   s.Endpoint,
			Price:      price,
			Reputation: s.Reputation,
			Owner:      common.HexToAddress(s.Owner),
			Active:     true,
			CanHire:    s.CanHire,
		})
	}
	if len(seeds) > 0 {
		log.Printf("seeded %d agents", len(seeds))
	}
}

// guardedSource routes registry reads through the registry breaker. Cache
// hits in the client never reach it, so a tripped breaker only blocks fresh
// discovery.
type guardedSource struct {
	inner registry.Source
	b     *circuitbreaker.Breaker
}

func (s guardedSource) AgentsByCapability(ctx context.Context, cap string) ([]*core.Agent, error) {
	var agents []*core.Agent
	err := s.b.Do(func() error {
		var err error
		agents, err = s.inner.AgentsByCapability(ctx, cap)
		return err
	})
	return agents, err
}

// guardedPlanner routes planner calls through the planner breaker.
type guardedPlanner struct {
	inner task.Planner
	b     *circuitbreaker.Breaker
}

func (p guardedPlanner) Plan(ctx context.Context, t string) ([]task.Subtask, error) {
	var plan []task.Subtask
	err := p.b.Do(func() error {
		var err error
		plan, err = p.inner.Plan(ctx, t)
		return err
	})
	return plan, err
}

// guardedExecutors routes worker executions through the execute breaker.
type guardedExecutors struct {
	inner autonomy.ExecutorFactory
	b     *circuitbreaker.Breaker
}

func (f guardedExecutors) ExecutorFor(agent *core.Agent) autonomy.Executor {
	ex := f.inner.ExecutorFor(agent)
	return autonomy.ExecutorFunc(func(ctx context.Context, t string, tc *core.TaskContext) (*core.ExecuteResult, error) {
		var res *core.ExecuteResult
		err := f.b.Do(func() error {
			var err error
			res, err = ex.Execute(ctx, t, tc)
			return err
		})
		return res, err
	})
}

// guardedVerifier routes payment verification through the chain breaker.
type guardedVerifier struct {
	inner api.PaymentVerifier
	b     *circuitbreaker.Breaker
}

func (v guardedVerifier) VerifyPayment(ctx context.Context, txHash common.Hash, expected *big.Int, paymentAddress, userAddress common.Address) error {
	return v.b.Do(func() error {
		return v.inner.VerifyPayment(ctx, txHash, expected, paymentAddress, userAddress)
	})
}
