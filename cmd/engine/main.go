package main

import (
	"context"
	"log"
	"time"

	"github.com/rawblock/credit-hub/internal/api"
	"github.com/rawblock/credit-hub/internal/clearing"
	"github.com/rawblock/credit-hub/internal/config"
	"github.com/rawblock/credit-hub/internal/events"
	"github.com/rawblock/credit-hub/internal/graph"
	"github.com/rawblock/credit-hub/internal/handlers"
	"github.com/rawblock/credit-hub/internal/integrity"
	"github.com/rawblock/credit-hub/internal/payment"
	"github.com/rawblock/credit-hub/internal/protocol"
	"github.com/rawblock/credit-hub/internal/store"
	"github.com/rawblock/credit-hub/internal/trustline"
)

func main() {
	log.Println("Starting RawBlock Mutual-Credit Hub...")

	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("FATAL: invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("FATAL: failed to connect to storage: %v", err)
	}
	defer st.Close()
	if err := st.InitSchema(ctx); err != nil {
		log.Fatalf("FATAL: schema init failed: %v", err)
	}

	idx := graph.New()
	loadGraphFromStorage(ctx, st, idx)

	bus := events.NewBus()
	go bus.Run()

	payEngine := payment.New(st, idx, bus, cfg)
	if err := payEngine.Recover(ctx); err != nil {
		log.Printf("[payment] recovery sweep failed: %v", err)
	}

	clearingEngine := clearing.New(st, idx, bus, cfg)
	tlManager := trustline.New(st, idx, bus)
	integrityChecker := integrity.New(st, bus)
	payEngine.SetChecker(integrityChecker)
	clearingEngine.SetChecker(integrityChecker)

	dispatcher := protocol.NewDispatcher()
	handlers.Register(dispatcher, handlers.Deps{
		Store: st, Payment: payEngine, TrustLine: tlManager, Clearing: clearingEngine,
		Integrity: integrityChecker,
		MaxDrift:  cfg.MaxClockDrift,
	})

	go runPrepareLockSweeper(ctx, payEngine, cfg)
	go runPeriodicClearing(ctx, clearingEngine, 5, cfg.PeriodicClearingShortInterval)
	go runPeriodicClearing(ctx, clearingEngine, 6, cfg.PeriodicClearingLongInterval)
	go runClearingConsentSweeper(ctx, clearingEngine, cfg)
	go runIntegrityChecks(ctx, integrityChecker, st, cfg)

	handler := api.NewHandler(dispatcher, bus)
	router := api.SetupRouter(handler, cfg.AuthToken)

	log.Printf("[engine] listening on :%s", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatalf("FATAL: server failed: %v", err)
	}
}

// loadGraphFromStorage rebuilds the in-memory adjacency for every
// equivalent on record, reconstructing derived state from durable storage
// at startup rather than trusting a cache across a restart.
func loadGraphFromStorage(ctx context.Context, st *store.PostgresStore, idx *graph.Index) {
	dbTx, err := st.Begin(ctx)
	if err != nil {
		log.Printf("[engine] could not begin initial graph load: %v", err)
		return
	}
	defer dbTx.Rollback(ctx)

	equivalents := knownEquivalents(ctx, dbTx)
	for _, eq := range equivalents {
		lines, err := dbTx.ListTrustLinesForEquivalent(ctx, eq)
		if err != nil {
			log.Printf("[engine] failed to list trust lines for %s: %v", eq, err)
			continue
		}
		debts, err := dbTx.ListDebtsForEquivalent(ctx, eq)
		if err != nil {
			log.Printf("[engine] failed to list debts for %s: %v", eq, err)
			continue
		}
		idx.LoadEquivalent(eq, lines, debts)
		log.Printf("[engine] loaded %d trust lines / %d debts for equivalent %s", len(lines), len(debts), eq)
	}
}

// knownEquivalents returns the equivalents this hub instance serves. The
// storage contract has no "list all equivalents" query — equivalents are
// few and operator-provisioned, so the set is fixed here rather than
// discovered, since it rarely changes.
func knownEquivalents(ctx context.Context, dbTx store.Tx) []string {
	var out []string
	for _, code := range []string{"USD", "EUR", "TIME"} {
		if e, _ := dbTx.GetEquivalent(ctx, code); e != nil {
			out = append(out, code)
		}
	}
	return out
}

// runPrepareLockSweeper periodically reclaims expired prepare locks and
// aborts the transactions they belonged to, same ticker-driven shape as
// a dedicated background poller.
func runPrepareLockSweeper(ctx context.Context, payEngine *payment.Engine, cfg *config.HubConfig) {
	interval := cfg.PrepareTimeout
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := payEngine.Recover(ctx); err != nil {
				log.Printf("[payment] periodic lock sweep failed: %v", err)
			}
		}
	}
}

// runPeriodicClearing drives one (length, interval) periodic sweep over
// the fixed equivalent list USD, EUR and TIME, one goroutine per concern.
func runPeriodicClearing(ctx context.Context, clearingEngine *clearing.Engine, length int, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, eq := range []string{"USD", "EUR", "TIME"} {
				clearingEngine.RunPeriodicSweep(ctx, eq, length, 50)
			}
		}
	}
}

// runClearingConsentSweeper drops any explicit-consent clearing proposal
// whose expires_at has passed, at a quarter of the configured consent
// timeout so an expired proposal is caught promptly without a dedicated
// per-proposal timer.
func runClearingConsentSweeper(ctx context.Context, clearingEngine *clearing.Engine, cfg *config.HubConfig) {
	interval := cfg.ClearingConsentTimeout / 4
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			clearingEngine.SweepExpiredProposals(ctx)
		}
	}
}

// runIntegrityChecks runs the zero-sum/trust-limit/debt-symmetry pass on
// cfg.ZeroSumCheckInterval and a full audit (same checks plus a checksum
// save) on cfg.FullAuditInterval.
func runIntegrityChecks(ctx context.Context, checker *integrity.Checker, st *store.PostgresStore, cfg *config.HubConfig) {
	shortTicker := time.NewTicker(cfg.ZeroSumCheckInterval)
	auditTicker := time.NewTicker(cfg.FullAuditInterval)
	defer shortTicker.Stop()
	defer auditTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-shortTicker.C:
			for _, eq := range []string{"USD", "EUR", "TIME"} {
				if _, err := checker.RunAll(ctx, eq); err != nil {
					log.Printf("[integrity] check failed for %s: %v", eq, err)
				}
			}
		case <-auditTicker.C:
			for _, eq := range []string{"USD", "EUR", "TIME"} {
				if _, err := checker.RunAll(ctx, eq); err != nil {
					log.Printf("[integrity] audit check failed for %s: %v", eq, err)
				}
				dbTx, err := st.Begin(ctx)
				if err != nil {
					continue
				}
				debts, err := dbTx.ListDebtsForEquivalent(ctx, eq)
				dbTx.Rollback(ctx)
				if err != nil {
					continue
				}
				if err := checker.SaveCheckpoint(ctx, eq, debts); err != nil {
					log.Printf("[integrity] checkpoint save failed for %s: %v", eq, err)
				}
			}
		}
	}
}
