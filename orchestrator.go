// orchestrator.go
package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pos_bian_go/config"
	"pos_bian_go/exchange"
	"pos_bian_go/investment"
	"pos_bian_go/logs"
	"pos_bian_go/monitor"
	"pos_bian_go/profit"
	"pos_bian_go/reconcile"
	"pos_bian_go/risk"
	"pos_bian_go/state"
	"pos_bian_go/strategy"
	"pos_bian_go/trade"
)

// engineUser bundles everything the engine holds per exchange account.
type engineUser struct {
	cfg        *config.UserConfig
	client     exchange.Client
	orders     *risk.OrderManager
	keeper     *monitor.Keeper
	deciders   map[string]*strategy.Decider
	evaluators map[string]*risk.Evaluator
}

// Engine wires the store, the per-user exchange sessions and the four loops:
// trade cycle, reconciliation, session keeping and state snapshots.
type Engine struct {
	cfg        *config.Config
	store      *state.Store
	saver      *state.Saver
	accountant *profit.Accountant
	limiter    *investment.Limiter
	users      map[string]*engineUser
	executor   *trade.Executor
	reconciler *reconcile.Reconciler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(cfg *config.Config, stateFilePath string) (*Engine, error) {
	store := state.NewStore()
	accountant := profit.NewAccountant()

	symbols := tradedSymbols(cfg)

	users := make(map[string]*engineUser, len(cfg.Users))
	tradeUsers := make(map[string]*trade.UserContext, len(cfg.Users))
	reconcileUsers := make(map[string]*reconcile.UserContext, len(cfg.Users))

	for _, u := range cfg.Users {
		var client exchange.Client
		if cfg.Engine.UseMock {
			logs.Warnf("<<<<<<<<<< WARNING: %s running against the mock exchange >>>>>>>>>>", u.Name)
			client = exchange.NewMockClient()
		} else {
			apiKey, apiSecret := u.Credentials()
			if apiKey == "" || apiSecret == "" {
				return nil, fmt.Errorf("Critical config missing: environment variables %s / %s for user %s are not set", u.APIKeyEnv, u.APISecretEnv, u.Name)
			}
			c, err := exchange.NewAPIClient(u.Name, apiKey, apiSecret, u.ProxyURL,
				cfg.Engine.HTTPTimeoutSeconds, cfg.Engine.RecvWindowSeconds,
				cfg.Engine.RequestsPerSecond, cfg.Engine.UseTestnet)
			if err != nil {
				return nil, fmt.Errorf("failed to create exchange client for %s: %w", u.Name, err)
			}
			client = c
		}

		eu := &engineUser{
			cfg:        u,
			client:     client,
			orders:     risk.NewOrderManager(client, store, u),
			keeper:     monitor.NewKeeper(u.Name, client, cfg.Engine, symbols),
			deciders:   make(map[string]*strategy.Decider),
			evaluators: make(map[string]*risk.Evaluator),
		}

		for _, s := range cfg.Strategies {
			if !s.Enabled {
				continue
			}
			dec, err := strategy.NewDecider(store, u, s)
			if err != nil {
				return nil, fmt.Errorf("strategy %s for user %s: %w", s.Name, u.Name, err)
			}
			eu.deciders[s.Name] = dec
			eu.evaluators[s.Name] = risk.NewEvaluator(store, u, s)

			for _, symbol := range s.Symbols {
				qtyPrec, pricePrec := symbolPrecisions(client, symbol)
				for _, side := range []string{state.SideLong, state.SideShort} {
					store.Register(state.Key{User: u.Name, Strategy: s.Name, Symbol: symbol, Side: side}, qtyPrec, pricePrec)
				}
			}
		}

		users[u.Name] = eu
		tradeUsers[u.Name] = &trade.UserContext{Client: client, Orders: eu.orders, Config: u}
		reconcileUsers[u.Name] = &reconcile.UserContext{Client: client, Orders: eu.orders, Config: u}
	}

	saver := state.NewSaver(store, stateFilePath)
	if err := saver.Load(); err != nil {
		return nil, fmt.Errorf("failed to restore state snapshot: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		store:      store,
		saver:      saver,
		accountant: accountant,
		limiter:    investment.NewLimiter(store, cfg.Users),
		users:      users,
		executor:   trade.NewExecutor(store, cfg.Engine, tradeUsers, cfg.Strategies),
		reconciler: reconcile.NewReconciler(store, accountant, reconcileUsers, cfg.Strategies),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

func tradedSymbols(cfg *config.Config) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range cfg.Strategies {
		if !s.Enabled {
			continue
		}
		for _, symbol := range s.Symbols {
			if !seen[symbol] {
				seen[symbol] = true
				out = append(out, symbol)
			}
		}
	}
	return out
}

// symbolPrecisions reads the exchange filters when available. The mock has
// no exchange info until scripted, so unknown symbols fall back to common
// futures precisions.
func symbolPrecisions(client exchange.Client, symbol string) (int32, int32) {
	if info, ok := client.SymbolInfo(symbol); ok {
		return info.QuantityPrecision, info.PricePrecision
	}
	return 3, 2
}

// Start validates every user session and launches the engine loops.
func (e *Engine) Start() error {
	for name, eu := range e.users {
		if err := eu.keeper.Init(e.ctx); err != nil {
			return fmt.Errorf("session init for %s: %w", name, err)
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.saver.Run(e.ctx, time.Duration(e.cfg.Engine.SnapshotIntervalSec)*time.Second)
	}()

	for _, eu := range e.users {
		eu := eu
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			eu.keeper.Run(e.ctx)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reconcileLoop()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.cycleLoop()
	}()

	logs.Infof("[Engine] started: %d users, %d symbols, press Ctrl+C to exit", len(e.users), len(tradedSymbols(e.cfg)))
	return nil
}

// Stop shuts the loops down and prints the per-user session summaries. The
// snapshot saver writes its final snapshot on context cancellation.
func (e *Engine) Stop() {
	logs.Infof("[Engine] shutdown requested")
	e.cancel()
	e.wg.Wait()

	for name := range e.users {
		total := e.accountant.SessionTotal(name)
		logs.Infof("[Engine][%s] session: %d closes (%d wins / %d losses), pnl %.4f USDT, commission %.4f USDT",
			name, total.Closes, total.Wins, total.Losses, total.PnLUSDT, total.Commission)
	}
	logs.Infof("[Engine] stopped")
}

// reconcileLoop folds exchange state into the store on a fixed interval.
// The first pass runs immediately so the trade cycle never starts against
// a store that has not seen the account once.
func (e *Engine) reconcileLoop() {
	if err := e.reconciler.Refresh(e.ctx); err != nil {
		logs.Errorf("[Engine] initial reconciliation: %v", err)
	}

	ticker := time.NewTicker(time.Duration(e.cfg.Engine.ReconcileIntervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := e.reconciler.Refresh(e.ctx); err != nil {
				logs.Errorf("[Engine] reconciliation: %v", err)
			}
		}
	}
}

func (e *Engine) cycleLoop() {
	ticker := time.NewTicker(time.Duration(e.cfg.Engine.CycleIntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			instructions := e.composeInstructions()
			if len(instructions) == 0 {
				continue
			}
			if err := e.executor.Execute(e.ctx, instructions); err != nil {
				logs.Errorf("[Engine] trade execution: %v", err)
			}
		}
	}
}

// composeInstructions runs one evaluation pass over every registered leg.
// Flat legs consult the strategy decider for entries; open legs go through
// the risk evaluator, with the decider's close and averaging signals fed in.
func (e *Engine) composeInstructions() []trade.Instruction {
	var out []trade.Instruction

	for name, eu := range e.users {
		if !eu.keeper.Healthy() {
			logs.Warnf("[Engine][%s] session unhealthy, skipping cycle", name)
			continue
		}
		for _, strat := range e.cfg.Strategies {
			if !strat.Enabled {
				continue
			}
			dec := eu.deciders[strat.Name]
			eval := eu.evaluators[strat.Name]
			dec.BeginCycle()

			for _, symbol := range strat.Symbols {
				for _, side := range []string{state.SideLong, state.SideShort} {
					key := state.Key{User: name, Strategy: strat.Name, Symbol: symbol, Side: side}
					rec, ok := e.store.Get(key)
					if !ok {
						continue
					}
					intent := dec.Decide(key)

					if rec.InPosition {
						if ins, ok := e.monitorLeg(eu, eval, key, intent); ok {
							out = append(out, ins)
						}
						continue
					}
					if !intent.Open {
						continue
					}
					openKey := key
					if intent.ReverseSide {
						openKey.Side = oppositeSide(key.Side)
					}
					if !e.limiter.CanOpen(name, openKey.Side) {
						continue
					}
					out = append(out, trade.Instruction{Key: openKey, Action: trade.ActionOpen})
				}
			}
		}
	}
	return out
}

// monitorLeg evaluates one open leg and maps the decision to an instruction.
func (e *Engine) monitorLeg(eu *engineUser, eval *risk.Evaluator, key state.Key, intent strategy.Intent) (trade.Instruction, bool) {
	price, ok := eu.client.LastPrice(key.Symbol)
	if !ok || price <= 0 {
		p, err := eu.client.HotPrice(e.ctx, key.Symbol)
		if err != nil || p <= 0 {
			logs.Debugf("[Engine][%s] no price, skipping monitoring", key)
			return trade.Instruction{}, false
		}
		price = p
	}

	decision := eval.Monitor(key, price, risk.Signals{CloseSignal: intent.Close, AvgSignal: intent.Avg})
	if decision == nil {
		return trade.Instruction{}, false
	}
	logs.Infof("[Engine][%s] %s", key, decision.Description())

	switch decision.(type) {
	case *risk.TrailingShiftDecision:
		return trade.Instruction{Key: key, Action: trade.ActionTrailing}, true
	case *risk.AverageDecision:
		return trade.Instruction{Key: key, Action: trade.ActionAverage}, true
	default:
		return trade.Instruction{Key: key, Action: trade.ActionClose}, true
	}
}

func oppositeSide(side string) string {
	if side == state.SideLong {
		return state.SideShort
	}
	return state.SideLong
}
