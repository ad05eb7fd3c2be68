// trade/executor.go
package trade

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pos_bian_go/config"
	"pos_bian_go/exchange"
	"pos_bian_go/logs"
	"pos_bian_go/risk"
	"pos_bian_go/state"
	"pos_bian_go/utils"
)

// Action marks what an Instruction should do with a position leg.
type Action string

const (
	ActionOpen     Action = "is_opening"
	ActionAverage  Action = "is_avg"
	ActionClose    Action = "is_closing"
	ActionTrailing Action = "is_trailing"
)

// Instruction is one unit of work for the executor, produced by the signal
// and risk evaluation pass of a trade cycle.
type Instruction struct {
	Key    state.Key
	Action Action
}

const (
	priceAttempts      = 5
	priceRetryInterval = 250 * time.Millisecond
	cancelAttempts     = 2
	placeAttempts      = 2
	retryInterval      = 150 * time.Millisecond
	fillPollAttempts   = 120
	fillPollInterval   = 150 * time.Millisecond
)

// UserContext bundles everything the executor needs for one account.
type UserContext struct {
	Client exchange.Client
	Orders *risk.OrderManager
	Config *config.UserConfig
}

// Executor turns instructions into exchange orders. Users run concurrently;
// within a user, symbols run sequentially with a randomized minimum
// iteration time, and all legs of one symbol submit their market orders
// together once every leg has finished its preparation.
type Executor struct {
	store      state.StoreInterface
	engine     *config.EngineConfig
	users      map[string]*UserContext
	strategies map[string]*config.StrategyConfig
}

func NewExecutor(store state.StoreInterface, engine *config.EngineConfig, users map[string]*UserContext, strategies []*config.StrategyConfig) *Executor {
	byName := make(map[string]*config.StrategyConfig, len(strategies))
	for _, s := range strategies {
		byName[s.Name] = s
	}
	return &Executor{
		store:      store,
		engine:     engine,
		users:      users,
		strategies: byName,
	}
}

// Execute runs one batch of instructions, grouped per user.
func (e *Executor) Execute(ctx context.Context, instructions []Instruction) error {
	byUser := make(map[string][]Instruction)
	for _, ins := range instructions {
		byUser[ins.Key.User] = append(byUser[ins.Key.User], ins)
	}

	g, gctx := errgroup.WithContext(ctx)
	for user, tasks := range byUser {
		uc, ok := e.users[user]
		if !ok {
			logs.Errorf("[Trade][%s] no user context, dropping %d instructions", user, len(tasks))
			continue
		}
		uc, tasks := uc, tasks
		g.Go(func() error {
			e.processUser(gctx, uc, tasks)
			return nil
		})
	}
	return g.Wait()
}

func (e *Executor) processUser(ctx context.Context, uc *UserContext, tasks []Instruction) {
	symbolSet := make(map[string][]Instruction)
	for _, t := range tasks {
		symbolSet[t.Key.Symbol] = append(symbolSet[t.Key.Symbol], t)
	}
	symbols := make([]string, 0, len(symbolSet))
	for s := range symbolSet {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		e.processSymbol(ctx, uc, symbolSet[symbol])

		// keep symbol iterations from hammering the API in a tight loop
		target := e.engine.SymbolMinIterationSec +
			rand.Float64()*(e.engine.SymbolMaxIterationSec-e.engine.SymbolMinIterationSec)
		if remaining := time.Duration(target*float64(time.Second)) - time.Since(start); remaining > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(remaining):
			}
		}
	}
}

// processSymbol runs every leg of one symbol concurrently. Market orders
// are held behind a gate that opens once all legs finished preparing, so
// paired LONG/SHORT submissions land as close together as possible.
func (e *Executor) processSymbol(ctx context.Context, uc *UserContext, tasks []Instruction) {
	gate := make(chan struct{})
	var ready sync.WaitGroup
	var wg sync.WaitGroup

	ready.Add(len(tasks))
	for _, task := range tasks {
		task := task
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.runTask(ctx, uc, task, gate, &ready)
		}()
	}

	ready.Wait()
	close(gate)
	wg.Wait()
}

func (e *Executor) runTask(ctx context.Context, uc *UserContext, task Instruction, gate <-chan struct{}, ready *sync.WaitGroup) {
	key := task.Key
	label := key.String()

	if task.Action == ActionTrailing {
		ready.Done()
		moveTP := false
		if s, ok := e.strategies[key.Strategy]; ok && s.TrailingSL != nil {
			moveTP = s.TrailingSL.MoveTP
		}
		if err := uc.Orders.ReplaceSL(ctx, key, moveTP); err != nil {
			logs.Errorf("[Trade][%s] trailing stop replacement failed: %v", label, err)
		}
		return
	}

	prep, ok := e.prepare(ctx, uc, task)
	ready.Done()
	if !ok {
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-gate:
	}

	e.submit(ctx, uc, task, prep)
}

type prepared struct {
	side         string
	qty          float64
	lastAvgPrice float64
	kinds        []string
}

// prepare resolves side and size for the leg and re-asserts margin type
// and leverage the first time this leg's configuration is seen. It must
// not submit orders; that happens after the gate.
func (e *Executor) prepare(ctx context.Context, uc *UserContext, task Instruction) (prepared, bool) {
	key := task.Key
	label := key.String()

	rec, okRec := e.store.Get(key)
	if !okRec {
		logs.Errorf("[Trade][%s] no position record, dropping %s", label, task.Action)
		return prepared{}, false
	}

	// stale-decision guards: the reconciler may have flipped the state
	// between evaluation and execution
	switch task.Action {
	case ActionClose:
		if !rec.InPosition {
			return prepared{}, false
		}
	case ActionOpen:
		if rec.InPosition {
			return prepared{}, false
		}
	}

	p := prepared{
		lastAvgPrice: rec.AvgPrice,
		kinds:        uc.Orders.Kinds(key.Symbol),
	}

	if task.Action == ActionClose {
		p.side = exchange.Sell
		if key.Side == state.SideShort {
			p.side = exchange.Buy
		}
		p.qty = rec.CumQty
	} else {
		p.side = exchange.Buy
		if key.Side == state.SideShort {
			p.side = exchange.Sell
		}

		price := e.currentPrice(ctx, uc, key.Symbol)
		if price <= 0 {
			logs.Errorf("[Trade][%s] no price available, dropping %s", label, task.Action)
			return prepared{}, false
		}

		volumeFraction := rec.ProcessVolume
		if task.Action == ActionOpen {
			if s, ok := e.strategies[key.Strategy]; ok && len(s.GridOrders) > 0 {
				volumeFraction = s.GridOrders[0].Volume / 100
			}
			if err := e.store.Update(key, func(r *state.PositionRecord) { r.ProcessVolume = volumeFraction }); err != nil {
				logs.Errorf("[Trade][%s] %v", label, err)
				return prepared{}, false
			}
		}

		margin := uc.Config.Core.MarginSize
		if riskCfg := uc.Config.RiskFor(key.Symbol); riskCfg != nil && riskCfg.IsMartin {
			if martin := e.store.Martin(key); martin.CurMarginSize > 0 {
				margin = martin.CurMarginSize
			}
		}

		p.qty = utils.OrderSize(margin, volumeFraction, uc.Config.Core.Leverage, price, rec.QtyPrecision)
	}

	if p.qty <= 0 {
		logs.Infof("[Trade][%s] zero order size, skipping %s", label, task.Action)
		return prepared{}, false
	}

	if rec.ConfigLabel != label {
		if err := uc.Client.SetMarginType(ctx, key.Symbol, uc.Config.Core.MarginType); err != nil {
			logs.Errorf("[Trade][%s] set margin type: %v", label, err)
		}
		if err := uc.Client.SetLeverage(ctx, key.Symbol, uc.Config.Core.Leverage); err != nil {
			logs.Errorf("[Trade][%s] set leverage: %v", label, err)
		}
		if err := e.store.Update(key, func(r *state.PositionRecord) { r.ConfigLabel = label }); err != nil {
			logs.Errorf("[Trade][%s] %v", label, err)
		}
	}

	return p, true
}

// currentPrice prefers the stream price and falls back to a REST lookup,
// retrying a few times before giving up.
func (e *Executor) currentPrice(ctx context.Context, uc *UserContext, symbol string) float64 {
	for attempt := 0; attempt < priceAttempts; attempt++ {
		if price, ok := uc.Client.LastPrice(symbol); ok && price > 0 {
			return price
		}
		if price, err := uc.Client.HotPrice(ctx, symbol); err == nil && price > 0 {
			return price
		}
		select {
		case <-ctx.Done():
			return 0
		case <-time.After(priceRetryInterval):
		}
	}
	return 0
}

func (e *Executor) submit(ctx context.Context, uc *UserContext, task Instruction, p prepared) {
	key := task.Key
	label := key.String()

	res, err := uc.Client.MakeOrder(ctx, key.Symbol, p.qty, p.side, key.Side)
	if err != nil {
		logs.Errorf("[Trade][%s] market order failed (%s): %v", label, task.Action, err)
		if task.Action == ActionOpen {
			return
		}
	} else {
		logs.Infof("[Trade][%s] market order %s: %s %s qty=%.8f status=%s",
			label, task.Action, p.side, key.Symbol, p.qty, res.Status)
	}

	if task.Action == ActionAverage || task.Action == ActionClose {
		if err := e.store.Update(key, func(r *state.PositionRecord) { r.TrailingCounter = 0 }); err != nil {
			logs.Errorf("[Trade][%s] %v", label, err)
		}
		if !e.cancelWithRetry(ctx, uc, key, p.kinds) {
			logs.Errorf("[Trade][%s] could not cancel risk orders after %d attempts", label, cancelAttempts)
			return
		}
	}

	if task.Action == ActionClose {
		// the reconciler confirms the close and finishes cleanup
		return
	}

	// wait for the reconciler to confirm the fill through the account
	// endpoint before protecting the new average price
	confirmed := utils.Poll(ctx, fillPollAttempts, fillPollInterval, func() bool {
		rec, ok := e.store.Get(key)
		return ok && rec.InPosition && rec.AvgPrice > 0 && !utils.FloatEquals(rec.AvgPrice, p.lastAvgPrice)
	})
	if !confirmed {
		logs.Errorf("[Trade][%s] position data not confirmed after %s order", label, task.Action)
		return
	}

	if !e.cancelWithRetry(ctx, uc, key, p.kinds) {
		logs.Errorf("[Trade][%s] could not cancel risk orders before re-placing", label)
		return
	}
	if !e.placeWithRetry(ctx, uc, key, p.kinds) {
		logs.Errorf("[Trade][%s] could not place risk orders after %d attempts", label, placeAttempts)
	}
}

func (e *Executor) cancelWithRetry(ctx context.Context, uc *UserContext, key state.Key, kinds []string) bool {
	for attempt := 0; attempt < cancelAttempts; attempt++ {
		if err := uc.Orders.CancelAll(ctx, key, kinds); err == nil {
			return true
		} else {
			logs.Debugf("[Trade][%s] cancel attempt %d: %v", key.String(), attempt+1, err)
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(retryInterval):
		}
	}
	return false
}

func (e *Executor) placeWithRetry(ctx context.Context, uc *UserContext, key state.Key, kinds []string) bool {
	for attempt := 0; attempt < placeAttempts; attempt++ {
		if err := uc.Orders.PlaceAll(ctx, key, kinds); err == nil {
			return true
		} else {
			logs.Debugf("[Trade][%s] place attempt %d: %v", key.String(), attempt+1, err)
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(retryInterval):
		}
	}
	return false
}
