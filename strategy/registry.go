// strategy/registry.go
package strategy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"pos_bian_go/config"
)

// Signal codes produced by a SignalFunc. Positive codes drive the LONG
// side, negative codes the SHORT side. 1/-1 open (or add), 2/-2 exit.
const (
	LongOpen  = 1
	LongExit  = 2
	ShortOpen = -1
	ShortExit = -2
	NoSignal  = 0
)

// SignalFunc produces the raw long and short signal codes for one symbol.
// The strategy name's letter prefix selects the function from the registry,
// so "cron_btc_1" and "cron_scalp" both resolve to the "cron" generator.
type SignalFunc func(symbol string, entry *config.EntryConfig) (longSignal, shortSignal int)

var (
	registryMu sync.RWMutex
	registry   = map[string]SignalFunc{}
)

// RegisterSignal adds a signal generator under a name. Built-in generators
// register from init; callers may override or extend before the engine
// starts.
func RegisterSignal(name string, fn SignalFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = fn
}

// ResolveSignal finds the generator for a strategy name. The lookup key is
// the strategy name's leading letters, lowercased.
func ResolveSignal(strategyName string) (SignalFunc, error) {
	key := extractSignalName(strategyName)
	registryMu.RLock()
	fn, ok := registry[key]
	registryMu.RUnlock()
	if !ok {
		registryMu.RLock()
		known := make([]string, 0, len(registry))
		for name := range registry {
			known = append(known, name)
		}
		registryMu.RUnlock()
		sort.Strings(known)
		return nil, fmt.Errorf("no signal generator '%s' for strategy '%s' (known: %s)",
			key, strategyName, strings.Join(known, ", "))
	}
	return fn, nil
}

// extractSignalName keeps the leading letters of the strategy name, so
// numeric and underscore suffixes select the same generator.
func extractSignalName(strategyName string) string {
	s := strings.ToLower(strategyName)
	for i, r := range s {
		if r < 'a' || r > 'z' {
			if i == 0 {
				return s
			}
			return s[:i]
		}
	}
	return s
}

// cronSignal fires on every pass on both sides; the configured direction
// and the position state decide what actually happens with it.
func cronSignal(symbol string, entry *config.EntryConfig) (int, int) {
	return LongOpen, ShortOpen
}

func init() {
	RegisterSignal("cron", cronSignal)
}
