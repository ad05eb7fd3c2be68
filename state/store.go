// state/store.go
package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// --- 1. Define Interface ---

// StoreInterface defines all capabilities of the Position Store for the
// upper-level modules (trade orchestrator, reconciler, risk evaluators).
// Interface-oriented design keeps those modules decoupled from the concrete
// in-memory implementation, which also makes them straightforward to test.
type StoreInterface interface {
	// Register creates a default record for a key if none exists yet.
	Register(key Key, qtyPrecision, pricePrecision int32)
	// Get returns a copy of the record; callers never hold live references
	// across blocking calls.
	Get(key Key) (PositionRecord, bool)
	// Update mutates the record under the store lock via the closure.
	Update(key Key, fn func(*PositionRecord)) error
	// Reset returns the record to flat defaults and clears the episode's
	// anti-double-close flags.
	Reset(key Key) error

	Martin(key Key) MartinState
	UpdateMartin(key Key, fn func(*MartinState))

	// TestAndSetCloseFlag atomically sets the flag for a trigger kind and
	// reports whether this call was the first to set it.
	TestAndSetCloseFlag(key Key, kind string) bool
	CloseFlagSet(key Key, kind string) bool

	// DynamicRisk returns the runtime per-symbol override for a trigger
	// kind, or nil when none is set.
	DynamicRisk(user, symbol, kind string) *float64
	SetDynamicRisk(user, symbol, kind string, pct float64)
	ClearDynamicRisk(user, symbol, kind string)

	Keys() []Key
	KeysForUser(user string) []Key
}

var _ StoreInterface = (*Store)(nil)

// --- 2. Store Implementation ---

// storeData is the serializable body of the store; Snapshot and Restore
// operate on this shape.
type storeData struct {
	Positions   map[string]*PositionRecord `json:"positions"`
	Martin      map[string]*MartinState    `json:"martin"`
	CloseFlags  map[string]bool            `json:"close_flags"`
	DynamicRisk map[string]float64         `json:"dynamic_risk"`
}

// Store is the in-memory Position Store shared by the trade orchestrator
// and the reconciler. All access goes through the internal lock; Get hands
// out copies only.
type Store struct {
	mu   sync.RWMutex
	data storeData
	keys map[string]Key // flat key -> structured key, for iteration
}

// NewStore creates an empty Position Store.
func NewStore() *Store {
	return &Store{
		data: storeData{
			Positions:   make(map[string]*PositionRecord),
			Martin:      make(map[string]*MartinState),
			CloseFlags:  make(map[string]bool),
			DynamicRisk: make(map[string]float64),
		},
		keys: make(map[string]Key),
	}
}

func (s *Store) Register(key Key, qtyPrecision, pricePrecision int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	flat := key.String()
	if _, ok := s.data.Positions[flat]; ok {
		return
	}
	s.data.Positions[flat] = &PositionRecord{
		QtyPrecision:   qtyPrecision,
		PricePrecision: pricePrecision,
		AvgCounter:     1,
	}
	s.data.Martin[flat] = &MartinState{}
	s.keys[flat] = key
}

func (s *Store) Get(key Key) (PositionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data.Positions[key.String()]
	if !ok {
		return PositionRecord{}, false
	}
	return *rec, true
}

func (s *Store) Update(key Key, fn func(*PositionRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.data.Positions[key.String()]
	if !ok {
		return fmt.Errorf("position %s is not registered", key)
	}
	fn(rec)
	return nil
}

func (s *Store) Reset(key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	flat := key.String()
	rec, ok := s.data.Positions[flat]
	if !ok {
		return fmt.Errorf("position %s is not registered", key)
	}
	rec.reset()
	delete(s.data.CloseFlags, key.FlagKey(KindSL))
	delete(s.data.CloseFlags, key.FlagKey(KindTP))
	return nil
}

func (s *Store) Martin(key Key) MartinState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.data.Martin[key.String()]; ok {
		return *m
	}
	return MartinState{}
}

func (s *Store) UpdateMartin(key Key, fn func(*MartinState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	flat := key.String()
	m, ok := s.data.Martin[flat]
	if !ok {
		m = &MartinState{}
		s.data.Martin[flat] = m
	}
	fn(m)
}

func (s *Store) TestAndSetCloseFlag(key Key, kind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	flag := key.FlagKey(kind)
	if s.data.CloseFlags[flag] {
		return false
	}
	s.data.CloseFlags[flag] = true
	return true
}

func (s *Store) CloseFlagSet(key Key, kind string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.CloseFlags[key.FlagKey(kind)]
}

func dynamicRiskKey(user, symbol, kind string) string {
	return fmt.Sprintf("%s_%s_%s", user, symbol, kind)
}

func (s *Store) DynamicRisk(user, symbol, kind string) *float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if pct, ok := s.data.DynamicRisk[dynamicRiskKey(user, symbol, kind)]; ok {
		return &pct
	}
	return nil
}

func (s *Store) SetDynamicRisk(user, symbol, kind string, pct float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.DynamicRisk[dynamicRiskKey(user, symbol, kind)] = pct
}

func (s *Store) ClearDynamicRisk(user, symbol, kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.DynamicRisk, dynamicRiskKey(user, symbol, kind))
}

// Keys returns all registered keys in a stable order.
func (s *Store) Keys() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	flat := make([]string, 0, len(s.keys))
	for f := range s.keys {
		flat = append(flat, f)
	}
	sort.Strings(flat)
	out := make([]Key, 0, len(flat))
	for _, f := range flat {
		out = append(out, s.keys[f])
	}
	return out
}

func (s *Store) KeysForUser(user string) []Key {
	all := s.Keys()
	out := make([]Key, 0, len(all))
	for _, k := range all {
		if k.User == user {
			out = append(out, k)
		}
	}
	return out
}

// --- 3. Snapshot / Restore ---

// Snapshot serializes a consistent copy of the full store. The copy is
// taken under the read lock; marshalling happens on the copy so the lock is
// never held across encoding.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	cp := storeData{
		Positions:   make(map[string]*PositionRecord, len(s.data.Positions)),
		Martin:      make(map[string]*MartinState, len(s.data.Martin)),
		CloseFlags:  make(map[string]bool, len(s.data.CloseFlags)),
		DynamicRisk: make(map[string]float64, len(s.data.DynamicRisk)),
	}
	for k, v := range s.data.Positions {
		rec := *v
		cp.Positions[k] = &rec
	}
	for k, v := range s.data.Martin {
		m := *v
		cp.Martin[k] = &m
	}
	for k, v := range s.data.CloseFlags {
		cp.CloseFlags[k] = v
	}
	for k, v := range s.data.DynamicRisk {
		cp.DynamicRisk[k] = v
	}
	s.mu.RUnlock()

	return json.MarshalIndent(cp, "", "  ")
}

// Restore overwrites the store content from a snapshot blob. Records
// present in the snapshot but not yet registered become registered; the
// structured keys are rebuilt from the flat form by the caller registering
// its configured tuples first, so unknown flat keys are kept only as data.
func (s *Store) Restore(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var restored storeData
	if err := json.Unmarshal(data, &restored); err != nil {
		return fmt.Errorf("failed to unmarshal state snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range restored.Positions {
		if rec, ok := s.data.Positions[k]; ok {
			*rec = *v
		}
	}
	for k, v := range restored.Martin {
		if m, ok := s.data.Martin[k]; ok {
			*m = *v
		}
	}
	for k, v := range restored.CloseFlags {
		s.data.CloseFlags[k] = v
	}
	for k, v := range restored.DynamicRisk {
		s.data.DynamicRisk[k] = v
	}
	return nil
}
