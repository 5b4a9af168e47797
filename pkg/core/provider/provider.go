package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"finmodel/pkg/core/template"
)

// Key identifies the (entity, scenario, period) a driver value belongs to.
type Key struct {
	Entity   string
	Scenario string
	Period   int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/P%d", k.Entity, k.Scenario, k.Period)
}

// DriverSource looks up external driver values. A missing value is
// (0, false, nil); err is reserved for source failures.
type DriverSource interface {
	Driver(ctx context.Context, code string, key Key) (float64, bool, error)
}

// DriverSourceFunc adapts a function to DriverSource.
type DriverSourceFunc func(ctx context.Context, code string, key Key) (float64, bool, error)

// Driver implements DriverSource.
func (f DriverSourceFunc) Driver(ctx context.Context, code string, key Key) (float64, bool, error) {
	return f(ctx, code, key)
}

// OpeningBalanceSource supplies the state before the first period.
type OpeningBalanceSource interface {
	OpeningBalance(ctx context.Context, entity, scenario string) (map[string]float64, error)
}

// Provider supplies named values to the evaluator. Offset is 0 for the
// current period and -k for k periods back; a provider answers only the
// lookups it owns.
type Provider interface {
	Name() string
	Value(name string, offset int) (float64, bool)
}

// Chain consults providers in order and returns the first hit. It
// implements formula.Env.
type Chain []Provider

// Value implements formula.Env.
func (c Chain) Value(name string, offset int) (float64, bool) {
	for _, p := range c {
		if v, ok := p.Value(name, offset); ok {
			return v, true
		}
	}
	return 0, false
}

// Names lists the providers in priority order.
func (c Chain) Names() []string {
	out := make([]string, len(c))
	for i, p := range c {
		out[i] = p.Name()
	}
	return out
}

// ============================================================================
// Computed
// ============================================================================

// Computed holds values already resolved in the current period.
type Computed struct {
	values map[string]float64
}

func NewComputed() *Computed {
	return &Computed{values: make(map[string]float64)}
}

func (c *Computed) Name() string { return "computed" }

func (c *Computed) Value(name string, offset int) (float64, bool) {
	if offset != 0 {
		return 0, false
	}
	v, ok := c.values[name]
	return v, ok
}

// Set records a resolved value.
func (c *Computed) Set(code string, v float64) { c.values[code] = v }

// Values returns a copy of everything resolved so far.
func (c *Computed) Values() map[string]float64 {
	out := make(map[string]float64, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// ============================================================================
// History
// ============================================================================

// History holds the opening state and the closing state of each completed
// period, oldest first. Offset -1 reads the latest state.
type History struct {
	states []map[string]float64
}

// NewHistory starts a history from an opening state. A nil opening is an empty state.
func NewHistory(opening map[string]float64) *History {
	return &History{states: []map[string]float64{copyValues(opening)}}
}

func (h *History) Name() string { return "prior" }

func (h *History) Value(name string, offset int) (float64, bool) {
	if offset >= 0 {
		return 0, false
	}
	i := len(h.states) + offset
	if i < 0 {
		return 0, false
	}
	v, ok := h.states[i][name]
	return v, ok
}

// Push appends a closing state. The map is copied.
func (h *History) Push(closing map[string]float64) {
	h.states = append(h.states, copyValues(closing))
}

// Latest returns a copy of the most recent state.
func (h *History) Latest() map[string]float64 {
	return copyValues(h.states[len(h.states)-1])
}

// Len is the number of stored states, including the opening state.
func (h *History) Len() int { return len(h.states) }

// Snapshot returns a read-only view frozen at the current length so a
// period run cannot observe states pushed after it started.
func (h *History) Snapshot() *History {
	return &History{states: h.states[:len(h.states):len(h.states)]}
}

// ============================================================================
// Drivers
// ============================================================================

// Failure records a driver source error for one code.
type Failure struct {
	Code string
	Err  error
}

// Drivers reads external drivers for one key. Lookups are memoized and
// source failures are recorded rather than returned, so the engine can mark
// the dependent line item unresolved and carry on.
type Drivers struct {
	ctx    context.Context
	src    DriverSource
	key    Key
	logger *slog.Logger

	mu       sync.Mutex
	cache    map[string]driverEntry
	failures []Failure
}

type driverEntry struct {
	value float64
	ok    bool
}

// NewDrivers binds src to key. Lagged lookups read the driver of an earlier period.
func NewDrivers(ctx context.Context, src DriverSource, key Key, logger *slog.Logger) *Drivers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Drivers{ctx: ctx, src: src, key: key, logger: logger, cache: make(map[string]driverEntry)}
}

func (d *Drivers) Name() string { return "driver" }

func (d *Drivers) Value(name string, offset int) (float64, bool) {
	if d.src == nil {
		return 0, false
	}
	code := strings.TrimPrefix(name, template.DriverPrefix)
	key := d.key
	key.Period += offset
	cacheKey := fmt.Sprintf("%s@%d", code, key.Period)

	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.cache[cacheKey]; ok {
		return e.value, e.ok
	}
	v, ok, err := d.src.Driver(d.ctx, code, key)
	if err != nil {
		d.logger.Warn("driver lookup failed", "code", code, "key", key.String(), "error", err)
		d.failures = append(d.failures, Failure{Code: code, Err: err})
		ok = false
	}
	d.cache[cacheKey] = driverEntry{value: v, ok: ok}
	return v, ok
}

// Failures returns the source errors seen so far.
func (d *Drivers) Failures() []Failure {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Failure(nil), d.failures...)
}

// FailureFor returns the recorded error for code, if any.
func (d *Drivers) FailureFor(code string) error {
	code = strings.TrimPrefix(code, template.DriverPrefix)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range d.failures {
		if f.Code == code {
			return f.Err
		}
	}
	return nil
}

// ============================================================================
// In-memory sources
// ============================================================================

// StaticDrivers is an in-memory DriverSource. Period-specific values take
// precedence over all-period values. Entity and scenario are ignored.
type StaticDrivers struct {
	mu       sync.RWMutex
	all      map[string]float64
	byPeriod map[string]map[int]float64
}

func NewStaticDrivers() *StaticDrivers {
	return &StaticDrivers{all: make(map[string]float64), byPeriod: make(map[string]map[int]float64)}
}

// Set assigns v to code for every period.
func (s *StaticDrivers) Set(code string, v float64) *StaticDrivers {
	s.mu.Lock()
	s.all[code] = v
	s.mu.Unlock()
	return s
}

// SetPeriod assigns v to code for one period.
func (s *StaticDrivers) SetPeriod(code string, period int, v float64) *StaticDrivers {
	s.mu.Lock()
	if s.byPeriod[code] == nil {
		s.byPeriod[code] = make(map[int]float64)
	}
	s.byPeriod[code][period] = v
	s.mu.Unlock()
	return s
}

// SetSeries assigns consecutive values starting at period first.
func (s *StaticDrivers) SetSeries(code string, first int, values ...float64) *StaticDrivers {
	for i, v := range values {
		s.SetPeriod(code, first+i, v)
	}
	return s
}

// Codes lists every driver code with a value.
func (s *StaticDrivers) Codes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := make(map[string]bool, len(s.all)+len(s.byPeriod))
	for c := range s.all {
		set[c] = true
	}
	for c := range s.byPeriod {
		set[c] = true
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Driver implements DriverSource.
func (s *StaticDrivers) Driver(_ context.Context, code string, key Key) (float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.byPeriod[code][key.Period]; ok {
		return v, true, nil
	}
	v, ok := s.all[code]
	return v, ok, nil
}

// StaticOpening is an in-memory OpeningBalanceSource returning the same
// values for every entity and scenario.
type StaticOpening map[string]float64

// OpeningBalance implements OpeningBalanceSource.
func (s StaticOpening) OpeningBalance(context.Context, string, string) (map[string]float64, error) {
	return copyValues(s), nil
}

func copyValues(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
