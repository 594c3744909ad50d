// Package scalebloom implements the scaling timing Bloom filter: an
// ordered sequence of timing sub-filters (package timebloom) that grows by
// allocating additional, geometrically tighter-error sub-filters as
// occupancy rises, and shrinks by allocating a smaller companion once the
// sole remaining sub-filter is under-full — the Almeida "Scalable Bloom
// Filter" construction, adapted for time decay.
package scalebloom

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mynameisfiber/fuggetaboutit/fberrors"
	"github.com/mynameisfiber/fuggetaboutit/fsstore"
	"github.com/mynameisfiber/fuggetaboutit/ticker"
	"github.com/mynameisfiber/fuggetaboutit/timebloom"
)

const (
	// DefaultError is the target false-positive rate for the whole filter.
	DefaultError = 0.005
	// DefaultErrorTighteningRatio is the geometric ratio by which each
	// successive sub-filter's error budget shrinks.
	DefaultErrorTighteningRatio = 0.5
	// DefaultMaxFillFactor is the fraction of a sub-filter's capacity it
	// may reach before a new sub-filter is allocated.
	DefaultMaxFillFactor = 0.6
)

// InsertTail selects which end of the sub-filter list receives new
// inserts first.
type InsertTail bool

const (
	// Compactness iterates oldest to newest, refilling older sub-filters
	// before allocating new ones.
	Compactness InsertTail = false
	// Convergence iterates newest to oldest, so inserts land in the
	// youngest non-full sub-filter.
	Convergence InsertTail = true
)

// Filter is a scaling timing Bloom filter.
type Filter struct {
	capacity             int
	decayWindow          time.Duration
	errRate              float64
	errorTighteningRatio float64
	growthFactor         *float64
	maxFillFactor        float64
	minFillFactor        *float64
	insertTail           InsertTail
	disableOptimizations bool
	dataPath             string
	now                  func() time.Time

	blooms []*timebloom.Filter
	t      ticker.Ticker
}

// Option configures a Filter at construction.
type Option func(*config)

type config struct {
	errRate               float64
	errorTighteningRatio  float64
	growthFactor          *float64
	maxFillFactor         float64
	minFillFactor         *float64
	insertTail            InsertTail
	disableOptimizations  bool
	dataPath              string
	now                   func() time.Time
	ticker                ticker.Ticker
}

// WithError sets the target false-positive rate for the whole filter.
func WithError(errRate float64) Option { return func(c *config) { c.errRate = errRate } }

// WithErrorTighteningRatio sets r, the ratio by which each successive
// sub-filter's error budget shrinks.
func WithErrorTighteningRatio(r float64) Option {
	return func(c *config) { c.errorTighteningRatio = r }
}

// WithGrowthFactor sets g; sub-filter i then has capacity
// floor(ln2 * n * g^i) instead of a flat n.
func WithGrowthFactor(g float64) Option { return func(c *config) { c.growthFactor = &g } }

// WithMaxFillFactor sets the fraction of a sub-filter's capacity it may
// reach before a new one is allocated.
func WithMaxFillFactor(f float64) Option { return func(c *config) { c.maxFillFactor = f } }

// WithMinFillFactor enables shrinking: once the sole remaining sub-filter's
// size drops below minFillFactor*capacity, a smaller companion is added.
func WithMinFillFactor(f float64) Option { return func(c *config) { c.minFillFactor = &f } }

// WithInsertTail selects the active-bloom traversal policy.
func WithInsertTail(p InsertTail) Option { return func(c *config) { c.insertTail = p } }

// WithDisableOptimizations selects the portable 8-bit cell layout for
// every sub-filter instead of the packed 4-bit layout.
func WithDisableOptimizations() Option {
	return func(c *config) { c.disableOptimizations = true }
}

// WithDataPath configures the directory Save/Load use when not given an
// explicit path.
func WithDataPath(path string) Option { return func(c *config) { c.dataPath = path } }

// WithClock overrides the clock used for tick derivation in every
// sub-filter. Intended for deterministic tests.
func WithClock(now func() time.Time) Option { return func(c *config) { c.now = now } }

// WithTicker supplies the ticker driving periodic decay. Defaults to a
// real interval ticker; tests typically pass a *ticker.NoOpTicker and
// drive Decay manually.
func WithTicker(t ticker.Ticker) Option { return func(c *config) { c.ticker = t } }

// New constructs a scaling timing Bloom filter sized for capacity expected
// insertions per sub-filter, with decay window decay. It allocates the
// first sub-filter and starts the decay ticker.
func New(capacity int, decay time.Duration, opts ...Option) (*Filter, error) {
	cfg := config{
		errRate:              DefaultError,
		errorTighteningRatio: DefaultErrorTighteningRatio,
		maxFillFactor:        DefaultMaxFillFactor,
		insertTail:           Compactness,
		now:                  time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := validateConfig(capacity, decay, cfg); err != nil {
		return nil, err
	}

	f := &Filter{
		capacity:             capacity,
		decayWindow:          decay,
		errRate:              cfg.errRate,
		errorTighteningRatio: cfg.errorTighteningRatio,
		growthFactor:         cfg.growthFactor,
		maxFillFactor:        cfg.maxFillFactor,
		minFillFactor:        cfg.minFillFactor,
		insertTail:           cfg.insertTail,
		disableOptimizations: cfg.disableOptimizations,
		dataPath:             cfg.dataPath,
		now:                  cfg.now,
		t:                    cfg.ticker,
	}

	if f.t == nil {
		f.t = ticker.New()
	}

	zero := 0
	if _, err := f.addNewBloom(&zero); err != nil {
		return nil, err
	}

	if err := f.t.Setup(f.Decay, f.blooms[0].TickInterval()); err != nil {
		return nil, err
	}
	if err := f.t.Start(); err != nil {
		return nil, err
	}

	return f, nil
}

func validateConfig(capacity int, decay time.Duration, cfg config) error {
	if capacity <= 0 || decay <= 0 {
		return fberrors.ErrInvalidConfig
	}
	if !(cfg.errRate > 0 && cfg.errRate < 1) {
		return fberrors.ErrInvalidConfig
	}
	if !(cfg.maxFillFactor > 0 && cfg.maxFillFactor <= 1) {
		return fberrors.ErrInvalidConfig
	}
	if cfg.minFillFactor != nil && !(*cfg.minFillFactor > 0 && *cfg.minFillFactor < cfg.maxFillFactor) {
		return fberrors.ErrInvalidConfig
	}
	if cfg.growthFactor != nil && *cfg.growthFactor <= 0 {
		return fberrors.ErrInvalidConfig
	}
	return nil
}

// capAt returns cap(id), the capacity a sub-filter with this id is sized
// for.
func (f *Filter) capAt(id int) int {
	if f.growthFactor == nil {
		return f.capacity
	}
	return int(math.Floor(math.Log(2) * float64(f.capacity) * math.Pow(*f.growthFactor, float64(id))))
}

// errAt returns err(id), the false-positive budget a sub-filter with this
// id is sized for.
func (f *Filter) errAt(id int) float64 {
	errInitial := f.errRate * (1 - f.errorTighteningRatio)
	return errInitial * math.Pow(f.errorTighteningRatio, float64(id))
}

func (f *Filter) maxExistingID() (int, bool) {
	max, found := 0, false
	for _, sub := range f.blooms {
		id := *sub.ID()
		if !found || id > max {
			max = id
			found = true
		}
	}
	return max, found
}

// addNewBloom allocates a sub-filter. explicitID, if non-nil, is honored
// verbatim — including an explicit 0 — rather than being treated as "no id
// supplied"; this is the fix for the falsy-coalescing bug described in
// SPEC_FULL.md §9.
func (f *Filter) addNewBloom(explicitID *int) (*timebloom.Filter, error) {
	id := 0
	if explicitID != nil {
		id = *explicitID
	} else if max, found := f.maxExistingID(); found {
		id = max + 1
	}

	opts := []timebloom.Option{
		timebloom.WithError(f.errAt(id)),
		timebloom.WithID(id),
		timebloom.WithClock(f.now),
	}
	if f.disableOptimizations {
		opts = append(opts, timebloom.WithDisableOptimizations())
	}
	if f.dataPath != "" {
		opts = append(opts, timebloom.WithDataPath(fsstore.SubFilterDir(f.dataPath, id)))
	}

	sub, err := timebloom.New(f.capAt(id), f.decayWindow, opts...)
	if err != nil {
		return nil, err
	}

	f.blooms = append(f.blooms, sub)
	return sub, nil
}

// orderedForInsert returns the sub-filter list in the traversal order
// insertTail selects.
func (f *Filter) orderedForInsert() []*timebloom.Filter {
	if f.insertTail == Compactness {
		return f.blooms
	}

	rev := make([]*timebloom.Filter, len(f.blooms))
	for i, sub := range f.blooms {
		rev[len(f.blooms)-1-i] = sub
	}
	return rev
}

// Add routes key to the active sub-filter: the first sub-filter (in
// insertTail order) under its max fill factor, or a newly allocated one if
// none qualifies.
func (f *Filter) Add(key []byte, ts ...time.Time) {
	var active *timebloom.Filter
	for _, sub := range f.orderedForInsert() {
		if sub.Size() < f.maxFillFactor*float64(sub.Capacity()) {
			active = sub
			break
		}
	}

	if active == nil {
		// New sub-filters are never full-fill-factor capacity errors; a
		// construction error here would mean the scaling filter's own
		// config silently went invalid after construction, which cannot
		// happen since addNewBloom only varies id-derived parameters.
		sub, err := f.addNewBloom(nil)
		if err != nil {
			panic(fmt.Sprintf("scalebloom: unexpected error allocating a new sub-filter: %v", err))
		}
		active = sub
	}

	active.Add(key, ts...)
}

// Contains reports whether any sub-filter contains key.
func (f *Filter) Contains(key []byte) bool {
	for _, sub := range f.blooms {
		if sub.Contains(key) {
			return true
		}
	}
	return false
}

// Decay runs the three ordered phases described in SPEC_FULL.md §4.3:
// sweep every sub-filter, reap the ones left empty, then shrink if the
// sole survivor is under-full.
func (f *Filter) Decay() {
	for _, sub := range f.blooms {
		sub.Decay()
	}

	f.reapEmpty()
	f.maybeShrink()
}

// reapEmpty removes every sub-filter whose NumNonZero has reached zero,
// deleting its backing directory if persistence is configured. It copies
// the survivors into a new slice and then replaces f.blooms with it —
// never mutating f.blooms while ranging over it, per the §9 design note.
func (f *Filter) reapEmpty() {
	var keep []*timebloom.Filter
	for _, sub := range f.blooms {
		if sub.NumNonZero() == 0 {
			if f.dataPath != "" {
				_ = fsstore.RemoveAll(fsstore.SubFilterDir(f.dataPath, *sub.ID()))
			}
			continue
		}
		keep = append(keep, sub)
	}
	f.blooms = keep
}

// maybeShrink allocates a smaller companion sub-filter when exactly one
// sub-filter remains, its id is positive, and its occupancy has dropped
// below the configured minimum fill factor.
func (f *Filter) maybeShrink() {
	if f.minFillFactor == nil || len(f.blooms) != 1 {
		return
	}

	sole := f.blooms[0]
	id := *sole.ID()
	if id <= 0 {
		return
	}

	size := sole.Size()
	if size <= 0 || size >= *f.minFillFactor*float64(sole.Capacity()) {
		return
	}

	companionID := id - 1
	if _, err := f.addNewBloom(&companionID); err != nil {
		// A shrink that fails to allocate leaves the existing sub-filter
		// untouched; the next decay cycle will try again.
		return
	}
}

// ExpectedError returns 1 - the product of each sub-filter's true-negative
// rate; it is 0 when the filter is empty and is guaranteed strictly below
// the configured error rate by construction.
func (f *Filter) ExpectedError() float64 {
	if len(f.blooms) == 0 {
		return 0
	}

	product := 1.0
	for _, sub := range f.blooms {
		product *= 1 - f.errAt(*sub.ID())
	}
	return 1 - product
}

// Size returns the sum of every sub-filter's size estimate.
func (f *Filter) Size() float64 {
	var total float64
	for _, sub := range f.blooms {
		total += sub.Size()
	}
	return total
}

// NumSubFilters returns the number of live sub-filters. Exposed mainly for
// tests asserting on reap/shrink behavior.
func (f *Filter) NumSubFilters() int { return len(f.blooms) }

// SubFilterIDs returns the ids of every live sub-filter, in insertion
// order.
func (f *Filter) SubFilterIDs() []int {
	ids := make([]int, len(f.blooms))
	for i, sub := range f.blooms {
		ids[i] = *sub.ID()
	}
	return ids
}

// Start resumes the decay ticker.
func (f *Filter) Start() error { return f.t.Start() }

// Stop halts the decay ticker. In-flight decay invocations run to
// completion.
func (f *Filter) Stop() error { return f.t.Stop() }

type meta struct {
	Capacity             int      `json:"capacity"`
	DecayTime            float64  `json:"decay_time"`
	Error                float64  `json:"error"`
	ErrorTighteningRatio float64  `json:"error_tightening_ratio"`
	GrowthFactor         *float64 `json:"growth_factor"`
	MinFillFactor        *float64 `json:"min_fill_factor"`
	MaxFillFactor        float64  `json:"max_fill_factor"`
	InsertTail           bool     `json:"insert_tail"`
	DisableOptimizations bool     `json:"disable_optimizations"`
}

// Save persists the filter to dataPath, or to the filter's configured data
// path if dataPath is empty: meta.json plus a blooms/<id>/ directory per
// live sub-filter, written atomically as a whole.
func (f *Filter) Save(dataPath string) error {
	path, err := f.resolvePath(dataPath)
	if err != nil {
		return err
	}

	return fsstore.SaveAtomicDir(path, func(tmpPath string) error {
		if err := writeMetaFile(tmpPath, f.toMeta()); err != nil {
			return err
		}

		ids := f.SubFilterIDs()
		for _, sub := range f.blooms {
			id := *sub.ID()
			subDir := filepath.Join(tmpPath, fsstore.SubFiltersDirName, strconv.Itoa(id))
			if err := sub.Save(subDir); err != nil {
				return fmt.Errorf("scalebloom: failed to save sub-filter %d: %w", id, err)
			}
		}

		return fsstore.SaveDirectoryIndex(tmpPath, fsstore.BuildDirectoryIndex(ids))
	})
}

func (f *Filter) toMeta() meta {
	return meta{
		Capacity:             f.capacity,
		DecayTime:            f.decayWindow.Seconds(),
		Error:                f.errRate,
		ErrorTighteningRatio: f.errorTighteningRatio,
		GrowthFactor:         f.growthFactor,
		MinFillFactor:        f.minFillFactor,
		MaxFillFactor:        f.maxFillFactor,
		InsertTail:           bool(f.insertTail),
		DisableOptimizations: f.disableOptimizations,
	}
}

func (f *Filter) resolvePath(dataPath string) (string, error) {
	if dataPath != "" {
		return dataPath, nil
	}
	if f.dataPath != "" {
		return f.dataPath, nil
	}
	return "", fberrors.ErrPersistenceDisabled
}

func writeMetaFile(tmpPath string, m meta) error {
	// meta.json is written directly here (rather than through
	// fsstore.SaveAtomic, which also wants to own a raw buffer file the
	// scaling filter itself has none of) but still lands inside the same
	// atomically-committed tmp directory fsstore.SaveAtomicDir manages.
	return fsstore.WriteMetaFile(tmpPath, m)
}

// Load restores a scaling timing Bloom filter previously saved to
// dataPath, including every persisted sub-filter.
func Load(dataPath string, opts ...Option) (*Filter, error) {
	return load(dataPath, nil, opts...)
}

// LoadSelective restores only the sub-filters among want that were
// actually persisted at dataPath. If a DirectoryIndex was saved alongside
// the blooms/ directory, ids it provably did not contain are skipped
// without ever being opened; ids it can't rule out (or every id, if no
// index was saved) are checked directly via fsstore.Exists.
func LoadSelective(dataPath string, want []int, opts ...Option) (*Filter, error) {
	return load(dataPath, want, opts...)
}

// load is shared by Load and LoadSelective; want nil means "every
// persisted sub-filter", matching Load's full-restore behavior.
func load(dataPath string, want []int, opts ...Option) (*Filter, error) {
	var m meta
	if err := fsstore.LoadMeta(dataPath, &m); err != nil {
		return nil, err
	}

	cfg := config{
		errRate:              m.Error,
		errorTighteningRatio: m.ErrorTighteningRatio,
		growthFactor:         m.GrowthFactor,
		maxFillFactor:        m.MaxFillFactor,
		minFillFactor:        m.MinFillFactor,
		insertTail:           InsertTail(m.InsertTail),
		disableOptimizations: m.DisableOptimizations,
		now:                  time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	f := &Filter{
		capacity:             m.Capacity,
		decayWindow:          time.Duration(m.DecayTime * float64(time.Second)),
		errRate:              cfg.errRate,
		errorTighteningRatio: cfg.errorTighteningRatio,
		growthFactor:         cfg.growthFactor,
		maxFillFactor:        cfg.maxFillFactor,
		minFillFactor:        cfg.minFillFactor,
		insertTail:           cfg.insertTail,
		disableOptimizations: cfg.disableOptimizations,
		dataPath:             dataPath,
		now:                  cfg.now,
		t:                    cfg.ticker,
	}
	if f.t == nil {
		f.t = ticker.New()
	}

	candidates := want
	if candidates == nil {
		var err error
		candidates, err = fsstore.ListSubFilterIDs(dataPath)
		if err != nil {
			return nil, err
		}
	} else {
		var err error
		candidates, err = fsstore.FilterCandidateIDs(dataPath, candidates)
		if err != nil {
			return nil, err
		}
	}

	for _, id := range candidates {
		subDir := fsstore.SubFilterDir(dataPath, id)
		if want != nil && !fsstore.Exists(subDir) {
			continue
		}
		sub, err := timebloom.Load(subDir, timebloom.WithClock(f.now))
		if err != nil {
			return nil, fmt.Errorf("scalebloom: failed to load sub-filter %d: %w", id, err)
		}
		f.blooms = append(f.blooms, sub)
	}

	if len(f.blooms) == 0 {
		zero := 0
		if _, err := f.addNewBloom(&zero); err != nil {
			return nil, err
		}
	}

	if err := f.t.Setup(f.Decay, f.blooms[0].TickInterval()); err != nil {
		return nil, err
	}
	if err := f.t.Start(); err != nil {
		return nil, err
	}

	return f, nil
}
