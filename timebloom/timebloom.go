// Package timebloom implements the timing Bloom filter: a Bloom filter
// whose buckets hold the last tick at which they were written instead of a
// count, so that contains(key) answers "was key added within the last D
// seconds" rather than "was key ever added". A background decay sweep
// reclaims buckets whose tick has aged out of the window.
//
// Buckets are addressed on a modular ring of ring = 2^w-1 values (w is the
// cell width, 4 or 8 bits) so that a tick only needs a few bits of storage
// rather than a full timestamp; see tick/tickRange/inWindow below for the
// window-test arithmetic this buys.
package timebloom

import (
	"context"
	"math"
	"time"

	"github.com/mynameisfiber/fuggetaboutit/bloomhash"
	"github.com/mynameisfiber/fuggetaboutit/cellbuf"
	"github.com/mynameisfiber/fuggetaboutit/fberrors"
	"github.com/mynameisfiber/fuggetaboutit/fsstore"
)

// DefaultError is the false-positive rate used when no error rate is
// supplied.
const DefaultError = 0.005

// Filter is a timing Bloom filter with capacity n, decay window Decay, and
// target false positive rate Error.
type Filter struct {
	capacity int
	errRate  float64
	id       *int
	dataPath string

	decayWindow          time.Duration
	disableOptimizations bool
	now                  func() time.Time

	m uint
	k uint

	buf            *cellbuf.Buffer
	ring           uint8
	dN             uint
	secondsPerTick float64
}

// Option configures a Filter at construction.
type Option func(*config)

type config struct {
	errRate              float64
	id                   *int
	dataPath             string
	disableOptimizations bool
	now                  func() time.Time
}

// WithError sets the target false-positive rate. Defaults to DefaultError.
func WithError(errRate float64) Option {
	return func(c *config) { c.errRate = errRate }
}

// WithID tags the filter with an immutable integer id, persisted in its
// meta.json. Used by the scaling filter to identify sub-filters.
func WithID(id int) Option {
	return func(c *config) { c.id = &id }
}

// WithDataPath configures the directory Save/Load use when not given an
// explicit path.
func WithDataPath(path string) Option {
	return func(c *config) { c.dataPath = path }
}

// WithDisableOptimizations selects the portable 8-bit-per-cell layout
// instead of the default 4-bit packed layout. This is purely an on-disk
// layout switch in this port — there is no native-extension fast path to
// fall back from, unlike the source.
func WithDisableOptimizations() Option {
	return func(c *config) { c.disableOptimizations = true }
}

// WithClock overrides the clock used for tick derivation. Intended for
// deterministic tests; production callers should leave it unset.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// New constructs a timing Bloom filter sized for capacity expected
// insertions at the configured error rate, with a decay window of decay.
func New(capacity int, decay time.Duration, opts ...Option) (*Filter, error) {
	cfg := config{errRate: DefaultError, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}

	if capacity <= 0 {
		return nil, fberrors.ErrInvalidConfig
	}
	if !(cfg.errRate > 0 && cfg.errRate < 1) {
		return nil, fberrors.ErrInvalidConfig
	}
	if decay <= 0 {
		return nil, fberrors.ErrInvalidConfig
	}

	width := cellbuf.Width4
	if cfg.disableOptimizations {
		width = cellbuf.Width8
	}

	m, k := deriveParams(capacity, cfg.errRate)
	ring := uint8(1<<width) - 1
	dN := uint(ring) / 2

	return &Filter{
		capacity:             capacity,
		errRate:              cfg.errRate,
		id:                   cfg.id,
		dataPath:             cfg.dataPath,
		decayWindow:          decay,
		disableOptimizations: cfg.disableOptimizations,
		now:                  cfg.now,
		m:                    m,
		k:                    k,
		buf:                  cellbuf.New(m, width),
		ring:                 ring,
		dN:                   dN,
		secondsPerTick:       decay.Seconds() / float64(dN),
	}, nil
}

func deriveParams(capacity int, errRate float64) (m, k uint) {
	n := float64(capacity)
	m = uint(math.Ceil(-n*math.Log(errRate)/(math.Log(2)*math.Log(2)))) + 1
	k = uint(math.Ceil(float64(m)/n*math.Log(2))) + 1
	return m, k
}

// Capacity returns the capacity this filter was sized for.
func (f *Filter) Capacity() int { return f.capacity }

// Error returns the target false-positive rate this filter was sized for.
func (f *Filter) Error() float64 { return f.errRate }

// ID returns the filter's configured id, or nil if none was set.
func (f *Filter) ID() *int { return f.id }

// DecayWindow returns D, the number of seconds a key remains contained
// after its last insert.
func (f *Filter) DecayWindow() time.Duration { return f.decayWindow }

// TickInterval returns Δt, the wall-clock duration a single tick covers.
func (f *Filter) TickInterval() time.Duration {
	return time.Duration(f.secondsPerTick * float64(time.Second))
}

// NumNonZero returns the number of buckets currently holding a non-zero
// tick value.
func (f *Filter) NumNonZero() uint { return f.buf.NumNonZero() }

// Size estimates the number of distinct keys currently live in the window.
func (f *Filter) Size() float64 {
	z := float64(f.buf.NumNonZero())
	if z == 0 {
		return 0
	}
	m := float64(f.m)
	return -m * math.Log(1-z/m) / float64(f.k)
}

func (f *Filter) indexes(key []byte) []uint {
	return bloomhash.Indexes(key, f.m, f.k)
}

// tick returns the ring value corresponding to ts: an integer in [1,ring],
// never 0 (0 is reserved for "empty").
func (f *Filter) tick(ts time.Time) uint8 {
	seconds := float64(ts.UnixNano()) / 1e9
	ticks := int64(math.Floor(seconds / f.secondsPerTick))
	return uint8(floorMod(ticks, int64(f.ring))) + 1
}

func floorMod(a, n int64) int64 {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}

// tickRange returns (tickMin, tickMax), the inclusive-on-tickMax window of
// ticks still considered live as of now.
func (f *Filter) tickRange() (tickMin, tickMax uint8) {
	tickMax = f.tick(f.now())
	tickMin = uint8(floorMod(int64(tickMax)-int64(f.dN)-1, int64(f.ring))) + 1
	return tickMin, tickMax
}

// inWindow reports whether v, a stored cell value, falls in the decay
// window described by (tickMin, tickMax).
func inWindow(v, tickMin, tickMax uint8) bool {
	if v == 0 {
		return false
	}
	if tickMin < tickMax {
		return tickMin < v && v <= tickMax
	}
	// The window wraps around the ring.
	return v <= tickMax || v > tickMin
}

// Add stamps each of key's k buckets with the current tick, or the tick
// for an explicitly supplied timestamp. A timestamp older than the decay
// window is silently dropped rather than stamped.
func (f *Filter) Add(key []byte, ts ...time.Time) {
	at := f.now()
	if len(ts) > 0 {
		at = ts[0]
		if at.Before(f.now().Add(-f.decayWindow)) {
			return
		}
	}

	tick := f.tick(at)
	for _, idx := range f.indexes(key) {
		f.buf.Set(idx, tick)
	}
}

// Contains reports whether every one of key's k buckets holds a tick still
// inside the current decay window.
func (f *Filter) Contains(key []byte) bool {
	tickMin, tickMax := f.tickRange()
	for _, idx := range f.indexes(key) {
		if !inWindow(f.buf.Get(idx), tickMin, tickMax) {
			return false
		}
	}
	return true
}

// Decay sweeps every bucket once, using a single tick range captured at
// entry, zeroing any bucket whose tick has aged out of the window. This is
// the filter's hot path and its only O(m) operation.
func (f *Filter) Decay() {
	tickMin, tickMax := f.tickRange()
	f.decaySweep(tickMin, tickMax, 0, f.m)
}

// DecayChunked behaves like Decay but yields control between chunks of
// chunkSize buckets, checking ctx for cancellation. The tick range is
// captured once before the loop begins and is never re-sampled across
// yields, so a sweep started at time t always uses t's window even if it
// spans multiple scheduler turns.
func (f *Filter) DecayChunked(ctx context.Context, chunkSize uint) error {
	if chunkSize == 0 {
		chunkSize = f.m
	}

	tickMin, tickMax := f.tickRange()

	for start := uint(0); start < f.m; start += chunkSize {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		end := start + chunkSize
		if end > f.m {
			end = f.m
		}
		f.decaySweep(tickMin, tickMax, start, end)
	}

	return nil
}

func (f *Filter) decaySweep(tickMin, tickMax uint8, start, end uint) {
	for i := start; i < end; i++ {
		v := f.buf.Get(i)
		if v != 0 && !inWindow(v, tickMin, tickMax) {
			f.buf.Set(i, 0)
		}
	}
}

// Remove always fails: a bucket holding a tick stamp cannot be decremented
// the way a counting filter's bucket can.
func (f *Filter) Remove(key []byte, n ...uint8) error {
	return fberrors.ErrUnsupported
}

// RemoveAll always fails, for the same reason as Remove.
func (f *Filter) RemoveAll(n ...uint8) error {
	return fberrors.ErrUnsupported
}

type meta struct {
	Capacity             int     `json:"capacity"`
	Error                float64 `json:"error"`
	ID                   *int    `json:"id"`
	DecayTime            float64 `json:"decay_time"`
	DisableOptimizations bool    `json:"disable_optimizations"`
}

// Save persists the filter to dataPath, or to the filter's configured data
// path if dataPath is empty.
func (f *Filter) Save(dataPath string) error {
	path, err := f.resolvePath(dataPath)
	if err != nil {
		return err
	}

	return fsstore.SaveAtomic(path, meta{
		Capacity:             f.capacity,
		Error:                f.errRate,
		ID:                   f.id,
		DecayTime:            f.decayWindow.Seconds(),
		DisableOptimizations: f.disableOptimizations,
	}, f.buf.Raw())
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

// Load restores a timing filter previously saved to dataPath.
func Load(dataPath string, opts ...Option) (*Filter, error) {
	var m meta
	if err := fsstore.LoadMeta(dataPath, &m); err != nil {
		return nil, err
	}

	allOpts := []Option{WithError(m.Error), WithDataPath(dataPath)}
	if m.ID != nil {
		allOpts = append(allOpts, WithID(*m.ID))
	}
	if m.DisableOptimizations {
		allOpts = append(allOpts, WithDisableOptimizations())
	}
	allOpts = append(allOpts, opts...)

	f, err := New(m.Capacity, time.Duration(m.DecayTime*float64(time.Second)), allOpts...)
	if err != nil {
		return nil, err
	}

	raw, err := fsstore.LoadBuffer(dataPath)
	if err != nil {
		return nil, err
	}

	buf, err := cellbuf.LoadRaw(f.m, f.buf.Width(), raw)
	if err != nil {
		return nil, err
	}
	f.buf = buf

	return f, nil
}
