// Package countbloom implements the counting Bloom filter: a Bloom filter
// whose buckets hold small saturating counters instead of single bits, so
// that a key inserted more than once, or inserted alongside colliding
// keys, can still be removed without disturbing unrelated keys.
//
// The timing filter (package timebloom) does not build on this package:
// both filters own a cellbuf.Buffer and share the bloomhash and fsstore
// packages, a has-a relationship rather than the inheritance the source
// used, per the shared bit-buffer design note in SPEC_FULL.md.
package countbloom

import (
	"math"

	"github.com/mynameisfiber/fuggetaboutit/bloomhash"
	"github.com/mynameisfiber/fuggetaboutit/cellbuf"
	"github.com/mynameisfiber/fuggetaboutit/fberrors"
	"github.com/mynameisfiber/fuggetaboutit/fsstore"
)

// DefaultError is the false-positive rate used when no error rate is
// supplied.
const DefaultError = 0.005

// Filter is a counting Bloom filter with capacity n and target false
// positive rate Error.
type Filter struct {
	capacity int
	errRate  float64
	id       *int
	dataPath string

	m uint
	k uint

	buf *cellbuf.Buffer
}

// Option configures a Filter at construction.
type Option func(*config)

type config struct {
	errRate  float64
	id       *int
	dataPath string
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

// New constructs a counting Bloom filter sized for capacity expected
// insertions at the configured error rate.
func New(capacity int, opts ...Option) (*Filter, error) {
	cfg := config{errRate: DefaultError}
	for _, opt := range opts {
		opt(&cfg)
	}

	if capacity <= 0 {
		return nil, fberrors.ErrInvalidConfig
	}
	if !(cfg.errRate > 0 && cfg.errRate < 1) {
		return nil, fberrors.ErrInvalidConfig
	}

	m, k := deriveParams(capacity, cfg.errRate)

	return &Filter{
		capacity: capacity,
		errRate:  cfg.errRate,
		id:       cfg.id,
		dataPath: cfg.dataPath,
		m:        m,
		k:        k,
		buf:      cellbuf.New(m, cellbuf.Width8),
	}, nil
}

// deriveParams computes the bucket count m and hash count k for a filter
// of the given capacity and error rate, per the formulas in SPEC_FULL.md §3.
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

// NumBuckets returns the derived bucket count m.
func (f *Filter) NumBuckets() uint { return f.m }

// NumHashes returns the derived hash count k.
func (f *Filter) NumHashes() uint { return f.k }

// NumNonZero returns the number of buckets currently holding a non-zero
// value.
func (f *Filter) NumNonZero() uint { return f.buf.NumNonZero() }

func (f *Filter) indexes(key []byte) []uint {
	return bloomhash.Indexes(key, f.m, f.k)
}

// Add increments each of the key's k buckets by n (default 1), saturating
// at the cell's maximum value rather than overflowing.
func (f *Filter) Add(key []byte, n ...uint8) {
	delta := oneOrFirst(n)
	for _, idx := range f.indexes(key) {
		cur := f.buf.Get(idx)
		f.buf.Set(idx, saturatingAdd(cur, delta, f.buf.Max()))
	}
}

// Remove decrements each of the key's k buckets by n (default 1), never
// below zero.
func (f *Filter) Remove(key []byte, n ...uint8) {
	delta := oneOrFirst(n)
	for _, idx := range f.indexes(key) {
		f.decrementBucket(idx, delta)
	}
}

// RemoveAll decrements every bucket in the filter by n (default 1). Used to
// expire entries uniformly, e.g. in time-windowed usages of a plain
// counting filter.
func (f *Filter) RemoveAll(n ...uint8) {
	delta := oneOrFirst(n)
	for i := uint(0); i < f.m; i++ {
		f.decrementBucket(i, delta)
	}
}

func (f *Filter) decrementBucket(idx uint, n uint8) {
	cur := f.buf.Get(idx)
	if cur == 0 {
		return
	}
	if cur <= n {
		f.buf.Set(idx, 0)
		return
	}
	f.buf.Set(idx, cur-n)
}

// Contains reports whether every one of key's k buckets is non-zero. A
// false result is definitive; a true result may be a false positive.
func (f *Filter) Contains(key []byte) bool {
	for _, idx := range f.indexes(key) {
		if f.buf.Get(idx) == 0 {
			return false
		}
	}
	return true
}

// Size estimates the number of distinct keys currently represented, from
// the fraction of non-zero buckets. It is 0 when no bucket is set.
func (f *Filter) Size() float64 {
	z := float64(f.buf.NumNonZero())
	if z == 0 {
		return 0
	}
	m := float64(f.m)
	return -m * math.Log(1-z/m) / float64(f.k)
}

func oneOrFirst(n []uint8) uint8 {
	if len(n) == 0 {
		return 1
	}
	return n[0]
}

func saturatingAdd(cur, delta, max uint8) uint8 {
	if uint16(cur)+uint16(delta) > uint16(max) {
		return max
	}
	return cur + delta
}

// meta is the on-disk JSON shape of meta.json for a counting filter.
type meta struct {
	Capacity int     `json:"capacity"`
	Error    float64 `json:"error"`
	ID       *int    `json:"id"`
}

// Save persists the filter to dataPath, or to the filter's configured
// data path if dataPath is empty. It fails with ErrPersistenceDisabled if
// neither is set.
func (f *Filter) Save(dataPath string) error {
	path, err := f.resolvePath(dataPath)
	if err != nil {
		return err
	}

	return fsstore.SaveAtomic(path, meta{
		Capacity: f.capacity,
		Error:    f.errRate,
		ID:       f.id,
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

// Load restores a counting filter previously saved to dataPath.
func Load(dataPath string) (*Filter, error) {
	var m meta
	if err := fsstore.LoadMeta(dataPath, &m); err != nil {
		return nil, err
	}

	opts := []Option{WithError(m.Error), WithDataPath(dataPath)}
	if m.ID != nil {
		opts = append(opts, WithID(*m.ID))
	}

	f, err := New(m.Capacity, opts...)
	if err != nil {
		return nil, err
	}

	raw, err := fsstore.LoadBuffer(dataPath)
	if err != nil {
		return nil, err
	}

	buf, err := cellbuf.LoadRaw(f.m, cellbuf.Width8, raw)
	if err != nil {
		return nil, err
	}
	f.buf = buf

	return f, nil
}
