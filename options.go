package cowverse

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/aweris/cowverse/internal/archive"
)

// Defaults used when no Option overrides them.
const (
	DefaultMaxUniverses    = 10000
	DefaultChunkSize       = 50
	DefaultMaxInFlight     = 10
	DefaultMaxBatchCount   = 1000
	DefaultEvictAge        = 24 * time.Hour
	DefaultJanitorInterval = 5 * time.Minute
)

// Archive stores canonical snapshot encodings by digest.
type Archive = archive.Archive

// Options configures a Store and the components built on top of it.
type Options struct {
	MaxUniverses    int           `validate:"gte=1"`
	ChunkSize       int           `validate:"gte=1"`
	MaxInFlight     int           `validate:"gte=1"`
	MaxBatchCount   int           `validate:"gte=1"`
	EvictAge        time.Duration `validate:"gt=0"`
	JanitorInterval time.Duration `validate:"gt=0"`

	// Age buckets: younger than NewAge is "new", younger than ActiveAge is
	// "active", everything else is "old".
	NewAge    time.Duration `validate:"gt=0"`
	ActiveAge time.Duration `validate:"gtfield=NewAge"`

	// A state is "simple" when its size is at most SimpleSize bytes and its
	// depth at most SimpleDepth; "complex" at ComplexSize bytes or
	// ComplexDepth levels; "moderate" otherwise.
	SimpleSize   int `validate:"gte=0"`
	SimpleDepth  int `validate:"gte=0"`
	ComplexSize  int `validate:"gtfield=SimpleSize"`
	ComplexDepth int `validate:"gtfield=SimpleDepth"`

	Logger   *zap.Logger      `validate:"-"`
	Metrics  Metrics          `validate:"-"`
	Archive  Archive          `validate:"-"`
	Handlers []EventHandler   `validate:"-"`
	Clock    func() time.Time `validate:"-"`
}

// Option is a functional option for configuring New.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		MaxUniverses:    DefaultMaxUniverses,
		ChunkSize:       DefaultChunkSize,
		MaxInFlight:     DefaultMaxInFlight,
		MaxBatchCount:   DefaultMaxBatchCount,
		EvictAge:        DefaultEvictAge,
		JanitorInterval: DefaultJanitorInterval,
		NewAge:          time.Hour,
		ActiveAge:       24 * time.Hour,
		SimpleSize:      1 << 10,
		SimpleDepth:     2,
		ComplexSize:     64 << 10,
		ComplexDepth:    6,
		Logger:          zap.NewNop(),
		Metrics:         nopMetrics{},
		Archive:         archive.NewMemoryArchive(),
		Clock:           time.Now,
	}
}

var optionsValidator = validator.New(validator.WithRequiredStructEnabled())

func (o *Options) validate() error {
	if err := optionsValidator.Struct(o); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}

// WithMaxUniverses sets the maximum number of live universes.
func WithMaxUniverses(n int) Option {
	return func(o *Options) { o.MaxUniverses = n }
}

// WithChunkSize sets how many creations CreateMany issues per wave.
func WithChunkSize(n int) Option {
	return func(o *Options) { o.ChunkSize = n }
}

// WithMaxInFlight caps concurrent items inside a batch.
func WithMaxInFlight(n int) Option {
	return func(o *Options) { o.MaxInFlight = n }
}

// WithMaxBatchCount caps the count accepted by CreateMany.
func WithMaxBatchCount(n int) Option {
	return func(o *Options) { o.MaxBatchCount = n }
}

// WithEvictAge sets the age after which the janitor evicts a universe.
func WithEvictAge(d time.Duration) Option {
	return func(o *Options) { o.EvictAge = d }
}

// WithJanitorInterval sets how often the janitor sweeps.
func WithJanitorInterval(d time.Duration) Option {
	return func(o *Options) { o.JanitorInterval = d }
}

// WithAgeThresholds sets the new/active/old bucket boundaries.
func WithAgeThresholds(newAge, activeAge time.Duration) Option {
	return func(o *Options) {
		o.NewAge = newAge
		o.ActiveAge = activeAge
	}
}

// WithComplexityThresholds sets the simple/moderate/complex boundaries.
func WithComplexityThresholds(simpleSize, simpleDepth, complexSize, complexDepth int) Option {
	return func(o *Options) {
		o.SimpleSize = simpleSize
		o.SimpleDepth = simpleDepth
		o.ComplexSize = complexSize
		o.ComplexDepth = complexDepth
	}
}

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithMetrics sets the metrics sink. Nil is ignored.
func WithMetrics(m Metrics) Option {
	return func(o *Options) {
		if m != nil {
			o.Metrics = m
		}
	}
}

// WithArchive sets where snapshot encodings are archived. Nil is ignored.
func WithArchive(a Archive) Option {
	return func(o *Options) {
		if a != nil {
			o.Archive = a
		}
	}
}

// WithEventHandler registers a handler for operation and batch events.
// Handlers are called synchronously and may be called concurrently.
func WithEventHandler(h EventHandler) Option {
	return func(o *Options) {
		if h != nil {
			o.Handlers = append(o.Handlers, h)
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		if now != nil {
			o.Clock = now
		}
	}
}
