package replica

import (
	"log/slog"
	"time"

	"github.com/roach88/ringside/internal/metrics"
	"github.com/roach88/ringside/internal/store"
)

// Defaults for Table options.
const (
	DefaultTTL            = time.Hour
	DefaultDebounceWindow = 100 * time.Millisecond
	DefaultQueryTimeout   = 10 * time.Second
	DefaultGetAllTimeout  = 10 * time.Second
	DefaultMetaTimeout    = 5 * time.Second
	DefaultChunkSize      = 100
	DefaultSkewBuffer     = 5 * time.Second
	DefaultUpdateRetries  = 3
)

// Eviction protection windows.
const (
	recentlyModifiedWindow = 5 * time.Minute
	recentlyAccessedWindow = 30 * time.Second
)

type options struct {
	ttl           time.Duration
	clock         Clock
	online        Connectivity
	scorer        Scorer
	hook          MutationHook
	metrics       *metrics.Metrics
	logger        *slog.Logger
	debounce      time.Duration
	queryTimeout  time.Duration
	getAllTimeout time.Duration
	metaTimeout   time.Duration
	chunkSize     int
	skew          time.Duration
	ids           store.IDGenerator
}

func defaultOptions() options {
	return options{
		ttl:           DefaultTTL,
		clock:         SystemClock{},
		online:        AlwaysOnline{},
		scorer:        DefaultScorer,
		logger:        slog.Default(),
		debounce:      DefaultDebounceWindow,
		queryTimeout:  DefaultQueryTimeout,
		getAllTimeout: DefaultGetAllTimeout,
		metaTimeout:   DefaultMetaTimeout,
		chunkSize:     DefaultChunkSize,
		skew:          DefaultSkewBuffer,
		ids:           store.UUIDv7Generator{},
	}
}

// Option configures a Table.
type Option func(*options)

// WithTTL sets the age after which clean rows expire.
func WithTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithClock sets the time source.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithConnectivity sets the online-status source. While offline, rows never
// expire.
func WithConnectivity(c Connectivity) Option {
	return func(o *options) {
		if c != nil {
			o.online = c
		}
	}
}

// WithScorer sets the eviction scorer.
func WithScorer(s Scorer) Option {
	return func(o *options) {
		if s != nil {
			o.scorer = s
		}
	}
}

// WithMutationHook is called after every committed dirty write.
func WithMutationHook(h MutationHook) Option {
	return func(o *options) { o.hook = h }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithDebounceWindow sets the notification coalescing window.
func WithDebounceWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.debounce = d
		}
	}
}

// WithQueryTimeout bounds QueryByField.
func WithQueryTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.queryTimeout = d
		}
	}
}

// WithGetAllTimeout bounds GetAll.
func WithGetAllTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.getAllTimeout = d
		}
	}
}

// WithMetadataTimeout bounds sync metadata reads and writes.
func WithMetadataTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.metaTimeout = d
		}
	}
}

// WithChunkSize sets the default BatchSetChunked chunk size.
func WithChunkSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithSkewBuffer sets how far Sync rewinds the last-sync timestamp.
func WithSkewBuffer(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.skew = d
		}
	}
}

// WithIDGenerator sets the pending-mutation id generator.
func WithIDGenerator(g store.IDGenerator) Option {
	return func(o *options) {
		if g != nil {
			o.ids = g
		}
	}
}
