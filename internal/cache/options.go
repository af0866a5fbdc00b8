package cache

import (
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/metric"
)

// DefaultDirName is the cache directory created under os.TempDir().
const DefaultDirName = "CacheKit"

// DefaultDir returns the default persistent cache directory.
func DefaultDir() string {
	return filepath.Join(os.TempDir(), DefaultDirName)
}

type options struct {
	dir              string
	logger           *Logger
	meterProvider    metric.MeterProvider
	compressionLevel int
	watch            bool

	metrics *metrics
}

// Option configures a Controller or a manager.
type Option func(*options)

// WithDir sets the persistent cache directory.
func WithDir(dir string) Option {
	return func(o *options) { o.dir = dir }
}

// WithLogger sets the logging sink.
func WithLogger(l *Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMeterProvider sets the OpenTelemetry meter provider for cache metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// WithCompression enables zstd compression of persistent payloads at the
// given level (1-22). Zero disables compression.
func WithCompression(level int) Option {
	return func(o *options) { o.compressionLevel = level }
}

// WithDirWatch drops persistent entries whose container file is deleted
// by another process.
func WithDirWatch(enabled bool) Option {
	return func(o *options) { o.watch = enabled }
}

func buildOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.dir == "" {
		o.dir = DefaultDir()
	}
	if o.logger == nil {
		o.logger = NewLogger(nil, LogNone)
	}
	if o.metrics == nil {
		o.metrics = newMetrics(o.meterProvider)
	}
	return o
}
