package pipeline

import "github.com/synaptica-ai/ehrpipe/pkg/samples"

const (
	DefaultWorkers   = 1
	DefaultChunkSize = 1000
)

type options struct {
	workers   int
	chunkSize int
	cacheDir  string
	registry  samples.Registry
	publisher EventPublisher
	tracker   RunTracker
	summaries SummaryCache
}

func defaultOptions() options {
	return options{workers: DefaultWorkers, chunkSize: DefaultChunkSize}
}

type Option func(*options)

// WithWorkers sets the number of goroutines applying the task. Values below
// one run sequentially.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithChunkSize bounds how many patients are dispatched at once.
func WithChunkSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithCacheDir persists the store in dir and reuses a completed store found
// there instead of regenerating.
func WithCacheDir(dir string) Option {
	return func(o *options) { o.cacheDir = dir }
}

func WithRegistry(r samples.Registry) Option {
	return func(o *options) { o.registry = r }
}

func WithPublisher(p EventPublisher) Option {
	return func(o *options) { o.publisher = p }
}

func WithTracker(t RunTracker) Option {
	return func(o *options) { o.tracker = t }
}

func WithSummaryCache(c SummaryCache) Option {
	return func(o *options) { o.summaries = c }
}
