package metrics

import (
	"sync"

	"github.com/DataDog/datadog-go/v5/statsd"
)

type (
	Metric struct {
		Key   string
		Value float64
	}
	Tag struct {
		Key   string
		Value string
	}
	// EmitterFunction forwards a metric to an external sink. count tells
	// counters apart from gauges.
	EmitterFunction func(m Metric, count bool, tags []Tag)
)

var (
	emitterMu sync.RWMutex
	emitter   EmitterFunction
)

// SetEmitter installs fn as the process wide emitter. nil disables emission.
func SetEmitter(fn EmitterFunction) {
	emitterMu.Lock()
	emitter = fn
	emitterMu.Unlock()
}

func emit(m Metric, count bool, tags []Tag) {
	emitterMu.RLock()
	fn := emitter
	emitterMu.RUnlock()
	if fn != nil {
		fn(m, count, tags)
	}
}

func Gauge(key string, value float64, tags ...Tag) {
	emit(Metric{key, value}, false, tags)
}

func Count(key string, value float64, tags ...Tag) {
	emit(Metric{key, value}, true, tags)
}

// NewStatsdEmitter returns an emitter writing to a DogStatsD agent at addr.
func NewStatsdEmitter(addr, namespace string) (EmitterFunction, func() error, error) {
	opts := []statsd.Option{}
	if namespace != "" {
		opts = append(opts, statsd.WithNamespace(namespace+"."))
	}
	client, err := statsd.New(addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	fn := func(m Metric, count bool, tags []Tag) {
		ddTags := make([]string, 0, len(tags))
		for _, t := range tags {
			ddTags = append(ddTags, t.Key+":"+t.Value)
		}
		if count {
			_ = client.Count(m.Key, int64(m.Value), ddTags, 1)
			return
		}
		_ = client.Gauge(m.Key, m.Value, ddTags, 1)
	}
	return fn, client.Close, nil
}
