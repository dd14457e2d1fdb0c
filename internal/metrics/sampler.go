// Package metrics converts the runtime's raw cumulative resource counters
// into throttled, normalized instantaneous rates and fans them out to
// telemetry subscribers.
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/runtime"
)

// Sampler owns one raw stats stream per instance with at least one
// subscriber, and drops the stream when the last subscriber departs.
type Sampler struct {
	rt       runtime.ContainerRuntime
	interval time.Duration
	log      *slog.Logger

	mu   sync.Mutex
	hubs map[string]*instanceHub
}

type instanceHub struct {
	cancel      context.CancelFunc
	subscribers map[chan domain.MetricsSample]struct{}
}

// NewSampler builds a Sampler emitting at most one normalized sample per
// interval to each instance's subscribers.
func NewSampler(rt runtime.ContainerRuntime, interval time.Duration, logger *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sampler{
		rt:       rt,
		interval: interval,
		log:      logger,
		hubs:     make(map[string]*instanceHub),
	}
}

// Subscribe attaches a new telemetry subscriber to instanceID. The first
// subscriber opens the runtime's raw stats stream; the returned cancel func
// detaches the subscriber and, for the last one, releases the stream.
// Cancelling ctx detaches the subscriber the same way, so an abandoned
// caller never pins a stream. Subscriber channels hold the most recent
// sample only; a slow reader never blocks delivery to others.
func (s *Sampler) Subscribe(ctx context.Context, instanceID string) (<-chan domain.MetricsSample, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hub, ok := s.hubs[instanceID]
	if !ok {
		pumpCtx, cancel := context.WithCancel(context.Background())
		raw, err := s.rt.Stats(pumpCtx, instanceID)
		if err != nil {
			cancel()
			return nil, nil, err
		}
		hub = &instanceHub{
			cancel:      cancel,
			subscribers: make(map[chan domain.MetricsSample]struct{}),
		}
		s.hubs[instanceID] = hub
		go s.pump(pumpCtx, instanceID, raw)
	}

	ch := make(chan domain.MetricsSample, 1)
	hub.subscribers[ch] = struct{}{}

	var once sync.Once
	stop := make(chan struct{})
	unsubscribe := func() {
		once.Do(func() {
			close(stop)
			s.unsubscribe(instanceID, ch)
		})
	}
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				unsubscribe()
			case <-stop:
			}
		}()
	}
	return ch, unsubscribe, nil
}

func (s *Sampler) unsubscribe(instanceID string, ch chan domain.MetricsSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hub, ok := s.hubs[instanceID]
	if !ok {
		return
	}
	delete(hub.subscribers, ch)
	close(ch)
	if len(hub.subscribers) == 0 {
		hub.cancel()
		delete(s.hubs, instanceID)
	}
}

// pump drains the raw counter stream, normalizes against the previous
// sample, throttles, and broadcasts. Intermediate samples inside a throttle
// window are discarded, not queued.
func (s *Sampler) pump(ctx context.Context, instanceID string, raw <-chan runtime.RawStats) {
	limiter := NewLimiter(s.interval)
	var prev runtime.RawStats
	havePrev := false

	for {
		select {
		case <-ctx.Done():
			s.dropHub(instanceID)
			return
		case cur, ok := <-raw:
			if !ok {
				s.dropHub(instanceID)
				return
			}
			var sample domain.MetricsSample
			if havePrev {
				sample = Normalize(instanceID, cur, prev)
			} else {
				sample = Normalize(instanceID, cur, cur)
			}
			prev = cur
			havePrev = true

			if !limiter.Allow(time.Now()) {
				continue
			}
			s.broadcast(instanceID, sample)
		}
	}
}

// broadcast delivers most-recent-wins: a full subscriber buffer is drained
// before the new sample goes in, so stalled clients see the latest value
// and never block the pump.
func (s *Sampler) broadcast(instanceID string, sample domain.MetricsSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hub, ok := s.hubs[instanceID]
	if !ok {
		return
	}
	for ch := range hub.subscribers {
		select {
		case ch <- sample:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- sample:
			default:
			}
		}
	}
}

// dropHub tears down every subscriber after the raw stream ends, e.g. when
// the instance stops.
func (s *Sampler) dropHub(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hub, ok := s.hubs[instanceID]
	if !ok {
		return
	}
	for ch := range hub.subscribers {
		close(ch)
	}
	hub.cancel()
	delete(s.hubs, instanceID)
}

// Normalize derives instantaneous rates from two consecutive cumulative
// samples. A zero system delta (first sample, idle tick) yields zero CPU,
// never a division by zero.
func Normalize(instanceID string, cur, prev runtime.RawStats) domain.MetricsSample {
	sample := domain.MetricsSample{
		InstanceID:       instanceID,
		MemoryUsedBytes:  cur.MemoryUsedBytes,
		MemoryLimitBytes: cur.MemoryLimitBytes,
		SampledAt:        cur.ReadAt.UnixMilli(),
	}
	cpuDelta := float64(cur.CPUTotalNanos) - float64(prev.CPUTotalNanos)
	systemDelta := float64(cur.SystemCPUNanos) - float64(prev.SystemCPUNanos)
	if systemDelta <= 0 || cpuDelta < 0 {
		return sample
	}
	cores := float64(cur.OnlineCPUs)
	if cores == 0 {
		cores = 1
	}
	sample.CPUPercent = cpuDelta / systemDelta * cores * 100
	return sample
}
