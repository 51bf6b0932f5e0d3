package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type roundKey struct {
	round string
	event string
}

type settlementKey struct {
	outcome string
}

type latencyKey struct {
	round string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu          sync.Mutex
	rounds      map[roundKey]uint64
	settlements map[settlementKey]uint64
	latency     map[latencyKey]*histogram
}

var roundCollector = &collector{
	rounds:      make(map[roundKey]uint64),
	settlements: make(map[settlementKey]uint64),
	latency:     make(map[latencyKey]*histogram),
}

// ObserveRound records a finalized round together with the time the round
// spent from proposal to finalization.
func ObserveRound(round, event string, duration time.Duration) {
	roundCollector.observeRound(round, event, duration)
}

// ObserveSettlement records the outcome of a settlement attempt
// ("settled" or "failed").
func ObserveSettlement(outcome string) {
	roundCollector.observeSettlement(outcome)
}

func (c *collector) observeRound(round, event string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rounds[roundKey{round: round, event: event}]++

	latKey := latencyKey{round: round}
	hist := c.latency[latKey]
	if hist == nil {
		hist = newHistogram()
		c.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

func (c *collector) observeSettlement(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settlements[settlementKey{outcome: outcome}]++
}

func newHistogram() *histogram {
	buckets := []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, roundCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type roundMetric struct {
		roundKey
		value uint64
	}
	type settlementMetric struct {
		settlementKey
		value uint64
	}
	type latencyMetric struct {
		latencyKey
		buckets []float64
		counts  []uint64
		sum     float64
		count   uint64
	}

	rounds := make([]roundMetric, 0, len(c.rounds))
	for key, value := range c.rounds {
		rounds = append(rounds, roundMetric{roundKey: key, value: value})
	}
	settlements := make([]settlementMetric, 0, len(c.settlements))
	for key, value := range c.settlements {
		settlements = append(settlements, settlementMetric{settlementKey: key, value: value})
	}
	lats := make([]latencyMetric, 0, len(c.latency))
	for key, hist := range c.latency {
		lats = append(lats, latencyMetric{
			latencyKey: key,
			buckets:    append([]float64(nil), hist.buckets...),
			counts:     append([]uint64(nil), hist.counts...),
			sum:        hist.sum,
			count:      hist.count,
		})
	}

	sort.Slice(rounds, func(i, j int) bool {
		if rounds[i].round == rounds[j].round {
			return rounds[i].event < rounds[j].event
		}
		return rounds[i].round < rounds[j].round
	})
	sort.Slice(settlements, func(i, j int) bool {
		return settlements[i].outcome < settlements[j].outcome
	})
	sort.Slice(lats, func(i, j int) bool {
		return lats[i].round < lats[j].round
	})

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP memeloop_rounds_total Total number of finalized rounds by outcome event.\n")
	builder.WriteString("# TYPE memeloop_rounds_total counter\n")
	for _, metric := range rounds {
		builder.WriteString(fmt.Sprintf("memeloop_rounds_total{round=\"%s\",event=\"%s\"} %d\n",
			escape(metric.round), escape(metric.event), metric.value))
	}

	builder.WriteString("# HELP memeloop_settlements_total Total number of settlement attempts by outcome.\n")
	builder.WriteString("# TYPE memeloop_settlements_total counter\n")
	for _, metric := range settlements {
		builder.WriteString(fmt.Sprintf("memeloop_settlements_total{outcome=\"%s\"} %d\n",
			escape(metric.outcome), metric.value))
	}

	builder.WriteString("# HELP memeloop_round_duration_seconds Round duration from proposal to finalization in seconds.\n")
	builder.WriteString("# TYPE memeloop_round_duration_seconds histogram\n")
	for _, metric := range lats {
		for idx, bound := range metric.buckets {
			builder.WriteString(fmt.Sprintf("memeloop_round_duration_seconds_bucket{round=\"%s\",le=\"%s\"} %d\n",
				escape(metric.round), formatFloat(bound), metric.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("memeloop_round_duration_seconds_bucket{round=\"%s\",le=\"+Inf\"} %d\n",
			escape(metric.round), metric.count))
		builder.WriteString(fmt.Sprintf("memeloop_round_duration_seconds_sum{round=\"%s\"} %s\n",
			escape(metric.round), formatFloat(metric.sum)))
		builder.WriteString(fmt.Sprintf("memeloop_round_duration_seconds_count{round=\"%s\"} %d\n",
			escape(metric.round), metric.count))
	}

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
