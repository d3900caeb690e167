package telemetry

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/veritel/veritel-node/internal/domain"
	"github.com/veritel/veritel-node/internal/monitoring"
)

// Per-query deadline. Slow engines cost one stat, not the cycle.
const servingQueryTimeout = 5 * time.Second

// servingQuery binds one statistic to the PromQL that produces it.
type servingQuery struct {
	stat   string
	query  string
	assign func(*domain.ServingStats, float64)
}

// The query set is fixed: every cycle asks the same eight questions so the
// published schema never varies with engine health.
var servingQueries = []servingQuery{
	{
		stat:   "chat_latency",
		query:  `sum(vllm:e2e_request_latency_seconds_sum) / clamp_min(sum(vllm:e2e_request_latency_seconds_count), 1)`,
		assign: func(s *domain.ServingStats, v float64) { s.ChatLatency = v },
	},
	{
		stat:   "first_token_time",
		query:  `sum(vllm:time_to_first_token_seconds_sum) / clamp_min(sum(vllm:time_to_first_token_seconds_count), 1)`,
		assign: func(s *domain.ServingStats, v float64) { s.FirstTokenTime = v },
	},
	{
		stat:   "inter_token_time",
		query:  `sum(vllm:time_per_output_token_seconds_sum) / clamp_min(sum(vllm:time_per_output_token_seconds_count), 1)`,
		assign: func(s *domain.ServingStats, v float64) { s.InterTokenTime = v },
	},
	{
		stat:   "decoding_time",
		query:  `sum(vllm:request_decode_time_seconds_sum) / clamp_min(sum(vllm:request_decode_time_seconds_count), 1)`,
		assign: func(s *domain.ServingStats, v float64) { s.DecodingTime = v },
	},
	{
		stat:   "image_gen_latency",
		query:  `sum(image_generation_latency_seconds_sum) / clamp_min(sum(image_generation_latency_seconds_count), 1)`,
		assign: func(s *domain.ServingStats, v float64) { s.ImageGenLatency = v },
	},
	{
		stat:   "text_emb_latency",
		query:  `sum(text_embeddings_latency_seconds_sum) / clamp_min(sum(text_embeddings_latency_seconds_count), 1)`,
		assign: func(s *domain.ServingStats, v float64) { s.TextEmbLatency = v },
	},
	{
		stat:   "total_requests",
		query:  `sum(vllm:request_success_total)`,
		assign: func(s *domain.ServingStats, v float64) { s.TotalRequests = asCount(v) },
	},
	{
		stat:   "failed_requests",
		query:  `sum(vllm:request_failure_total)`,
		assign: func(s *domain.ServingStats, v float64) { s.FailedRequests = asCount(v) },
	},
}

// asCount converts an untrusted sample to a counter value. Negative and NaN
// samples clamp to zero instead of wrapping.
func asCount(v float64) uint64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return uint64(v)
}

// ServingClient reads serving-engine statistics from a Prometheus-compatible
// metrics endpoint.
type ServingClient struct {
	api promv1.API
	log *slog.Logger
}

// NewServingClient builds a client for the Prometheus HTTP API at address.
// The round tripper is optional and exists for TLS-guarded endpoints.
func NewServingClient(address string, rt http.RoundTripper, log *slog.Logger) (*ServingClient, error) {
	cfg := api.Config{Address: address}
	if rt != nil {
		cfg.RoundTripper = rt
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &ServingClient{api: promv1.NewAPI(client), log: log}, nil
}

// Fetch runs every serving query concurrently and merges the answers. It
// never fails: a query that errors logs a warning and leaves its statistic
// at zero.
func (c *ServingClient) Fetch(ctx context.Context) domain.ServingStats {
	values := make([]float64, len(servingQueries))

	var wg sync.WaitGroup
	for i, q := range servingQueries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.query(ctx, q.query)
			if err != nil {
				monitoring.ServingQueryFailures.WithLabelValues(q.stat).Inc()
				c.log.Warn("serving query failed",
					"error", &domain.ServingQueryError{Stat: q.stat, Cause: err})
				return
			}
			values[i] = v
		}()
	}
	wg.Wait()

	var stats domain.ServingStats
	for i, q := range servingQueries {
		q.assign(&stats, values[i])
	}
	return stats
}

func (c *ServingClient) query(ctx context.Context, promql string) (float64, error) {
	qctx, cancel := context.WithTimeout(ctx, servingQueryTimeout)
	defer cancel()

	result, warnings, err := c.api.Query(qctx, promql, time.Now())
	if err != nil {
		return 0, err
	}
	if len(warnings) > 0 {
		c.log.Debug("serving query warnings", "warnings", warnings)
	}
	return sampleValue(result), nil
}

// sampleValue pulls the first sample out of an instant-vector result. An
// empty or non-vector result reads as zero; only transport and API failures
// count as query errors.
func sampleValue(result model.Value) float64 {
	vec, ok := result.(model.Vector)
	if !ok || len(vec) == 0 {
		return 0
	}
	return float64(vec[0].Value)
}
