package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritel/veritel-node/internal/domain"
)

// promHandler answers instant-vector queries with a single sample whose
// value is chosen per query expression.
func promHandler(t *testing.T, valueFor func(query string) (string, bool)) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		value, ok := valueFor(r.FormValue("query"))
		if !ok {
			http.Error(w, "query rejected", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[1700000000,"%s"]}]}}`, value)
	}
}

func newTestServingClient(t *testing.T, address string) *ServingClient {
	t.Helper()
	client, err := NewServingClient(address, nil, testLogger())
	require.NoError(t, err)
	return client
}

func TestServingClient_Fetch_AssignsEachStat(t *testing.T) {
	values := map[string]string{
		"e2e_request_latency":   "0.1",
		"time_to_first_token":   "0.2",
		"time_per_output_token": "0.3",
		"request_decode_time":   "0.4",
		"image_generation":      "0.5",
		"text_embeddings":       "0.6",
		"request_success":       "41",
		"request_failure":       "2",
	}
	srv := httptest.NewServer(promHandler(t, func(query string) (string, bool) {
		for needle, v := range values {
			if strings.Contains(query, needle) {
				return v, true
			}
		}
		return "", false
	}))
	defer srv.Close()

	stats := newTestServingClient(t, srv.URL).Fetch(context.Background())

	assert.Equal(t, domain.ServingStats{
		ChatLatency:     0.1,
		FirstTokenTime:  0.2,
		InterTokenTime:  0.3,
		DecodingTime:    0.4,
		ImageGenLatency: 0.5,
		TextEmbLatency:  0.6,
		TotalRequests:   41,
		FailedRequests:  2,
	}, stats)
}

func TestServingClient_Fetch_ServerDown_AllZero(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	stats := newTestServingClient(t, addr).Fetch(context.Background())

	assert.Equal(t, domain.ServingStats{}, stats)
}

func TestServingClient_Fetch_EmptyResult_ReadsZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"success","data":{"resultType":"vector","result":[]}}`)
	}))
	defer srv.Close()

	stats := newTestServingClient(t, srv.URL).Fetch(context.Background())

	assert.Equal(t, domain.ServingStats{}, stats)
}

func TestServingClient_Fetch_PartialFailure_OnlyFailedStatZero(t *testing.T) {
	srv := httptest.NewServer(promHandler(t, func(query string) (string, bool) {
		if strings.Contains(query, "request_failure") {
			return "", false
		}
		return "1.5", true
	}))
	defer srv.Close()

	stats := newTestServingClient(t, srv.URL).Fetch(context.Background())

	assert.Equal(t, uint64(0), stats.FailedRequests)
	assert.Equal(t, 1.5, stats.ChatLatency)
	assert.Equal(t, uint64(1), stats.TotalRequests)
}

func TestServingClient_Fetch_NegativeCount_ClampsToZero(t *testing.T) {
	srv := httptest.NewServer(promHandler(t, func(query string) (string, bool) {
		if strings.Contains(query, "request_success") {
			return "-5", true
		}
		if strings.Contains(query, "request_failure") {
			return "NaN", true
		}
		return "0.5", true
	}))
	defer srv.Close()

	stats := newTestServingClient(t, srv.URL).Fetch(context.Background())

	assert.Equal(t, uint64(0), stats.TotalRequests)
	assert.Equal(t, uint64(0), stats.FailedRequests)
	assert.Equal(t, 0.5, stats.ChatLatency)
}

func TestNewServingClient_InvalidAddress_Error(t *testing.T) {
	_, err := NewServingClient("://not-an-address", nil, testLogger())

	require.Error(t, err)
}
