package report

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geowatch-system/internal/domain"
)

func TestSendReportDelivers(t *testing.T) {
	var got domain.CompletionReport
	var auth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/callbacks/analysis-complete", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret-token", 3, 10*time.Millisecond)

	rep := domain.CompletedReport("job-7",
		&domain.ArtifactURLs{ChangeVisual: "https://example.com/change.png"},
		&domain.AnalysisMetrics{AnalysisType: "forest", LossPct: 3.25},
		[]float64{10.0, 50.0, 10.01, 50.01})

	require.NoError(t, client.SendReport(context.Background(), rep))

	assert.Equal(t, "Bearer secret-token", auth)
	assert.Equal(t, "job-7", got.JobID)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, 3.25, got.Metrics.LossPct)
	assert.Equal(t, []float64{10.0, 50.0, 10.01, 50.01}, got.Bounds)
}

func TestSendReportRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", 5, time.Millisecond)

	err := client.SendReport(context.Background(), domain.FailedReport("job-8", "boom"))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSendReportExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", 3, time.Millisecond)

	err := client.SendReport(context.Background(), domain.FailedReport("job-9", "boom"))
	assert.ErrorIs(t, err, domain.ErrReportDelivery)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSendReportTransportError(t *testing.T) {
	// A closed server exercises the connection-refused path.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := NewClient(server.URL, "", 2, time.Millisecond)

	err := client.SendReport(context.Background(), domain.FailedReport("job-10", "boom"))
	assert.ErrorIs(t, err, domain.ErrReportDelivery)
}

func TestSendReportContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient(server.URL, "", 5, time.Hour)

	start := time.Now()
	err := client.SendReport(ctx, domain.FailedReport("job-11", "boom"))
	assert.ErrorIs(t, err, domain.ErrReportDelivery)
	assert.Less(t, time.Since(start), time.Second, "cancelled context must not sit out the backoff")
}

func TestSendReportOmitsAuthHeaderWithoutToken(t *testing.T) {
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "", 1, time.Millisecond)

	require.NoError(t, client.SendReport(context.Background(), domain.FailedReport("job-12", "boom")))
	assert.Empty(t, auth)
}
