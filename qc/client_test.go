package qc_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemmalab/lemma/document"
	"github.com/lemmalab/lemma/fault"
	"github.com/lemmalab/lemma/qc"
)

func TestAnalyze_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/v1/analyze", r.URL.Path)

		var req qc.AnalyzeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "block-1", req.BlockID)
		assert.Equal(t, document.BlockDefinition, req.BlockType)

		report := document.QCReport{
			OverallScore: 85,
			Status:       document.QCPassed,
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(report)
	}))
	defer server.Close()

	client := qc.NewClient(server.URL, time.Minute)

	report, err := client.Analyze(context.Background(), qc.AnalyzeRequest{
		BlockID:   "block-1",
		BlockType: document.BlockDefinition,
		Content:   `\begin{definition}A group is a set with an operation.\end{definition}`,
		Level:     "undergraduate",
	})

	require.NoError(t, err)
	assert.Equal(t, 85.0, report.OverallScore)
	assert.Equal(t, document.QCPassed, report.Status)
}

func TestAnalyze_FailedVerdictWithProblems(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := document.QCReport{
			OverallScore: 35,
			Status:       document.QCFailed,
			Problems: []document.Problem{
				{
					Type:        document.ProblemMathError,
					Severity:    document.SeverityCritical,
					Description: "the identity element is not unique as stated",
				},
			},
		}
		json.NewEncoder(w).Encode(report)
	}))
	defer server.Close()

	client := qc.NewClient(server.URL, time.Minute)

	report, err := client.Analyze(context.Background(), qc.AnalyzeRequest{
		BlockID:   "block-1",
		BlockType: document.BlockTheorem,
		Content:   "some content",
	})

	require.NoError(t, err)
	assert.Equal(t, document.QCFailed, report.Status)
	require.Len(t, report.Problems, 1)
	assert.Equal(t, document.SeverityCritical, report.Problems[0].Severity)
	assert.True(t, report.HasCritical())
}

func TestAnalyze_EmptyContentRejected(t *testing.T) {
	client := qc.NewClient("http://localhost:0", time.Minute)

	_, err := client.Analyze(context.Background(), qc.AnalyzeRequest{
		BlockID:   "block-1",
		BlockType: document.BlockText,
	})

	require.Error(t, err)
	assert.Equal(t, fault.KindInternal, fault.KindOf(err))
}

func TestAnalyze_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("analyzer overloaded"))
	}))
	defer server.Close()

	client := qc.NewClient(server.URL, time.Minute)

	_, err := client.Analyze(context.Background(), qc.AnalyzeRequest{
		BlockID:   "block-1",
		BlockType: document.BlockText,
		Content:   "some content",
	})

	require.Error(t, err)
	assert.Equal(t, fault.KindUnavailable, fault.KindOf(err))
	assert.True(t, fault.IsTransient(err))
}

func TestAnalyze_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := qc.NewClient(server.URL, time.Minute)

	_, err := client.Analyze(context.Background(), qc.AnalyzeRequest{
		BlockID:   "block-1",
		BlockType: document.BlockText,
		Content:   "some content",
	})

	require.Error(t, err)
	assert.Equal(t, fault.KindRateLimited, fault.KindOf(err))
}

func TestAnalyze_MalformedReportIsDeterministic(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Score out of range fails report validation
		w.Write([]byte(`{"overall_score": 150, "status": "passed"}`))
	}))
	defer server.Close()

	client := qc.NewClient(server.URL, time.Minute)

	_, err := client.Analyze(context.Background(), qc.AnalyzeRequest{
		BlockID:   "block-1",
		BlockType: document.BlockText,
		Content:   "some content",
	})

	require.Error(t, err)
	assert.Equal(t, fault.KindInternal, fault.KindOf(err))
	assert.False(t, fault.IsTransient(err))
}

func TestAnalyze_CircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := qc.NewClient(server.URL, time.Minute, qc.WithBreakerSettings(gobreaker.Settings{
		Name:    "qc-analyzer-test",
		Timeout: time.Hour,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	}))

	req := qc.AnalyzeRequest{
		BlockID:   "block-1",
		BlockType: document.BlockText,
		Content:   "some content",
	}

	for i := 0; i < 2; i++ {
		_, err := client.Analyze(context.Background(), req)
		require.Error(t, err)
	}

	// Breaker is open now; the server must not be hit again.
	_, err := client.Analyze(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, fault.KindUnavailable, fault.KindOf(err))
	assert.Equal(t, int32(2), hits.Load())
}
