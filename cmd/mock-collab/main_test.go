package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lemmalab/lemma/document"
)

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture %s: %v", name, err)
	}
}

func TestLoadFixtures_SequentialAndQC(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "scribe-large.1.json", `"A first, flawed attempt. \\fixme"`)
	writeFixture(t, dir, "scribe-large.2.json", `"A corrected second attempt."`)
	writeFixture(t, dir, "scribe-large.json", `"Fallback content."`)
	writeFixture(t, dir, "scribe-small.json", `"Small model content."`)
	writeFixture(t, dir, "qc.blk-1.json", `{"overall_score":10,"status":"failed"}`)

	fixtures, qcFixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}

	seq := fixtures["scribe-large"]
	if len(seq) != 3 {
		t.Fatalf("scribe-large: expected 3 fixtures, got %d", len(seq))
	}
	if !strings.Contains(seq[0], "flawed") || !strings.Contains(seq[1], "corrected") || !strings.Contains(seq[2], "Fallback") {
		t.Errorf("fixtures out of order: %v", seq)
	}

	if len(fixtures["scribe-small"]) != 1 {
		t.Fatalf("scribe-small: expected 1 fixture, got %d", len(fixtures["scribe-small"]))
	}

	if _, ok := qcFixtures["blk-1"]; !ok {
		t.Errorf("expected QC override for blk-1, got %v", qcFixtures)
	}
}

func TestChatCompletions_SequentialFixtures(t *testing.T) {
	s := newServer(map[string][]string{
		"scribe-large": {`first`, `second`},
	}, nil)

	for i, want := range []string{"first", "second", "second"} {
		resp := postChat(t, s, chatRequest{
			Model:    "scribe-large",
			Messages: []chatMessage{{Role: "user", Content: "Write the proof."}},
		})
		if got := resp.Choices[0].Message.Content; got != want {
			t.Errorf("call %d: expected %q, got %q", i+1, want, got)
		}
		if resp.Choices[0].FinishReason != "stop" {
			t.Errorf("call %d: finish_reason = %q", i+1, resp.Choices[0].FinishReason)
		}
	}
}

func TestChatCompletions_CannedFallback(t *testing.T) {
	s := newServer(nil, nil)

	resp := postChat(t, s, chatRequest{
		Model: "unknown-model",
		Messages: []chatMessage{
			{Role: "system", Content: "You are a mathematical writer."},
			{Role: "user", Content: "Write a definition of a group.\nAudience: undergraduate."},
		},
	})

	content := resp.Choices[0].Message.Content
	if !strings.Contains(content, "Write a definition of a group.") {
		t.Errorf("canned content should echo the prompt topic, got: %s", content)
	}
	if !strings.Contains(content, `\[`) {
		t.Errorf("canned content should contain display math, got: %s", content)
	}
	if resp.Model != "unknown-model" {
		t.Errorf("response model = %q", resp.Model)
	}
}

func TestAnalyze_Verdicts(t *testing.T) {
	long := strings.Repeat("A complete and careful argument. ", 5)
	cases := []struct {
		name    string
		content string
		status  document.QCStatus
	}{
		{"passes", long, document.QCPassed},
		{"critical marker fails", long + ` \fixme`, document.QCFailed},
		{"too short fails", "Trivial.", document.QCFailed},
		{"minor marker partial", long + " %% minor", document.QCPartialSuccess},
	}

	s := newServer(nil, nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			report := postAnalyze(t, s, analyzeRequest{
				BlockID:   "blk-1",
				BlockType: document.BlockProofSkeleton,
				Content:   tc.content,
			})
			if report.Status != tc.status {
				t.Errorf("status = %q, want %q", report.Status, tc.status)
			}
			if tc.status != document.QCPassed && len(report.Problems) == 0 {
				t.Errorf("expected problems for status %q", tc.status)
			}
		})
	}
}

func TestAnalyze_FixtureOverride(t *testing.T) {
	s := newServer(nil, map[string]string{
		"blk-override": `{"overall_score":33,"status":"failed","problems":[{"type":"coherence","severity":"major","description":"does not follow"}]}`,
	})

	report := postAnalyze(t, s, analyzeRequest{
		BlockID:   "blk-override",
		BlockType: document.BlockTheorem,
		Content:   strings.Repeat("Fine content on its own. ", 4),
	})
	if report.Status != document.QCFailed {
		t.Errorf("status = %q, want failed", report.Status)
	}
	if report.OverallScore != 33 {
		t.Errorf("score = %v, want 33", report.OverallScore)
	}
}

func TestStats(t *testing.T) {
	s := newServer(map[string][]string{"scribe-large": {`x`}}, nil)

	postChat(t, s, chatRequest{Model: "scribe-large"})
	postChat(t, s, chatRequest{Model: "scribe-large"})
	postAnalyze(t, s, analyzeRequest{BlockID: "b", Content: strings.Repeat("long enough content ", 4)})

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	s.handleStats(rec, req)

	var stats struct {
		ChatCalls    int64            `json:"chat_calls"`
		AnalyzeCalls int64            `json:"analyze_calls"`
		CallsByModel map[string]int64 `json:"calls_by_model"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.ChatCalls != 2 || stats.AnalyzeCalls != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.CallsByModel["scribe-large"] != 2 {
		t.Errorf("calls_by_model = %v", stats.CallsByModel)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := newServer(nil, nil)

	for _, path := range []string{"/v1/chat/completions", "/v1/analyze"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		switch path {
		case "/v1/chat/completions":
			s.handleChatCompletions(rec, req)
		default:
			s.handleAnalyze(rec, req)
		}
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: status = %d", path, rec.Code)
		}
	}
}

func postChat(t *testing.T, s *server, req chatRequest) chatResponse {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	httpReq := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()
	s.handleChatCompletions(rec, httpReq)
	if rec.Code != http.StatusOK {
		t.Fatalf("chat completions: status %d: %s", rec.Code, rec.Body.String())
	}
	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func postAnalyze(t *testing.T, s *server, req analyzeRequest) document.QCReport {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	httpReq := httptest.NewRequest(http.MethodPost, "/v1/analyze", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()
	s.handleAnalyze(rec, httpReq)
	if rec.Code != http.StatusOK {
		t.Fatalf("analyze: status %d: %s", rec.Code, rec.Body.String())
	}
	var report document.QCReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	return report
}
