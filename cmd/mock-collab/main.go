// Package main implements a mock collaborator server for e2e testing.
// It stands in for both external services the engine talks to: an
// OpenAI-compatible LLM at /v1/chat/completions and the QC analyzer at
// /v1/analyze. This keeps workflow wiring tests fast, deterministic, and
// offline-capable.
//
// Usage:
//
//	mock-collab -fixtures /path/to/fixtures -port 11434
//
// LLM fixtures are JSON files named by model ("scribe-large.json" answers
// model "scribe-large"; the file content becomes the assistant message).
// Numbered files ("scribe-large.1.json", "scribe-large.2.json") are served
// in order per call, with the base file as the repeating fallback, which
// lets a test script a fail→refine→pass loop. Models without a fixture get
// a deterministic canned LaTeX block.
//
// QC verdicts are derived from the submitted content: a "\fixme" marker
// yields a critical math error, very short content fails on clarity, a
// "%% minor" marker yields partial success, anything else passes. A
// fixture named "qc.<block_id>.json" overrides the verdict for that block.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/lemmalab/lemma/document"
)

// --- OpenAI-compatible types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// analyzeRequest mirrors the engine's QC analyzer wire format.
type analyzeRequest struct {
	BlockID   string             `json:"block_id"`
	BlockType document.BlockType `json:"block_type"`
	Content   string             `json:"content"`
	Subject   string             `json:"subject,omitempty"`
	Level     string             `json:"level,omitempty"`
	Style     string             `json:"style,omitempty"`
}

// --- Server ---

type server struct {
	fixtures   map[string][]string // model name → ordered fixture contents
	qcFixtures map[string]string   // block id → raw QCReport JSON

	chatCalls    atomic.Int64
	analyzeCalls atomic.Int64

	// Per-model call counters for sequential fixture selection.
	modelCalls   map[string]*atomic.Int64
	modelCallsMu sync.Mutex
}

func newServer(fixtures map[string][]string, qcFixtures map[string]string) *server {
	return &server{
		fixtures:   fixtures,
		qcFixtures: qcFixtures,
		modelCalls: make(map[string]*atomic.Int64),
	}
}

func (s *server) getModelCounter(model string) *atomic.Int64 {
	s.modelCallsMu.Lock()
	defer s.modelCallsMu.Unlock()
	if c, ok := s.modelCalls[model]; ok {
		return c
	}
	c := &atomic.Int64{}
	s.modelCalls[model] = c
	return c
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture response files (optional)")
	port := flag.Int("port", 11434, "port to listen on")
	flag.Parse()

	if envDir := os.Getenv("MOCK_COLLAB_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}

	fixtures := map[string][]string{}
	qcFixtures := map[string]string{}
	if *fixtureDir != "" {
		var err error
		fixtures, qcFixtures, err = loadFixtures(*fixtureDir)
		if err != nil {
			log.Fatalf("Failed to load fixtures from %s: %v", *fixtureDir, err)
		}
		log.Printf("Loaded %d model(s) and %d QC override(s) from %s", len(fixtures), len(qcFixtures), *fixtureDir)
	}

	s := newServer(fixtures, qcFixtures)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/v1/analyze", s.handleAnalyze)
	mux.HandleFunc("/stats", s.handleStats)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock collaborator listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	callNum := s.chatCalls.Add(1)
	content := s.resolveContent(req)
	log.Printf("[chat %d] model=%s messages=%d bytes=%d", callNum, req.Model, len(req.Messages), len(content))

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{
			{
				Index: 0,
				Message: chatMessage{
					Role:    "assistant",
					Content: content,
				},
				FinishReason: "stop",
			},
		},
		Usage: chatUsage{
			PromptTokens:     len(content) / 4, // rough estimate
			CompletionTokens: len(content) / 4,
			TotalTokens:      len(content) / 2,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// resolveContent selects a fixture for the model or falls back to a canned
// block derived from the prompt.
func (s *server) resolveContent(req chatRequest) string {
	seq, ok := s.fixtures[req.Model]
	if !ok {
		seq, ok = s.fixtures[strings.TrimPrefix(req.Model, "mock-")]
	}
	if ok {
		idx := int(s.getModelCounter(req.Model).Add(1) - 1)
		if idx >= len(seq) {
			idx = len(seq) - 1 // repeat last fixture
		}
		return seq[idx]
	}
	return cannedBlock(req)
}

// cannedBlock produces deterministic LaTeX so tests without fixtures still
// exercise the full pipeline through assembly.
func cannedBlock(req chatRequest) string {
	topic := "the stated result"
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" && req.Messages[i].Content != "" {
			line, _, _ := strings.Cut(req.Messages[i].Content, "\n")
			if len(line) > 60 {
				line = line[:60]
			}
			topic = strings.TrimSpace(line)
			break
		}
	}
	return fmt.Sprintf(
		"We now address %s.\n\\[\n\\forall x \\in G \\colon x \\cdot x^{-1} = e\n\\]\nThis completes the discussion.",
		topic)
}

func (s *server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	callNum := s.analyzeCalls.Add(1)

	w.Header().Set("Content-Type", "application/json")

	if raw, ok := s.qcFixtures[req.BlockID]; ok {
		log.Printf("[analyze %d] block=%s fixture override", callNum, req.BlockID)
		_, _ = w.Write([]byte(raw))
		return
	}

	report := verdict(req.Content)
	log.Printf("[analyze %d] block=%s type=%s status=%s score=%.0f",
		callNum, req.BlockID, req.BlockType, report.Status, report.OverallScore)
	_ = json.NewEncoder(w).Encode(report)
}

// verdict derives a deterministic QC report from content markers, so tests
// can steer the refinement loop by what they put in the LLM fixtures.
func verdict(content string) document.QCReport {
	switch {
	case strings.Contains(content, `\fixme`):
		return document.QCReport{
			OverallScore: 20,
			Status:       document.QCFailed,
			Problems: []document.Problem{{
				Type:         document.ProblemMathError,
				Severity:     document.SeverityCritical,
				Description:  "derivation marked incorrect",
				Location:     "at \\fixme marker",
				SuggestedFix: "rework the flagged step",
			}},
		}
	case utf8.RuneCountInString(strings.TrimSpace(content)) < 40:
		return document.QCReport{
			OverallScore: 55,
			Status:       document.QCFailed,
			Problems: []document.Problem{{
				Type:        document.ProblemClarity,
				Severity:    document.SeverityMajor,
				Description: "content too short to carry the argument",
			}},
		}
	case strings.Contains(content, "%% minor"):
		return document.QCReport{
			OverallScore: 78,
			Status:       document.QCPartialSuccess,
			Problems: []document.Problem{{
				Type:        document.ProblemStyleMismatch,
				Severity:    document.SeverityMinor,
				Description: "notation drifts from the house style",
			}},
		}
	default:
		return document.QCReport{
			OverallScore: 92,
			Status:       document.QCPassed,
		}
	}
}

// handleStats returns call counts for test assertions.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.modelCallsMu.Lock()
	callsByModel := make(map[string]int64, len(s.modelCalls))
	for model, counter := range s.modelCalls {
		callsByModel[model] = counter.Load()
	}
	s.modelCallsMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"chat_calls":     s.chatCalls.Load(),
		"analyze_calls":  s.analyzeCalls.Load(),
		"calls_by_model": callsByModel,
	})
}

// numberedFileRe matches files like "scribe-large.1.json".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)

// loadFixtures reads JSON files from dir. Files named "qc.<block_id>.json"
// become QC overrides; everything else maps model name to an ordered content
// sequence (numbered files first, base file as the repeating tail).
func loadFixtures(dir string) (map[string][]string, map[string]string, error) {
	baseFiles := make(map[string]string)
	numberedFiles := make(map[string]map[int]string)
	qcFixtures := make(map[string]string)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".json") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("invalid JSON in %s", path)
		}

		if blockID, ok := strings.CutPrefix(info.Name(), "qc."); ok {
			qcFixtures[strings.TrimSuffix(blockID, ".json")] = string(data)
			return nil
		}

		if matches := numberedFileRe.FindStringSubmatch(info.Name()); matches != nil {
			model := matches[1]
			index, _ := strconv.Atoi(matches[2])
			if numberedFiles[model] == nil {
				numberedFiles[model] = make(map[int]string)
			}
			numberedFiles[model][index] = string(data)
			return nil
		}

		baseFiles[strings.TrimSuffix(info.Name(), ".json")] = string(data)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	fixtures := make(map[string][]string)
	for model := range numberedFiles {
		indices := make([]int, 0, len(numberedFiles[model]))
		for idx := range numberedFiles[model] {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			fixtures[model] = append(fixtures[model], numberedFiles[model][idx])
		}
	}
	for model, content := range baseFiles {
		fixtures[model] = append(fixtures[model], content)
	}

	return fixtures, qcFixtures, nil
}
