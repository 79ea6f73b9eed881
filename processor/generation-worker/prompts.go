package generationworker

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/fsnotify/fsnotify"

	"github.com/lemmalab/lemma/document"
	"github.com/lemmalab/lemma/llm"
)

// promptData is the context a prompt template renders with.
type promptData struct {
	BlockType string
	Subject   string
	Level     string
	Style     string
	Title     string

	// Refinement only
	Predecessor string
	Feedback    string
}

// systemPrompt frames every generation. The worker emits raw LaTeX; the
// assembler supplies the environments and preamble.
const systemPrompt = `You are a mathematician writing one block of a larger document on {{.Subject}}.
Audience level: {{.Level}}. Rhetorical style: {{.Style}}.
Write LaTeX body content only: no preamble, no \documentclass, no surrounding environment, no markdown fences.
Use standard amsmath/amssymb notation.`

// defaultTemplates are the built-in user prompts per block type. A template
// file of the same name in the prompt directory overrides the built-in.
var defaultTemplates = map[document.BlockType]string{
	document.BlockDefinition: `Write the formal definition{{if .Title}} of {{.Title}}{{end}}.
State it precisely, introduce the notation used, and keep informal commentary out of the definition body.`,
	document.BlockTheorem: `State the theorem{{if .Title}} known as {{.Title}}{{end}} precisely, with all hypotheses explicit.
Do not include the proof.`,
	document.BlockProofSkeleton: `Write a structured proof skeleton{{if .Title}} for {{.Title}}{{end}}: the key steps in order, each with a one-sentence justification.
Mark any step whose full argument is deferred.`,
	document.BlockIntuition: `Explain the intuition{{if .Title}} behind {{.Title}}{{end}}: why the notion is defined this way and what picture to keep in mind.
Informal language is fine; stay mathematically honest.`,
	document.BlockExample:  `Give a fully worked example{{if .Title}} illustrating {{.Title}}{{end}}, small enough to verify by hand.`,
	document.BlockExercise: `Write one exercise{{if .Title}} on {{.Title}}{{end}} appropriate for the audience level, with a hint in a final sentence.`,
	document.BlockText:     `Write a connecting expository passage{{if .Title}} on {{.Title}}{{end}} that motivates what follows and ties it to what came before.`,
}

// refineInstruction is appended to the user prompt on refinement attempts.
const refineInstruction = `

A previous version of this block was rejected. Previous version:

%s

Feedback to address:

%s

Rewrite the block, fixing every point of the feedback. Return the complete replacement, not a diff.`

// PromptBuilder renders generation and refinement prompts, overlaying
// operator-supplied template files on the built-in defaults. Files hot-reload
// while the worker runs.
type PromptBuilder struct {
	dir    string
	logger *slog.Logger

	mu        sync.RWMutex
	overrides map[document.BlockType]*template.Template

	system *template.Template
	base   map[document.BlockType]*template.Template

	watcher *fsnotify.Watcher
}

// NewPromptBuilder creates a builder over the given template directory.
// An empty dir uses only the built-in templates.
func NewPromptBuilder(dir string, logger *slog.Logger) (*PromptBuilder, error) {
	b := &PromptBuilder{
		dir:       dir,
		logger:    logger,
		overrides: make(map[document.BlockType]*template.Template),
		system:    template.Must(template.New("system").Parse(systemPrompt)),
		base:      make(map[document.BlockType]*template.Template),
	}
	for t, text := range defaultTemplates {
		b.base[t] = template.Must(template.New(string(t)).Parse(text))
	}
	if dir != "" {
		if err := b.loadDir(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Watch hot-reloads template files until Close. Safe to skip for tests.
func (b *PromptBuilder) Watch() error {
	if b.dir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create template watcher: %w", err)
	}
	if err := watcher.Add(b.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", b.dir, err)
	}
	b.watcher = watcher

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := b.loadDir(); err != nil {
					b.logger.Warn("Template reload failed", "error", err)
					continue
				}
				b.logger.Info("Prompt templates reloaded", "trigger", ev.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				b.logger.Warn("Template watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the file watcher.
func (b *PromptBuilder) Close() error {
	if b.watcher != nil {
		return b.watcher.Close()
	}
	return nil
}

// loadDir reads <block_type>.tmpl files from the template directory. A file
// that fails to parse is skipped so one bad template cannot take down the
// worker.
func (b *PromptBuilder) loadDir() error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read template dir: %w", err)
	}

	overrides := make(map[document.BlockType]*template.Template)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".tmpl") {
			continue
		}
		blockType := document.BlockType(strings.TrimSuffix(name, ".tmpl"))
		if !blockType.IsValid() {
			b.logger.Debug("Ignoring template for unknown block type", "file", name)
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.dir, name))
		if err != nil {
			b.logger.Warn("Template unreadable, keeping previous", "file", name, "error", err)
			continue
		}
		tmpl, err := template.New(name).Parse(string(data))
		if err != nil {
			b.logger.Warn("Template parse failed, keeping previous", "file", name, "error", err)
			continue
		}
		overrides[blockType] = tmpl
	}

	b.mu.Lock()
	b.overrides = overrides
	b.mu.Unlock()
	return nil
}

// Generate renders the prompt messages for a generate_block task.
func (b *PromptBuilder) Generate(params *document.GenerateParams, title string) ([]llm.Message, error) {
	data := promptData{
		BlockType: params.BlockType.String(),
		Subject:   params.Subject,
		Level:     params.Level,
		Style:     params.Style,
		Title:     title,
	}
	return b.render(params.BlockType, data, "")
}

// Refine renders the prompt messages for a refine_block task, embedding the
// rejected content and the feedback to address.
func (b *PromptBuilder) Refine(params *document.RefineParams, title, predecessor, feedback string) ([]llm.Message, error) {
	data := promptData{
		BlockType: params.BlockType.String(),
		Subject:   params.Subject,
		Level:     params.Level,
		Style:     params.Style,
		Title:     title,
	}
	suffix := fmt.Sprintf(refineInstruction, predecessor, feedback)
	return b.render(params.BlockType, data, suffix)
}

func (b *PromptBuilder) render(blockType document.BlockType, data promptData, suffix string) ([]llm.Message, error) {
	b.mu.RLock()
	tmpl, ok := b.overrides[blockType]
	b.mu.RUnlock()
	if !ok {
		tmpl, ok = b.base[blockType]
		if !ok {
			tmpl = b.base[document.BlockText]
		}
	}

	var system, user strings.Builder
	if err := b.system.Execute(&system, data); err != nil {
		return nil, fmt.Errorf("render system prompt: %w", err)
	}
	if err := tmpl.Execute(&user, data); err != nil {
		return nil, fmt.Errorf("render %s prompt: %w", blockType, err)
	}
	user.WriteString(suffix)

	return []llm.Message{
		{Role: "system", Content: system.String()},
		{Role: "user", Content: user.String()},
	}, nil
}

// FeedbackText flattens a feedback record into prompt text. QC-sourced
// feedback lists each problem with its severity and suggested fix;
// user-sourced feedback leads with the intent tag.
func FeedbackText(f *document.Feedback) string {
	if f == nil {
		return "No structured feedback was recorded; improve overall quality."
	}
	if f.Source == document.FeedbackFromUser {
		var sb strings.Builder
		if f.Intent != "" {
			fmt.Fprintf(&sb, "[%s] ", f.Intent)
		}
		sb.WriteString(f.Text)
		if f.Location != "" {
			fmt.Fprintf(&sb, " (at: %s)", f.Location)
		}
		return sb.String()
	}

	if f.Report == nil || len(f.Report.Problems) == 0 {
		return fmt.Sprintf("Quality control scored this block %.0f/100; improve overall quality.",
			scoreOf(f.Report))
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Quality control scored this block %.0f/100 and found:\n", f.Report.OverallScore)
	for _, p := range f.Report.Problems {
		fmt.Fprintf(&sb, "- [%s/%s] %s", p.Type, p.Severity, p.Description)
		if p.Location != "" {
			fmt.Fprintf(&sb, " (at: %s)", p.Location)
		}
		if p.SuggestedFix != "" {
			fmt.Fprintf(&sb, " Suggested fix: %s", p.SuggestedFix)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func scoreOf(r *document.QCReport) float64 {
	if r == nil {
		return 0
	}
	return r.OverallScore
}
