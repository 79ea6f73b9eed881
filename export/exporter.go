package export

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/bmatcuk/doublestar/v4"

	"github.com/lemmalab/lemma/fault"
)

// Artifact is one written output file.
type Artifact struct {
	Format Format `json:"format"`
	Path   string `json:"path"`
}

// Exporter writes an assembled LaTeX artifact into the requested formats.
type Exporter struct {
	outputDir   string
	templateDir string
	latexmkPath string
	logger      *slog.Logger
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Exporter) {
		e.logger = logger
	}
}

// WithLatexmk overrides the latexmk binary used for pdf export.
func WithLatexmk(path string) Option {
	return func(e *Exporter) {
		e.latexmkPath = path
	}
}

// New creates an Exporter writing into outputDir. templateDir optionally
// holds .sty/.cls/.bib assets staged next to the source for pdf compilation.
func New(outputDir, templateDir string, opts ...Option) *Exporter {
	e := &Exporter{
		outputDir:   outputDir,
		templateDir: templateDir,
		latexmkPath: "latexmk",
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Export writes the artifact in each requested format and returns the
// written files. Unsupported format names fail before anything is written.
func (e *Exporter) Export(ctx context.Context, baseName, latex string, formats []string) ([]Artifact, error) {
	if baseName == "" || latex == "" {
		return nil, fault.New(fault.KindInternal, "export: base name and source are required")
	}

	parsed := make([]Format, 0, len(formats))
	for _, name := range formats {
		f, ok := ParseFormat(name)
		if !ok {
			return nil, fault.Newf(fault.KindInternal, "export: unsupported format %q", name)
		}
		parsed = append(parsed, f)
	}

	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return nil, fault.Wrap(fault.KindUnavailable, err)
	}

	artifacts := make([]Artifact, 0, len(parsed))
	for _, f := range parsed {
		path, err := e.writeFormat(ctx, baseName, latex, f)
		if err != nil {
			return nil, err
		}
		e.logger.Info("Wrote export artifact", "format", f, "path", path)
		artifacts = append(artifacts, Artifact{Format: f, Path: path})
	}
	return artifacts, nil
}

func (e *Exporter) writeFormat(ctx context.Context, baseName, latex string, f Format) (string, error) {
	info := FormatRegistry[f]
	path := filepath.Join(e.outputDir, baseName+info.Extension)

	switch f {
	case FormatTeX:
		if err := os.WriteFile(path, []byte(latex), 0o644); err != nil {
			return "", fault.Wrap(fault.KindUnavailable, err)
		}
		return path, nil

	case FormatHTML:
		if err := os.WriteFile(path, []byte(RenderHTML(latex)), 0o644); err != nil {
			return "", fault.Wrap(fault.KindUnavailable, err)
		}
		return path, nil

	case FormatMarkdown:
		converter := md.NewConverter("", true, nil)
		markdown, err := converter.ConvertString(RenderHTML(latex))
		if err != nil {
			return "", fault.Wrap(fault.KindInternal, err)
		}
		if err := os.WriteFile(path, []byte(markdown), 0o644); err != nil {
			return "", fault.Wrap(fault.KindUnavailable, err)
		}
		return path, nil

	case FormatPDF:
		return e.compilePDF(ctx, baseName, latex, path)

	default:
		return "", fault.Newf(fault.KindInternal, "export: unsupported format %q", f)
	}
}

// compilePDF stages the source and template assets into a scratch dir and
// runs latexmk there, keeping aux files out of the output dir.
func (e *Exporter) compilePDF(ctx context.Context, baseName, latex, outPath string) (string, error) {
	buildDir, err := os.MkdirTemp("", "lemma-pdf-*")
	if err != nil {
		return "", fault.Wrap(fault.KindUnavailable, err)
	}
	defer os.RemoveAll(buildDir)

	srcPath := filepath.Join(buildDir, baseName+".tex")
	if err := os.WriteFile(srcPath, []byte(latex), 0o644); err != nil {
		return "", fault.Wrap(fault.KindUnavailable, err)
	}

	if err := e.stageTemplateAssets(buildDir); err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, e.latexmkPath,
		"-pdf", "-interaction=nonstopmode", "-halt-on-error",
		"-output-directory="+buildDir, srcPath)
	cmd.Dir = buildDir

	if out, err := cmd.CombinedOutput(); err != nil {
		detail := tailLines(string(out), 20)
		if ctx.Err() != nil {
			return "", fault.Wrap(fault.KindTimeout, ctx.Err())
		}
		// Compilation errors are content faults and do not retry
		return "", fault.Newf(fault.KindInternal, "latexmk failed: %s", detail)
	}

	pdf, err := os.ReadFile(filepath.Join(buildDir, baseName+".pdf"))
	if err != nil {
		return "", fault.Wrap(fault.KindInternal, err)
	}
	if err := os.WriteFile(outPath, pdf, 0o644); err != nil {
		return "", fault.Wrap(fault.KindUnavailable, err)
	}
	return outPath, nil
}

// stageTemplateAssets copies style and bibliography files from the template
// dir so custom preambles resolve during compilation.
func (e *Exporter) stageTemplateAssets(buildDir string) error {
	if e.templateDir == "" {
		return nil
	}

	matches, err := doublestar.Glob(os.DirFS(e.templateDir), "**/*.{sty,cls,bib}")
	if err != nil {
		return fault.Wrap(fault.KindInternal, err)
	}

	for _, rel := range matches {
		data, err := os.ReadFile(filepath.Join(e.templateDir, rel))
		if err != nil {
			return fault.Wrap(fault.KindUnavailable, err)
		}
		// latexmk resolves flat includes from the build dir
		dest := filepath.Join(buildDir, filepath.Base(rel))
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return fault.Wrap(fault.KindUnavailable, err)
		}
	}
	return nil
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
