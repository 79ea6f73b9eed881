// Package export renders an assembled LaTeX artifact into the requested
// output formats: tex (verbatim), markdown, html, and pdf via latexmk.
package export

import (
	"sort"
)

// Format specifies an output format.
type Format string

const (
	// FormatTeX writes the assembled LaTeX source verbatim.
	FormatTeX Format = "tex"

	// FormatMarkdown produces Markdown with math left in delimiters.
	FormatMarkdown Format = "markdown"

	// FormatHTML produces HTML with math left for client-side rendering.
	FormatHTML Format = "html"

	// FormatPDF compiles the LaTeX source with latexmk.
	FormatPDF Format = "pdf"
)

// FormatInfo provides metadata about an export format.
type FormatInfo struct {
	// Name is the format identifier.
	Name Format

	// MIMEType is the standard MIME type.
	MIMEType string

	// Extension is the file extension (with dot).
	Extension string

	// Description describes the format.
	Description string
}

// FormatRegistry contains metadata for all supported formats.
var FormatRegistry = map[Format]FormatInfo{
	FormatTeX: {
		Name:        FormatTeX,
		MIMEType:    "application/x-tex",
		Extension:   ".tex",
		Description: "LaTeX source",
	},
	FormatMarkdown: {
		Name:        FormatMarkdown,
		MIMEType:    "text/markdown",
		Extension:   ".md",
		Description: "Markdown with embedded math delimiters",
	},
	FormatHTML: {
		Name:        FormatHTML,
		MIMEType:    "text/html",
		Extension:   ".html",
		Description: "HTML with math left for MathJax",
	},
	FormatPDF: {
		Name:        FormatPDF,
		MIMEType:    "application/pdf",
		Extension:   ".pdf",
		Description: "PDF compiled with latexmk",
	},
}

// GetFormatInfo returns metadata for a format.
func GetFormatInfo(format Format) (FormatInfo, bool) {
	info, ok := FormatRegistry[format]
	return info, ok
}

// ParseFormat returns the format for a string, or false if unsupported.
func ParseFormat(s string) (Format, bool) {
	f := Format(s)
	_, ok := FormatRegistry[f]
	return f, ok
}

// SupportedFormats returns the registered format names in sorted order.
func SupportedFormats() []string {
	names := make([]string, 0, len(FormatRegistry))
	for f := range FormatRegistry {
		names = append(names, string(f))
	}
	sort.Strings(names)
	return names
}
