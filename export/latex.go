package export

import (
	"fmt"
	"regexp"
	"strings"
)

// Structural commands recognized by the HTML renderer. Anything else inside
// the body is either a text command, math, or an environment.
var (
	chapterRe  = regexp.MustCompile(`\\chapter\{([^}]*)\}`)
	sectionRe  = regexp.MustCompile(`\\section\{([^}]*)\}`)
	beginEnvRe = regexp.MustCompile(`\\begin\{([a-z]+)\}(?:\[([^\]]*)\])?`)
	endEnvRe   = regexp.MustCompile(`\\end\{([a-z]+)\}`)
	emphRe     = regexp.MustCompile(`\\emph\{([^}]*)\}`)
	textbfRe   = regexp.MustCompile(`\\textbf\{([^}]*)\}`)
	textitRe   = regexp.MustCompile(`\\textit\{([^}]*)\}`)
	inlineRe   = regexp.MustCompile(`\$([^$]+)\$`)
)

// envHeadings labels rendered environments. Environments without an entry
// render as plain divs.
var envHeadings = map[string]string{
	"definition": "Definition",
	"theorem":    "Theorem",
	"example":    "Example",
	"exercise":   "Exercise",
	"remark":     "Remark",
	"proof":      "Proof",
}

// RenderHTML converts an assembled LaTeX document to HTML. The conversion
// covers the structural subset the assembler emits; math is left in
// \( .. \) and \[ .. \] delimiters for MathJax.
func RenderHTML(latex string) string {
	body := documentBody(latex)

	body = strings.ReplaceAll(body, `\maketitle`, "")
	body = strings.ReplaceAll(body, `\tableofcontents`, "")

	body = chapterRe.ReplaceAllString(body, "<h1>$1</h1>")
	body = sectionRe.ReplaceAllString(body, "<h2>$1</h2>")

	body = beginEnvRe.ReplaceAllStringFunc(body, func(m string) string {
		parts := beginEnvRe.FindStringSubmatch(m)
		env, title := parts[1], parts[2]
		heading, ok := envHeadings[env]
		if !ok {
			return fmt.Sprintf(`<div class=%q>`, env)
		}
		if title != "" {
			return fmt.Sprintf("<div class=%q><p class=\"env-title\">%s (%s).</p>", env, heading, title)
		}
		return fmt.Sprintf("<div class=%q><p class=\"env-title\">%s.</p>", env, heading)
	})
	body = endEnvRe.ReplaceAllString(body, "</div>")

	body = emphRe.ReplaceAllString(body, "<em>$1</em>")
	body = textbfRe.ReplaceAllString(body, "<strong>$1</strong>")
	body = textitRe.ReplaceAllString(body, "<em>$1</em>")

	// Display math first so inline matching cannot split $$ pairs
	body = strings.ReplaceAll(body, "$$", "\n")
	body = strings.ReplaceAll(body, `\[`, `\\[`)
	body = strings.ReplaceAll(body, `\]`, `\\]`)
	body = inlineRe.ReplaceAllString(body, `\\($1\\)`)

	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	if title := documentTitle(latex); title != "" {
		fmt.Fprintf(&sb, "<title>%s</title>\n", title)
	}
	sb.WriteString("</head>\n<body>\n")

	// Blank lines delimit paragraphs; block-level tags stand alone.
	for _, para := range strings.Split(body, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if strings.HasPrefix(para, "<h1>") || strings.HasPrefix(para, "<h2>") ||
			strings.HasPrefix(para, "<div") || strings.HasPrefix(para, "</div>") {
			sb.WriteString(para)
			sb.WriteString("\n")
			continue
		}
		fmt.Fprintf(&sb, "<p>%s</p>\n", para)
	}

	sb.WriteString("</body>\n</html>\n")
	return sb.String()
}

// documentBody returns the content between \begin{document} and
// \end{document}, or the whole input when the markers are absent.
func documentBody(latex string) string {
	const begin = `\begin{document}`
	const end = `\end{document}`

	start := strings.Index(latex, begin)
	if start < 0 {
		return latex
	}
	body := latex[start+len(begin):]
	if stop := strings.LastIndex(body, end); stop >= 0 {
		body = body[:stop]
	}
	return body
}

var titleRe = regexp.MustCompile(`\\title\{([^}]*)\}`)

func documentTitle(latex string) string {
	if m := titleRe.FindStringSubmatch(latex); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}
