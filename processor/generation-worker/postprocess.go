package generationworker

import (
	"regexp"
	"strings"
)

// fenceRe matches a markdown code fence line, with or without a language tag.
var fenceRe = regexp.MustCompile("^```[a-zA-Z]*\\s*$")

// displayMathRe matches $$ ... $$ display math spans.
var displayMathRe = regexp.MustCompile(`(?s)\$\$(.+?)\$\$`)

// CleanLaTeX normalizes raw model output into assembler-ready LaTeX body
// content: code fences are stripped, TeX-primitive display math is rewritten
// to LaTeX form, and leading prose like "Here is the definition:" before the
// first blank line is dropped when the content is fenced.
func CleanLaTeX(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.TrimSpace(s)

	s = stripFences(s)
	s = displayMathRe.ReplaceAllString(s, `\[$1\]`)

	return strings.TrimSpace(s)
}

// stripFences removes markdown code fences. When the whole answer is one
// fenced block, anything before the opening fence is chat filler and is
// dropped with it.
func stripFences(s string) string {
	lines := strings.Split(s, "\n")

	first, last := -1, -1
	for i, line := range lines {
		if fenceRe.MatchString(strings.TrimSpace(line)) {
			if first == -1 {
				first = i
			} else {
				last = i
			}
		}
	}
	if first == -1 {
		return s
	}
	if last == -1 {
		// Unclosed fence: drop the fence line only.
		return strings.Join(append(lines[:first], lines[first+1:]...), "\n")
	}
	return strings.Join(lines[first+1:last], "\n")
}
