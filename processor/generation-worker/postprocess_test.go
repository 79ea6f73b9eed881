package generationworker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanLaTeX(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "plain content unchanged",
			raw:  `A \emph{group} is a set $G$ with an operation.`,
			want: `A \emph{group} is a set $G$ with an operation.`,
		},
		{
			name: "fenced block keeps only the inside",
			raw:  "Here is the definition:\n```latex\n\\begin{itemize}\n\\item closure\n\\end{itemize}\n```",
			want: "\\begin{itemize}\n\\item closure\n\\end{itemize}",
		},
		{
			name: "bare fence without language tag",
			raw:  "```\nx^2 + y^2 = z^2\n```",
			want: "x^2 + y^2 = z^2",
		},
		{
			name: "unclosed fence drops the fence line only",
			raw:  "```latex\nLet $f$ be continuous.",
			want: "Let $f$ be continuous.",
		},
		{
			name: "display math rewritten to latex form",
			raw:  "The identity\n$$e^{i\\pi} + 1 = 0$$\nholds.",
			want: "The identity\n\\[e^{i\\pi} + 1 = 0\\]\nholds.",
		},
		{
			name: "crlf normalized",
			raw:  "line one\r\nline two",
			want: "line one\nline two",
		},
		{
			name: "surrounding whitespace trimmed",
			raw:  "\n\n  $x > 0$  \n\n",
			want: "$x > 0$",
		},
		{
			name: "inline math untouched",
			raw:  `For all $x$ in $G$, $x^{-1}$ exists.`,
			want: `For all $x$ in $G$, $x^{-1}$ exists.`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanLaTeX(tt.raw))
		})
	}
}
