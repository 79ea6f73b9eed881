// Package assemble orders a version's validated blocks along its structure
// tree and renders them into a single LaTeX document artifact.
package assemble

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/lemmalab/lemma/document"
	"github.com/lemmalab/lemma/fault"
)

// preambleTemplate renders the document header. Theorem-like environments
// match the block types the generation workers emit.
const preambleTemplate = `\documentclass[11pt]{book}
\usepackage[utf8]{inputenc}
\usepackage{amsmath,amssymb,amsthm}
\usepackage{hyperref}

\theoremstyle{plain}
\newtheorem{theorem}{Theorem}[section]
\theoremstyle{definition}
\newtheorem{definition}[theorem]{Definition}
\newtheorem{example}[theorem]{Example}
\newtheorem{exercise}[theorem]{Exercise}
\theoremstyle{remark}
\newtheorem{remark}[theorem]{Remark}

\title{ {{- .Title -}} }
\author{ {{- .Author -}} }
\date{ {{- .Date -}} }

\begin{document}
\maketitle
\tableofcontents
`

var preamble = template.Must(template.New("preamble").Parse(preambleTemplate))

// blockEnvironments maps block types to their LaTeX environment. Text blocks
// render unwrapped.
var blockEnvironments = map[document.BlockType]string{
	document.BlockDefinition:    "definition",
	document.BlockTheorem:       "theorem",
	document.BlockExample:       "example",
	document.BlockExercise:      "exercise",
	document.BlockIntuition:     "remark",
	document.BlockProofSkeleton: "proof",
}

// Input carries everything the assembler needs for one version.
type Input struct {
	Project *document.Project
	Version *document.DocumentVersion

	// Blocks maps slot IDs to the block currently filling the slot.
	Blocks map[string]*document.ContentBlock

	// Date overrides \date{}; zero uses the current date.
	Date time.Time
}

// Build renders the document. Every slot must be filled by a block in the
// validated state; slots whose block ended refinement_failed or archived
// have no publishable content and fail the assembly.
func Build(in Input) (string, error) {
	if in.Project == nil || in.Version == nil {
		return "", fault.New(fault.KindInternal, "assemble: project and version are required")
	}

	date := in.Date
	if date.IsZero() {
		date = time.Now()
	}

	var sb strings.Builder
	err := preamble.Execute(&sb, struct {
		Title  string
		Author string
		Date   string
	}{
		Title:  escapeLatex(in.Project.Title),
		Author: escapeLatex(in.Project.OwnerID),
		Date:   date.Format("January 2, 2006"),
	})
	if err != nil {
		return "", fault.Wrap(fault.KindInternal, err)
	}

	for _, ch := range in.Version.Structure.Chapters {
		fmt.Fprintf(&sb, "\n\\chapter{%s}\n", escapeLatex(ch.Title))
		for _, sec := range ch.Sections {
			fmt.Fprintf(&sb, "\n\\section{%s}\n", escapeLatex(sec.Title))
			for _, ref := range sec.Blocks {
				block, ok := in.Blocks[ref.SlotID]
				if !ok {
					return "", fault.Newf(fault.KindInternal, "assemble: slot %s has no block", ref.SlotID)
				}
				if block.Status != document.StateValidated {
					return "", fault.Newf(fault.KindInvalidTransition,
						"assemble: slot %s block %s is %s, not validated", ref.SlotID, block.ID, block.Status)
				}
				sb.WriteString("\n")
				sb.WriteString(renderBlock(ref, block))
				sb.WriteString("\n")
			}
		}
	}

	sb.WriteString("\n\\end{document}\n")
	return sb.String(), nil
}

// renderBlock wraps a block's content in its environment. Content that
// already opens the target environment is passed through untouched, since
// some models emit the wrapper themselves.
func renderBlock(ref document.BlockRef, block *document.ContentBlock) string {
	content := strings.TrimSpace(block.Content)

	env, wrapped := blockEnvironments[block.BlockType]
	if !wrapped {
		return content
	}
	if strings.HasPrefix(content, `\begin{`+env+`}`) {
		return content
	}

	var sb strings.Builder
	if ref.Title != "" && env != "proof" {
		fmt.Fprintf(&sb, "\\begin{%s}[%s]\n", env, escapeLatex(ref.Title))
	} else {
		fmt.Fprintf(&sb, "\\begin{%s}\n", env)
	}
	sb.WriteString(content)
	fmt.Fprintf(&sb, "\n\\end{%s}", env)
	return sb.String()
}

// latexEscaper handles the characters that are special in LaTeX text mode.
// Block content is trusted LaTeX and never escaped; this applies only to
// titles and headings sourced from user input.
var latexEscaper = strings.NewReplacer(
	`\`, `\textbackslash{}`,
	`&`, `\&`,
	`%`, `\%`,
	`$`, `\$`,
	`#`, `\#`,
	`_`, `\_`,
	`{`, `\{`,
	`}`, `\}`,
	`~`, `\textasciitilde{}`,
	`^`, `\textasciicircum{}`,
)

func escapeLatex(s string) string {
	return latexEscaper.Replace(s)
}
