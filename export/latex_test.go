package export

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `\documentclass[11pt]{book}
\title{Introduction to Group Theory}
\begin{document}
\maketitle
\tableofcontents

\chapter{Groups}

\section{Basics}

\begin{definition}[Group]
A \emph{group} is a set $G$ with an associative operation.
\end{definition}

Groups arise throughout mathematics.

\begin{proof}
Induct on $n$.
\end{proof}
\end{document}
`

func TestRenderHTMLStructure(t *testing.T) {
	html := RenderHTML(sampleDoc)

	assert.Contains(t, html, "<title>Introduction to Group Theory</title>")
	assert.Contains(t, html, "<h1>Groups</h1>")
	assert.Contains(t, html, "<h2>Basics</h2>")
	assert.Contains(t, html, `<div class="definition"><p class="env-title">Definition (Group).</p>`)
	assert.Contains(t, html, `<div class="proof"><p class="env-title">Proof.</p>`)
	assert.Contains(t, html, "<em>group</em>")
	assert.Contains(t, html, "<p>Groups arise throughout mathematics.</p>")

	// Preamble never leaks into the body
	assert.NotContains(t, html, `\documentclass`)
	assert.NotContains(t, html, `\maketitle`)
}

func TestRenderHTMLKeepsMathDelimited(t *testing.T) {
	html := RenderHTML(`\begin{document}
The identity $e$ satisfies \[ e \cdot g = g. \]
\end{document}`)

	assert.Contains(t, html, `\\(e\\)`)
	assert.Contains(t, html, `\\[ e \cdot g = g. \\]`)
}

func TestRenderHTMLWithoutDocumentMarkers(t *testing.T) {
	html := RenderHTML(`\section{Orbits}

Plain paragraph.`)

	assert.Contains(t, html, "<h2>Orbits</h2>")
	assert.Contains(t, html, "<p>Plain paragraph.</p>")
}

func TestRenderHTMLUnknownEnvironment(t *testing.T) {
	html := RenderHTML(`\begin{document}
\begin{aside}
Untracked environment.
\end{aside}
\end{document}`)

	require.Contains(t, html, `<div class="aside">`)
	assert.NotContains(t, html, "env-title\">Aside")
}
