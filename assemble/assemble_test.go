package assemble

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemmalab/lemma/document"
	"github.com/lemmalab/lemma/fault"
)

func fixtureInput() Input {
	project := &document.Project{
		ID:      "proj-1",
		OwnerID: "alice",
		Title:   "Introduction to Group Theory",
		Subject: "group theory",
	}
	version := &document.DocumentVersion{
		ID:        "ver-1",
		ProjectID: "proj-1",
		Structure: document.ContentStructure{
			Chapters: []document.Chapter{
				{
					Title: "Groups",
					Sections: []document.Section{
						{
							Title: "Basics",
							Blocks: []document.BlockRef{
								{SlotID: "slot-def", BlockID: "b-def", BlockType: document.BlockDefinition, Title: "Group"},
								{SlotID: "slot-text", BlockID: "b-text", BlockType: document.BlockText},
							},
						},
					},
				},
			},
		},
	}
	blocks := map[string]*document.ContentBlock{
		"slot-def": {
			ID:        "b-def",
			SlotID:    "slot-def",
			BlockType: document.BlockDefinition,
			Status:    document.StateValidated,
			Content:   `A \emph{group} is a set $G$ with an associative operation.`,
		},
		"slot-text": {
			ID:        "b-text",
			SlotID:    "slot-text",
			BlockType: document.BlockText,
			Status:    document.StateValidated,
			Content:   "Groups arise throughout mathematics.",
		},
	}
	return Input{
		Project: project,
		Version: version,
		Blocks:  blocks,
		Date:    time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
	}
}

func TestBuildRendersDocument(t *testing.T) {
	out, err := Build(fixtureInput())
	require.NoError(t, err)

	assert.Contains(t, out, `\documentclass[11pt]{book}`)
	assert.Contains(t, out, `\title{Introduction to Group Theory}`)
	assert.Contains(t, out, `\chapter{Groups}`)
	assert.Contains(t, out, `\section{Basics}`)
	assert.Contains(t, out, `\begin{definition}[Group]`)
	assert.Contains(t, out, `A \emph{group} is a set $G$`)
	assert.Contains(t, out, "Groups arise throughout mathematics.")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), `\end{document}`))

	// Document order: definition before text
	assert.Less(t, strings.Index(out, `\begin{definition}`), strings.Index(out, "Groups arise"))
}

func TestBuildPassesThroughPreWrappedContent(t *testing.T) {
	in := fixtureInput()
	in.Blocks["slot-def"].Content = "\\begin{definition}\nAlready wrapped.\n\\end{definition}"

	out, err := Build(in)
	require.NoError(t, err)

	// No double wrapping
	assert.Equal(t, 1, strings.Count(out, `\begin{definition}`))
}

func TestBuildRejectsUnvalidatedBlock(t *testing.T) {
	in := fixtureInput()
	in.Blocks["slot-text"].Status = document.StateQCFailed

	_, err := Build(in)
	require.Error(t, err)
	assert.Equal(t, fault.KindInvalidTransition, fault.KindOf(err))
	assert.Contains(t, err.Error(), "slot-text")
}

func TestBuildRejectsMissingSlot(t *testing.T) {
	in := fixtureInput()
	delete(in.Blocks, "slot-def")

	_, err := Build(in)
	require.Error(t, err)
	assert.Equal(t, fault.KindInternal, fault.KindOf(err))
}

func TestBuildEscapesTitles(t *testing.T) {
	in := fixtureInput()
	in.Project.Title = "Sets & Maps: 100% rigorous"

	out, err := Build(in)
	require.NoError(t, err)

	assert.Contains(t, out, `Sets \& Maps: 100\% rigorous`)
}

func TestRenderBlockProofHasNoTitleOption(t *testing.T) {
	ref := document.BlockRef{SlotID: "s", Title: "Sketch"}
	block := &document.ContentBlock{
		BlockType: document.BlockProofSkeleton,
		Status:    document.StateValidated,
		Content:   "Induct on $n$.",
	}

	out := renderBlock(ref, block)
	assert.True(t, strings.HasPrefix(out, `\begin{proof}`))
	assert.NotContains(t, out, "[Sketch]")
}
