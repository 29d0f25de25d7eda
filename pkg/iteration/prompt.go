package iteration

import (
	"fmt"
	"strings"
)

const (
	defaultPRDFile      = "PRD.md"
	defaultProgressFile = "progress.txt"
)

// PromptParams bundles everything needed to render a ralph-rules prompt.
type PromptParams struct {
	TaskPrompt          string
	ProjectDir          string
	PRDFile             string
	ProgressFile        string
	NextInstructionFile string
	CompleteSignal      string
	HandoffText         string
	ZipChain            bool
}

// BuildPrompt renders the instruction text sent to the assistant process for
// one iteration. In zip-chain mode it adds the handoff-file step and, if a
// prior iteration left one, appends its contents.
func BuildPrompt(p PromptParams) string {
	prdFile := p.PRDFile
	if prdFile == "" {
		prdFile = defaultPRDFile
	}
	progressFile := p.ProgressFile
	if progressFile == "" {
		progressFile = defaultProgressFile
	}

	var b strings.Builder
	fmt.Fprintf(&b, "@%s @%s\n\n", prdFile, progressFile)
	fmt.Fprintf(&b, "%s\n\n", p.TaskPrompt)
	fmt.Fprintf(&b, "Project path: %s\n", p.ProjectDir)
	b.WriteString("Ralph rules:\n")
	b.WriteString("1) Read the PRD and progress file\n")
	b.WriteString("2) Find the next incomplete/highest-priority task and implement it\n")
	b.WriteString("3) Run tests/typechecks/linters if present\n")
	b.WriteString("4) Commit your changes\n")
	fmt.Fprintf(&b, "5) Append your progress to %s\n", progressFile)

	if p.ZipChain {
		fmt.Fprintf(&b, "6) Before finishing, update %s with a self-contained instruction for the next iteration (assume no chat context)\n", p.NextInstructionFile)
		b.WriteString("7) ONLY DO ONE TASK AT A TIME\n")
		fmt.Fprintf(&b, "8) If the PRD is complete, output %s\n", p.CompleteSignal)
	} else {
		b.WriteString("6) ONLY DO ONE TASK AT A TIME\n")
		fmt.Fprintf(&b, "7) If the PRD is complete, output %s\n", p.CompleteSignal)
	}

	if p.HandoffText != "" {
		b.WriteString("\nPrevious iteration handoff:\n")
		b.WriteString(p.HandoffText)
		b.WriteString("\n")
	}

	return b.String()
}
