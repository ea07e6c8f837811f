package main

import (
	"fmt"
	"strings"

	"conclave/internal/pipeline"
	"conclave/internal/stream"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

var (
	stageStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4")).Bold(true)
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	skippedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB86C"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#626262"))
)

// stageLine formats a stage or run event for the terminal. Deltas and
// events with nothing to show return "".
func stageLine(ev stream.Event) string {
	switch ev.Type {
	case stream.StageStart:
		line := stageStyle.Render("▶ "+ev.StageID) + dimStyle.Render(" ("+ev.Role+")")
		if ev.Message != "" {
			line += dimStyle.Render(" " + ev.Message)
		}
		return line

	case stream.StageEnd:
		var b strings.Builder
		switch pipeline.StageStatus(ev.Status) {
		case pipeline.StageDone:
			b.WriteString(doneStyle.Render("✓ " + ev.StageID))
		case pipeline.StageSkipped:
			b.WriteString(skippedStyle.Render("∅ " + ev.StageID))
		default:
			b.WriteString(errorStyle.Render("✗ " + ev.StageID))
		}
		var details []string
		if ev.Provider != "" {
			details = append(details, ev.Provider+"/"+ev.Model)
		}
		if ev.Retries > 0 {
			details = append(details, fmt.Sprintf("%d retries", ev.Retries))
		}
		if ev.Usage != nil && ev.Usage.Total() > 0 {
			details = append(details, fmt.Sprintf("%d tokens", ev.Usage.Total()))
		}
		if ev.Message != "" {
			details = append(details, ev.Message)
		}
		if len(details) > 0 {
			b.WriteString(dimStyle.Render(" " + strings.Join(details, ", ")))
		}
		if ev.AwaitingResume {
			b.WriteString(dimStyle.Render(" [paused]"))
		}
		return b.String()

	case stream.DeltaGap:
		return dimStyle.Render(fmt.Sprintf("… %d deltas skipped", ev.Dropped))

	case stream.Error:
		return errorStyle.Render(fmt.Sprintf("error (%s): %s", ev.Code, ev.Message))
	}
	return ""
}

// renderMarkdown renders an answer for the terminal, falling back to the
// raw text if glamour fails.
func renderMarkdown(text string, width int) string {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return text
	}
	out, err := renderer.Render(text)
	if err != nil {
		return text
	}
	return out
}
