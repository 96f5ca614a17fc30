// Package render draws a status tree as aligned text for terminals and
// logs.
package render

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/ormasoftchile/playtrace/pkg/status"
)

// Status glyphs convey meaning without relying on color alone.
const (
	GlyphRunning     = "◉"
	GlyphOK          = "✓"
	GlyphChanged     = "Δ"
	GlyphFailed      = "✗"
	GlyphSkipped     = "⊘"
	GlyphUnreachable = "⊗"
)

var (
	colorGreen  = lipgloss.Color("42")
	colorRed    = lipgloss.Color("196")
	colorYellow = lipgloss.Color("214")
	colorCyan   = lipgloss.Color("51")
	colorDim    = lipgloss.Color("240")

	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	runningStyle = lipgloss.NewStyle().Foreground(colorCyan)
	okStyle      = lipgloss.NewStyle().Foreground(colorGreen)
	changedStyle = lipgloss.NewStyle().Foreground(colorYellow)
	failedStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorRed)
	skippedStyle = lipgloss.NewStyle().Faint(true)
	dimStyle     = lipgloss.NewStyle().Foreground(colorDim)
)

// Options controls rendering.
type Options struct {
	// Color enables lipgloss styling.
	Color bool
	// Targets includes one line per target result.
	Targets bool
	// MaxName truncates node names wider than this many cells. Zero keeps
	// names whole.
	MaxName int
}

// Glyph returns the glyph for s.
func Glyph(s status.Status) string {
	switch s {
	case status.Running:
		return GlyphRunning
	case status.OK:
		return GlyphOK
	case status.Changed:
		return GlyphChanged
	case status.Failed:
		return GlyphFailed
	case status.Skipped:
		return GlyphSkipped
	case status.Unreachable:
		return GlyphUnreachable
	}
	return "?"
}

func styleFor(s status.Status) lipgloss.Style {
	switch s {
	case status.Running:
		return runningStyle
	case status.OK:
		return okStyle
	case status.Changed:
		return changedStyle
	case status.Failed, status.Unreachable:
		return failedStyle
	case status.Skipped:
		return skippedStyle
	}
	return dimStyle
}

type line struct {
	indent int
	label  string
	status status.Status
	detail string
}

// Tree writes the tree of run to w. A nil run prints a placeholder.
func Tree(w io.Writer, run *status.Run, opts Options) error {
	if run == nil {
		_, err := fmt.Fprintln(w, paint(opts, dimStyle, "no run reported yet"))
		return err
	}

	var lines []line
	for _, p := range run.Plays {
		lines = append(lines, line{indent: 1, label: nodeName(p.Name, "play"), status: p.Status})
		for _, t := range p.Tasks {
			label := nodeName(t.Name, "task")
			if t.IsHandler {
				label += " (handler)"
			}
			var detail string
			if t.Action != "" {
				detail = "[" + t.Action + "]"
			}
			lines = append(lines, line{indent: 2, label: label, status: t.Status, detail: detail})
			if !opts.Targets {
				continue
			}
			for _, tr := range t.Targets {
				lines = append(lines, line{indent: 4, label: tr.Target, status: tr.Status, detail: targetDetail(tr)})
			}
		}
	}

	col := 0
	for i := range lines {
		if opts.MaxName > 0 {
			lines[i].label = runewidth.Truncate(lines[i].label, opts.MaxName, "…")
		}
		if wdt := lines[i].indent*2 + 2 + runewidth.StringWidth(lines[i].label); wdt > col {
			col = wdt
		}
	}

	if _, err := fmt.Fprintln(w, Header(run, opts)); err != nil {
		return err
	}
	for _, l := range lines {
		left := strings.Repeat("  ", l.indent) + Glyph(l.status) + " " + l.label
		pad := col - runewidth.StringWidth(left)
		if pad < 0 {
			pad = 0
		}
		out := paint(opts, styleFor(l.status), left) + strings.Repeat(" ", pad+2) +
			paint(opts, styleFor(l.status), string(l.status))
		if l.detail != "" {
			out += "  " + paint(opts, dimStyle, l.detail)
		}
		if _, err := fmt.Fprintln(w, out); err != nil {
			return err
		}
	}
	return nil
}

// Header is the one-line run summary.
func Header(run *status.Run, opts Options) string {
	c := run.Counters
	parts := []string{
		paint(opts, headerStyle, nodeName(run.Name, "run")),
		paint(opts, styleFor(run.Status), string(run.Status)),
		fmt.Sprintf("ok=%d changed=%d failed=%d skipped=%d unreachable=%d",
			c.OK, c.Changed, c.Failed, c.Skipped, c.Unreachable),
	}
	if run.Outcome != status.OutcomeNone {
		parts = append(parts, string(run.Outcome))
	}
	if run.DurationSeconds != nil {
		parts = append(parts, fmt.Sprintf("%.1fs", *run.DurationSeconds))
	}
	return strings.Join(parts, "  ")
}

// Recap renders the final per-target summary table as ansible prints it.
func Recap(w io.Writer, run *status.Run, opts Options) error {
	if run == nil || len(run.Summary) == 0 {
		return nil
	}
	hosts := make([]string, 0, len(run.Summary))
	width := 0
	for h := range run.Summary {
		hosts = append(hosts, h)
		if hw := runewidth.StringWidth(h); hw > width {
			width = hw
		}
	}
	sort.Strings(hosts)

	for _, h := range hosts {
		s := run.Summary[h]
		st := status.OK
		switch {
		case s.Failures > 0 || s.Unreachable > 0:
			st = status.Failed
		case s.Changed > 0:
			st = status.Changed
		}
		name := runewidth.FillRight(h, width)
		if _, err := fmt.Fprintf(w, "%s : ok=%d changed=%d unreachable=%d failed=%d skipped=%d rescued=%d ignored=%d\n",
			paint(opts, styleFor(st), name), s.OK, s.Changed, s.Unreachable, s.Failures, s.Skipped, s.Rescued, s.Ignored); err != nil {
			return err
		}
	}
	return nil
}

func targetDetail(tr *status.TargetResult) string {
	var parts []string
	if tr.DurationSeconds != nil {
		parts = append(parts, fmt.Sprintf("%.2fs", *tr.DurationSeconds))
	}
	if n := len(tr.Items); n > 0 {
		parts = append(parts, fmt.Sprintf("%d items", n))
	}
	if tr.Attempts > 0 {
		parts = append(parts, fmt.Sprintf("attempt %d", tr.Attempts))
	}
	if tr.IgnoreErrors {
		parts = append(parts, "ignored")
	}
	if tr.Forced {
		parts = append(parts, "forced")
	}
	return strings.Join(parts, ", ")
}

func nodeName(name, kind string) string {
	if strings.TrimSpace(name) == "" {
		return "(unnamed " + kind + ")"
	}
	return name
}

func paint(opts Options, style lipgloss.Style, s string) string {
	if !opts.Color {
		return s
	}
	return style.Render(s)
}
