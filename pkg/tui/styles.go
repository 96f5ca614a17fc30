// Package tui implements a live terminal view of a playbook run. It
// subscribes to the status aggregator and redraws the tree on every
// update.
package tui

import "github.com/charmbracelet/lipgloss"

// Palette adapts to terminal capabilities via lipgloss.
var (
	colorGreen  = lipgloss.Color("42")
	colorRed    = lipgloss.Color("196")
	colorYellow = lipgloss.Color("214")
	colorCyan   = lipgloss.Color("51")
	colorDim    = lipgloss.Color("240")
	colorWhite  = lipgloss.Color("255")
)

// --- Header styles ---

var headerStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(colorCyan).
	Padding(0, 1)

var nameStyle = lipgloss.NewStyle().
	Foreground(colorWhite)

var stateStyle = lipgloss.NewStyle().
	Foreground(colorDim)

// --- Panel styles ---

var panelBorder = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(colorDim)

// --- Outcome banner ---

var (
	outcomeOKStyle = lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true)

	outcomeFailedStyle = lipgloss.NewStyle().
				Foreground(colorRed).
				Bold(true)

	cancellingStyle = lipgloss.NewStyle().
			Foreground(colorYellow).
			Bold(true)
)

var errorStyle = lipgloss.NewStyle().
	Foreground(colorRed).
	Bold(true)

var spinnerStyle = lipgloss.NewStyle().
	Foreground(colorYellow)
