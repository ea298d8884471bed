package main

import (
	"github.com/charmbracelet/lipgloss"

	"rdeer/pkg/protocol"
)

// Theme defines the colors used by list output and the dashboard.
type Theme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
}

// DefaultTheme returns the default theme.
func DefaultTheme() Theme {
	return Theme{
		Primary: lipgloss.Color("12"),  // Blue
		Success: lipgloss.Color("10"),  // Green
		Warning: lipgloss.Color("11"),  // Yellow
		Error:   lipgloss.Color("9"),   // Red
		Muted:   lipgloss.Color("240"), // Gray
	}
}

// StatusColor maps an index status to its color.
func (t Theme) StatusColor(st protocol.Status) lipgloss.Color {
	switch st {
	case protocol.StatusRunning:
		return t.Success
	case protocol.StatusLoading:
		return t.Warning
	case protocol.StatusError:
		return t.Error
	default:
		return t.Muted
	}
}
