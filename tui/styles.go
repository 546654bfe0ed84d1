// ABOUTME: Defines lipgloss style constants for the watch TUI panels and status colors.
// ABOUTME: Provides styleForStatus / styleForGate to map run and gate states to display styles.
package tui

import "github.com/charmbracelet/lipgloss"

var (
	// Panel borders
	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62"))

	// Title styling
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("170"))

	// Run status colors
	runningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	pausedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	completedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)

	// Gate status colors
	gatePassStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	gateWarnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	gateFailStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	gatePendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	// Halt banner
	haltStyle = lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(lipgloss.Color("214")).
			Padding(0, 1)

	// Footer / status bar
	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("252")).
			Padding(0, 1)

	// Event log formatting
	logTimestampStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	logEventStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
)

// styleForStatus returns the style for a run status value.
func styleForStatus(status string) lipgloss.Style {
	switch status {
	case "running":
		return runningStyle
	case "paused":
		return pausedStyle
	case "completed":
		return completedStyle
	case "failed", "cancelled":
		return failedStyle
	default:
		return gatePendingStyle
	}
}

// styleForGate returns the style for a gate status value.
func styleForGate(status string) lipgloss.Style {
	switch status {
	case "pass":
		return gatePassStyle
	case "warn":
		return gateWarnStyle
	case "fail":
		return gateFailStyle
	default:
		return gatePendingStyle
	}
}
