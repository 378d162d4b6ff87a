// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shared

import (
	"os"

	"github.com/charmbracelet/lipgloss"

	"github.com/tombee/agentlink/internal/connector"
)

// CLI style colors using lipgloss
var (
	// StatusOK styles success indicators
	StatusOK = lipgloss.NewStyle().Foreground(lipgloss.Color("42")) // green

	// StatusWarn styles warning indicators
	StatusWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange

	// StatusError styles error indicators
	StatusError = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red

	// Muted styles secondary/less important text
	Muted = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray

	// Bold styles emphasized text
	Bold = lipgloss.NewStyle().Bold(true)

	// Header styles section headers
	Header = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")) // blue bold
)

// Symbols for status indicators
const (
	SymbolOK    = "✓"
	SymbolWarn  = "⚠"
	SymbolError = "✗"
	SymbolInfo  = "•"
)

// ColorEnabled reports whether styled output is allowed.
func ColorEnabled() bool {
	return os.Getenv("NO_COLOR") == "" && os.Getenv("TERM") != "dumb"
}

// RenderOK renders a success message with green checkmark
func RenderOK(msg string) string {
	return StatusOK.Render(SymbolOK) + " " + msg
}

// RenderWarn renders a warning message with orange symbol
func RenderWarn(msg string) string {
	return StatusWarn.Render(SymbolWarn) + " " + msg
}

// RenderError renders an error message with red X
func RenderError(msg string) string {
	return StatusError.Render(SymbolError) + " " + msg
}

// RenderLabel renders a dim label (for key: value pairs)
func RenderLabel(label string) string {
	return Muted.Render(label)
}

// RenderConnectionStatus colours a connection status word.
func RenderConnectionStatus(status connector.Status) string {
	switch status {
	case connector.StatusConnected:
		return StatusOK.Render(string(status))
	case connector.StatusError:
		return StatusError.Render(string(status))
	default:
		return StatusWarn.Render(string(status))
	}
}

// RenderEvent renders one lifecycle event line for watch output.
func RenderEvent(ev connector.Event, name string) string {
	symbol := StatusOK.Render(SymbolInfo)
	switch ev.Type {
	case connector.EventHandshakeFailed:
		symbol = StatusError.Render(SymbolError)
	case connector.EventSessionClosed, connector.EventConnectionRemoved:
		symbol = StatusWarn.Render(SymbolWarn)
	case connector.EventProbed:
		if healthy, _ := ev.Details["healthy"].(bool); !healthy {
			symbol = StatusWarn.Render(SymbolWarn)
		}
	}

	line := symbol + " " + Muted.Render(ev.Timestamp.Format("15:04:05")) + " " +
		Bold.Render(name) + " " + string(ev.Type)
	if ev.Message != "" {
		line += " " + Muted.Render(ev.Message)
	}
	return line
}
