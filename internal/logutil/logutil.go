package logutil

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"
)

// VerbosityLevel represents the logging verbosity
type VerbosityLevel int

const (
	// NormalLevel shows standard output (default)
	NormalLevel VerbosityLevel = iota
	// VerboseLevel shows additional details and timestamps
	VerboseLevel
)

// ANSI color codes
const (
	colorReset       = "\033[0m"
	colorRed         = "\033[91m"
	colorGreen       = "\033[92m"
	colorYellow      = "\033[93m"
	colorOrange      = "\033[38;5;208m"
	colorCyan        = "\033[96m"
	colorGray        = "\033[90m"
	colorDimGray     = "\033[38;5;240m" // Very dim gray for timestamps
	colorContextGray = "\033[38;5;8m"   // Dim gray for context
	colorBrightWhite = "\033[97m"       // Bright white for rule IDs
	colorNormalWhite = "\033[37m"       // Normal white for titles
	colorBold        = "\033[1m"
)

var (
	// CurrentVerbosity is the current verbosity level
	CurrentVerbosity = NormalLevel
	// ShowTimestamps controls whether timestamps are shown
	ShowTimestamps = false

	// Unicode symbols with colors
	checkMark = colorGreen + "✓" + colorReset  // green checkmark
	warnMark  = colorYellow + "⚠" + colorReset // yellow warning
	crossMark = colorRed + "✗" + colorReset    // red cross
	infoMark  = colorGray + "ℹ" + colorReset   // gray info

	// Priority icons (no color, just emoji)
	priorityIcons = map[int]string{
		1: "🔴",
		2: "🟠",
		3: "🟢",
	}

	// Priority text colors
	priorityColors = map[int]string{
		1: colorRed,
		2: colorOrange,
		3: colorGreen,
	}
)

func init() {
	// Simple, consistent log format without default timestamps;
	// we render our own prefixes instead.
	log.SetFlags(0)
	log.SetOutput(os.Stderr)
}

// SetVerbosity sets the current verbosity level
func SetVerbosity(level VerbosityLevel) {
	CurrentVerbosity = level
}

// SetTimestamps enables or disables timestamps
func SetTimestamps(enabled bool) {
	ShowTimestamps = enabled
}

func timestamp() string {
	if ShowTimestamps {
		return colorDimGray + time.Now().Format("15:04:05") + colorReset + " "
	}
	return ""
}

func Info(format string, args ...any) {
	if CurrentVerbosity < NormalLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Println(timestamp() + infoMark + " " + msg)
}

func Warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Println(timestamp() + warnMark + " " + msg)
}

func Error(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Println(timestamp() + crossMark + " " + msg)
}

func Success(format string, args ...any) {
	if CurrentVerbosity < NormalLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Println(timestamp() + checkMark + " " + msg)
}

// Verbose logs a message only in verbose mode
func Verbose(format string, args ...any) {
	if CurrentVerbosity < VerboseLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Println(timestamp() + infoMark + " " + msg)
}

func priorityColor(priority int) string {
	if c, ok := priorityColors[priority]; ok {
		return c
	}
	return colorCyan
}

func priorityLabel(priority int) string {
	icon, ok := priorityIcons[priority]
	if !ok {
		icon = "🔵"
	}
	return icon + " " + priorityColor(priority) + colorBold + fmt.Sprintf("P%d", priority) + colorReset
}

// RuleLine prints a rule as "ICON P<n>  SID: message". In verbose mode the
// ruleset and class follow on a second line.
func RuleLine(sid uint64, priority int, msg, ruleset, class string) {
	ts := timestamp()
	label := priorityLabel(priority)

	id := fmt.Sprintf("%d", sid)
	idStyled := colorBrightWhite + colorBold + id + colorReset
	colonStyled := priorityColor(priority) + colorBold + ":" + colorReset

	// Pad SID and colon to 12 columns.
	spacesNeeded := 12 - len(id) - 1
	if spacesNeeded < 0 {
		spacesNeeded = 0
	}
	idDisplay := idStyled + colonStyled + strings.Repeat(" ", spacesNeeded)

	log.Printf("%s%s %s %s\n", ts, label, idDisplay, colorNormalWhite+msg+colorReset)

	if CurrentVerbosity >= VerboseLevel && (ruleset != "" || class != "") {
		indent := "         "
		if ShowTimestamps {
			indent = "          "
		}
		log.Printf("%s%s└─ ruleset=%s class=%s%s\n", indent, colorContextGray, ruleset, class, colorReset)
	}
}

// Progress prints one step of an update run.
func Progress(percent int, text string) {
	if CurrentVerbosity < NormalLevel {
		return
	}
	bar := colorGray + fmt.Sprintf("[%3d%%]", percent) + colorReset
	if percent >= 100 {
		bar = colorGreen + fmt.Sprintf("[%3d%%]", percent) + colorReset
	}
	log.Println(timestamp() + bar + " " + text)
}

// Fields renders key=value pairs in key order.
func Fields(fields map[string]string) string {
	if len(fields) == 0 {
		return ""
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}
	return strings.Join(parts, " ")
}
