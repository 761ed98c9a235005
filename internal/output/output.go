// Package output provides styled terminal output helpers (success, error,
// warning, row/report formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/relaycore/ledgersync/internal/autoheal"
	"github.com/relaycore/ledgersync/internal/consistency"
	"github.com/relaycore/ledgersync/internal/ledger"
	"github.com/relaycore/ledgersync/internal/registry"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	levelStyles  = map[consistency.Level]lipgloss.Style{
		consistency.LevelNormal:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		consistency.LevelObserve:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		consistency.LevelDegraded: lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
		consistency.LevelCritical: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
	diffStatusStyles = map[consistency.DiffStatus]lipgloss.Style{
		consistency.StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		consistency.StatusWarning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		consistency.StatusDrift:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		consistency.StatusUnknown: lipgloss.NewStyle().Foreground(lipgloss.Color("242")),
	}
)

// OutputMode determines output format
type OutputMode int

const (
	ModeShort OutputMode = iota
	ModeLong
	ModeJSON
)

// Success prints a success message
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...interface{}) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...interface{}) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...interface{}) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// JSON outputs data as JSON
func JSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Error codes for structured JSON output
const (
	ErrCodeNotFound      = "not_found"
	ErrCodeInvalidInput  = "invalid_input"
	ErrCodeConflict      = "conflict"
	ErrCodeUnauthorized  = "unauthorized"
	ErrCodeVersionStale  = "version_too_old"
	ErrCodeDatabaseError = "database_error"
	ErrCodeNetworkError  = "network_error"
)

// JSONError outputs an error as JSON
func JSONError(code, message string) {
	fmt.Printf(`{"error":{"code":"%s","message":"%s"}}`, code, message)
	fmt.Println()
}

// JSONErrorWithDetails outputs an error as JSON with additional context
func JSONErrorWithDetails(code, message string, details map[string]interface{}) {
	errObj := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	if len(details) > 0 {
		errObj["details"] = details
	}
	result := map[string]interface{}{
		"error": errObj,
	}
	data, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(data))
}

// FormatLevel formats a consistency level with color.
func FormatLevel(l consistency.Level) string {
	style, ok := levelStyles[l]
	if !ok {
		return string(l)
	}
	return style.Render(fmt.Sprintf("[%s]", l))
}

// FormatDiffStatus formats a single diff's status with color.
func FormatDiffStatus(s consistency.DiffStatus) string {
	style, ok := diffStatusStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(string(s))
}

// FormatRow renders a registry row as "field=value" pairs in a stable,
// alphabetically sorted order, suitable for query/state output.
func FormatRow(row registry.Row) string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, row[k]))
	}
	return strings.Join(parts, "  ")
}

// FormatRows renders a slice of rows, one per line, prefixed by an index.
func FormatRows(rows []registry.Row) string {
	var sb strings.Builder
	for i, row := range rows {
		sb.WriteString(fmt.Sprintf("%3d  %s\n", i+1, FormatRow(row)))
	}
	return sb.String()
}

// FormatTxResult summarizes a ledger.Result from a submitted transaction batch.
func FormatTxResult(res ledger.Result) string {
	var sb strings.Builder
	sb.WriteString(successStyle.Render(fmt.Sprintf("applied %d row(s)", res.Applied)))
	sb.WriteString(fmt.Sprintf("  height=%d  lastSeq=%d\n", res.Height, res.LastSeq))
	for _, ar := range res.AppliedRows {
		sb.WriteString(fmt.Sprintf("  %s/%s -> seq %d\n", ar.Table, ar.RowID, ar.ServerSeq))
	}
	return sb.String()
}

// FormatClientReport renders one client's consistency diff for the
// `ledgersync consistency` CLI and the autoheal evaluation output.
func FormatClientReport(r consistency.ClientReport) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(r.ClientID))
	sb.WriteString("  ")
	sb.WriteString(FormatLevel(r.Status))
	sb.WriteString(fmt.Sprintf("  lag=%d (%.1f%%)  fingerprint=%s\n", r.Lag, r.LagRatio*100, r.Fingerprint))
	for _, d := range r.Diffs {
		if d.Status == consistency.StatusOK {
			continue
		}
		sb.WriteString(fmt.Sprintf("    %s %s: %s\n", d.Kind, d.Name, FormatDiffStatus(d.Status)))
	}
	return sb.String()
}

// FormatConsistencyReport renders the full server-wide consistency report.
func FormatConsistencyReport(rep consistency.Report) string {
	var sb strings.Builder
	sb.WriteString(subtleStyle.Render(fmt.Sprintf("server seq=%d (%s)\n", rep.Server.ServerSeq, rep.Server.Source)))
	for _, c := range rep.Clients {
		sb.WriteString(FormatClientReport(c))
	}
	return sb.String()
}

// FormatAutohealResult renders a C8 evaluation outcome.
func FormatAutohealResult(res autoheal.Result) string {
	if !res.Queued {
		return subtleStyle.Render(fmt.Sprintf("no action (%s)", res.Reason))
	}
	return successStyle.Render(fmt.Sprintf("queued %s (request %s): %s", res.RequestType, res.RequestID, res.Reason))
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1m ago"
		}
		return fmt.Sprintf("%dm ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1h ago"
		}
		return fmt.Sprintf("%dh ago", hours)
	case diff < 7*24*time.Hour:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	default:
		return t.Format("2006-01-02")
	}
}

// ShortSHA safely shortens a git SHA to 7 characters or returns as-is if shorter
func ShortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

// FormatGitState formats git state for display
func FormatGitState(sha, branch string, dirty int) string {
	state := fmt.Sprintf("%s (%s)", ShortSHA(sha), branch)
	if dirty > 0 {
		state += fmt.Sprintf(" %d dirty", dirty)
	} else {
		state += " clean"
	}
	return state
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nDEPENDENCIES:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

// IndentLines indents each line by the specified number of spaces
func IndentLines(lines []string, spaces int) []string {
	indent := strings.Repeat(" ", spaces)
	result := make([]string, len(lines))
	for i, line := range lines {
		result[i] = indent + line
	}
	return result
}

// IndentString indents each line in a string by the specified number of spaces
func IndentString(s string, spaces int) string {
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	indented := IndentLines(lines, spaces)
	return strings.Join(indented, "\n")
}

// BulletList formats items as a bulleted list with optional indentation
func BulletList(items []string, indent int) []string {
	prefix := strings.Repeat(" ", indent)
	result := make([]string, len(items))
	for i, item := range items {
		result[i] = prefix + "- " + item
	}
	return result
}
