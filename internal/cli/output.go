package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// Output formats accepted by -o.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

const timeLayout = "2006-01-02 15:04"

var (
	userPrompt      = lipgloss.NewStyle().Foreground(lipgloss.Color("82")).Bold(true).Render("you> ")
	assistantPrompt = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Render("assistant> ")

	successMark = lipgloss.NewStyle().Foreground(lipgloss.Color("82")).Render("✓")
	failMark    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render("✗")
	warnMark    = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Render("!")
	toolMark    = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Render("⚙")
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	keyStyle    = lipgloss.NewStyle().Bold(true)
)

func validFormat(format string) error {
	switch format {
	case FormatTable, FormatJSON, FormatYAML:
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
	}
}

// encode writes v as JSON or YAML. It reports false for the table format so
// the caller can render its own view.
func encode(w io.Writer, format string, v any) (bool, error) {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, err
		}
		return true, enc.Close()
	default:
		return false, nil
	}
}

// table formats columnar output using tabwriter.
type table struct {
	w             *tabwriter.Writer
	headers       []string
	maxWidth      map[int]int
	headerWritten bool
}

func newTable(w io.Writer, headers ...string) *table {
	return &table{
		w:        tabwriter.NewWriter(w, 0, 0, 2, ' ', 0),
		headers:  headers,
		maxWidth: make(map[int]int),
	}
}

// setMaxWidth truncates values in column col to width runes.
func (t *table) setMaxWidth(col, width int) *table {
	t.maxWidth[col] = width
	return t
}

func (t *table) addRow(values ...string) {
	if !t.headerWritten {
		t.headerWritten = true
		t.writeLine(t.headers)
		rule := make([]string, len(t.headers))
		for i, h := range t.headers {
			rule[i] = strings.Repeat("-", len(h))
		}
		t.writeLine(rule)
	}

	cells := make([]string, len(t.headers))
	for i := range cells {
		if i < len(values) {
			cells[i] = t.truncate(i, values[i])
		}
	}
	t.writeLine(cells)
}

// render flushes the table. An empty table prints the header only.
func (t *table) render() error {
	if !t.headerWritten {
		t.headerWritten = true
		t.writeLine(t.headers)
	}
	return t.w.Flush()
}

func (t *table) writeLine(cells []string) {
	_, _ = fmt.Fprintln(t.w, strings.Join(cells, "\t"))
}

func (t *table) truncate(col int, s string) string {
	s = strings.Join(strings.Fields(s), " ")
	limit := t.maxWidth[col]
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func derefOr(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// renderMarkdown renders assistant text for the terminal. It falls back to
// the raw text when rendering fails.
func renderMarkdown(content string) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		return content
	}
	out, err := r.Render(content)
	if err != nil {
		return content
	}
	return out
}
