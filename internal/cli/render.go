package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/gmsas95/medminder/internal/ledger"
	"golang.org/x/term"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

// printer writes command output. Terminals get styled tables, anything else
// gets tab-separated columns.
type printer struct {
	out    io.Writer
	styled bool
}

func newPrinter(out io.Writer) *printer {
	styled := false
	if f, ok := out.(*os.File); ok {
		styled = term.IsTerminal(int(f.Fd()))
	}
	return &printer{out: out, styled: styled}
}

func (p *printer) table(headers []string, rows [][]string) {
	if !p.styled {
		w := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, strings.Join(headers, "\t"))
		for _, r := range rows {
			fmt.Fprintln(w, strings.Join(r, "\t"))
		}
		w.Flush()
		return
	}

	styled := make([]string, len(headers))
	for i, h := range headers {
		styled[i] = headerStyle.Render(h)
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(styled...).
		Rows(rows...)
	fmt.Fprintln(p.out, t.Render())
}

func (p *printer) paint(s lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return s.Render(text)
}

func (p *printer) successf(format string, args ...any) {
	fmt.Fprintln(p.out, p.paint(okStyle, "✓ "+fmt.Sprintf(format, args...)))
}

func (p *printer) println(args ...any) {
	fmt.Fprintln(p.out, args...)
}

func (p *printer) printf(format string, args ...any) {
	fmt.Fprintf(p.out, format, args...)
}

func (p *printer) status(s ledger.Status) string {
	switch s {
	case ledger.StatusTaken:
		return p.paint(okStyle, string(s))
	case ledger.StatusSkipped:
		return p.paint(warnStyle, string(s))
	case ledger.StatusMissed:
		return p.paint(errStyle, string(s))
	default:
		return p.paint(dimStyle, string(s))
	}
}

func (p *printer) rate(r float64) string {
	text := fmt.Sprintf("%.0f%%", r*100)
	switch {
	case r >= 0.9:
		return p.paint(okStyle, text)
	case r >= 0.7:
		return p.paint(warnStyle, text)
	default:
		return p.paint(errStyle, text)
	}
}

func formatTime(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(loc).Format("Mon Jan 2 15:04")
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
