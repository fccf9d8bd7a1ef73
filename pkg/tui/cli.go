// Package tui renders conversion progress, results and errors on a terminal.
// Simple, streaming output; no full screen interface.
package tui

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/schollz/progressbar/v3"

	"github.com/cadflow/cadflow/pkg/convert"
	cferrors "github.com/cadflow/cadflow/pkg/errors"
	"github.com/cadflow/cadflow/pkg/progress"
)

// Colors (Swiss minimal)
var (
	accent  = lipgloss.Color("#FF0000")
	muted   = lipgloss.Color("#666666")
	success = lipgloss.Color("#00CC66")
	white   = lipgloss.Color("#FFFFFF")
)

// Styles
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(white)
	accentStyle  = lipgloss.NewStyle().Foreground(accent).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	codeStyle    = lipgloss.NewStyle().Background(lipgloss.Color("#1a1a1a")).Foreground(white).Padding(0, 1)
)

// Printer writes styled output.
type Printer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewPrinter creates a printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

func (p *Printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

// Header prints the program banner.
func (p *Printer) Header(version string) {
	p.printf("\n%s%s\n%s\n\n",
		titleStyle.Render("  CADFLOW"), mutedStyle.Render(" "+version),
		mutedStyle.Render("  CAD and mesh format conversion"))
}

// Section prints a section title.
func (p *Printer) Section(title string) {
	p.printf("\n%s\n", accentStyle.Render("▸ "+strings.ToUpper(title)))
}

// Field prints one "label: value" line.
func (p *Printer) Field(label, value string) {
	p.printf("  %s %s\n", mutedStyle.Render(label+":"), titleStyle.Render(value))
}

// Code prints a value the user may copy, like a path or a command.
func (p *Printer) Code(label, value string) {
	p.printf("  %s %s\n", mutedStyle.Render(label+":"), codeStyle.Render(value))
}

// Muted prints a secondary line.
func (p *Printer) Muted(line string) {
	p.printf("  %s\n", mutedStyle.Render(line))
}

// Result prints the summary of a conversion.
func (p *Printer) Result(res *convert.Result) {
	if res == nil {
		return
	}
	p.printf("\n")
	if res.Imports != nil {
		for _, f := range res.Imports.Files {
			if f.Err != nil {
				p.printf("  %s %s\n", accentStyle.Render("✗"), filepath.Base(f.Request.Path))
				continue
			}
			p.printf("  %s %s %s\n", successStyle.Render("✓"), filepath.Base(f.Request.Path),
				mutedStyle.Render(fmt.Sprintf("(%s, %d nodes)", f.Delta.Format.Name(), f.Delta.Nodes)))
		}
	}
	if res.Exports != nil {
		for _, w := range res.Exports.Written {
			detail := fmt.Sprintf("(%s, %s)", w.Format.Name(), FormatBytes(w.Bytes))
			if w.Empty {
				detail = "(nothing to write)"
			}
			p.printf("  %s %s %s\n", successStyle.Render("→"), w.Path, mutedStyle.Render(detail))
		}
		for _, t := range res.Exports.Skipped {
			p.printf("  %s %s %s\n", mutedStyle.Render("-"), t.Path, mutedStyle.Render("(skipped)"))
		}
	}
	p.printf("  %s %s\n\n", mutedStyle.Render("Time:"), titleStyle.Render(FormatDuration(res.Elapsed)))
}

// Error prints every failure contained in err: its code, the file it
// relates to and the cause.
func (p *Printer) Error(err error) {
	if err == nil {
		return
	}
	for _, leaf := range Leaves(err) {
		var e *cferrors.Error
		if !errors.As(leaf, &e) {
			p.printf("  %s %s\n", accentStyle.Render("✗"), leaf.Error())
			continue
		}
		head := fmt.Sprintf("%s %s", e.Code, e.Code.Name())
		if e.Path != "" {
			head += " " + e.Path
		}
		p.printf("  %s %s\n", accentStyle.Render("✗"), accentStyle.Render(head))
		p.printf("    %s\n", mutedStyle.Render(e.Reason()))
		if e.Partial {
			p.printf("    %s\n", mutedStyle.Render("destination was partially written"))
		}
	}
}

// Leaves flattens errors joined with errors.Join or collected in a
// MultiError into the individual failures, in order.
func Leaves(err error) []error {
	if err == nil {
		return nil
	}
	var e *cferrors.Error
	if errors.As(err, &e) && e == err {
		return []error{err}
	}
	if multi, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, inner := range multi.Unwrap() {
			out = append(out, Leaves(inner)...)
		}
		return out
	}
	return []error{err}
}

// Bars draws one progress bar per running task of a manager.
type Bars struct {
	mu     sync.Mutex
	w      io.Writer
	bars   map[string]*progressbar.ProgressBar
	titles map[string]string
}

// Attach subscribes bars to m. The returned function detaches them.
func Attach(m *progress.Manager, w io.Writer) (detach func()) {
	b := &Bars{
		w:      w,
		bars:   make(map[string]*progressbar.ProgressBar),
		titles: make(map[string]string),
	}
	return m.Subscribe(b.handle)
}

func (b *Bars) handle(e progress.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch e.Kind {
	case progress.EventStarted:
		b.bars[e.TaskID] = b.newBar(e.Title)
		b.titles[e.TaskID] = e.Title

	case progress.EventProgress:
		bar, ok := b.bars[e.TaskID]
		if !ok {
			return
		}
		desc := e.Title
		if e.Label != "" {
			desc += " " + e.Label
		}
		if desc != b.titles[e.TaskID] {
			bar.Describe(desc)
			b.titles[e.TaskID] = desc
		}
		_ = bar.Set(int(e.Fraction * 100))

	case progress.EventEnded:
		if bar, ok := b.bars[e.TaskID]; ok {
			_ = bar.Clear()
			delete(b.bars, e.TaskID)
			delete(b.titles, e.TaskID)
		}
		mark, style := "✓", successStyle
		if e.Err != nil {
			mark, style = "✗", accentStyle
		}
		fmt.Fprintf(b.w, "%s %s %s\n", style.Render(mark), e.Title,
			mutedStyle.Render(FormatDuration(e.Elapsed)))
	}
}

func (b *Bars) newBar(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(100,
		progressbar.OptionSetWriter(b.w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "",
			BarEnd:        "",
		}),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

// Table prints rows under a header, aligning columns.
func (p *Printer) Table(header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, r := range rows {
		for i := range widths {
			if i < len(r) && len(r[i]) > widths[i] {
				widths[i] = len(r[i])
			}
		}
	}

	line := func(cells []string, style lipgloss.Style) string {
		parts := make([]string, len(widths))
		for i, w := range widths {
			var c string
			if i < len(cells) {
				c = cells[i]
			}
			parts[i] = style.Render(fmt.Sprintf("%-*s", w, c))
		}
		return "  " + strings.Join(parts, "  ")
	}

	p.printf("%s\n", line(header, mutedStyle))
	for _, r := range rows {
		p.printf("%s\n", line(r, lipgloss.NewStyle()))
	}
}

// SortedKeys returns the keys of m in order.
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FormatBytes formats a byte count with a binary unit.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

// FormatDuration formats a duration in a human-readable way.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
