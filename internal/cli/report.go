package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"CatalogPipeline/internal/domain"
)

// Theme holds the color scheme for rendered reports.
type Theme struct {
	Header  lipgloss.Color
	Success lipgloss.Color
	Warn    lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

var defaultTheme = Theme{
	Header:  lipgloss.Color("#5FAFD7"),
	Success: lipgloss.Color("#00D787"),
	Warn:    lipgloss.Color("#FFAF00"),
	Error:   lipgloss.Color("#FF005F"),
	Hint:    lipgloss.Color("#6C6C6C"),
}

func (t Theme) stateStyle(state domain.RunState) lipgloss.Style {
	style := lipgloss.NewStyle().Bold(true)
	switch state {
	case domain.RunSucceeded:
		return style.Foreground(t.Success)
	case domain.RunPartial:
		return style.Foreground(t.Warn)
	case domain.RunFailed:
		return style.Foreground(t.Error)
	default:
		return style.Foreground(t.Hint)
	}
}

func (t Theme) table(headers []string, rows [][]string) *table.Table {
	headerStyle := lipgloss.NewStyle().Foreground(t.Header).Bold(true).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(t.Hint)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

// RenderRunReport renders a run summary with per-phase counters and outcomes.
func RenderRunReport(run domain.PipelineRun) string {
	t := defaultTheme
	var b strings.Builder

	fmt.Fprintf(&b, "Run %s %s", run.ID, t.stateStyle(run.State).Render(string(run.State)))
	if !run.EndedAt.IsZero() {
		fmt.Fprintf(&b, " in %s", run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	b.WriteString("\n")

	var phaseRows [][]string
	for _, phase := range domain.AllPhases {
		if !run.HasPhase(phase) {
			continue
		}
		c := run.Counters[phase]
		phaseRows = append(phaseRows, []string{
			string(phase), strconv.Itoa(c.Attempted), strconv.Itoa(c.Succeeded),
			strconv.Itoa(c.Failed), strconv.Itoa(c.Skipped),
		})
	}
	if len(phaseRows) > 0 {
		b.WriteString(t.table([]string{"Phase", "Attempted", "Succeeded", "Failed", "Skipped"}, phaseRows).String())
		b.WriteString("\n")
	}

	var outcomeRows [][]string
	for _, kind := range domain.AllOutcomes {
		if n := run.Outcomes[kind]; n > 0 {
			outcomeRows = append(outcomeRows, []string{string(kind), strconv.Itoa(n)})
		}
	}
	if len(outcomeRows) > 0 {
		b.WriteString(t.table([]string{"Outcome", "Items"}, outcomeRows).String())
		b.WriteString("\n")
	}

	if len(run.Rejections) > 0 {
		reasons := make([]string, 0, len(run.Rejections))
		for reason := range run.Rejections {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		rows := make([][]string, 0, len(reasons))
		for _, reason := range reasons {
			rows = append(rows, []string{reason, strconv.Itoa(run.Rejections[reason])})
		}
		b.WriteString(t.table([]string{"Rejection", "Items"}, rows).String())
		b.WriteString("\n")
	}

	errStyle := lipgloss.NewStyle().Foreground(t.Error)
	for _, msg := range run.CollectionErrors {
		b.WriteString(errStyle.Render("collection error: "+msg) + "\n")
	}
	if run.AuditFailures > 0 {
		fmt.Fprintf(&b, "%s\n", errStyle.Render(fmt.Sprintf("audit write failures: %d", run.AuditFailures)))
	}
	if run.Canceled {
		b.WriteString(lipgloss.NewStyle().Foreground(t.Warn).Render("run was canceled") + "\n")
	}
	if run.FatalError != "" {
		b.WriteString(errStyle.Bold(true).Render("fatal: "+run.FatalError) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// RenderHistory renders a stored product followed by its price ledger.
func RenderHistory(p domain.CanonicalProduct, entries []domain.PriceHistoryEntry) string {
	t := defaultTheme
	var b strings.Builder

	b.WriteString(lipgloss.NewStyle().Bold(true).Render(p.Title) + "\n")
	hint := lipgloss.NewStyle().Foreground(t.Hint)
	fmt.Fprintf(&b, "%s\n", hint.Render(fmt.Sprintf("%s  %s  %s", p.Fingerprint, p.Source, p.SourceURL)))
	fmt.Fprintf(&b, "price %s %s, %s\n", formatPrice(p.Price), p.Currency, p.Availability)
	if p.Category != nil {
		fmt.Fprintf(&b, "category %s\n", *p.Category)
	}
	if len(p.Tags) > 0 {
		fmt.Fprintf(&b, "tags %s\n", strings.Join(p.Tags, ", "))
	}
	if p.AnomalyScore != nil {
		line := fmt.Sprintf("anomaly score %d", *p.AnomalyScore)
		if p.Flagged {
			line = lipgloss.NewStyle().Foreground(t.Error).Render(line + " (flagged)")
		}
		b.WriteString(line + "\n")
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{e.ObservedAt.UTC().Format(time.RFC3339), formatPrice(e.Price), e.Currency})
	}
	if len(rows) == 0 {
		b.WriteString(hint.Render("no price history"))
		return b.String()
	}
	b.WriteString(t.table([]string{"Observed", "Price", "Currency"}, rows).String())
	return b.String()
}

// RenderStats renders catalog coverage, per-capability outcomes and the
// category breakdown.
func RenderStats(s domain.CatalogStats) string {
	t := defaultTheme
	var b strings.Builder
	hint := lipgloss.NewStyle().Foreground(t.Hint)

	fmt.Fprintf(&b, "%s\n", lipgloss.NewStyle().Bold(true).Render("Catalog"))
	fmt.Fprintf(&b, "products %d, categorized %d, described %d, flagged %d\n", s.Products, s.Categorized, s.Described, s.Flagged)
	fmt.Fprintf(&b, "price history entries %d\n", s.PriceEntries)
	if s.LastRunID == "" {
		b.WriteString(hint.Render("no runs recorded") + "\n")
	} else {
		fmt.Fprintf(&b, "runs %d, last %s %s at %s\n", s.Runs, s.LastRunID,
			t.stateStyle(s.LastRunState).Render(string(s.LastRunState)), s.LastRunAt.UTC().Format(time.RFC3339))
	}

	rows := make([][]string, 0, len(domain.AllCapabilities))
	for _, kind := range domain.AllCapabilities {
		counts := s.Enrichments[kind]
		rows = append(rows, []string{
			string(kind),
			strconv.Itoa(counts[domain.EnrichmentOK]),
			strconv.Itoa(counts[domain.EnrichmentSkippedFallback]),
			strconv.Itoa(counts[domain.EnrichmentFailed]),
			fmt.Sprintf("%.1f%%", s.SuccessRate(kind)*100),
		})
	}
	b.WriteString(t.table([]string{"Capability", "OK", "Fallback", "Failed", "Success"}, rows).String())

	if len(s.Categories) == 0 {
		return b.String()
	}
	names := make([]string, 0, len(s.Categories))
	for name := range s.Categories {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if s.Categories[names[i]] != s.Categories[names[j]] {
			return s.Categories[names[i]] > s.Categories[names[j]]
		}
		return names[i] < names[j]
	})
	catRows := make([][]string, 0, len(names))
	for _, name := range names {
		catRows = append(catRows, []string{name, strconv.Itoa(s.Categories[name])})
	}
	b.WriteString("\n" + t.table([]string{"Category", "Products"}, catRows).String())
	return b.String()
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
