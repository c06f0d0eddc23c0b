package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/instancehub/instancehub/pkg/probes"
	"github.com/instancehub/instancehub/pkg/types"
)

const minWidth = 40

// FormatValue renders a sample value in its unit.
func FormatValue(v float64, unit types.Unit) string {
	switch unit {
	case types.UnitPercent:
		return fmt.Sprintf("%.1f%%", v)
	case types.UnitBytes:
		return humanize.IBytes(uint64(max(v, 0)))
	case types.UnitBytesPerSec:
		return humanize.IBytes(uint64(max(v, 0))) + "/s"
	case types.UnitMilliseconds:
		return fmt.Sprintf("%.1f ms", v)
	case types.UnitSeconds:
		return (time.Duration(max(v, 0)) * time.Second).String()
	case types.UnitBoolean:
		if v != 0 {
			return "up"
		}
		return "down"
	default:
		return humanize.CommafWithDigits(v, 2)
	}
}

// RenderSnapshot draws the metrics and services sections of snap, sorted by
// id, fitted to width columns.
func RenderSnapshot(snap types.Snapshot, width int) string {
	if width < minWidth {
		width = minWidth
	}
	inner := width - 4 // border and padding

	header := HeaderStyle.Render(fmt.Sprintf("InstanceHub  #%d", snap.Seq))
	if !snap.Timestamp.IsZero() {
		header += "  " + LabelStyle.Render(snap.Timestamp.Format(time.TimeOnly))
	}

	blocks := []string{header, SectionStyle.Width(inner).Render(renderMetrics(snap))}
	if len(snap.HealthReports) > 0 {
		blocks = append(blocks, SectionStyle.Width(inner).Render(renderServices(snap)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, blocks...)
}

func renderMetrics(snap types.Snapshot) string {
	lines := []string{LabelStyle.Render("Metrics")}
	if len(snap.Samples) == 0 {
		return strings.Join(append(lines, UnknownStyle.Render("no metrics registered")), "\n")
	}

	ids := sortedKeys(snap.Samples)
	w := idWidth(ids)
	for _, id := range ids {
		s := snap.Samples[id]
		if !s.OK {
			lines = append(lines, fmt.Sprintf("%s %-*s %s",
				UnknownStyle.Render(GlyphUnknown), w, id, UnknownStyle.Render(sampleError(s))))
			continue
		}

		state := snap.Alerts[id]
		style, glyph := StatusStyle(state.Status)
		line := fmt.Sprintf("%s %-*s %s", style.Render(glyph), w, id, style.Render(FormatValue(s.Value, s.Unit)))
		if state.Status != types.StatusNormal {
			line += "  " + style.Render(state.Status.String())
			if state.RaisedAt != nil {
				line += LabelStyle.Render(" since " + humanize.RelTime(*state.RaisedAt, snap.Timestamp, "ago", "from now"))
			}
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func renderServices(snap types.Snapshot) string {
	lines := []string{LabelStyle.Render("Services")}

	ids := sortedKeys(snap.HealthReports)
	w := idWidth(ids)
	for _, id := range ids {
		r := snap.HealthReports[id]
		switch {
		case r.Reachable:
			latency := ""
			if r.Latency != nil {
				latency = r.Latency.Round(10 * time.Microsecond).String()
			}
			lines = append(lines, fmt.Sprintf("%s %-*s %-8s %s",
				HealthyStyle.Render(GlyphHealthy), w, id, r.Kind, HealthyStyle.Render(latency)))
		case r.LastError == types.NotCheckedMarker:
			lines = append(lines, fmt.Sprintf("%s %-*s %-8s %s",
				UnknownStyle.Render(GlyphUnknown), w, id, r.Kind, UnknownStyle.Render(r.LastError)))
		default:
			detail := r.LastError
			if r.ConsecutiveFailures > 1 {
				detail = fmt.Sprintf("%s (%s failure)", detail, humanize.Ordinal(int(r.ConsecutiveFailures)))
			}
			lines = append(lines, fmt.Sprintf("%s %-*s %-8s %s",
				CriticalStyle.Render(GlyphCritical), w, id, r.Kind, CriticalStyle.Render(detail)))
		}
	}
	return strings.Join(lines, "\n")
}

func sampleError(s types.Sample) string {
	if s.Failures > 1 {
		return fmt.Sprintf("%s (%d failures)", s.Error, s.Failures)
	}
	return s.Error
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func idWidth(ids []string) int {
	w := 0
	for _, id := range ids {
		w = max(w, len(id))
	}
	return w
}

// RenderHealth draws one health cycle's reports sorted by service id.
func RenderHealth(reports []types.HealthReport, width int) string {
	if width < minWidth {
		width = minWidth
	}
	if len(reports) == 0 {
		return UnknownStyle.Render("no services configured")
	}
	snap := types.Snapshot{HealthReports: make(map[string]types.HealthReport, len(reports))}
	for _, r := range reports {
		snap.HealthReports[r.ServiceID] = r
	}
	return SectionStyle.Width(width - 4).Render(renderServices(snap))
}

// RenderProcesses draws a process listing in the order given.
func RenderProcesses(list []probes.ProcessInfo, width int) string {
	if width < minWidth {
		width = minWidth
	}
	if len(list) == 0 {
		return UnknownStyle.Render("no processes readable")
	}

	nameWidth := 4
	for _, p := range list {
		nameWidth = max(nameWidth, len(p.Name))
	}
	// border and padding take 6 cells, the other columns and gaps 36
	nameWidth = min(nameWidth, max(width-6-36, 8))

	lines := []string{LabelStyle.Render(fmt.Sprintf("%7s  %-*s  %6s  %6s  %9s", "PID", nameWidth, "NAME", "CPU%", "MEM%", "RSS"))}
	for _, p := range list {
		name := p.Name
		if r := []rune(name); len(r) > nameWidth {
			name = string(r[:nameWidth-1]) + "…"
		}
		lines = append(lines, fmt.Sprintf("%7d  %-*s  %6.1f  %6.1f  %9s",
			p.PID, nameWidth, name, p.CPUPercent, p.MemPercent, humanize.IBytes(p.RSS)))
	}
	return SectionStyle.Width(width - 4).Render(strings.Join(lines, "\n"))
}
