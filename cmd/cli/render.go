package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/anstrom/scanlink/internal/reconcile"
	"github.com/anstrom/scanlink/internal/session"
)

// lockedWriter serializes writes from observer callbacks and the command.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// formatProgress renders a session phase change as one line.
func formatProgress(p session.Progress) string {
	var b strings.Builder
	b.WriteString(string(p.Phase))
	if p.Phase == session.PhaseConnecting && p.MaxAttempts > 0 {
		fmt.Fprintf(&b, " (attempt %d of %d)", p.Attempt, p.MaxAttempts)
	}
	if p.Err != nil {
		fmt.Fprintf(&b, ": %v", p.Err)
	}
	return b.String()
}

// formatStatus renders the scan status as one line.
func formatStatus(s reconcile.Status) string {
	line := fmt.Sprintf("%-10s %5.1f%%  %d/%d scanned, %d alive, elapsed %s",
		s.Stage, s.Progress*100, s.Scanned, s.Total, s.Alive, formatDuration(s.RuntimeDuration()))
	if s.Running && s.Remaining > 0 {
		line += ", ~" + formatDuration(s.RemainingDuration()) + " left"
	}
	return line
}

func formatDuration(d time.Duration) string {
	return d.Round(100 * time.Millisecond).String()
}

// renderDevices writes the device collection as a table, alive hosts first.
func renderDevices(w io.Writer, devices []reconcile.Device) error {
	sorted := append([]reconcile.Device(nil), devices...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Alive != sorted[j].Alive {
			return sorted[i].Alive
		}
		return sorted[i].IP < sorted[j].IP
	})

	table := tablewriter.NewWriter(w)
	table.Header("IP", "Alive", "Hostname", "MAC", "Manufacturer", "Ports", "Stage")
	for i := range sorted {
		d := &sorted[i]
		alive := "no"
		if d.Alive {
			alive = "yes"
		}
		if err := table.Append([]string{
			d.IP,
			alive,
			d.Hostname,
			d.MACAddr,
			d.Manufacturer,
			formatPorts(d.Ports, d.Services),
			d.Stage,
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

// formatPorts lists ports with their service names, e.g. "22/ssh, 443".
func formatPorts(ports []int, services map[string][]string) string {
	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		key := strconv.Itoa(p)
		if names := services[key]; len(names) > 0 {
			key += "/" + strings.Join(names, "+")
		}
		parts = append(parts, key)
	}
	return strings.Join(parts, ", ")
}

// renderIssues lists errors and warnings raised during the scan.
func renderIssues(w io.Writer, state reconcile.State) {
	for _, e := range state.Errors {
		fmt.Fprintf(w, "error: %s\n", describeIssue(e.Message, e.Device, e.Stage))
	}
	for _, warn := range state.Warnings {
		fmt.Fprintf(w, "warning: %s\n", describeIssue(warn.Message, warn.Device, warn.Stage))
	}
}

func describeIssue(msg, device, stage string) string {
	var ctx []string
	if device != "" {
		ctx = append(ctx, device)
	}
	if stage != "" {
		ctx = append(ctx, stage)
	}
	if len(ctx) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (%s)", msg, strings.Join(ctx, ", "))
}
