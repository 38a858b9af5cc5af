// Package status reads a running broadcast's metrics endpoint and renders a
// short summary for the command line.
package status

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const namespace = "deskcast_"

// Snapshot holds the deskcast counters scraped from /metrics.
type Snapshot struct {
	Sessions          float64
	SessionsCreated   float64
	RetriesSent       float64
	TokensRejected    float64
	DatagramsReceived float64
	DatagramsDropped  float64
	BytesReceived     float64
	BytesSent         float64
	FramesCaptured    float64
	FramesDelivered   float64
	FramesDropped     float64
	SessionPanics     float64

	// Drops is datagrams_dropped_total split by reason.
	Drops map[string]float64
}

// Fetch scrapes url, which should point at the health server's /metrics.
func Fetch(ctx context.Context, client *http.Client, url string) (*Snapshot, error) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: %s", url, resp.Status)
	}
	return Parse(resp.Body)
}

// Parse reads the Prometheus text exposition format.
func Parse(r io.Reader) (*Snapshot, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return nil, fmt.Errorf("parse metrics: %w", err)
	}

	s := &Snapshot{Drops: make(map[string]float64)}
	fields := map[string]*float64{
		"sessions_active":          &s.Sessions,
		"sessions_created_total":   &s.SessionsCreated,
		"retries_sent_total":       &s.RetriesSent,
		"tokens_rejected_total":    &s.TokensRejected,
		"datagrams_received_total": &s.DatagramsReceived,
		"bytes_received_total":     &s.BytesReceived,
		"bytes_sent_total":         &s.BytesSent,
		"frames_captured_total":    &s.FramesCaptured,
		"frames_delivered_total":   &s.FramesDelivered,
		"frames_dropped_total":     &s.FramesDropped,
		"session_panics_total":     &s.SessionPanics,
	}
	for name, fam := range families {
		short, ok := strings.CutPrefix(name, namespace)
		if !ok {
			continue
		}
		if short == "datagrams_dropped_total" {
			for _, m := range fam.GetMetric() {
				v := value(m)
				s.DatagramsDropped += v
				s.Drops[label(m, "reason")] += v
			}
			continue
		}
		if dst, ok := fields[short]; ok {
			for _, m := range fam.GetMetric() {
				*dst += value(m)
			}
		}
	}
	if len(families) > 0 && !hasNamespace(families) {
		return nil, fmt.Errorf("no %s metrics found", strings.TrimSuffix(namespace, "_"))
	}
	return s, nil
}

func hasNamespace(families map[string]*dto.MetricFamily) bool {
	for name := range families {
		if strings.HasPrefix(name, namespace) {
			return true
		}
	}
	return false
}

func value(m *dto.Metric) float64 {
	switch {
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetUntyped() != nil:
		return m.GetUntyped().GetValue()
	}
	return 0
}

func label(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// Render writes s as aligned rows. Styled output uses terminal colors.
func Render(w io.Writer, s *Snapshot, styled bool) error {
	keyStyle := lipgloss.NewStyle()
	titleStyle := lipgloss.NewStyle()
	if styled {
		keyStyle = keyStyle.Foreground(lipgloss.Color("241"))
		titleStyle = titleStyle.Bold(true).Foreground(lipgloss.Color("212"))
	}

	count := func(v float64) string { return humanize.Comma(int64(v)) }
	rows := [][2]string{
		{"Viewers", count(s.Sessions)},
		{"Sessions created", count(s.SessionsCreated)},
		{"Retries sent", count(s.RetriesSent)},
		{"Tokens rejected", count(s.TokensRejected)},
		{"Datagrams in", count(s.DatagramsReceived)},
		{"Datagrams dropped", count(s.DatagramsDropped)},
		{"Received", humanize.IBytes(uint64(s.BytesReceived))},
		{"Sent", humanize.IBytes(uint64(s.BytesSent))},
		{"Frames captured", count(s.FramesCaptured)},
		{"Frames delivered", count(s.FramesDelivered)},
		{"Frames dropped", count(s.FramesDropped)},
	}
	if s.SessionPanics > 0 {
		rows = append(rows, [2]string{"Session panics", count(s.SessionPanics)})
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("deskcast status"))
	b.WriteString("\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "  %s %s\n", keyStyle.Render(fmt.Sprintf("%-18s", r[0])), r[1])
	}

	if len(s.Drops) > 0 {
		reasons := make([]string, 0, len(s.Drops))
		for r := range s.Drops {
			reasons = append(reasons, r)
		}
		sort.Strings(reasons)
		b.WriteString(titleStyle.Render("drops by reason"))
		b.WriteString("\n")
		for _, r := range reasons {
			fmt.Fprintf(&b, "  %s %s\n", keyStyle.Render(fmt.Sprintf("%-18s", r)), count(s.Drops[r]))
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}
