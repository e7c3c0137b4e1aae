// Package render 在终端输出会话快照
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"SoundAsleep/internal/impedance"
	"SoundAsleep/internal/session"
)

// 输出格式
const (
	FormatTable = "table"
	FormatPlain = "plain"
	FormatJSON  = "json"
)

// Status 命令行打印的配置、分期数值和阻抗快照
type Status struct {
	SessionID  string              `json:"session_id,omitempty"`
	Config     session.Config      `json:"config"`
	Summary    session.Summary     `json:"summary"`
	Impedances []impedance.Reading `json:"impedances"`
}

// IsTerminal 判断 w 是否为交互终端，设置 NO_COLOR 时返回 false
func IsTerminal(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// DefaultFormat 终端用表格，否则用纯文本
func DefaultFormat(w io.Writer) string {
	if IsTerminal(w) {
		return FormatTable
	}
	return FormatPlain
}

// WriteEvents 按指定格式输出日志，新条目在前
func WriteEvents(w io.Writer, events []session.EventRecord, format string) error {
	switch strings.ToLower(format) {
	case "", FormatTable:
		return writeEventsTable(w, events)
	case FormatPlain:
		for _, ev := range events {
			if _, err := fmt.Fprintln(w, EventLine(ev)); err != nil {
				return err
			}
		}
		return nil
	case FormatJSON:
		return writeJSON(w, events)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// EventLine 单行格式，纯文本输出和实时监控使用
func EventLine(ev session.EventRecord) string {
	return fmt.Sprintf("[%s] %s", ev.Display, ev.Message)
}

func writeEventsTable(w io.Writer, events []session.EventRecord) error {
	tw := newTable(w)
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignCenter, AlignHeader: text.AlignCenter},
		{Number: 2, Align: text.AlignLeft, AlignHeader: text.AlignCenter, WidthMax: 72},
	})
	tw.AppendHeader(table.Row{"Time", "Event"})
	for _, ev := range events {
		tw.AppendRow(table.Row{ev.Display, ev.Message})
	}
	if len(events) == 0 {
		tw.AppendRow(table.Row{"-", "(no events)"})
	}
	_ = tw.Render()
	return nil
}

// WriteStatus 按指定格式输出状态快照
func WriteStatus(w io.Writer, st Status, format string) error {
	switch strings.ToLower(format) {
	case "", FormatTable:
		return writeStatusTable(w, st)
	case FormatPlain:
		for _, kv := range statusPairs(st) {
			if _, err := fmt.Fprintf(w, "%s\t%v\n", kv.key, kv.value); err != nil {
				return err
			}
		}
		return nil
	case FormatJSON:
		return writeJSON(w, st)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

type pair struct {
	key   string
	value any
}

func statusPairs(st Status) []pair {
	cfg := st.Config
	pairs := []pair{
		{"pairing", cfg.Pairing},
		{"algorithm", cfg.Algorithm},
		{"demo_mode", cfg.DemoMode},
		{"stimulation", cfg.StimulationEnabled},
		{"threshold_z", cfg.ThresholdZ},
		{"volume_db", cfg.VolumeDB},
		{"latency_ms", cfg.LatencyEstimateMS},
		{"battery_pct", cfg.BatteryPct},
		{"slow_waves", st.Summary.DetectedSlowWaves},
		{"stim_bursts", st.Summary.StimBursts},
		{"phase_error_ms", st.Summary.PhaseErrorMS},
	}
	if st.SessionID != "" {
		pairs = append([]pair{{"session_id", st.SessionID}}, pairs...)
	}
	for _, r := range st.Impedances {
		pairs = append(pairs, pair{
			key:   fmt.Sprintf("impedance_ch%d", r.Channel),
			value: fmt.Sprintf("%.1f kΩ (%s)", r.Value, impedance.GradeOf(r.Value)),
		})
	}
	return pairs
}

func writeStatusTable(w io.Writer, st Status) error {
	tw := newTable(w)
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft, AlignHeader: text.AlignCenter},
		{Number: 2, Align: text.AlignRight, AlignHeader: text.AlignCenter},
	})
	tw.AppendHeader(table.Row{"Field", "Value"})
	for _, kv := range statusPairs(st) {
		tw.AppendRow(table.Row{kv.key, kv.value})
	}
	_ = tw.Render()
	return nil
}

func newTable(w io.Writer) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.Style().Options.SeparateHeader = true
	tw.Style().Options.DrawBorder = true
	return tw
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
