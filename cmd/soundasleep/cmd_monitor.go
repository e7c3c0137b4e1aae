package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"SoundAsleep/internal/feedclient"
	"SoundAsleep/internal/impedance"
	"SoundAsleep/internal/protocol"
	"SoundAsleep/internal/render"
	"SoundAsleep/internal/session"
)

// monitorState 最近一次收到的快照
type monitorState struct {
	mu         sync.Mutex
	out        io.Writer
	format     string
	sessionID  string
	cfg        session.Config
	impedances []impedance.Reading
}

func newMonitorCmd() *cobra.Command {
	var (
		url            string
		formatFlag     string
		statusInterval time.Duration
		showLogs       bool
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Follow a running session's renderer feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if url == "" {
				url = cfg.Client.URL
			}
			out := cmd.OutOrStdout()
			if formatFlag == "" {
				formatFlag = render.DefaultFormat(out)
			}

			st := &monitorState{out: out, format: formatFlag, cfg: session.DefaultConfig()}
			handlers := feedclient.Handlers{
				OnHello: func(h protocol.Hello) {
					st.mu.Lock()
					st.sessionID = h.SessionID
					st.mu.Unlock()
					fmt.Fprintf(cmd.ErrOrStderr(), "connected to session %s (%.0f Hz, %d samples)\n", h.SessionID, h.RateHz, h.Capacity)
				},
				OnEvent:      st.printEvent,
				OnConfig:     st.setConfig,
				OnImpedances: st.setImpedances,
				OnStateChange: func(_, s feedclient.State) {
					fmt.Fprintf(cmd.ErrOrStderr(), "feed %s\n", s)
				},
			}
			if showLogs {
				handlers.OnLog = func(l protocol.LogLine) {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s %-5s %s %v\n", l.Time.Format("15:04:05"), l.Level, l.Message, l.Attrs)
				}
			}

			log, _ := buildCLILogger(cfg.Log.Level, cmd.ErrOrStderr())
			client := feedclient.New(feedclient.Config{
				URL:               url,
				HandshakeTimeout:  cfg.Client.HandshakeTimeout,
				ReconnectInterval: cfg.Client.ReconnectInterval,
				MaxReconnectTries: cfg.Client.MaxReconnectTries,
			}, handlers, feedclient.WithLogger(log))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := client.Connect(ctx); err != nil {
				return err
			}
			defer client.Close()

			var tick <-chan time.Time
			if statusInterval > 0 {
				ticker := time.NewTicker(statusInterval)
				defer ticker.Stop()
				tick = ticker.C
			}

			for {
				select {
				case <-ctx.Done():
					return st.printStatus()
				case <-client.Done():
					return fmt.Errorf("feed closed after %d reconnects", client.Stats().Reconnects)
				case <-tick:
					if err := st.printStatus(); err != nil {
						return err
					}
				}
			}
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "feed websocket URL (default: client.url)")
	cmd.Flags().StringVar(&formatFlag, "format", "", "output format: table, plain or json (default: table on a terminal)")
	cmd.Flags().DurationVar(&statusInterval, "status-interval", 10*time.Second, "print a status snapshot at this interval (0 disables)")
	cmd.Flags().BoolVar(&showLogs, "logs", false, "also print server log lines forwarded by the feed")
	return cmd
}

func (s *monitorState) printEvent(ev protocol.Event) {
	rec := session.EventRecord{Seq: ev.Seq, Timestamp: ev.Timestamp, Display: ev.Display, Message: ev.Message}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.format == render.FormatJSON {
		_ = json.NewEncoder(s.out).Encode(rec)
		return
	}
	fmt.Fprintln(s.out, render.EventLine(rec))
}

func (s *monitorState) setConfig(fields map[string]any) {
	s.mu.Lock()
	s.cfg = configFromFields(fields)
	s.mu.Unlock()
}

func (s *monitorState) setImpedances(imp protocol.Impedances) {
	readings := make([]impedance.Reading, len(imp.Values))
	for i, v := range imp.Values {
		readings[i] = impedance.Reading{Channel: i, Value: v}
	}
	s.mu.Lock()
	s.impedances = readings
	s.mu.Unlock()
}

func (s *monitorState) printStatus() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return render.WriteStatus(s.out, render.Status{
		SessionID:  s.sessionID,
		Config:     s.cfg,
		Summary:    session.SummaryOf(s.cfg),
		Impedances: s.impedances,
	}, s.format)
}

// configFromFields 把推送的配置快照还原为 session.Config
func configFromFields(f map[string]any) session.Config {
	cfg := session.DefaultConfig()
	if v, ok := f["pairing"].(string); ok && v == string(session.Paired) {
		cfg.Pairing = session.Paired
	}
	if v, ok := f["demo_mode"].(bool); ok {
		cfg.DemoMode = v
	}
	if v, ok := f["stimulation_enabled"].(bool); ok {
		cfg.StimulationEnabled = v
	}
	if v, ok := f["algorithm"].(string); ok {
		if a, err := session.ParseAlgorithm(v); err == nil {
			cfg.Algorithm = a
		}
	}
	intField := func(key string, dst *int) {
		if v, ok := f[key].(float64); ok {
			*dst = int(v)
		}
	}
	intField("threshold_z", &cfg.ThresholdZ)
	intField("volume_db", &cfg.VolumeDB)
	intField("latency_estimate_ms", &cfg.LatencyEstimateMS)
	intField("battery_pct", &cfg.BatteryPct)
	return cfg
}
