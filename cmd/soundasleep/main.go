package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"SoundAsleep/internal/config"
	"SoundAsleep/internal/logger"
)

var (
	configPath  string
	logLevel    string
	versionInfo = "dev"
)

var rootCmd = &cobra.Command{
	Use:           "soundasleep",
	Short:         "Closed-loop sleep stimulation session simulator",
	Version:       versionInfo,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: configs/soundasleep.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMonitorCmd())
	rootCmd.AddCommand(newDemoCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "soundasleep: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 读取配置并应用命令行覆盖
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg)
	return cfg, nil
}

func applyOverrides(cfg *config.Config) {
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
}

// buildCLILogger 交互命令用的文本日志
func buildCLILogger(level string, w io.Writer) (*slog.Logger, *slog.LevelVar) {
	return logger.Build(logger.Options{Level: level, Format: "text", Output: w})
}
