package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"SoundAsleep/internal/app"
	"SoundAsleep/internal/config"
)

func newServeCmd() *cobra.Command {
	var (
		addr  string
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a session with the HTTP API, metrics and renderer feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := config.NewManager(
				config.WithConfigPath(configPath),
				config.WithWatchEnabled(watch),
			)
			cfg, err := mgr.Load()
			if err != nil {
				return err
			}
			applyOverrides(cfg)
			if addr != "" {
				cfg.Server.Addr = addr
			}

			a, err := app.New(cfg)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			if file := mgr.ConfigFile(); file != "" {
				a.Logger().Info("config loaded", "file", file, "watch", watch)
			}
			// 热加载只调整日志级别，会话参数在运行期间由操作修改
			mgr.OnChange(func(c *config.Config) {
				if logLevel == "" {
					a.SetLogLevel(c.Log.Level)
				}
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "override server.addr")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload log level when the config file changes")
	return cmd
}
