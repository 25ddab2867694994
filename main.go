// main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/petervdpas/rtcore/internal/app"
	"github.com/petervdpas/rtcore/internal/config"
	"github.com/petervdpas/rtcore/internal/notify"
	"github.com/petervdpas/rtcore/internal/reminder"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "rtcore",
		Short:        "Realtime session and call-signaling core",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newNotifyIDCmd(), newFireTimeCmd(), newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var cfgPath, level string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the core and serve the UI bridge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := logging.SetLogLevelRegex("rtcore/.*", level); err != nil {
				return fmt.Errorf("log level: %w", err)
			}
			abs, err := filepath.Abs(cfgPath)
			if err != nil {
				return err
			}
			cfg, created, err := config.Ensure(abs)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			printBanner(cmd, abs, cfg, created)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return app.Run(ctx, app.Options{
				CfgPath: abs,
				Cfg:     cfg,
				Progress: func(step, total int, label string) {
					fmt.Fprintf(cmd.OutOrStdout(), "[%d/%d] %s\n", step, total, label)
				},
			})
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "rtcore.json", "config file; created with defaults if missing")
	cmd.Flags().StringVar(&level, "log-level", "info", "debug, info, warn or error")
	return cmd
}

func newNotifyIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notify-id <task-or-call-id>",
		Short: "Print the notification slot used for an id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), notify.StableID(args[0]))
			return err
		},
	}
}

func newFireTimeCmd() *cobra.Command {
	var tz string
	cmd := &cobra.Command{
		Use:   "fire-time <date> <clock>",
		Short: "Resolve when a task's reminder would ring",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc := time.Local
			if tz != "" {
				l, err := time.LoadLocation(tz)
				if err != nil {
					return err
				}
				loc = l
			}
			at, ok := reminder.ParseFireTime(args[0], args[1], loc)
			if !ok {
				return fmt.Errorf("cannot resolve %q %q", args[0], args[1])
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), at.Format(time.RFC3339))
			return err
		},
	}
	cmd.Flags().StringVar(&tz, "tz", "", "IANA time zone; default local")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "rtcore v%s\n", appVersion)
			return err
		},
	}
}

func printBanner(cmd *cobra.Command, cfgPath string, cfg config.Config, created bool) {
	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "╔════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║                     rtcore runner                      ║")
	fmt.Fprintln(w, "╚════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Config File:    %s", cfgPath)
	if created {
		fmt.Fprint(w, " (created with defaults)")
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Backend:        %s\n", cfg.Backend.BaseURL)
	fmt.Fprintf(w, "Bridge:         http://%s\n", cfg.Bridge.HTTPAddr)
	fmt.Fprintln(w)
}
