package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chat-widget/config"
	"chat-widget/widget"
)

func main() {
	if err := newRootCommand(os.Stdin, os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "chatwidget",
		Short:         "Terminal host for the product search chat widget",
		Long:          "Connects to the conversational service and relays lines typed on stdin. Lines starting with / are commands; /help lists them.",
		SilenceUsage:  true,
		SilenceErrors: false,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			logger, err := cfg.Logging.NewLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			h := newHost(out)
			opts := cfg.Widget.Options()
			opts.Logger = logger
			opts.OnChange = h.render
			opts.OnSessionID = func(id string) {
				logger.Info("session started", zap.String("session_id", id))
			}

			c, err := widget.Init(opts)
			if err != nil {
				return fmt.Errorf("failed to start widget: %w", err)
			}
			defer c.Shutdown()

			s := c.Snapshot()
			fmt.Fprintf(out, "%s (session %s)\n", s.Title, s.SessionID)
			h.render(s)
			if err := c.Open(); err != nil {
				return err
			}
			fmt.Fprintln(out, s.Placeholder)
			return h.run(c, in, errOut)
		},
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	f.String("url", "", "websocket base URL of the conversational service")
	f.String("session-id", "", "session id to resume (generated when empty)")
	f.String("title", "", "widget title")
	f.String("placeholder", "", "input placeholder")
	f.Int("reconnect-attempts", 0, "reconnect attempts before giving up")
	f.Duration("reconnect-interval", time.Duration(0), "base reconnect interval")
	f.Bool("connect-eagerly", true, "connect before the widget is opened")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (json, console)")
	return cmd
}
