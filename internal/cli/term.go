package cli

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/spf13/cobra"

	"github.com/dshills/edbridge/internal/ipc"
	"github.com/dshills/edbridge/internal/logging"
	"github.com/dshills/edbridge/internal/term"
)

// dialTimeout bounds connecting to the bridge and starting the engine.
const dialTimeout = 10 * time.Second

// TermOptions holds edbridge-term flags.
type TermOptions struct {
	URL      string
	Token    string
	LogFile  string
	LogLevel string
}

// NewTermCommand creates the edbridge-term command.
func NewTermCommand(info BuildInfo) *cobra.Command {
	opts := &TermOptions{}

	cmd := &cobra.Command{
		Use:   "edbridge-term",
		Short: "Terminal client for an edbridge WebSocket server",
		Long: "edbridge-term connects to a running edbridge server, starts the engine\n" +
			"if needed and forwards the terminal's keys to it. Ctrl-Q quits; when\n" +
			"unsaved changes block the quit it asks before discarding them.",
		Version:       orUnknown(info.Version),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTerm(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "ws://127.0.0.1:7650/rpc", "bridge WebSocket URL")
	cmd.Flags().StringVar(&opts.Token, "token", os.Getenv("EDBRIDGE_SERVER_TOKEN"), "access token")
	cmd.Flags().StringVar(&opts.LogFile, "log-file", "", "write logs to this file")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")

	return cmd
}

func runTerm(cmd *cobra.Command, opts *TermOptions) error {
	// The screen owns the terminal, so logs go to a file or nowhere.
	var logOut io.Writer = io.Discard
	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return WrapExitError(ExitCommandError, "open log file", err)
		}
		defer f.Close()
		logOut = f
	}
	logger, _ := logging.New(logging.Config{Level: opts.LogLevel, Output: logOut})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
	defer stop()

	screen, err := tcell.NewScreen()
	if err != nil {
		return WrapExitError(ExitFailure, "open terminal", err)
	}
	if err := screen.Init(); err != nil {
		return WrapExitError(ExitFailure, "open terminal", err)
	}
	defer screen.Fini()

	uiLogger := logging.Component(logger, "term")
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	client, err := ipc.Dial(dctx, opts.URL,
		ipc.WithToken(opts.Token),
		ipc.WithEventHandler(term.EventHandler(screen, uiLogger)),
		ipc.WithClientLogger(logging.Component(logger, "ipc")),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "connect to "+opts.URL, err)
	}
	defer client.Close()

	st, err := client.Status(dctx)
	if err != nil {
		return WrapExitError(ExitFailure, "session status", err)
	}
	if st.State == "not-started" {
		if _, err := client.Start(dctx); err != nil {
			return WrapExitError(ExitEngineError, "start engine", err)
		}
	}
	w, h := screen.Size()
	if _, err := client.Resize(dctx, w, h); err != nil {
		logger.Warn("initial resize", "error", err)
	}

	ui := term.New(screen, client, term.WithLogger(uiLogger))
	err = ui.Run(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, term.ErrEngineCrashed):
		return WrapExitError(ExitEngineError, "session ended", err)
	default:
		return WrapExitError(ExitFailure, "session ended", err)
	}
}
