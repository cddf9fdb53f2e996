package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/edbridge/internal/bridge"
	"github.com/dshills/edbridge/internal/config"
	"github.com/dshills/edbridge/internal/ipc"
	"github.com/dshills/edbridge/internal/logging"
	"github.com/dshills/edbridge/internal/policy"
)

// shutdownTimeout bounds the final force quit and HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// ServeOptions holds serve flags.
type ServeOptions struct {
	Engine        string
	EngineCommand string
	Transport     string
	Listen        string
	Token         string
	Width         int
	Height        int
	Start         bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(root *RootOptions) *cobra.Command {
	opts := &ServeOptions{}

	cmd := &cobra.Command{
		Use:   "serve [files...]",
		Short: "Run a bridge session",
		Long: "Run one engine session and serve it to presentation processes. Files\n" +
			"named on the command line open in tabs once the engine is running.\n\n" +
			"With the stdio transport the peer speaks JSON-RPC on standard input and\n" +
			"output. With the websocket transport any number of clients connect to\n" +
			"server.listen. The command returns when the session terminates.",
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.override(cmd, "engine", "engine.backend", opts.Engine)
			root.override(cmd, "engine-command", "engine.command", opts.EngineCommand)
			root.override(cmd, "transport", "server.transport", opts.Transport)
			root.override(cmd, "listen", "server.listen", opts.Listen)
			root.override(cmd, "token", "server.token", opts.Token)
			root.override(cmd, "width", "engine.width", opts.Width)
			root.override(cmd, "height", "engine.height", opts.Height)

			lopts, cfg, err := root.loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd, lopts, cfg, opts.Start, args)
		},
	}

	cmd.Flags().StringVar(&opts.Engine, "engine", "", "engine backend (nvim|rpc|memory)")
	cmd.Flags().StringVar(&opts.EngineCommand, "engine-command", "", "engine executable")
	cmd.Flags().StringVar(&opts.Transport, "transport", "", "presentation transport (stdio|websocket)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "websocket listen address")
	cmd.Flags().StringVar(&opts.Token, "token", "", "websocket access token")
	cmd.Flags().IntVar(&opts.Width, "width", 0, "initial grid width")
	cmd.Flags().IntVar(&opts.Height, "height", 0, "initial grid height")
	cmd.Flags().BoolVar(&opts.Start, "start", false, "start the engine before serving")

	return cmd
}

// session is one serve run.
type session struct {
	cfg    config.Config
	logger *slog.Logger
	level  *slog.LevelVar
	bridge *bridge.Bridge

	mu     sync.Mutex
	script string
}

func runServe(cmd *cobra.Command, lopts config.Options, cfg config.Config, start bool, files []string) error {
	logOut, closeLog, err := logOutput(cmd, cfg.Logging.File)
	if err != nil {
		return WrapExitError(ExitCommandError, "open log file", err)
	}
	defer closeLog()

	logger, level := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: logging.Format(cfg.Logging.Format),
		Output: logOut,
	})
	s := &session{cfg: cfg, logger: logger, level: level}

	backend, err := newBackend(cfg.Engine, logger)
	if err != nil {
		return err
	}

	holder := &policy.Holder{}
	if err := s.loadPolicy(holder, cfg.Policy); err != nil {
		return WrapExitError(ExitCommandError, "load quit policy", err)
	}

	b, err := bridge.New(bridge.Options{
		Backend:          backend,
		Logger:           logger,
		HandshakeTimeout: cfg.Engine.HandshakeTimeout.Std(),
		InvokeTimeout:    cfg.Engine.InvokeTimeout.Std(),
		PollInterval:     cfg.Engine.PollInterval.Std(),
		QueueCapacity:    cfg.Sequencer.Capacity,
		Inbox:            cfg.Tracker.Inbox,
		Policy:           holder,
		OpenOnReady:      files,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "assemble bridge", err)
	}
	s.bridge = b

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	defer func() {
		cctx, ccancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer ccancel()
		if err := b.Close(cctx); err != nil {
			logger.Warn("bridge close", "error", err)
		}
	}()

	if lopts.Path != "" {
		w, err := config.Watch(lopts, s.reload,
			config.WithExtraFiles(cfg.Policy.QuitScript),
			config.WithWatchLogger(logging.Component(logger, "config")),
		)
		if err != nil {
			logger.Warn("config reload disabled", "error", err)
		} else {
			defer w.Close()
		}
	}

	go s.forceQuitOnSignal(ctx, cancel)

	if start {
		if err := b.StartEngine(ctx); err != nil {
			return WrapExitError(ExitEngineError, "start engine", err)
		}
	}

	srv := ipc.NewServer(b, ipc.WithLogger(logging.Component(logger, "ipc")))
	logger.Info("edbridge serving",
		"transport", cfg.Server.Transport,
		"engine", cfg.Engine.Backend,
	)

	switch cfg.Server.Transport {
	case "websocket":
		err = s.serveWebSocket(ctx, srv)
	default:
		err = srv.ServeStdio(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		return WrapExitError(ExitFailure, "serve", err)
	}
	return nil
}

func logOutput(cmd *cobra.Command, path string) (io.Writer, func(), error) {
	if path == "" {
		return cmd.ErrOrStderr(), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

// forceQuitOnSignal ends the session on SIGINT or SIGTERM. Unsaved
// changes are discarded: there is no one left to ask.
func (s *session) forceQuitOnSignal(ctx context.Context, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case sig := <-sigs:
		s.logger.Info("signal received; forcing quit", "signal", sig.String())
		qctx, qcancel := context.WithTimeout(ctx, shutdownTimeout)
		defer qcancel()
		if err := s.bridge.ForceQuit(qctx); err != nil {
			s.logger.Debug("force quit on signal", "error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}

func (s *session) serveWebSocket(ctx context.Context, srv *ipc.Server) error {
	sc := s.cfg.Server
	h := srv.WebSocket(ipc.WSOptions{
		Token:          sc.Token,
		AllowedOrigins: sc.AllowedOrigins,
		MaxClients:     sc.MaxClients,
		SendBuffer:     sc.SendBuffer,
		WriteTimeout:   sc.WriteTimeout.Std(),
	})

	mux := http.NewServeMux()
	mux.Handle(sc.Path, h)

	ln, err := net.Listen("tcp", sc.Listen)
	if err != nil {
		h.Close()
		return fmt.Errorf("listen %s: %w", sc.Listen, err)
	}
	httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Serve(ln) }()
	s.logger.Info("websocket listening", "addr", ln.Addr().String(), "path", sc.Path, "auth", sc.Token != "")

	var serveErr error
	select {
	case <-s.bridge.Done():
	case <-ctx.Done():
		serveErr = ctx.Err()
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	h.Close()
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		s.logger.Warn("http shutdown", "error", err)
	}
	return serveErr
}

func (s *session) loadPolicy(holder *policy.Holder, pc config.PolicyConfig) error {
	if pc.QuitScript == "" {
		holder.Set(nil)
		s.setScript("")
		return nil
	}
	p, err := policy.Load(pc.QuitScript,
		policy.WithTimeout(pc.Timeout.Std()),
		policy.WithLogger(logging.Component(s.logger, "policy")),
	)
	if err != nil {
		return err
	}
	holder.Set(p)
	s.setScript(pc.QuitScript)
	s.logger.Info("quit policy loaded", "script", pc.QuitScript)
	return nil
}

func (s *session) setScript(path string) {
	s.mu.Lock()
	s.script = path
	s.mu.Unlock()
}

// reload applies the settings that can change without a restart: the log
// level and the quit policy.
func (s *session) reload(cfg config.Config) {
	s.level.Set(logging.ParseLevel(cfg.Logging.Level))

	s.mu.Lock()
	prev := s.script
	s.mu.Unlock()
	if prev != cfg.Policy.QuitScript {
		s.logger.Info("quit policy script changed", "from", prev, "to", cfg.Policy.QuitScript)
	}
	if err := s.loadPolicy(s.bridge.Policy(), cfg.Policy); err != nil {
		s.logger.Warn("quit policy reload rejected; keeping the previous policy", "error", err)
	}
}
