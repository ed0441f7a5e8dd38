package main

// main.go — entrypoint: loads configuration and serves MCP over stdio.

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sanjit/lsp-bridge/internal/config"
	"github.com/sanjit/lsp-bridge/internal/jsonrpc"
	"github.com/sanjit/lsp-bridge/internal/logging"
	"github.com/sanjit/lsp-bridge/internal/session"
)

var version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "lsp-bridge: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath  string
	logLevel    string
	debug       bool
	metricsAddr string
}

func newRootCommand() *cobra.Command {
	var f flags
	root := &cobra.Command{
		Use:   "lsp-bridge [flags] [-- server-command [args...]]",
		Short: "Expose a language server to MCP clients over stdio",
		Long: `lsp-bridge starts a language server on demand and serves MCP tools
(lsp_open, lsp_hover, lsp_symbols, ...) over stdin/stdout.

Everything after -- replaces backend.command and backend.args from the
configuration file, e.g.:

  lsp-bridge -- java -jar groovy-language-server-all.jar`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f, args)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVarP(&f.configPath, "config", "c", "", "configuration file (default "+config.Filename+" if present)")
	root.Flags().StringVar(&f.logLevel, "log-level", "", "override log.level (trace, debug, info, warn, error)")
	root.Flags().BoolVar(&f.debug, "debug", false, "launch the backend with backend.debug_args")
	root.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "lsp-bridge", version)
		},
	})
	return root
}

// loadConfig reads the configuration file and applies flag and argument
// overrides.
func loadConfig(f flags, args []string) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if len(args) > 0 {
		cfg.Backend.Command = args[0]
		cfg.Backend.Args = args[1:]
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.debug {
		cfg.Backend.Debug = true
	}
	if f.metricsAddr != "" {
		cfg.Metrics.Addr = f.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// transportOptions maps the transport settings onto client options.
func transportOptions(t config.Transport) []jsonrpc.Option {
	opts := []jsonrpc.Option{jsonrpc.WithCancelNotifications()}
	if t.MaxBufferBytes > 0 {
		opts = append(opts, jsonrpc.WithMaxBufferSize(t.MaxBufferBytes))
	}
	if t.RejectUnhandledRequests {
		opts = append(opts, jsonrpc.WithRejectUnhandledRequests())
	}
	return opts
}

func newManager(cfg *config.Config, l *launcher, log zerolog.Logger) *session.Manager {
	opts := session.Options{
		LanguageID: cfg.Workspace.LanguageID,
		Timeout:    cfg.Transport.RequestTimeout.Std(),
		Logger:     log,
	}
	if cfg.Workspace.Root != "" {
		opts.RootURI = session.FileURI(cfg.Workspace.Root)
	}
	return session.NewManager(l.start, opts)
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, closer, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}

	reg := prometheus.NewRegistry()
	if err := jsonrpc.RegisterMetrics(reg); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	l := newLauncher(cfg.Backend, transportOptions(cfg.Transport), log)
	sm := newManager(cfg, l, log)

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "lsp-bridge",
		Version: version,
	}, nil)
	registerTools(server, sm)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The front-end closing stdin ends the bridge.
		defer cancel()
		return server.Run(gctx, &mcp.StdioTransport{})
	})
	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", srv.Addr).Msg("serving metrics")
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}
	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := sm.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("language server shutdown")
	}
	l.stop(shutdownCtx)
	return runErr
}
