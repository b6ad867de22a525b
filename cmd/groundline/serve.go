package groundline

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/groundline-ai/groundline/pkg/log"
	"github.com/groundline-ai/groundline/pkg/mcp"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the MCP server over stdio",
	Long: `Runs the platform and speaks line-delimited JSON-RPC on
stdin/stdout until stdin closes. Diagnostics go to stderr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer app.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		transport := mcp.NewStdioTransport(app.server, os.Stdin, os.Stdout)
		return transport.Run(ctx)
	},
}

var httpCmd = &cobra.Command{
	Use:   "http",
	Short: "Run the MCP server over HTTP and WebSocket",
	Long: `Serves JSON-RPC on POST /rpc, notifications on GET /events
(SSE), and a full-duplex WebSocket endpoint on /ws.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer app.close()

		if err := app.checkBackend(cmd.Context()); err != nil {
			log.WithModule("cli").Warn("backend check failed, serving anyway", "error", err)
		}

		httpTransport := mcp.NewHTTPTransport(app.server)
		defer httpTransport.Close()

		mux := http.NewServeMux()
		mux.Handle("/rpc", httpTransport.Handler())
		mux.Handle("/events", httpTransport.Handler())
		mux.Handle("/ws", mcp.NewWSTransport(app.server))

		addr := cfg.MCP.HTTPAddr
		if addr == "" {
			addr = net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
		}
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		log.WithModule("cli").Info("http server listening", "addr", addr)

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	},
}
