// Package mcpbridge exposes the two-tool MCP surface — output_enable and
// output_disable, scoped to one instance each — as plain HTTP endpoints
// that translate straight into psuclient.Client calls.
//
// Grounded on the teacher's pkg/api/middleware idiom: a stdlib
// net/http.Handler wrapped by small func(http.Handler) http.Handler
// middlewares (here, request logging) rather than a router framework,
// since the teacher never pulls one in even where it serves HTTP.
package mcpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/orbitlab/psuctl/internal/psuclient"
	appErrors "github.com/orbitlab/psuctl/pkg/errors"
	"github.com/orbitlab/psuctl/pkg/logger"
	"github.com/orbitlab/psuctl/pkg/messaging"
)

// Bridge is stateless beyond its per-instance Client cache: every tool
// call resolves (or lazily builds) a psuclient.Client for the named
// instance and invokes one method on it.
type Bridge struct {
	namespace string
	broker    messaging.Broker
	log       *slog.Logger

	mu      sync.Mutex
	clients map[string]*psuclient.Client
}

// New returns a Bridge that builds Clients against broker under
// namespace, the same server-type segment the Supervisor's Runners use.
func New(namespace string, broker messaging.Broker) *Bridge {
	return &Bridge{
		namespace: namespace,
		broker:    broker,
		log:       logger.L().With("component", "mcpbridge"),
		clients:   make(map[string]*psuclient.Client),
	}
}

// clientFor returns the cached Client for instance, constructing and
// caching one on first use.
func (b *Bridge) clientFor(ctx context.Context, instance string) (*psuclient.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.clients[instance]; ok {
		return c, nil
	}
	c, err := psuclient.New(ctx, b.namespace, instance, b.broker)
	if err != nil {
		return nil, err
	}
	b.clients[instance] = c
	return c, nil
}

// Handler returns the HTTP surface: POST /instances/{instance}/output_enable
// and POST /instances/{instance}/output_disable, the only two tools the
// MCP surface exposes.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /instances/{instance}/output_enable", b.handleTool(func(ctx context.Context, c *psuclient.Client) (string, error) {
		return c.EnableOutput(ctx)
	}))
	mux.HandleFunc("POST /instances/{instance}/output_disable", b.handleTool(func(ctx context.Context, c *psuclient.Client) (string, error) {
		return c.DisableOutput(ctx)
	}))
	return requestLogging(b.log, mux)
}

type toolResult struct {
	PzaID  string `json:"pza_id,omitempty"`
	Result string `json:"result,omitempty"`
}

type toolError struct {
	Error string `json:"error"`
}

func (b *Bridge) handleTool(invoke func(ctx context.Context, c *psuclient.Client) (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		instance := r.PathValue("instance")
		if instance == "" {
			writeError(w, http.StatusBadRequest, errors.New("instance is required"))
			return
		}

		c, err := b.clientFor(r.Context(), instance)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}

		pzaID, err := invoke(r.Context(), c)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}

		writeJSON(w, http.StatusOK, toolResult{PzaID: pzaID, Result: "ok"})
	}
}

func statusFor(err error) int {
	switch {
	case appErrors.Is(err, appErrors.CodeInvalidArgument):
		return http.StatusBadRequest
	case appErrors.Is(err, appErrors.CodeNotFound):
		return http.StatusNotFound
	case appErrors.Is(err, appErrors.CodeTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, toolError{Error: err.Error()})
}

func requestLogging(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Debug("mcp tool call", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// Serve starts the bridge's HTTP server on addr and blocks until ctx is
// cancelled, then shuts the server down gracefully.
func Serve(ctx context.Context, addr string, b *Bridge) error {
	srv := &http.Server{Addr: addr, Handler: b.Handler()}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
