package pushserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/jpalmerr/tabrelay/internal/protocol"
)

const (
	// shutdownTimeout bounds graceful shutdown of in-flight requests.
	shutdownTimeout = 5 * time.Second

	// DefaultPublishRate is the per-client publish limit, per second.
	DefaultPublishRate = 20

	// defaultTitle is used when no custom title is configured.
	defaultTitle = "tabrelay"

	// titlePlaceholder is the marker in HTML that gets replaced with the actual title.
	titlePlaceholder = "{{.Title}}"
)

var errHubStopped = errors.New("hub stopped")

// Server is a channel-based push server.
//
// Server provides these endpoints:
//   - GET /ws: WebSocket carrying [protocol.Frame] values
//   - POST /channels/{channel}: publishes the JSON request body
//   - GET /healthz: liveness probe
//   - GET /: the embedded console page, when assets are configured
//
// The server is designed for graceful shutdown via context cancellation.
type Server struct {
	hub         *Hub
	port        int
	publishRate float64
	httpLimiter *ipLimiter
	httpServer  *http.Server
	upgrader    websocket.Upgrader
	assets      fs.FS
	title       string
	addr        net.Addr
	stopped     chan struct{}
	logger      *slog.Logger
}

// NewServer creates a new push [Server].
//
// Parameters:
//   - port: TCP port to listen on (0 picks a free port)
//   - publishRate: publishes per second allowed per client (<= 0 selects
//     [DefaultPublishRate])
//   - assets: embedded filesystem containing the console page (may be nil)
//   - title: console title (defaults to "tabrelay" if empty)
//   - logger: logger for server events
//
// The server is not started until [Server.Start] is called.
func NewServer(port int, publishRate float64, assets fs.FS, title string, logger *slog.Logger) *Server {
	if publishRate <= 0 {
		publishRate = DefaultPublishRate
	}
	burst := max(int(publishRate), 1)

	return &Server{
		hub:         NewHub(logger),
		port:        port,
		publishRate: publishRate,
		httpLimiter: newIPLimiter(rate.Limit(publishRate), burst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		assets:  assets,
		title:   title,
		stopped: make(chan struct{}),
		logger:  logger,
	}
}

// Hub returns the server's hub, for in-process publishing.
func (s *Server) Hub() *Hub { return s.hub }

// Addr returns the listening address once Start has succeeded.
func (s *Server) Addr() net.Addr { return s.addr }

// Done is closed once a started server has finished shutting down.
func (s *Server) Done() <-chan struct{} { return s.stopped }

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	r.Handle("/channels/{channel}", s.httpLimiter.middleware(http.HandlerFunc(s.handlePublish))).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	// serve console assets
	if s.assets != nil {
		r.HandleFunc("/", s.handleConsole).Methods(http.MethodGet)
	}
	return r
}

// Start begins serving in background goroutines.
//
// Start is non-blocking and returns immediately after confirming the server
// is listening. The server will continue running until the context is
// cancelled, at which point it closes every WebSocket and initiates a
// graceful shutdown with a 5-second timeout.
//
// Returns an error if the server fails to bind to the configured port.
func (s *Server) Start(ctx context.Context) error {
	// create listener first to verify port availability synchronously
	addr := fmt.Sprintf(":%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind to port %d: %w", s.port, err)
	}
	s.addr = ln.Addr()

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// request contexts derive from ctx so long-lived handlers observe shutdown
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go s.hub.Run(ctx)
	go s.httpLimiter.sweep(ctx)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", "error", err)
		}
	}()

	// shutdown on context cancellation
	go func() {
		<-ctx.Done()
		defer close(s.stopped)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}()

	s.logger.Info("push server listening", "addr", s.addr.String())
	return nil
}

// handleWS upgrades the request and runs the connection's reader and writer.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	id := uuid.New().String()
	c := &conn{
		id:       id,
		ws:       ws,
		send:     make(chan []byte, sendBuffer),
		limiter:  rate.NewLimiter(rate.Limit(s.publishRate), max(int(s.publishRate), 1)),
		hub:      s.hub,
		channels: make(map[string]struct{}),
		logger:   s.logger.With("conn_id", id),
	}
	if !s.hub.submit(op{kind: opRegister, conn: c}) {
		_ = ws.Close()
		return
	}

	go c.writer()
	c.reader()
}

// handlePublish publishes the request body on the channel in the path.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]
	if err := protocol.ValidateChannel(channel); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameSize))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
		return
	}
	if !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body is not valid JSON"})
		return
	}

	n, err := s.hub.Publish(channel, body)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "server shutting down"})
		return
	}
	s.logger.Debug("published", "channel", channel, "delivered", n)
	writeJSON(w, http.StatusOK, map[string]int{"delivered": n})
}

// handleHealth reports liveness and the number of open connections.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.hub.Connections(),
	})
}

// handleConsole serves the console page.
func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	// read index.html from embedded assets
	content, err := fs.ReadFile(s.assets, "assets/index.html")
	if err != nil {
		http.Error(w, "Console not found", http.StatusInternalServerError)
		return
	}

	// apply title substitution with HTML escaping to prevent XSS
	title := s.title
	if title == "" {
		title = defaultTitle
	}
	rendered := strings.ReplaceAll(string(content), titlePlaceholder, html.EscapeString(title))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err = w.Write([]byte(rendered)); err != nil {
		s.logger.Error("failed to write console response", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
