// Package web provides the HTTP status page, REST API and live websocket
// feed for the channel-manager daemon.
package web

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sweeney/channel-manager/internal/channel"
	"github.com/sweeney/channel-manager/internal/status"
)

// Controller performs channel manager operations.
// *control.Controller implements it.
type Controller interface {
	RequestChannelChange(ctx context.Context, ch uint8) error
	RequestChannelSelect(ctx context.Context, skipQualityCheck bool) error
	SetDelay(ctx context.Context, seconds uint16) error
	SetAutoChannelSelection(ctx context.Context, enabled bool) error
	SetAutoChannelSelectionInterval(ctx context.Context, seconds uint32) error
	SetSupportedChannels(ctx context.Context, mask channel.Mask) error
	SetFavoredChannels(ctx context.Context, mask channel.Mask) error
}

// Server serves the status page and API over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	ctrl       Controller
	log        *zap.Logger
	upgrader   websocket.Upgrader

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Server that reads state from tracker and applies changes
// through ctrl. A nil ctrl serves status only; a nil logger discards output.
func New(addr string, tracker *status.Tracker, ctrl Controller, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		tracker: tracker,
		ctrl:    ctrl,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		done: make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Get("/", s.handleIndex)
	r.Get("/index.html", s.handleIndex)
	r.Get("/index.json", s.handleJSON)
	r.Get("/ws", s.handleWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleJSON)
		if ctrl != nil {
			r.Route("/channel", func(r chi.Router) {
				r.Post("/change", s.handleChange)
				r.Post("/select", s.handleSelect)
			})
			r.Route("/config", func(r chi.Router) {
				r.Put("/delay", s.handleDelay)
				r.Put("/auto-select", s.handleAutoSelect)
				r.Put("/supported-channels", s.handleSupported)
				r.Put("/favored-channels", s.handleFavored)
			})
		}
	})

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server and closes websocket feeds.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.log.Debug("request completed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("ip", r.RemoteAddr),
		)
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap); err != nil {
		s.log.Warn("render status page", zap.Error(err))
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}
