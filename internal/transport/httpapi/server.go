// Package httpapi exposes the control surface as a small JSON API.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"guildbot/internal/control"
	"guildbot/internal/storage"
	"guildbot/internal/transport/telegram/router"
	"guildbot/internal/worker"
	logx "guildbot/pkg/logx"
)

// Control is the surface the API drives; it adds LogLines to the
// telegram router's view.
type Control interface {
	router.Control
	LogLines(buffer int) (<-chan control.Line, func())
}

var _ Control = (*control.Surface)(nil)

type Options struct {
	Addr    string
	Token   string
	Control Control
	Journal storage.Store
	// Profiling mounts the runtime profiler under /v1/debug, behind auth.
	Profiling bool
	Log       logx.Logger
}

type Server struct {
	opt Options
	log logx.Logger
	srv *http.Server
}

func New(opt Options) *Server {
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	s := &Server{opt: opt, log: opt.Log.With(logx.String("comp", "httpapi"))}
	s.srv = &http.Server{
		Addr:              opt.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/logs", s.streamLogs)
		if s.opt.Profiling {
			r.Mount("/debug", chimiddleware.Profiler())
		}
		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(30 * time.Second))
			r.Get("/devices", s.listDevices)
			r.Route("/devices/{device}", func(r chi.Router) {
				r.Get("/status", s.deviceStatus)
				r.Post("/start", s.startDevice)
				r.Post("/stop", s.stopDevice)
				r.Get("/plan", s.devicePlan)
				r.Get("/outcomes", s.deviceOutcomes)
			})
		})
	})
	return r
}

// Start listens in the background. A listen error is returned at once.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opt.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opt.Addr, err)
	}
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http api stopped", logx.Err(err))
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opt.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Missing authentication token"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opt.Token)) != 1 {
			s.log.Warn("invalid token attempt", logx.String("remote", r.RemoteAddr))
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("dur", time.Since(start)),
			logx.String("req_id", chimiddleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opt.Control.Devices(r.Context()))
}

func (s *Server) deviceStatus(w http.ResponseWriter, r *http.Request) {
	dev := chi.URLParam(r, "device")
	writeJSON(w, http.StatusOK, map[string]string{"device": dev, "status": s.opt.Control.StatusText(dev)})
}

func (s *Server) startDevice(w http.ResponseWriter, r *http.Request) {
	dev := chi.URLParam(r, "device")
	started, err := s.opt.Control.StartWorker(r.Context(), dev)
	switch {
	case errors.Is(err, control.ErrUnknownDevice):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, control.ErrNoAccounts):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, worker.ErrStopping):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"device": dev, "started": started})
	}
}

func (s *Server) stopDevice(w http.ResponseWriter, r *http.Request) {
	dev := chi.URLParam(r, "device")
	writeJSON(w, http.StatusOK, map[string]any{"device": dev, "stopping": s.opt.Control.StopWorker(dev)})
}

type planItem struct {
	Account string   `json:"account"`
	Actions []string `json:"actions"`
}

func (s *Server) devicePlan(w http.ResponseWriter, r *http.Request) {
	dev := chi.URLParam(r, "device")
	wl, err := s.opt.Control.Plan(r.Context(), dev)
	if errors.Is(err, control.ErrUnknownDevice) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	items := make([]planItem, 0, len(wl.Items))
	for _, it := range wl.Items {
		items = append(items, planItem{Account: it.Record.Identity, Actions: it.Actions()})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device":      dev,
		"scanned":     wl.Scanned,
		"due_targets": wl.DueTargets,
		"assigned":    wl.Assigned,
		"items":       items,
	})
}

func (s *Server) deviceOutcomes(w http.ResponseWriter, r *http.Request) {
	if s.opt.Journal == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "journal disabled"})
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be 1..500"})
			return
		}
		limit = n
	}
	list, err := s.opt.Journal.RecentOutcomes(r.Context(), chi.URLParam(r, "device"), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if list == nil {
		list = []storage.Outcome{}
	}
	writeJSON(w, http.StatusOK, list)
}

// streamLogs relays worker log lines as server-sent events until the client
// goes away. ?device= filters one device.
func (s *Server) streamLogs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}
	want := r.URL.Query().Get("device")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	lines, stop := s.opt.Control.LogLines(64)
	defer stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			if want != "" && l.Device != want {
				continue
			}
			b, err := json.Marshal(l)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: log\ndata: %s\n\n", b); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
