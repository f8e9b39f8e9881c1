// Package server exposes the hub over HTTP: one websocket endpoint per
// document name plus snapshot, change graph, health and metrics routes.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astromechza/automerge-sync/pkg/hub"
	"github.com/astromechza/automerge-sync/pkg/viz"
	"github.com/astromechza/automerge-sync/pkg/wsconn"
)

type Options struct {
	Hub      *hub.Hub
	Logger   *slog.Logger
	Gatherer prometheus.Gatherer
	// SendBuffer bounds the frames queued per connection.
	SendBuffer  int
	CheckOrigin func(r *http.Request) bool
}

type Server struct {
	hub      *hub.Hub
	logger   *slog.Logger
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
	wsOpts   wsconn.Options
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		hub:      opts.Hub,
		logger:   logger,
		gatherer: gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		wsOpts: wsconn.Options{SendBuffer: opts.SendBuffer, Logger: logger},
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.health)
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Methods(http.MethodGet).Path("/docs/{doc}/snapshot").HandlerFunc(s.snapshot)
	r.Methods(http.MethodGet).Path("/docs/{doc}/graph.svg").HandlerFunc(s.graph)
	r.Methods(http.MethodGet).Path("/{doc}").HandlerFunc(s.sync)
	return r
}

type health struct {
	Status    string   `json:"status"`
	Documents int      `json:"documents"`
	Names     []string `json:"names"`
}

func (s *Server) health(writer http.ResponseWriter, _ *http.Request) {
	names := s.hub.Registry().Names()
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(health{Status: "ok", Documents: len(names), Names: names}); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

func (s *Server) lookup(writer http.ResponseWriter, request *http.Request) (*hub.SharedDocument, bool) {
	doc, ok := s.hub.Registry().Lookup(mux.Vars(request)["doc"])
	if !ok || doc.Ready().Err() != nil {
		writer.WriteHeader(http.StatusNotFound)
		return nil, false
	}
	return doc, true
}

func (s *Server) snapshot(writer http.ResponseWriter, request *http.Request) {
	doc, ok := s.lookup(writer, request)
	if !ok {
		return
	}
	writer.Header().Set("Content-Type", "application/octet-stream")
	if _, err := writer.Write(doc.Save()); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

func (s *Server) graph(writer http.ResponseWriter, request *http.Request) {
	doc, ok := s.lookup(writer, request)
	if !ok {
		return
	}
	fork, err := doc.Fork()
	if err != nil {
		s.logger.Error("failed to fork", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Header().Set("Content-Type", "image/svg+xml")
	if err := viz.Render(writer, fork.Automerge(), request.URL.Query().Get("key")); err != nil {
		s.logger.Error("failed to render", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
	}
}

func (s *Server) sync(writer http.ResponseWriter, request *http.Request) {
	name := mux.Vars(request)["doc"]
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade", "err", err)
		return
	}
	ws := wsconn.New(conn, s.wsOpts)
	c, err := s.hub.Accept(request.Context(), name, ws)
	if err != nil {
		s.logger.Error("failed to accept", "doc", name, "err", err)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "document unavailable"),
			time.Now().Add(wsconn.DefaultWriteWait),
		)
		_ = conn.Close()
		return
	}
	ws.Start(c)
}
