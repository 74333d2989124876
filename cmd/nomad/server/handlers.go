package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/astromechza/nomad-sync/cmd/nomad/pkg"
	"github.com/astromechza/nomad-sync/pkg/ids"
	"github.com/astromechza/nomad-sync/pkg/nomad"
)

const (
	secretHeader    = "X-Secret-Key"
	requestIDHeader = "X-Request-Id"
	maxBodyBytes    = 8 << 20
)

type server struct {
	// base outlives individual requests and ends on shutdown. Websocket
	// sessions run under it because hijacked requests are never cancelled.
	base       context.Context
	engine     *nomad.Engine
	allowReset bool
	gatherer   prometheus.Gatherer
	sessions   *xsync.MapOf[string, *websocket.Conn]
	// running tracks websocket sessions, which the http server stops
	// tracking once they are hijacked.
	running  sync.WaitGroup
	upgrader websocket.Upgrader
	// readLimit caps a request body and a single websocket frame.
	readLimit int64
}

func newServer(base context.Context, engine *nomad.Engine, allowReset bool, reg *prometheus.Registry) (*server, error) {
	s := &server{
		base:       base,
		engine:     engine,
		allowReset: allowReset,
		gatherer:   reg,
		sessions:   xsync.NewMapOf[string, *websocket.Conn](),
		readLimit:  maxBodyBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if err := reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "nomad_server_sync_sessions",
		Help: "Open websocket sync sessions.",
	}, func() float64 {
		return float64(s.sessions.Size())
	})); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *server) router(staticDir string) *mux.Router {
	r := mux.NewRouter()
	r.Use(accessLog, cors)

	r.Methods(http.MethodOptions).PathPrefix("/").HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusNoContent)
	})

	api := r.PathPrefix("/api/v2").Subrouter()
	api.Methods(http.MethodPost).Path("/nomads").HandlerFunc(s.reconcile)
	api.Methods(http.MethodDelete).Path("/nomads").HandlerFunc(s.reset)
	api.Methods(http.MethodGet).Path("/nomads/ws").HandlerFunc(s.syncNomads)
	api.Methods(http.MethodGet).Path("/nomads/{id}").HandlerFunc(s.getNomad)
	api.Methods(http.MethodGet).Path("/identity").HandlerFunc(s.identity)

	r.Methods(http.MethodGet).Path("/health").HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		_, _ = writer.Write([]byte("ok"))
	})
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	if staticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(staticDir)))
	}
	return r
}

func accessLog(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		id := uuid.NewString()
		writer.Header().Set(requestIDHeader, id)
		m := httpsnoop.CaptureMetrics(handler, writer, request)
		slog.Info("handled", "id", id, "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
	})
}

func cors(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		h := writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+secretHeader)
		h.Set("Access-Control-Expose-Headers", requestIDHeader)
		handler.ServeHTTP(writer, request)
	})
}

func writeJSON(writer http.ResponseWriter, status int, v any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func writeError(writer http.ResponseWriter, status int, msg string) {
	writeJSON(writer, status, map[string]string{"error": msg})
}

// callerIdentity derives the caller from its secret. Browsers cannot set
// headers on a websocket upgrade, so the secret query parameter is
// accepted as well.
func callerIdentity(request *http.Request) (ids.ID, error) {
	raw := request.Header.Get(secretHeader)
	if raw == "" {
		raw = request.URL.Query().Get("secret")
	}
	if raw == "" {
		return ids.ID{}, errors.New("missing " + secretHeader + " header")
	}
	secret, err := ids.ParseSecret(raw)
	if err != nil {
		return ids.ID{}, err
	}
	return secret.Identity(), nil
}

func (s *server) reconcile(writer http.ResponseWriter, request *http.Request) {
	caller, err := callerIdentity(request)
	if err != nil {
		writeError(writer, http.StatusBadRequest, err.Error())
		return
	}
	var req nomad.Request
	if err := json.NewDecoder(http.MaxBytesReader(writer, request.Body, s.readLimit)).Decode(&req); err != nil {
		writeError(writer, http.StatusBadRequest, "failed to decode request: "+err.Error())
		return
	}
	reply, err := s.engine.Reconcile(request.Context(), caller, req)
	if err != nil {
		slog.Error("failed to reconcile", "err", err)
		writeError(writer, http.StatusInternalServerError, "failed to reconcile")
		return
	}
	writeJSON(writer, http.StatusOK, reply)
}

func (s *server) getNomad(writer http.ResponseWriter, request *http.Request) {
	id, err := ids.Parse(mux.Vars(request)["id"])
	if err != nil {
		writeError(writer, http.StatusBadRequest, err.Error())
		return
	}
	rec, ok, err := s.engine.Get(request.Context(), id)
	if err != nil {
		slog.Error("failed to get nomad", "id", id, "err", err)
		writeError(writer, http.StatusInternalServerError, "failed to get nomad")
		return
	} else if !ok {
		writeError(writer, http.StatusNotFound, "unknown nomad")
		return
	}
	writeJSON(writer, http.StatusOK, nomad.FromRecord(rec))
}

func (s *server) reset(writer http.ResponseWriter, request *http.Request) {
	if !s.allowReset {
		writeError(writer, http.StatusForbidden, "reset is disabled")
		return
	}
	if err := s.engine.Reset(request.Context()); err != nil {
		slog.Error("failed to reset", "err", err)
		writeError(writer, http.StatusInternalServerError, "failed to reset")
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

func (s *server) identity(writer http.ResponseWriter, request *http.Request) {
	caller, err := callerIdentity(request)
	if err != nil {
		writeError(writer, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(writer, http.StatusOK, map[string]string{"identity": caller.String()})
}

// wait blocks until every websocket session has ended.
func (s *server) wait() {
	s.running.Wait()
}

func (s *server) syncNomads(writer http.ResponseWriter, request *http.Request) {
	s.running.Add(1)
	defer s.running.Done()

	caller, err := callerIdentity(request)
	if err != nil {
		writeError(writer, http.StatusBadRequest, err.Error())
		return
	}
	session := writer.Header().Get(requestIDHeader)
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.readLimit)

	s.sessions.Store(session, conn)
	defer s.sessions.Delete(session)

	if err := pkg.Serve(s.base, conn, func(ctx context.Context, req nomad.Request) (nomad.Reply, error) {
		return s.engine.Reconcile(ctx, caller, req)
	}); err != nil {
		slog.Error("failed to sync", "session", session, "err", err)
	}
}
