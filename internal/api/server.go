// Package api serves the HTTP surface of a peer. Data and query endpoints go
// through a grpc-gateway mux; Prometheus metrics and a WebSocket feed of
// topology events are served beside it.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/zde37/pgrid/internal/keyspace"
	"github.com/zde37/pgrid/internal/message"
	"github.com/zde37/pgrid/internal/pgrid"
	"github.com/zde37/pgrid/internal/routing"
	"github.com/zde37/pgrid/internal/store"
	"github.com/zde37/pgrid/pkg"
)

// maxBodySize bounds the value of one stored item.
const maxBodySize = 1 << 20

// Key encodings accepted by the encoding query parameter.
const (
	EncodingBits   = "bits"   // keys are bitstrings, the default
	EncodingString = "string" // keys are text, eight bits per byte
)

// Overlay is the part of a peer the API needs. *pgrid.Peer implements it.
type Overlay interface {
	Local() routing.PeerRef
	Stats() pgrid.Stats
	Table() *routing.Table
	Publish(ctx context.Context, key keyspace.Key, typ string, data []byte) (store.Item, error)
	Delete(ctx context.Context, items []store.Item) error
	Lookup(ctx context.Context, key keyspace.Key) (*message.QueryReply, error)
	Range(ctx context.Context, rng keyspace.Range, algorithm string) (*message.QueryReply, error)
	Store() *store.ItemStore
}

var _ Overlay = (*pgrid.Peer)(nil)

// Server represents the HTTP API server.
type Server struct {
	overlay    Overlay
	httpServer *http.Server
	listener   net.Listener
	wsHub      *WebSocketHub
	logger     *pkg.Logger
	timeout    time.Duration
}

// NewServer creates a new HTTP API server for overlay. timeout bounds every
// query issued on behalf of a request.
func NewServer(overlay Overlay, timeout time.Duration, logger *pkg.Logger) (*Server, error) {
	if overlay == nil {
		return nil, fmt.Errorf("overlay cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &Server{
		overlay: overlay,
		wsHub:   NewWebSocketHub(logger),
		logger:  logger.WithFields(pkg.Fields{"component": "http_api"}),
		timeout: timeout,
	}, nil
}

// Hub returns the WebSocket hub, to be registered as the peer's broadcaster.
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// Handler returns the routes of the API. Data and query endpoints are served
// by the gateway mux; health, metrics and the event stream sit beside it.
func (s *Server) Handler() http.Handler {
	gw := runtime.NewServeMux(
		runtime.WithMarshalerOption(runtime.MIMEWildcard, &runtime.JSONPb{
			MarshalOptions:   runtime.JSONPb{}.MarshalOptions,
			UnmarshalOptions: runtime.JSONPb{}.UnmarshalOptions,
		}),
		runtime.WithErrorHandler(errorHandler),
	)
	routes := []struct {
		method  string
		pattern string
		handler func(*runtime.ServeMux) runtime.HandlerFunc
	}{
		{http.MethodGet, "/api/peer", s.peerHandler},
		{http.MethodGet, "/api/routing", s.routingHandler},
		{http.MethodGet, "/api/items/{key}", s.getItemHandler},
		{http.MethodPut, "/api/items/{key}", s.putItemHandler},
		{http.MethodDelete, "/api/items/{key}", s.deleteItemHandler},
		{http.MethodGet, "/api/range", s.rangeHandler},
		{http.MethodGet, "/api/store", s.storeHandler},
	}
	for _, rt := range routes {
		if err := gw.HandlePath(rt.method, rt.pattern, rt.handler(gw)); err != nil {
			// patterns are constants; a parse failure is a programming error
			panic(fmt.Sprintf("failed to register %s %s: %v", rt.method, rt.pattern, err))
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", gw)
	mux.HandleFunc("GET /api/ws", s.wsHub.HandleWebSocket)
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", promhttp.Handler())
	return corsMiddleware(mux)
}

// Start starts the HTTP server on addr.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	go s.wsHub.Run()

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting HTTP API server")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()
	return nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping HTTP API server")

	if s.wsHub != nil {
		s.wsHub.Stop()
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	s.logger.Info().Msg("HTTP API server stopped")
	return nil
}

// itemJSON is the HTTP representation of a stored item.
type itemJSON struct {
	Key   string `json:"key"`
	Owner string `json:"owner"`
	Type  string `json:"type"`
	Data  string `json:"data"`
}

// queryJSON is the HTTP representation of a query result.
type queryJSON struct {
	Found      bool       `json:"found"`
	Partial    bool       `json:"partial"`
	Hops       int        `json:"hops"`
	Items      []itemJSON `json:"items"`
	Responders []string   `json:"responders"`
}

func toItemJSON(it store.Item, codec keyCodec) itemJSON {
	return itemJSON{Key: codec.encode(it.Key), Owner: it.Owner.ID, Type: it.Type, Data: string(it.Data)}
}

func toQueryJSON(r *message.QueryReply, codec keyCodec) queryJSON {
	out := queryJSON{
		Found:      r.Found,
		Partial:    r.Partial,
		Hops:       r.Hops,
		Items:      make([]itemJSON, 0, len(r.Items)),
		Responders: make([]string, 0, len(r.Responders)),
	}
	for _, it := range r.Items {
		out.Items = append(out.Items, toItemJSON(it, codec))
	}
	for _, p := range r.Responders {
		out.Responders = append(out.Responders, p.ID)
	}
	return out
}

// routingJSON lists the references of the routing table.
type routingJSON struct {
	Local    routing.PeerRef     `json:"local"`
	Fidgets  []routing.PeerRef   `json:"fidgets"`
	Levels   [][]routing.PeerRef `json:"levels"`
	Replicas []routing.PeerRef   `json:"replicas"`
}

// healthHandler handles health check requests.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","path":%q}`, s.overlay.Local().Path)
}

func (s *Server) peerHandler(mux *runtime.ServeMux) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		respond(mux, w, r, http.StatusOK, s.overlay.Stats())
	}
}

func (s *Server) routingHandler(mux *runtime.ServeMux) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		snap := s.overlay.Table().Snapshot()
		respond(mux, w, r, http.StatusOK, routingJSON{
			Local:    snap.Local,
			Fidgets:  snap.Fidgets,
			Levels:   snap.Levels,
			Replicas: snap.Replicas,
		})
	}
}

func (s *Server) getItemHandler(mux *runtime.ServeMux) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		codec, err := keyCodecFor(r)
		if err != nil {
			fail(mux, w, r, err)
			return
		}
		key, err := codec.decode(params["key"])
		if err != nil {
			fail(mux, w, r, err)
			return
		}

		ctx, cancel := s.requestContext(r)
		defer cancel()

		reply, err := s.overlay.Lookup(ctx, key)
		if err != nil {
			fail(mux, w, r, err)
			return
		}
		code := http.StatusOK
		if !reply.Found {
			code = http.StatusNotFound
		}
		respond(mux, w, r, code, toQueryJSON(reply, codec))
	}
}

func (s *Server) putItemHandler(mux *runtime.ServeMux) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		codec, err := keyCodecFor(r)
		if err != nil {
			fail(mux, w, r, err)
			return
		}
		key, err := codec.decode(params["key"])
		if err != nil {
			fail(mux, w, r, err)
			return
		}

		data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
		if err != nil {
			fail(mux, w, r, status.Error(codes.InvalidArgument, err.Error()))
			return
		}
		if len(data) > maxBodySize {
			fail(mux, w, r, &runtime.HTTPStatusError{
				HTTPStatus: http.StatusRequestEntityTooLarge,
				Err:        status.Errorf(codes.ResourceExhausted, "value exceeds %d bytes", maxBodySize),
			})
			return
		}
		typ := r.URL.Query().Get("type")
		if typ == "" {
			typ = "text"
		}

		item, err := s.overlay.Publish(r.Context(), key, typ, data)
		if err != nil {
			fail(mux, w, r, err)
			return
		}
		respond(mux, w, r, http.StatusAccepted, toItemJSON(item, codec))
	}
}

func (s *Server) deleteItemHandler(mux *runtime.ServeMux) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		codec, err := keyCodecFor(r)
		if err != nil {
			fail(mux, w, r, err)
			return
		}
		key, err := codec.decode(params["key"])
		if err != nil {
			fail(mux, w, r, err)
			return
		}

		item := store.Item{Key: key, Owner: s.overlay.Local()}
		if err := s.overlay.Delete(r.Context(), []store.Item{item}); err != nil {
			fail(mux, w, r, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) rangeHandler(mux *runtime.ServeMux) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		codec, err := keyCodecFor(r)
		if err != nil {
			fail(mux, w, r, err)
			return
		}
		q := r.URL.Query()
		min, err := codec.decode(q.Get("min"))
		if err != nil {
			fail(mux, w, r, err)
			return
		}
		max, err := codec.decode(q.Get("max"))
		if err != nil {
			fail(mux, w, r, err)
			return
		}
		rng, err := keyspace.NewRange(min, max)
		if err != nil {
			fail(mux, w, r, status.Error(codes.InvalidArgument, err.Error()))
			return
		}

		ctx, cancel := s.requestContext(r)
		defer cancel()

		reply, err := s.overlay.Range(ctx, rng, q.Get("algorithm"))
		if err != nil {
			fail(mux, w, r, err)
			return
		}
		respond(mux, w, r, http.StatusOK, toQueryJSON(reply, codec))
	}
}

// storeHandler lists the items held locally under a key prefix, without
// querying the overlay.
func (s *Server) storeHandler(mux *runtime.ServeMux) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		codec, err := keyCodecFor(r)
		if err != nil {
			fail(mux, w, r, err)
			return
		}
		prefix := r.URL.Query().Get("prefix")
		if prefix != "" {
			if prefix, err = codec.decode(prefix); err != nil {
				fail(mux, w, r, err)
				return
			}
		}

		items, err := s.overlay.Store().Items(r.Context(), prefix)
		if err != nil {
			fail(mux, w, r, err)
			return
		}
		out := make([]itemJSON, 0, len(items))
		for _, it := range items {
			out = append(out, toItemJSON(it, codec))
		}
		respond(mux, w, r, http.StatusOK, out)
	}
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), s.timeout)
}

// keyCodec translates keys between the URL and the overlay.
type keyCodec struct {
	text bool
}

func keyCodecFor(r *http.Request) (keyCodec, error) {
	switch enc := r.URL.Query().Get("encoding"); enc {
	case "", EncodingBits:
		return keyCodec{}, nil
	case EncodingString:
		return keyCodec{text: true}, nil
	default:
		return keyCodec{}, status.Errorf(codes.InvalidArgument, "unknown key encoding %q", enc)
	}
}

func (c keyCodec) decode(raw string) (keyspace.Key, error) {
	key := raw
	if c.text {
		key = keyspace.FromString(raw)
	}
	if !keyspace.Valid(key) {
		return "", status.Errorf(codes.InvalidArgument, "invalid key %q", raw)
	}
	return key, nil
}

func (c keyCodec) encode(key keyspace.Key) string {
	if c.text {
		return keyspace.ToString(key)
	}
	return key
}

// respond writes v with the gateway's outbound marshaler.
func respond(mux *runtime.ServeMux, w http.ResponseWriter, r *http.Request, code int, v any) {
	_, out := runtime.MarshalerForRequest(mux, r)
	buf, err := out.Marshal(v)
	if err != nil {
		runtime.HTTPError(r.Context(), mux, out, w, r, status.Error(codes.Internal, err.Error()))
		return
	}
	w.Header().Set("Content-Type", out.ContentType(v))
	w.WriteHeader(code)
	_, _ = w.Write(buf)
}

// fail writes err through the gateway's error handler.
func fail(mux *runtime.ServeMux, w http.ResponseWriter, r *http.Request, err error) {
	_, out := runtime.MarshalerForRequest(mux, r)
	runtime.HTTPError(r.Context(), mux, out, w, r, err)
}

// errorHandler maps overlay errors to gRPC statuses, which the gateway turns
// into HTTP status codes.
func errorHandler(ctx context.Context, mux *runtime.ServeMux, m runtime.Marshaler, w http.ResponseWriter, r *http.Request, err error) {
	runtime.DefaultHTTPErrorHandler(ctx, mux, m, w, r, toStatus(err))
}

func toStatus(err error) error {
	var custom *runtime.HTTPStatusError
	if errors.As(err, &custom) {
		return err
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, pkg.ErrProtocolViolation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, pkg.ErrContextCanceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, pkg.ErrRoutingMismatch):
		return &runtime.HTTPStatusError{HTTPStatus: http.StatusBadGateway, Err: status.Error(codes.Unavailable, err.Error())}
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}
