package liveserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var (
	websocketActiveConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "websocket_active_connections",
		Help: "Current number of active WebSocket connections",
	}, []string{"endpoint"})

	websocketRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "websocket_rejected_total",
		Help: "Total number of rejected WebSocket connections",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(websocketActiveConnections)
	prometheus.MustRegister(websocketRejectedTotal)
}

// IntentHandler receives decoded execution intents posted by the external
// scheduler. It must be quick; actual handling happens on a worker pool.
type IntentHandler func(ctx context.Context, body []byte) error

// Server exposes the read-only query surface over WebSocket plus the intent
// ingress endpoint.
type Server struct {
	hub            *Hub
	srv            *http.Server
	logger         Logger
	upgrader       websocket.Upgrader
	allowedOrigins []string
	intentHandler  IntentHandler
	healthCheck    func() bool
	mu             sync.Mutex

	maxConnections int
	connSemaphore  chan struct{}

	ipLimiters sync.Map // map[string]*rate.Limiter
	rateLimit  rate.Limit
	rateBurst  int
}

// NewServer creates a new Server.
func NewServer(hub *Hub, logger Logger, allowedOrigins []string) *Server {
	s := &Server{
		hub:            hub,
		logger:         logger,
		allowedOrigins: allowedOrigins,
		maxConnections: 1000,
		connSemaphore:  make(chan struct{}, 1000),
		rateLimit:      10.0, // connections per second per IP
		rateBurst:      20,
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	return s
}

// SetIntentHandler installs the callback for POST /intents.
func (s *Server) SetIntentHandler(h IntentHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intentHandler = h
}

// SetHealthCheck installs the callback for GET /healthz.
func (s *Server) SetHealthCheck(h func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthCheck = h
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		websocketRejectedTotal.WithLabelValues("missing_origin").Inc()
		return false
	}

	parsedOrigin, err := url.Parse(origin)
	if err != nil {
		websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
		return false
	}
	originStr := parsedOrigin.Scheme + "://" + parsedOrigin.Host

	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || originStr == allowed {
			return true
		}
	}

	if s.logger != nil {
		s.logger.Warn("Rejected WebSocket connection from unauthorized origin",
			"origin", origin, "remote_addr", r.RemoteAddr)
	}
	websocketRejectedTotal.WithLabelValues("unauthorized_origin").Inc()
	return false
}

func (s *Server) allowIP(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	limiterAny, _ := s.ipLimiters.LoadOrStore(host, rate.NewLimiter(s.rateLimit, s.rateBurst))
	return limiterAny.(*rate.Limiter).Allow()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.allowIP(r.RemoteAddr) {
		websocketRejectedTotal.WithLabelValues("rate_limited").Inc()
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	select {
	case s.connSemaphore <- struct{}{}:
	default:
		websocketRejectedTotal.WithLabelValues("max_connections").Inc()
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		<-s.connSemaphore
		if s.logger != nil {
			s.logger.Warn("WebSocket upgrade failed", "error", err)
		}
		return
	}

	client := NewClient(uuid.NewString())
	s.hub.Register(client)
	websocketActiveConnections.WithLabelValues("/ws").Inc()

	go func() {
		defer func() {
			s.hub.Unregister(client)
			conn.Close()
			<-s.connSemaphore
			websocketActiveConnections.WithLabelValues("/ws").Dec()
		}()

		for msg := range client.GetSendChan() {
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}()

	// Drain reads so control frames are processed; clients are read-only.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.Unregister(client)
				return
			}
		}
	}()
}

func (s *Server) handleIntents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.Lock()
	handler := s.intentHandler
	s.mu.Unlock()
	if handler == nil {
		http.Error(w, "intent ingress not ready", http.StatusServiceUnavailable)
		return
	}

	body := make([]byte, 0, 512)
	buf := make([]byte, 512)
	for {
		n, err := r.Body.Read(buf)
		body = append(body, buf[:n]...)
		if err != nil {
			break
		}
		if len(body) > 1<<16 {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
	}

	if err := handler(r.Context(), body); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	check := s.healthCheck
	s.mu.Unlock()

	if check != nil && !check() {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Start starts the HTTP server.
func (s *Server) Start(port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/intents", s.handleIntents)
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if s.logger != nil {
			s.logger.Info("Starting live server", "port", port)
		}
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.logger != nil {
				s.logger.Warn("Live server stopped", "error", err)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
