// Package countdown is a reference implementation of the target service: a
// per-user countdown push stream, a save-answers endpoint that only accepts
// connected users, and a connected-users probe.
package countdown

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultStart = 360
	DefaultTick  = time.Second
)

// Config tunes the reference server.
type Config struct {
	// Start is the first value sent on each stream; the stream counts down to 0.
	Start int
	// Tick is the interval between countdown values.
	Tick time.Duration
	// WriteDelay, when set, is consulted before answering each save-answers
	// request so slow-write handling can be exercised.
	WriteDelay func() time.Duration
	Logger     *zap.Logger
}

// Server serves the countdown contract.
type Server struct {
	cfg Config
	log *zap.Logger

	mu    sync.Mutex
	users map[string]int
}

// New returns a Server with defaults applied.
func New(cfg Config) *Server {
	if cfg.Start < 0 {
		cfg.Start = 0
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{cfg: cfg, log: logger, users: make(map[string]int)}
}

// Handler returns the HTTP routes of the target contract.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync-timer", s.handleSyncTimer)
	mux.HandleFunc("/save-answers", s.handleSaveAnswers)
	mux.HandleFunc("/connected-users", s.handleConnectedUsers)
	return mux
}

// Connected returns the number of distinct users with an open stream.
func (s *Server) Connected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

func (s *Server) addUser(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id]++
}

func (s *Server) removeUser(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users[id] <= 1 {
		delete(s.users, id)
		return
	}
	s.users[id]--
}

func (s *Server) hasUser(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[id] > 0
}

func (s *Server) handleSyncTimer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// A user counts as connected before the handshake response is sent.
	s.addUser(userID)
	defer s.removeUser(userID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	s.log.Debug("stream opened", zap.String("user_id", userID))

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for i := s.cfg.Start; i >= 0; i-- {
		if _, err := fmt.Fprintf(w, "data: %d\n\n", i); err != nil {
			s.log.Debug("stream write failed", zap.String("user_id", userID), zap.Error(err))
			return
		}
		flusher.Flush()
		if i == 0 {
			break
		}
		select {
		case <-r.Context().Done():
			s.log.Debug("stream closed by client", zap.String("user_id", userID))
			return
		case <-ticker.C:
		}
	}
	s.log.Debug("countdown finished", zap.String("user_id", userID))
}

func (s *Server) handleSaveAnswers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.WriteDelay != nil {
		if d := s.cfg.WriteDelay(); d > 0 {
			select {
			case <-time.After(d):
			case <-r.Context().Done():
				return
			}
		}
	}

	userID := r.URL.Query().Get("userId")
	if !s.hasUser(userID) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleConnectedUsers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(strconv.Itoa(s.Connected())))
}
