package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Server exposes the controllers over an HTTPS JSON API.
type Server struct {
	cfgMgr   *ConfigManager
	host     *Host
	sessions *SessionStore
	logger   *EventLogger

	// forceDebug keeps debug logging on across reloads (-debug flag).
	forceDebug bool

	mu  sync.Mutex
	srv *http.Server
}

// NewServer constructs a Server for the given host.
func NewServer(cfgMgr *ConfigManager, host *Host, logger *EventLogger) *Server {
	return &Server{
		cfgMgr:   cfgMgr,
		host:     host,
		sessions: NewSessionStore(sessionTTL),
		logger:   logger,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.HandleFunc("GET /api/status", s.withAuth(s.handleStatus))
	mux.HandleFunc("POST /api/services/{name}/command", s.withAuth(s.handleCommand))
	mux.HandleFunc("POST /api/reload", s.withAuth(s.handleReload))
	mux.HandleFunc("GET /api/logs", s.withAuth(s.handleLogs))
	return mux
}

// Start launches the HTTPS server.  It blocks until the server shuts down
// and returns nil after a clean Shutdown.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.cfgMgr.Get()
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)

	// TLS configuration: use modern defaults
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()
	go s.purgeSessions(ctx)

	s.logger.Log("listening on https://0.0.0.0%s", addr)
	err := srv.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Reload re-reads the configuration file and applies it to the host.  The
// event log follows the new log_file and debug settings, and sessions of
// users no longer configured end.
func (s *Server) Reload() error {
	err := s.cfgMgr.Reload(func(cfg Config) error {
		if err := s.host.Apply(cfg); err != nil {
			return err
		}
		s.logger.Configure(cfg.LogFile, cfg.Debug || s.forceDebug)
		users := make(map[string]bool, len(cfg.Users))
		for _, u := range cfg.Users {
			users[u.Username] = true
		}
		if n := s.sessions.Retain(func(name string) bool { return users[name] }); n > 0 {
			s.logger.Log("ended %d sessions of removed users", n)
		}
		return nil
	})
	if err != nil {
		s.logger.Errorf("reload: %v", err)
	}
	return err
}

func (s *Server) purgeSessions(ctx context.Context) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.sessions.Purge(); n > 0 {
				s.logger.Debugf("purged %d expired sessions, %d active", n, s.sessions.Len())
			}
		}
	}
}

// withAuth wraps handlers that require a valid session.  If the request
// carries a valid session, it calls the underlying handler with the user;
// otherwise it responds with 401.
func (s *Server) withAuth(handler func(http.ResponseWriter, *http.Request, User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := sessionID(r)
		if !ok {
			http.Error(w, "unauthenticated", http.StatusUnauthorized)
			return
		}
		sess, ok := s.sessions.Lookup(id)
		if !ok {
			http.Error(w, "session expired", http.StatusUnauthorized)
			return
		}
		user, _ := s.cfgMgr.FindUser(sess.Username)
		if user.Username == "" {
			http.Error(w, "unknown user", http.StatusUnauthorized)
			return
		}
		handler(w, r, user)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleLogin authenticates a user and sets a session cookie.  Expected JSON:
// {"username":"...","password":"..."}.  The session ID is also returned in
// the body for use as a bearer token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	user, err := s.cfgMgr.Authenticate(creds.Username, creds.Password)
	if err != nil {
		s.logger.Log("failed login for %q", creds.Username)
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	sessID, sess, err := s.sessions.Create(user.Username)
	if err != nil {
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sessID,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
		Expires:  sess.Expires,
	})
	s.logger.Log("login %s", user.Username)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "token": sessID})
}

// handleLogout deletes the session.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if id, ok := sessionID(r); ok {
		s.sessions.End(id)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		Expires:  time.Unix(0, 0),
	})
	s.logger.Log("logout")
	w.WriteHeader(http.StatusNoContent)
}

// handleStatus returns the status of every service.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, user User) {
	writeJSON(w, http.StatusOK, s.host.Statuses())
}

// handleCommand passes a command map to a service, e.g. {"start":{}} or
// {"stop":{}}, and returns the per-command result.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, user User) {
	name := r.PathValue("name")
	c, ok := s.host.Controller(name)
	if !ok {
		http.Error(w, "service not found", http.StatusNotFound)
		return
	}
	var cmd map[string]any
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	result := c.DoCommand(r.Context(), cmd)
	s.logger.Log("command %v on %s by %s", result, name, user.Username)
	writeJSON(w, http.StatusOK, result)
}

// handleReload re-reads the configuration file.  Admins only.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request, user User) {
	if !user.Admin {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if err := s.Reload(); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	s.logger.Log("configuration reloaded by %s", user.Username)
	w.WriteHeader(http.StatusNoContent)
}

// handleLogs returns the event log.  Admins only.  Accepts optional query
// parameter `lines=n` to limit number of lines returned.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request, user User) {
	if !user.Admin {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	limit := 200
	if linesParam := r.URL.Query().Get("lines"); linesParam != "" {
		if n, err := strconv.Atoi(linesParam); err == nil && n > 0 {
			limit = n
		}
	}
	lines, err := s.logger.Tail(limit)
	if err != nil {
		http.Error(w, "log not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, lines)
}
