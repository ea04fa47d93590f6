package main

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	sessionCookie = "session"
	sessionTTL    = 24 * time.Hour
	sessionIDSize = 32
)

// hashPassword returns the bcrypt hash stored in the config file.  It panics
// because the only failure is a password longer than bcrypt accepts, which
// the default config never produces.
func hashPassword(password string) string {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return string(hash)
}

func checkPasswordHash(password, hash string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// Session is a logged-in API client.
type Session struct {
	Username string
	Expires  time.Time
}

func (s Session) expired(now time.Time) bool { return !now.Before(s.Expires) }

// SessionStore keeps API sessions in memory; a restart logs everyone out.
// Sessions end when they expire, on logout, or when a reload drops their
// user from the configuration.
type SessionStore struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]Session
}

// NewSessionStore returns an empty store whose sessions last ttl.
func NewSessionStore(ttl time.Duration) *SessionStore {
	return &SessionStore{ttl: ttl, now: time.Now, sessions: make(map[string]Session)}
}

// Create starts a session for username and returns its ID.
func (st *SessionStore) Create(username string) (string, Session, error) {
	buf := make([]byte, sessionIDSize)
	if _, err := rand.Read(buf); err != nil {
		return "", Session{}, err
	}
	id := base64.RawURLEncoding.EncodeToString(buf)
	sess := Session{Username: username, Expires: st.now().Add(st.ttl)}

	st.mu.Lock()
	st.sessions[id] = sess
	st.mu.Unlock()
	return id, sess, nil
}

// Lookup returns the live session with the given ID.
func (st *SessionStore) Lookup(id string) (Session, bool) {
	st.mu.RLock()
	sess, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok || sess.expired(st.now()) {
		return Session{}, false
	}
	return sess, true
}

// End removes a session.
func (st *SessionStore) End(id string) {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
}

// Purge drops expired sessions and returns how many went.
func (st *SessionStore) Purge() int {
	now := st.now()
	return st.drop(func(s Session) bool { return s.expired(now) })
}

// Retain drops the sessions of users for which keep returns false.
func (st *SessionStore) Retain(keep func(username string) bool) int {
	return st.drop(func(s Session) bool { return !keep(s.Username) })
}

func (st *SessionStore) drop(match func(Session) bool) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for id, s := range st.sessions {
		if match(s) {
			delete(st.sessions, id)
			n++
		}
	}
	return n
}

// Len returns the number of stored sessions, including expired ones not yet
// purged.
func (st *SessionStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// sessionID extracts the session ID from the "session" cookie or, for
// command line clients, from an "Authorization: Bearer" header.
func sessionID(r *http.Request) (string, bool) {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value, true
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && token != "" {
		return token, true
	}
	return "", false
}
