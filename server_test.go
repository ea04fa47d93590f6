package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type testServer struct {
	t      *testing.T
	srv    *Server
	host   *Host
	cfgMgr *ConfigManager
	ts     *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	cfg := hostConfig()
	cfg.LogFile = filepath.Join(dir, "events.log")
	cfg.Services[0].Attributes["auto_start"] = false
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg.Users = []User{
		{Username: "admin", PasswordHash: string(hash), Admin: true},
		{Username: "viewer", PasswordHash: string(hash)},
	}
	path := filepath.Join(dir, "config.json")
	writeConfig(t, path, cfg)

	cm := NewConfigManager(path)
	require.NoError(t, cm.Load())
	logger := NewEventLogger(cfg.LogFile, false)
	host, err := NewHost(cm.Get(), logger)
	require.NoError(t, err)
	srv := NewServer(cm, host, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		host.Close()
	})
	return &testServer{t: t, srv: srv, host: host, cfgMgr: cm, ts: ts}
}

func (s *testServer) login(user string) string {
	s.t.Helper()
	resp, err := http.Post(s.ts.URL+"/api/login", "application/json",
		strings.NewReader(`{"username":"`+user+`","password":"secret"}`))
	require.NoError(s.t, err)
	defer resp.Body.Close()
	require.Equal(s.t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(s.t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(s.t, body["token"])
	return body["token"]
}

func (s *testServer) do(method, path, token, body string) *http.Response {
	s.t.Helper()
	req, err := http.NewRequest(method, s.ts.URL+path, strings.NewReader(body))
	require.NoError(s.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	s.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServer_RequiresAuth(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusUnauthorized, s.do("GET", "/api/status", "", "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, s.do("GET", "/api/status", "bogus", "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, s.do("POST", "/api/services/proximity/command", "", `{"start":{}}`).StatusCode)
}

func TestServer_BadLogin(t *testing.T) {
	s := newTestServer(t)
	resp := s.do("POST", "/api/login", "", `{"username":"admin","password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = s.do("POST", "/api/login", "", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_LoginSetsCookie(t *testing.T) {
	s := newTestServer(t)
	resp := s.do("POST", "/api/login", "", `{"username":"viewer","password":"secret"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookie {
			cookie = c
		}
	}
	require.NotNil(t, cookie)

	req, err := http.NewRequest("GET", s.ts.URL+"/api/status", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: cookie.Value})
	statusResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer statusResp.Body.Close()
	assert.Equal(t, http.StatusOK, statusResp.StatusCode)
}

func TestServer_CommandStartsAndStops(t *testing.T) {
	s := newTestServer(t)
	token := s.login("viewer")

	resp := s.do("POST", "/api/services/proximity/command", token, `{"start":{},"jump":{}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, map[string]bool{"start": true, "jump": false}, result)

	c, _ := s.host.Controller("proximity")
	require.Eventually(t, func() bool { return c.Status().Ticks > 0 }, waitFor, tick)

	resp = s.do("GET", "/api/status", token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var statuses []Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&statuses))
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Running)

	resp = s.do("POST", "/api/services/proximity/command", token, `{"stop":null}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, c.Status().Running)
}

func TestServer_CommandErrors(t *testing.T) {
	s := newTestServer(t)
	token := s.login("viewer")
	assert.Equal(t, http.StatusNotFound, s.do("POST", "/api/services/garage/command", token, `{"start":{}}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, s.do("POST", "/api/services/proximity/command", token, `[1,2]`).StatusCode)
}

func TestServer_AdminOnlyEndpoints(t *testing.T) {
	s := newTestServer(t)
	viewer := s.login("viewer")
	assert.Equal(t, http.StatusForbidden, s.do("POST", "/api/reload", viewer, "").StatusCode)
	assert.Equal(t, http.StatusForbidden, s.do("GET", "/api/logs", viewer, "").StatusCode)

	admin := s.login("admin")
	assert.Equal(t, http.StatusNoContent, s.do("POST", "/api/reload", admin, "").StatusCode)

	resp := s.do("GET", "/api/logs?lines=2", admin, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var lines []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&lines))
	assert.Len(t, lines, 2)
}

func TestServer_ReloadAppliesNewConfig(t *testing.T) {
	s := newTestServer(t)
	admin := s.login("admin")

	cfg, err := readConfig(s.cfgMgr.path)
	require.NoError(t, err)
	cfg.Services[0].Attributes["safe_distance"] = "0.4"
	writeConfig(t, s.cfgMgr.path, cfg)
	require.Equal(t, http.StatusNoContent, s.do("POST", "/api/reload", admin, "").StatusCode)
	c, _ := s.host.Controller("proximity")
	assert.InDelta(t, 0.4, c.Status().SafeDistance, 1e-9)

	delete(cfg.Services[0].Attributes, "red_pin")
	writeConfig(t, s.cfgMgr.path, cfg)
	assert.Equal(t, http.StatusUnprocessableEntity, s.do("POST", "/api/reload", admin, "").StatusCode)
	assert.InDelta(t, 0.4, c.Status().SafeDistance, 1e-9)
}

func TestServer_Logout(t *testing.T) {
	s := newTestServer(t)
	token := s.login("viewer")
	assert.Equal(t, http.StatusNoContent, s.do("POST", "/api/logout", token, "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, s.do("GET", "/api/status", token, "").StatusCode)
}

func TestServer_ReloadSwitchesEventLog(t *testing.T) {
	s := newTestServer(t)
	admin := s.login("admin")

	cfg, err := readConfig(s.cfgMgr.path)
	require.NoError(t, err)
	cfg.LogFile = filepath.Join(t.TempDir(), "moved.log")
	cfg.Debug = true
	writeConfig(t, s.cfgMgr.path, cfg)
	require.Equal(t, http.StatusNoContent, s.do("POST", "/api/reload", admin, "").StatusCode)

	s.srv.logger.Debugf("after reload")
	lines, err := s.srv.logger.Tail(0)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "configuration reloaded by admin")
	assert.Contains(t, lines[1], "debug: after reload")
}

func TestServer_ReloadEndsSessionsOfRemovedUsers(t *testing.T) {
	s := newTestServer(t)
	admin := s.login("admin")
	viewer := s.login("viewer")

	cfg, err := readConfig(s.cfgMgr.path)
	require.NoError(t, err)
	cfg.Users = cfg.Users[:1]
	writeConfig(t, s.cfgMgr.path, cfg)
	require.Equal(t, http.StatusNoContent, s.do("POST", "/api/reload", admin, "").StatusCode)

	assert.Equal(t, http.StatusUnauthorized, s.do("GET", "/api/status", viewer, "").StatusCode)
	assert.Equal(t, http.StatusOK, s.do("GET", "/api/status", admin, "").StatusCode)
	assert.Equal(t, 1, s.srv.sessions.Len())
}
