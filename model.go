package main

// ComponentConfig describes a board or sensor built by the component registry.
// Type is "board" or "sensor"; Model selects the driver (e.g. "periph",
// "hc-sr04", "serial", "fake").  Attributes are model specific.
type ComponentConfig struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Model      string         `json:"model"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// ServiceConfig describes one proximity alert controller.  Attributes are
// validated by ParseSettings before the controller is built.
type ServiceConfig struct {
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes"`
}

// User represents an account that can log in to the API.
// Passwords are stored as bcrypt hashes.  The Admin flag allows reloading
// configuration and reading the event log.
type User struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
	Admin        bool   `json:"admin"`
}

// AlertConfig selects an alert handler.  Type is "log" or "email".  On is
// "unsafe" (the default) or "any".
type AlertConfig struct {
	Type       string `json:"type"`
	On         string `json:"on,omitempty"`
	SMTPServer string `json:"smtp_server,omitempty"`
	SMTPPort   int    `json:"smtp_port,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	Subject    string `json:"subject,omitempty"`
}

// Config is the top‑level structure serialized to config.json.
type Config struct {
	HTTPPort   int               `json:"http_port"` // port to listen on (default 8443)
	CertFile   string            `json:"cert_file"` // path to PEM encoded certificate
	KeyFile    string            `json:"key_file"`  // path to PEM encoded key
	LogFile    string            `json:"log_file"`
	Debug      bool              `json:"debug"`
	Users      []User            `json:"users"`
	Components []ComponentConfig `json:"components"`
	Services   []ServiceConfig   `json:"services"`
	Alerts     []AlertConfig     `json:"alerts"`
}
