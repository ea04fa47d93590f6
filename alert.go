package main

// This file defines pluggable alert handlers for indicator transitions.

import (
	"fmt"
	"net/smtp"
	"strings"
	"time"
)

// AlertHandler represents a mechanism that can send an alert when a
// controller's indicator changes.  Implementations may deliver notifications
// via email or other channels.  If an error is returned, the caller logs it
// but polling continues.
type AlertHandler interface {
	Name() string
	Wants(state SafetyState) bool
	Send(t Transition, logger *EventLogger) error
}

// alertFilter restricts a handler to unsafe transitions unless configured for
// "any".
type alertFilter struct {
	any bool
}

func (f alertFilter) Wants(state SafetyState) bool {
	return f.any || state == StateUnsafe
}

// LogAlert logs a simple message to the event logger.  This is the default
// alert handler if no other alerts are configured.
type LogAlert struct {
	alertFilter
}

// Name returns the type name of the alert handler.
func (LogAlert) Name() string { return "log" }

// Send writes an alert to the event log.
func (LogAlert) Send(t Transition, logger *EventLogger) error {
	logger.Log("alert: %s is %s (distance %.3fm)", t.Service, t.State, t.Distance)
	return nil
}

// EmailAlert sends an email via an SMTP server.  The subject defaults to
// "Proximity alert" if empty.
type EmailAlert struct {
	alertFilter
	SMTPServer string
	SMTPPort   int
	Username   string
	Password   string
	From       string
	To         string
	Subject    string

	// sendMail is smtp.SendMail unless replaced in tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// Name returns the type name of the alert handler.
func (EmailAlert) Name() string { return "email" }

// Send dispatches an email with a plaintext body describing the transition.
func (e EmailAlert) Send(t Transition, logger *EventLogger) error {
	subject := e.Subject
	if subject == "" {
		subject = "Proximity alert"
	}
	body := fmt.Sprintf("%s changed to %s at %s (distance %.3fm)", t.Service, t.State, t.At.Format(time.RFC3339), t.Distance)
	// Compose headers and body.  RFC 5322 requires CRLF line endings.
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", e.From, e.To, subject, body)
	addr := fmt.Sprintf("%s:%d", e.SMTPServer, e.SMTPPort)
	var auth smtp.Auth
	if e.Username != "" {
		auth = smtp.PlainAuth("", e.Username, e.Password, e.SMTPServer)
	}
	send := e.sendMail
	if send == nil {
		send = smtp.SendMail
	}
	if err := send(addr, auth, e.From, []string{e.To}, []byte(msg)); err != nil {
		return fmt.Errorf("send mail to %s: %w", e.To, err)
	}
	logger.Debugf("alert mail sent to %s", e.To)
	return nil
}

// initAlertHandlers constructs the alert handlers from configuration.  If
// none are configured, a single LogAlert is returned so that transitions to
// unsafe are always recorded.
func initAlertHandlers(cfgs []AlertConfig) ([]AlertHandler, error) {
	var handlers []AlertHandler
	for i, ac := range cfgs {
		var f alertFilter
		switch strings.ToLower(ac.On) {
		case "", "unsafe":
		case "any":
			f.any = true
		default:
			return nil, &ConfigError{Key: fmt.Sprintf("alerts[%d].on", i), Reason: fmt.Sprintf("must be \"unsafe\" or \"any\", got %q", ac.On)}
		}
		switch strings.ToLower(ac.Type) {
		case "log":
			handlers = append(handlers, LogAlert{alertFilter: f})
		case "email":
			if ac.SMTPServer == "" || ac.To == "" {
				return nil, &ConfigError{Key: fmt.Sprintf("alerts[%d]", i), Reason: "email alerts need smtp_server and to"}
			}
			port := ac.SMTPPort
			if port == 0 {
				port = 25
			}
			handlers = append(handlers, EmailAlert{
				alertFilter: f,
				SMTPServer:  ac.SMTPServer,
				SMTPPort:    port,
				Username:    ac.Username,
				Password:    ac.Password,
				From:        ac.From,
				To:          ac.To,
				Subject:     ac.Subject,
			})
		default:
			return nil, &ConfigError{Key: fmt.Sprintf("alerts[%d].type", i), Reason: fmt.Sprintf("unknown alert type %q", ac.Type)}
		}
	}
	if len(handlers) == 0 {
		handlers = append(handlers, LogAlert{})
	}
	return handlers, nil
}
