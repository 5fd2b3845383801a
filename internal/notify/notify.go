// Package notify translates terminal pipeline events into operator
// notifications. Delivery is strictly best-effort: a transport failure is
// logged and swallowed, never surfaced to the scan loop or the state store.
package notify

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/seqops/autoseq/internal/discovery"
	"github.com/seqops/autoseq/internal/pipeline"
	"github.com/seqops/autoseq/internal/state"
)

// Notifier delivers one terminal-state notification.
type Notifier interface {
	Notify(run discovery.Run, def pipeline.Definition, status state.Status, exitCode int) error
}

// NotifierFunc adapts a function into a Notifier.
type NotifierFunc func(discovery.Run, pipeline.Definition, state.Status, int) error

// Notify executes f.
func (f NotifierFunc) Notify(run discovery.Run, def pipeline.Definition, status state.Status, exitCode int) error {
	if f == nil {
		return nil
	}
	return f(run, def, status, exitCode)
}

// SMTPNotifier sends plain-text completion emails. No third-party mail
// client is involved; the messages are single-part text.
type SMTPNotifier struct {
	addr       string
	from       string
	recipients []string
	send       func(addr, from string, to []string, msg []byte) error
}

// NewSMTPNotifier creates a notifier for the given SMTP relay.
func NewSMTPNotifier(host string, port int, from string, recipients []string) (*SMTPNotifier, error) {
	if host == "" || from == "" || len(recipients) == 0 {
		return nil, fmt.Errorf("notify: smtp host, from, and recipients are required")
	}
	return &SMTPNotifier{
		addr:       fmt.Sprintf("%s:%d", host, port),
		from:       from,
		recipients: recipients,
		send: func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		},
	}, nil
}

// Notify sends one message describing the terminal state.
func (n *SMTPNotifier) Notify(run discovery.Run, def pipeline.Definition, status state.Status, exitCode int) error {
	subject := fmt.Sprintf("autoseq: %s %s for %s", def.Key(), status, run.ID)
	body := fmt.Sprintf("Run: %s\nPipeline: %s\nStatus: %s\nExit code: %d\nRun directory: %s\n",
		run.ID, def.Key(), status, exitCode, run.Path)
	msg := strings.Join([]string{
		"From: " + n.from,
		"To: " + strings.Join(n.recipients, ", "),
		"Subject: " + subject,
		"",
		body,
	}, "\r\n")
	if err := n.send(n.addr, n.from, n.recipients, []byte(msg)); err != nil {
		return fmt.Errorf("notify: send to %s: %w", n.addr, err)
	}
	return nil
}

// Logger matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

// Adapter wraps a Notifier with the swallow-and-log policy the scan loop
// relies on. A nil inner notifier disables notification entirely.
type Adapter struct {
	inner Notifier
	log   Logger
}

// NewAdapter wires the adapter.
func NewAdapter(inner Notifier, log Logger) *Adapter {
	return &Adapter{inner: inner, log: log}
}

// Notify delivers best-effort and reports (but never returns) failure. The
// boolean lets the engine emit a notification_failed event.
func (a *Adapter) Notify(run discovery.Run, def pipeline.Definition, status state.Status, exitCode int) bool {
	if a == nil || a.inner == nil {
		return true
	}
	if err := a.inner.Notify(run, def, status, exitCode); err != nil {
		if a.log != nil {
			a.log.Printf("notification failed for %s %s: %v", run.ID, def.Key(), err)
		}
		return false
	}
	return true
}
