package notification

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"text/template"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/arsenis-cmd/AirAware/internal/protocol"
	"github.com/arsenis-cmd/AirAware/pkg/config"
)

// SendFunc delivers a rendered message; it has the signature of smtp.SendMail
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Recipients resolves the address a user's alerts go to
type Recipients interface {
	Recipient(ctx context.Context, userID string) (string, bool, error)
}

// EmailNotifier sends alert e-mails
type EmailNotifier struct {
	config     config.SMTPConfig
	recipients Recipients
	send       SendFunc
	now        func() time.Time
	logger     *zap.Logger
}

// Option configures an EmailNotifier
type Option func(*EmailNotifier)

// WithRecipients looks up a per-user address; config.To is the fallback
func WithRecipients(r Recipients) Option {
	return func(e *EmailNotifier) { e.recipients = r }
}

// WithSender replaces smtp.SendMail
func WithSender(send SendFunc) Option {
	return func(e *EmailNotifier) { e.send = send }
}

// NewEmailNotifier creates a new email notifier
func NewEmailNotifier(cfg config.SMTPConfig, opts ...Option) *EmailNotifier {
	e := &EmailNotifier{
		config: cfg,
		send:   smtp.SendMail,
		now:    time.Now,
		logger: zap.L().With(zap.String("component", "notification")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var alertTemplate = template.Must(template.New("alert").Parse(`
Air Quality Alert
=================

Metric: {{.Metric}}
Current Value: {{printf "%.1f" .Value}}
Threshold: {{printf "%.1f" .Threshold}}
Severity: {{.Severity}}
Location: {{printf "%.4f" .Latitude}}, {{printf "%.4f" .Longitude}}
Measured At: {{.Timestamp.Format "2006-01-02 15:04 MST"}}
Alert ID: {{.ID}}

{{if eq .Severity "danger"}}Air quality has reached a dangerous level near you. Stay indoors and
avoid physical exertion until it improves.{{else}}Air quality near you has crossed your warning threshold. Sensitive
groups should reduce prolonged outdoor exertion.{{end}}

---
AirAware Notification System
`))

// Subject renders the subject line for an alert
func Subject(ev *protocol.AlertEvent) string {
	level := "Warning"
	if ev.Severity == "danger" {
		level = "DANGER"
	}
	return fmt.Sprintf("AirAware %s: %s at %.1f", level, strings.ToUpper(ev.Metric), ev.Value)
}

// Render renders the plain-text body for an alert
func Render(ev *protocol.AlertEvent) (string, error) {
	var buf bytes.Buffer
	if err := alertTemplate.Execute(&buf, ev); err != nil {
		return "", eris.Wrap(err, "notification: render alert")
	}
	return buf.String(), nil
}

// Notify sends one alert. It implements alarming.Notifier, so the engine can
// deliver directly when no event bus is configured.
func (e *EmailNotifier) Notify(ctx context.Context, ev *protocol.AlertEvent) error {
	return e.SendAlert(ctx, ev)
}

// SendAlert renders and sends an alert e-mail
func (e *EmailNotifier) SendAlert(ctx context.Context, ev *protocol.AlertEvent) error {
	subject := Subject(ev)
	body, err := Render(ev)
	if err != nil {
		return err
	}

	// Skip sending if SMTP is not configured
	if !e.config.Configured() {
		e.logger.Info("smtp not configured, skipping email",
			zap.String("alert_id", ev.ID),
			zap.String("user_id", ev.UserID),
			zap.String("subject", subject))
		return nil
	}

	to := e.config.To
	if e.recipients != nil && ev.UserID != "" {
		addr, ok, err := e.recipients.Recipient(ctx, ev.UserID)
		if err != nil {
			return eris.Wrapf(err, "notification: recipient for %s", ev.UserID)
		}
		if ok {
			to = addr
		}
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", e.config.From)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "Date: %s\r\n", e.now().Format(time.RFC1123Z))
	msg.WriteString("\r\n")
	msg.WriteString(body)

	auth := smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)
	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	if err := e.send(addr, auth, e.config.From, []string{to}, []byte(msg.String())); err != nil {
		return eris.Wrap(err, "notification: send email")
	}

	e.logger.Info("email sent", zap.String("alert_id", ev.ID), zap.String("to", to))
	return nil
}

// TestConnection dials the SMTP server
func (e *EmailNotifier) TestConnection() error {
	if !e.config.Configured() {
		return eris.New("notification: smtp not configured")
	}

	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	client, err := smtp.Dial(addr)
	if err != nil {
		return eris.Wrap(err, "notification: connect to smtp server")
	}
	defer client.Close()
	return nil
}
