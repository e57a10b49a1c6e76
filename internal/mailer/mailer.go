// Package mailer delivers alert mails over SMTP.
//
// Delivery is best-effort by design: the escalation workflow treats a
// failed send exactly like a sent-but-ignored mail, so the mailer reports
// errors and never retries. Outbound sends share a rate limiter to keep a
// flapping fleet from hammering the relay.
package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"

	"golang.org/x/time/rate"
)

// Config holds SMTP and acknowledgement-link configuration.
type Config struct {
	// Server and Port locate the SMTP relay.
	Server string
	Port   int

	// Username and Password authenticate against the relay; Username is
	// also the From address.
	Username string
	Password string

	// AppHost and AppPort build the acknowledgement URL embedded in alerts.
	AppHost string
	AppPort int

	// RatePerMinute caps outbound sends (default: 60).
	RatePerMinute int
}

// Mailer sends templated alert mails to one address at a time.
type Mailer struct {
	config  Config
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a mailer.
func New(config Config, logger *slog.Logger) *Mailer {
	perMinute := config.RatePerMinute
	if perMinute == 0 {
		perMinute = 60
	}
	return &Mailer{
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 1),
		logger:  logger.With("component", "mailer"),
	}
}

// AckURL returns the acknowledgement link for a notification.
func (m *Mailer) AckURL(notificationID int64, primaryAdmin bool) string {
	return fmt.Sprintf("http://%s/receive_alert?notification_id=%d&primary_admin=%t",
		net.JoinHostPort(m.config.AppHost, strconv.Itoa(m.config.AppPort)),
		notificationID, primaryAdmin,
	)
}

// SendAlert mails an alert for the target URL to a single administrator,
// embedding the acknowledgement link for the notification.
func (m *Mailer) SendAlert(ctx context.Context, to, targetURL string, notificationID int64, primaryAdmin bool) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	subject := "Alert"
	body := fmt.Sprintf("Alert for %s. Click %s to acknowledge.",
		targetURL, m.AckURL(notificationID, primaryAdmin))

	m.logger.Info("sending alert mail",
		"to", to,
		"notification_id", notificationID,
		"primary_admin", primaryAdmin,
	)

	if err := m.send(to, subject, body); err != nil {
		return err
	}

	m.logger.Info("alert mail sent", "to", to, "notification_id", notificationID)
	return nil
}

// send performs one SMTP conversation: connect, STARTTLS, authenticate,
// deliver. A fresh connection per mail keeps the mailer free of shared
// connection state; volume is bounded by the rate limiter anyway.
func (m *Mailer) send(to, subject, body string) error {
	addr := net.JoinHostPort(m.config.Server, strconv.Itoa(m.config.Port))

	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("connecting to SMTP server: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: m.config.Server}); err != nil {
			return fmt.Errorf("starting TLS: %w", err)
		}
	}

	if m.config.Username != "" {
		auth := smtp.PlainAuth("", m.config.Username, m.config.Password, m.config.Server)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("authenticating: %w", err)
		}
	}

	if err := client.Mail(m.config.Username); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		m.config.Username, to, subject, body)
	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing message: %w", err)
	}

	return client.Quit()
}
