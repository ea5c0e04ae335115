// expiry_notifier.go implements the KeyExpiryNotifier background job, which
// periodically scans for credentials approaching their expiry date and sends
// a warning email to the owner. Notification state is persisted in the
// database (expiry_notified_at column) so emails are sent exactly once even
// across server restarts. The job is a no-op when notifications.enabled is
// false or when the SMTP host is not configured, so it is always safe to
// start regardless of deployment environment.
package jobs

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/keywarden/keywarden/internal/config"
	"github.com/keywarden/keywarden/internal/db/repositories"
	"github.com/keywarden/keywarden/internal/telemetry"
)

// KeyExpiryNotifier periodically emails owners whose credentials are about
// to expire.
type KeyExpiryNotifier struct {
	creds    *repositories.CredentialRepository
	cfg      *config.NotificationsConfig
	interval time.Duration
	stopChan chan struct{}
}

// NewKeyExpiryNotifier creates a new KeyExpiryNotifier. The check interval
// comes from notifications.key_expiry_check_interval_hours (default 24h).
func NewKeyExpiryNotifier(creds *repositories.CredentialRepository, cfg *config.NotificationsConfig) *KeyExpiryNotifier {
	hours := cfg.KeyExpiryCheckIntervalHours
	if hours <= 0 {
		hours = 24
	}
	return &KeyExpiryNotifier{
		creds:    creds,
		cfg:      cfg,
		interval: time.Duration(hours) * time.Hour,
		stopChan: make(chan struct{}),
	}
}

// Start begins the background expiry-notification loop.
// It runs an initial check immediately, then repeats on the configured
// interval. The loop exits when ctx is cancelled or Stop() is called.
func (n *KeyExpiryNotifier) Start(ctx context.Context) {
	if !n.cfg.Enabled {
		slog.Info("key expiry notifier disabled", "reason", "notifications.enabled=false")
		return
	}
	if n.cfg.SMTP.Host == "" {
		slog.Info("key expiry notifier disabled", "reason", "notifications.smtp.host not set")
		return
	}

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	slog.Info("key expiry notifier started",
		"check_interval", n.interval,
		"warning_days", n.cfg.KeyExpiryWarningDays)

	// Run once immediately on startup
	n.runCheck(ctx)

	for {
		select {
		case <-ticker.C:
			n.runCheck(ctx)
		case <-n.stopChan:
			slog.Info("key expiry notifier stopped")
			return
		case <-ctx.Done():
			slog.Info("key expiry notifier context cancelled")
			return
		}
	}
}

// Stop signals the background loop to exit.
func (n *KeyExpiryNotifier) Stop() {
	close(n.stopChan)
}

// runCheck queries for expiring credentials and sends notification emails.
// Owner IDs that are not email addresses are skipped; Keywarden has no user
// directory of its own, so an address-shaped owner id is the only delivery
// target it knows about.
func (n *KeyExpiryNotifier) runCheck(ctx context.Context) {
	warningDays := n.cfg.KeyExpiryWarningDays
	if warningDays <= 0 {
		warningDays = 7
	}

	creds, err := n.creds.FindExpiring(ctx, warningDays)
	if err != nil {
		slog.Error("key expiry notifier: failed to query expiring credentials", "error", err)
		return
	}

	if len(creds) == 0 {
		return
	}

	slog.Info("key expiry notifier: credentials approaching expiry", "count", len(creds))

	for _, cred := range creds {
		if !strings.Contains(cred.OwnerID, "@") {
			slog.Debug("key expiry notifier: owner id is not an email address, skipping",
				"credential_id", cred.ID, "owner_id", cred.OwnerID)
			continue
		}

		if err := n.sendExpiryEmail(cred.OwnerID, cred.Name, cred.Prefix, *cred.ExpiresAt); err != nil {
			slog.Error("key expiry notifier: failed to send email",
				"owner_id", cred.OwnerID, "credential_id", cred.ID, "error", err)
			continue
		}
		telemetry.KeyExpiryNoticesTotal.Inc()

		if err := n.creds.MarkExpiryNotified(ctx, cred.ID); err != nil {
			slog.Error("key expiry notifier: failed to mark notification sent",
				"credential_id", cred.ID, "error", err)
		}
	}
}

// sendExpiryEmail composes and delivers a plain-text warning email via SMTP.
func (n *KeyExpiryNotifier) sendExpiryEmail(toEmail, keyName, keyPrefix string, expiresAt time.Time) error {
	daysLeft := int(time.Until(expiresAt).Hours()/24) + 1
	if daysLeft < 0 {
		daysLeft = 0
	}

	label := keyName
	if label == "" {
		label = keyPrefix
	}

	subject := fmt.Sprintf("Action Required: API key '%s' expires in %d day(s)", label, daysLeft)
	body := strings.Join([]string{
		"Hello,",
		"",
		fmt.Sprintf("Your API key '%s' (prefix %s) will expire on %s (%d day(s) from now).",
			label, keyPrefix, expiresAt.UTC().Format(time.RFC1123), daysLeft),
		"",
		"To avoid service disruption, ask your administrator to issue a replacement",
		"key before the expiry date and update your integrations to use it.",
		"",
		"If you no longer need this key, no action is required.",
		"",
		"- Keywarden",
	}, "\r\n")

	smtpCfg := &n.cfg.SMTP
	headers := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n",
		smtpCfg.From, toEmail, subject,
	)
	msg := []byte(headers + body + "\r\n")

	addr := fmt.Sprintf("%s:%d", smtpCfg.Host, smtpCfg.Port)
	auth := smtp.PlainAuth("", smtpCfg.Username, smtpCfg.Password, smtpCfg.Host)

	if smtpCfg.UseTLS {
		return sendMailTLS(addr, smtpCfg.Host, auth, smtpCfg.From, []string{toEmail}, msg)
	}
	return smtp.SendMail(addr, auth, smtpCfg.From, []string{toEmail}, msg)
}

// sendMailTLS connects via implicit TLS (port 465 / SMTPS) and sends a message.
// Use this when UseTLS=true and the port is 465; for port 587 STARTTLS,
// smtp.SendMail handles the upgrade automatically. Both go through this path
// so the config is unambiguous: UseTLS=true always means an encrypted
// connection.
func sendMailTLS(addr, host string, auth smtp.Auth, from string, to []string, msg []byte) error {
	tlsConfig := &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		// Fall back to STARTTLS via the standard smtp.SendMail path (port 587 pattern)
		return smtp.SendMail(addr, auth, from, to, msg)
	}
	defer conn.Close()

	hostname, _, _ := net.SplitHostPort(addr)
	c, err := smtp.NewClient(conn, hostname)
	if err != nil {
		return fmt.Errorf("smtp new client: %w", err)
	}
	defer c.Quit() //nolint:errcheck

	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, addr := range to {
		if err := c.Rcpt(addr); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", addr, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	return w.Close()
}
