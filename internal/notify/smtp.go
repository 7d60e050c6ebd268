package notify

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"sensorpulse/internal/config"
	"sensorpulse/internal/models"
)

// SMTPNotifier emails alerts to their notify target.
type SMTPNotifier struct {
	addr     string
	host     string
	from     string
	username string
	password string
}

func NewSMTPNotifier(cfg config.SMTPConfig) *SMTPNotifier {
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	return &SMTPNotifier{
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		host:     cfg.Host,
		from:     cfg.From,
		username: cfg.Username,
		password: cfg.Password,
	}
}

// Notify sends one plain-text email. STARTTLS is used when the server offers it.
func (n *SMTPNotifier) Notify(ctx context.Context, alert models.AlertHistory) error {
	to := strings.TrimSpace(alert.NotifyTarget)
	if to == "" {
		return ErrNoTarget
	}

	var auth sasl.Client
	if n.username != "" {
		auth = sasl.NewPlainClient("", n.username, n.password)
	}

	msg := n.message(to, alert, time.Now())
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(n.addr, auth, n.from, []string{to}, strings.NewReader(msg))
	}()

	select {
	case err := <-done:
		if err != nil {
			return errors.Wrapf(err, "send alert %d to %s", alert.ID, to)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *SMTPNotifier) message(to string, alert models.AlertHistory, now time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", n.from)
	fmt.Fprintf(&sb, "To: %s\r\n", to)
	fmt.Fprintf(&sb, "Subject: %s\r\n", subject(alert))
	fmt.Fprintf(&sb, "Date: %s\r\n", now.Format(time.RFC1123Z))
	fmt.Fprintf(&sb, "Message-ID: <%s@%s>\r\n", uuid.NewString(), n.host)
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body(alert))
	return sb.String()
}
