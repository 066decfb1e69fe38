package notify

import (
	"context"
	"fmt"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/heliosarchitect/openclaw-sub001/internal/config"
	"github.com/heliosarchitect/openclaw-sub001/internal/insights"
)

// SMTPDigest mails batched insight digests.
type SMTPDigest struct {
	host string
	port int
	user string
	pass string
	from string
	to   string

	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPDigest creates an SMTP digest sink from channel config.
func NewSMTPDigest(cfg config.SMTPConfig) *SMTPDigest {
	return &SMTPDigest{
		host:     strings.TrimSpace(cfg.Host),
		port:     cfg.Port,
		user:     strings.TrimSpace(cfg.User),
		pass:     cfg.Pass,
		from:     strings.TrimSpace(cfg.From),
		to:       strings.TrimSpace(cfg.To),
		sendMail: smtp.SendMail,
	}
}

// Available returns true if SMTP config is complete.
func (s *SMTPDigest) Available() bool {
	if s == nil {
		return false
	}
	return s.host != "" && s.port > 0 && s.from != "" && s.to != ""
}

// Deliver implements insights.Channel.
func (s *SMTPDigest) Deliver(ctx context.Context, msg insights.Message) error {
	if !s.Available() {
		return ErrUnavailable
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	fromAddr, err := extractAddress(s.from)
	if err != nil {
		return fmt.Errorf("invalid from address: %w", err)
	}
	toAddr, err := extractAddress(s.to)
	if err != nil {
		return fmt.Errorf("invalid recipient address: %w", err)
	}

	body := buildEmailMessage(s.from, s.to, "[predictd] "+msg.Title, digestBody(msg))
	addr := s.host + ":" + strconv.Itoa(s.port)

	var auth smtp.Auth
	if s.user != "" && s.pass != "" {
		auth = smtp.PlainAuth("", s.user, s.pass, s.host)
	}

	// net/smtp has no context support; run it aside so cancellation returns.
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.sendMail(addr, auth, fromAddr, []string{toAddr}, []byte(body))
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("smtp send failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func digestBody(msg insights.Message) string {
	var b strings.Builder
	b.WriteString(msg.Body)
	b.WriteString("\n\n")
	for _, ins := range msg.Insights {
		fmt.Fprintf(&b, "%s  %s (%s, score %.2f)\n", ins.GeneratedAt.Format(time.RFC3339), ins.Title, ins.SourceID, ins.UrgencyScore)
		if ins.Body != "" {
			b.WriteString("    ")
			b.WriteString(ins.Body)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func extractAddress(raw string) (string, error) {
	parsed, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	return parsed.Address, nil
}

func buildEmailMessage(from, to, subject, body string) string {
	headers := []string{
		"From: " + from,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
	}
	return strings.Join(headers, "\r\n") + "\r\n\r\n" + body
}
