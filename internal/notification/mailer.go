package notification

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"github.com/jordan-wright/email"
)

// DefaultSMTPPort is used when a mail configuration omits the port.
const DefaultSMTPPort = 587

// SMTPConfig is the runtime mail transport configuration with the password
// already decrypted. Never persisted in this form.
type SMTPConfig struct {
	Username string
	Password string
	Host     string
	Port     int
	SSL      bool
}

// Addr returns the host:port dial address.
func (c SMTPConfig) Addr() string {
	port := c.Port
	if port == 0 {
		port = DefaultSMTPPort
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

// Message is one outgoing notification mail.
type Message struct {
	From    string
	To      []string
	Subject string
	Body    string
}

// SendResult records which recipients the transport took and which it
// refused. Both lists surface to the HTTP caller and the logs.
type SendResult struct {
	Accepted []string `json:"accepted"`
	Rejected []string `json:"rejected"`
}

// Mailer abstracts the outgoing mail transport so the engine can be tested
// without an SMTP server, and so a proposed configuration can be verified
// before it replaces the active one.
type Mailer interface {
	// Verify checks that the transport in cfg is reachable and accepts
	// the credentials.
	Verify(cfg SMTPConfig) error

	// Send delivers the message, one recipient at a time, and reports
	// which recipients were accepted and which rejected.
	Send(cfg SMTPConfig, msg Message) (SendResult, error)
}

// SMTPMailer sends real mail over SMTP with STARTTLS (or implicit TLS when
// the configuration asks for SSL).
type SMTPMailer struct {
	// DialTimeout bounds the connectivity check in Verify.
	DialTimeout time.Duration
}

// NewSMTPMailer creates a mailer with a 10 second verification timeout.
func NewSMTPMailer() *SMTPMailer {
	return &SMTPMailer{DialTimeout: 10 * time.Second}
}

// Verify dials the SMTP server and runs the handshake up to a successful
// AUTH, without sending any mail.
func (m *SMTPMailer) Verify(cfg SMTPConfig) error {
	conn, err := net.DialTimeout("tcp", cfg.Addr(), m.DialTimeout)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", cfg.Addr(), err)
	}

	if cfg.SSL {
		conn = tls.Client(conn, &tls.Config{ServerName: cfg.Host})
	}

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake with %s: %w", cfg.Host, err)
	}
	defer client.Close()

	if !cfg.SSL {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
				return fmt.Errorf("starttls with %s: %w", cfg.Host, err)
			}
		}
	}

	if cfg.Username != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("authenticating %s: %w", cfg.Username, err)
		}
	}

	return client.Quit()
}

// Send delivers the message one recipient at a time so a single refused
// address does not lose the mail for everyone else.
func (m *SMTPMailer) Send(cfg SMTPConfig, msg Message) (SendResult, error) {
	auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	tlsCfg := &tls.Config{ServerName: cfg.Host}

	var result SendResult
	var lastErr error

	for _, to := range msg.To {
		e := email.NewEmail()
		e.From = msg.From
		e.To = []string{to}
		e.Subject = msg.Subject
		e.Text = []byte(msg.Body)

		var err error
		if cfg.SSL {
			err = e.SendWithTLS(cfg.Addr(), auth, tlsCfg)
		} else {
			err = e.SendWithStartTLS(cfg.Addr(), auth, tlsCfg)
		}

		if err != nil {
			result.Rejected = append(result.Rejected, to)
			lastErr = err
			continue
		}
		result.Accepted = append(result.Accepted, to)
	}

	if len(result.Accepted) == 0 && lastErr != nil {
		return result, fmt.Errorf("sending mail: %w", lastErr)
	}
	return result, nil
}
