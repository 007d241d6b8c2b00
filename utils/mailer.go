package utils

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html/template"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// SMTPConfig holds the outbound mail server settings.
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
}

// Email is one templated message to a subscriber.
type Email struct {
	To       string
	Name     string
	Template string
	Tone     string
	Vars     map[string]string
}

type emailTemplate struct {
	Subject string
	Body    string
}

const layoutHead = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .content { margin: 20px 0; }
        .button { display: inline-block; padding: 10px 20px; background-color: #3498db; color: white; text-decoration: none; border-radius: 4px; }
        .footer { margin-top: 30px; font-size: 12px; color: #7f8c8d; text-align: center; }
    </style>
</head>
<body>
    <div class="content">
        <p>{{.Greeting}}</p>`

const layoutFoot = `
    </div>
    <div class="footer">
        <p>© {{.Year}} {{.Company}}. All rights reserved.</p>
    </div>
</body>
</html>`

// Embedded communication templates, keyed by the name stored in action payloads.
var emailTemplates = map[string]emailTemplate{
	"welcome": {
		Subject: "Welcome aboard",
		Body: `
        <p>Thanks for signing up. Your account is ready and your first steps are waiting in the dashboard.</p>`,
	},
	"getting_started": {
		Subject: "Three tips to get the most out of your trial",
		Body: `
        <p>Customers who connect their data in the first week get value fastest. Here is where to start:</p>
        <p>{{index .Vars "tips_url"}}</p>`,
	},
	"conversion_offer": {
		Subject: "Your trial is halfway done",
		Body: `
        <p>You have {{index .Vars "days_left"}} days left on your trial. Upgrade now to keep everything you have set up.</p>`,
	},
	"payment_failed_reminder": {
		Subject: "We couldn't process your payment",
		Body: `
        <p>Your last payment of {{index .Vars "amount"}} did not go through. Please update your card to keep your subscription active.</p>`,
	},
	"payment_final_notice": {
		Subject: "Final notice: your subscription is about to lapse",
		Body: `
        <p>We have tried to collect {{index .Vars "amount"}} several times. Update your payment details to avoid losing access.</p>`,
	},
	"retention_check_in": {
		Subject: "How is it going?",
		Body: `
        <p>We noticed you have been less active lately. Reply to this email and tell us what would make the product more useful.</p>`,
	},
}

// HasEmailTemplate reports whether name is a known template.
func HasEmailTemplate(name string) bool {
	_, ok := emailTemplates[name]
	return ok
}

// RenderEmail renders the subject and HTML body of e.
func RenderEmail(e Email, company string) (string, string, error) {
	tpl, ok := emailTemplates[e.Template]
	if !ok {
		return "", "", fmt.Errorf("unknown email template %q", e.Template)
	}
	t, err := template.New(e.Template).Parse(layoutHead + tpl.Body + layoutFoot)
	if err != nil {
		return "", "", fmt.Errorf("parse template %q: %w", e.Template, err)
	}

	var body bytes.Buffer
	err = t.Execute(&body, struct {
		Greeting string
		Vars     map[string]string
		Year     int
		Company  string
	}{
		Greeting: greeting(e.Tone, e.Name),
		Vars:     e.Vars,
		Year:     time.Now().Year(),
		Company:  company,
	})
	if err != nil {
		return "", "", fmt.Errorf("render template %q: %w", e.Template, err)
	}
	return tpl.Subject, body.String(), nil
}

func greeting(tone, name string) string {
	if name == "" {
		name = "there"
	}
	switch tone {
	case "formal":
		return "Dear " + name + ","
	case "direct":
		return name + ","
	default:
		return "Hi " + name + ","
	}
}

// Mailer sends templated email through SMTP.
type Mailer struct {
	cfg     SMTPConfig
	timeout time.Duration
}

func NewMailer(cfg SMTPConfig) *Mailer {
	return &Mailer{cfg: cfg, timeout: 20 * time.Second}
}

// Send delivers e and returns the Message-ID it was sent with. The SMTP
// session is bound to ctx: when ctx ends the connection is closed and no
// further commands are written, so a message reported as failed was not
// handed to the server after the deadline.
func (m *Mailer) Send(ctx context.Context, e Email) (string, error) {
	if m.cfg.Host == "" {
		return "", fmt.Errorf("smtp is not configured")
	}
	if err := checkmail.ValidateFormat(e.To); err != nil {
		return "", fmt.Errorf("invalid recipient %q: %w", e.To, err)
	}

	subject, body, err := RenderEmail(e, m.cfg.FromName)
	if err != nil {
		return "", err
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), m.cfg.Host)
	msg := gomail.NewMessage()
	msg.SetHeader("From", msg.FormatAddress(m.cfg.FromEmail, m.cfg.FromName))
	msg.SetHeader("To", e.To)
	msg.SetHeader("Subject", subject)
	msg.SetHeader("Message-ID", messageID)
	msg.SetHeader("Auto-Submitted", "auto-generated")
	msg.SetBody("text/html", body)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	if err := m.deliver(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("send email: %w", ctx.Err())
		}
		return "", fmt.Errorf("send email: %w", err)
	}
	return messageID, nil
}

// deliver runs one SMTP session for msg. gomail.Dialer owns its connection
// and cannot be interrupted, so the session is opened here and gomail only
// writes the message.
func (m *Mailer) deliver(ctx context.Context, msg *gomail.Message) error {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port)))
	if err != nil {
		return err
	}
	defer raw.Close()
	stop := context.AfterFunc(ctx, func() { _ = raw.SetDeadline(time.Now()) })
	defer stop()

	tlsConfig := &tls.Config{ServerName: m.cfg.Host}
	conn := raw
	if m.cfg.Port == 465 {
		conn = tls.Client(raw, tlsConfig)
	}
	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok && m.cfg.Port != 465 {
		if err := c.StartTLS(tlsConfig); err != nil {
			return err
		}
	}
	if m.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)); err != nil {
				return err
			}
		}
	}

	send := gomail.SendFunc(func(from string, to []string, body io.WriterTo) error {
		if err := c.Mail(from); err != nil {
			return err
		}
		for _, addr := range to {
			if err := c.Rcpt(addr); err != nil {
				return err
			}
		}
		w, err := c.Data()
		if err != nil {
			return err
		}
		if _, err := body.WriteTo(w); err != nil {
			w.Close()
			return err
		}
		return w.Close()
	})
	if err := gomail.Send(send, msg); err != nil {
		return err
	}
	return c.Quit()
}
