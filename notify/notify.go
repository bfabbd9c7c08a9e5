// Package notify tells form owners about finished runs by webhook and email.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/oar-cd/conductor/domain"
)

const defaultTimeout = 10 * time.Second

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (c SMTPConfig) enabled() bool {
	return c.Host != ""
}

// Payload is the JSON body posted to a form's notification webhook
type Payload struct {
	RunID    string `json:"run_id,omitempty"`
	BatchID  string `json:"batch_id,omitempty"`
	Status   string `json:"status"`
	FormName string `json:"form_name"`
	Runs     int    `json:"runs,omitempty"`
	Time     string `json:"time"`
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Service struct {
	client   *http.Client
	smtp     SMTPConfig
	sendMail sendMailFunc
	now      func() time.Time
}

func NewService(smtpConfig SMTPConfig, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if smtpConfig.Port == 0 {
		smtpConfig.Port = 587
	}
	if smtpConfig.From == "" {
		smtpConfig.From = smtpConfig.Username
	}
	return &Service{
		client:   &http.Client{Timeout: timeout},
		smtp:     smtpConfig,
		sendMail: smtp.SendMail,
		now:      time.Now,
	}
}

// NotifyRun reports a terminal run. Failures are logged only.
func (s *Service) NotifyRun(ctx context.Context, form *domain.Form, run *domain.Run) {
	s.send(ctx, form, Payload{
		RunID:    run.ID.String(),
		Status:   run.Status.String(),
		FormName: form.Name,
		Time:     s.now().UTC().Format(time.RFC3339),
	})
}

// NotifyBatch reports a batch whose aggregate status became terminal
func (s *Service) NotifyBatch(ctx context.Context, form *domain.Form, batch *domain.Batch) {
	s.send(ctx, form, Payload{
		BatchID:  batch.ID.String(),
		Status:   batch.Status.String(),
		FormName: form.Name,
		Runs:     len(batch.Runs),
		Time:     s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Service) send(ctx context.Context, form *domain.Form, payload Payload) {
	if form == nil {
		return
	}
	if form.NotifyWebhook != "" {
		if err := s.postWebhook(ctx, form.NotifyWebhook, payload); err != nil {
			slog.Warn("Webhook notification failed",
				"layer", "notify",
				"form_id", form.ID,
				"url", form.NotifyWebhook,
				"error", err)
		}
	}
	if form.NotifyEmail != "" {
		if err := s.email(form.NotifyEmail, payload); err != nil {
			slog.Warn("Email notification failed",
				"layer", "notify",
				"form_id", form.ID,
				"to", form.NotifyEmail,
				"error", err)
		}
	}
}

func (s *Service) postWebhook(ctx context.Context, url string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (s *Service) email(to string, payload Payload) error {
	if !s.smtp.enabled() {
		slog.Debug("SMTP not configured, skipping email", "layer", "notify", "to", to)
		return nil
	}
	recipients := splitRecipients(to)
	if len(recipients) == 0 {
		return nil
	}

	var auth smtp.Auth
	if s.smtp.Username != "" {
		auth = smtp.PlainAuth("", s.smtp.Username, s.smtp.Password, s.smtp.Host)
	}
	addr := net.JoinHostPort(s.smtp.Host, strconv.Itoa(s.smtp.Port))
	return s.sendMail(addr, auth, s.smtp.From, recipients, s.message(recipients, payload))
}

func (s *Service) message(to []string, payload Payload) []byte {
	id := payload.RunID
	label := "Run"
	if payload.BatchID != "" {
		id = payload.BatchID
		label = "Batch"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.smtp.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: [conductor] %s: %s\r\n", payload.FormName, payload.Status)
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "%s ID: %s\r\n", label, id)
	fmt.Fprintf(&b, "Form: %s\r\n", payload.FormName)
	fmt.Fprintf(&b, "Status: %s\r\n", payload.Status)
	if payload.Runs > 0 {
		fmt.Fprintf(&b, "Runs: %d\r\n", payload.Runs)
	}
	fmt.Fprintf(&b, "Time: %s\r\n", payload.Time)
	return []byte(b.String())
}

func splitRecipients(to string) []string {
	var out []string
	for _, addr := range strings.Split(to, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// Nop discards notifications
type Nop struct{}

func (Nop) NotifyRun(context.Context, *domain.Form, *domain.Run)     {}
func (Nop) NotifyBatch(context.Context, *domain.Form, *domain.Batch) {}

