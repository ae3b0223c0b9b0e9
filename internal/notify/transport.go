package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"regcomms/internal/directory"
)

// Transport delivers a rendered message to one address on one channel.
// Failures return an error with a human-readable reason; transports
// never panic and never retry internally (the caller owns retry policy).
type Transport interface {
	Channel() directory.Channel
	Deliver(ctx context.Context, address, subject, body string) error
}

// SMTPConfig holds email transport settings.
type SMTPConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	From     string `yaml:"from" json:"from"`
}

// EmailTransport sends email through an SMTP relay.
type EmailTransport struct {
	config SMTPConfig
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailTransport creates an email transport.
func NewEmailTransport(cfg SMTPConfig) *EmailTransport {
	return &EmailTransport{
		config: cfg,
		send:   smtp.SendMail,
	}
}

func (e *EmailTransport) Channel() directory.Channel {
	return directory.ChannelEmail
}

func (e *EmailTransport) Deliver(ctx context.Context, address, subject, body string) error {
	var auth smtp.Auth
	if e.config.Username != "" {
		auth = smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s\r\n",
		e.config.From, address, subject, body)

	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	if err := e.send(addr, auth, e.config.From, []string{address}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}
	return nil
}

// HTTPProviderConfig holds settings for HTTP-API message providers
// (SMS gateways, voice-call services, chat platforms).
type HTTPProviderConfig struct {
	URL     string            `yaml:"url" json:"url"`
	APIKey  string            `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	Sender  string            `yaml:"sender,omitempty" json:"sender,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Timeout time.Duration     `yaml:"timeout" json:"timeout"`
}

// HTTPProviderTransport delivers messages through a provider's HTTP
// API. One instance serves one channel (SMS, PHONE or CHAT).
type HTTPProviderTransport struct {
	channel directory.Channel
	config  HTTPProviderConfig
	client  *http.Client
}

// NewHTTPProviderTransport creates a provider transport for a channel.
func NewHTTPProviderTransport(channel directory.Channel, cfg HTTPProviderConfig) *HTTPProviderTransport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProviderTransport{
		channel: channel,
		config:  cfg,
		client:  &http.Client{Timeout: timeout},
	}
}

func (t *HTTPProviderTransport) Channel() directory.Channel {
	return t.channel
}

func (t *HTTPProviderTransport) Deliver(ctx context.Context, address, subject, body string) error {
	text := body
	if subject != "" {
		text = subject + "\n\n" + body
	}
	payload := map[string]any{
		"to":   address,
		"text": text,
	}
	if t.config.Sender != "" {
		payload["from"] = t.config.Sender
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal provider payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", t.config.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.config.APIKey)
	}
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// WebhookTransport posts the message as JSON to the recipient address,
// which is itself a webhook URL.
type WebhookTransport struct {
	headers map[string]string
	client  *http.Client
}

// NewWebhookTransport creates a webhook transport.
func NewWebhookTransport(headers map[string]string, timeout time.Duration) *WebhookTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookTransport{
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}
}

func (w *WebhookTransport) Channel() directory.Channel {
	return directory.ChannelWebhook
}

func (w *WebhookTransport) Deliver(ctx context.Context, address, subject, body string) error {
	payload, err := json.Marshal(map[string]string{
		"subject": subject,
		"body":    body,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", address, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// Transports is a registry of channel transports.
type Transports map[directory.Channel]Transport

// Register adds a transport for its channel.
func (t Transports) Register(tr Transport) {
	t[tr.Channel()] = tr
}

// Get returns the transport for a channel.
func (t Transports) Get(ch directory.Channel) (Transport, bool) {
	tr, ok := t[ch]
	return tr, ok
}
