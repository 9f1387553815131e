package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/resend/resend-go/v2"

	"github.com/lumi-retreat/lumi/pkg/api"
)

// Resend sends email through the Resend API.
type Resend struct {
	client *resend.Client
	from   string
}

type resendConfig struct {
	endpoint string
	http     *http.Client
}

// ResendOption customises a Resend mailer.
type ResendOption func(*resendConfig)

// WithEndpoint points the mailer at another base URL, e.g. a test server.
func WithEndpoint(base string) ResendOption {
	return func(c *resendConfig) { c.endpoint = base }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(hc *http.Client) ResendOption {
	return func(c *resendConfig) { c.http = hc }
}

// NewResend returns a Resend mailer. from is used when a message has no
// sender of its own.
func NewResend(apiKey, from string, opts ...ResendOption) (*Resend, error) {
	if apiKey == "" {
		return nil, &api.ConfigError{Key: "RESEND_API_KEY", Reason: "is required for the resend mailer"}
	}
	cfg := resendConfig{http: &http.Client{Timeout: 15 * time.Second}}
	for _, opt := range opts {
		opt(&cfg)
	}

	hc := *cfg.http
	next := hc.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	hc.Transport = statusTransport{next: next}
	client := resend.NewCustomClient(&hc, apiKey)

	if cfg.endpoint != "" {
		base, err := url.Parse(strings.TrimSuffix(cfg.endpoint, "/") + "/")
		if err != nil {
			return nil, &api.ConfigError{Key: "resend endpoint", Reason: err.Error()}
		}
		client.BaseURL = base
	}
	return &Resend{client: client, from: from}, nil
}

func (r *Resend) Send(ctx context.Context, msg Message) (string, error) {
	if msg.To == "" {
		return "", ErrNoRecipient
	}
	from := msg.From
	if from == "" {
		from = r.from
	}

	req := &resend.SendEmailRequest{From: from, To: []string{msg.To}, Subject: msg.Subject, Text: msg.Text}
	for name, value := range msg.Tags {
		req.Tags = append(req.Tags, resend.Tag{Name: name, Value: value})
	}
	sort.Slice(req.Tags, func(i, j int) bool { return req.Tags[i].Name < req.Tags[j].Name })

	var status int
	resp, err := r.client.Emails.SendWithContext(context.WithValue(ctx, statusKey{}, &status), req)
	if err != nil {
		return "", classifyResend(status, err)
	}
	return resp.Id, nil
}

// classifyResend marks client errors other than rate limiting as fatal.
func classifyResend(status int, err error) error {
	err = fmt.Errorf("send email: %w", err)
	if errors.Is(err, resend.ErrRateLimit) {
		return err
	}
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return api.NonRetryable(fmt.Errorf("resend returned %d: %w", status, err))
	}
	return err
}

type statusKey struct{}

// statusTransport stores the response status in the *int carried by the
// request context. The SDK does not expose it on errors.
type statusTransport struct {
	next http.RoundTripper
}

func (t statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if p, ok := req.Context().Value(statusKey{}).(*int); ok && resp != nil {
		*p = resp.StatusCode
	}
	return resp, err
}
