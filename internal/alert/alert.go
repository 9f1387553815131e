// Package alert notifies retreat staff about guests who need attention.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lumi-retreat/lumi/internal/notify"
	"github.com/lumi-retreat/lumi/pkg/api"
)

// Default recipient lists.
const (
	DefaultBase      = "alerts@aro-ha.com"
	DefaultSecondary = "wellness@aro-ha.com"
	DefaultManager   = "manager@aro-ha.com"
	DefaultFrom      = "Lumi Alerts <alerts@aro-ha.com>"
	DefaultDashboard = "https://lumi.aro-ha.com"
)

// ErrAllSendsFailed is returned when no recipient could be notified.
var ErrAllSendsFailed = errors.New("alert: every send failed")

// Config holds the recipient tiers. Each tier may list several addresses.
type Config struct {
	Base      []string
	Secondary []string
	Manager   []string

	From         string
	DashboardURL string
}

func (c Config) withDefaults() Config {
	if len(c.Base) == 0 {
		c.Base = []string{DefaultBase}
	}
	if len(c.Secondary) == 0 {
		c.Secondary = []string{DefaultSecondary}
	}
	if len(c.Manager) == 0 {
		c.Manager = []string{DefaultManager}
	}
	if c.From == "" {
		c.From = DefaultFrom
	}
	if c.DashboardURL == "" {
		c.DashboardURL = DefaultDashboard
	}
	c.DashboardURL = strings.TrimRight(c.DashboardURL, "/")
	return c
}

// Dispatcher resolves recipients for an alert and sends one email each.
type Dispatcher struct {
	mailer notify.Mailer
	cfg    Config
	logger *slog.Logger
	audit  *slog.Logger
	now    func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithAuditLogger sets the logger receiving audit entries for high and
// urgent alerts.
func WithAuditLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.audit = l }
}

// New returns a Dispatcher sending through mailer.
func New(mailer notify.Mailer, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		mailer: mailer,
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.audit == nil {
		d.audit = d.logger.With(slog.String("log", "audit"))
	}
	return d
}

// Recipients returns the deduplicated recipient list for a. An assignee is
// the only recipient; otherwise the list grows with severity and urgent
// reaches every tier.
func (d *Dispatcher) Recipients(a api.StaffAlert) []string {
	if a.AssignedTo != "" {
		return []string{a.AssignedTo}
	}
	tiers := [][]string{d.cfg.Base}
	switch a.Severity {
	case api.SeverityHigh:
		tiers = append(tiers, d.cfg.Secondary)
	case api.SeverityUrgent:
		tiers = append(tiers, d.cfg.Secondary, d.cfg.Manager)
	}

	var out []string
	seen := make(map[string]struct{})
	for _, tier := range tiers {
		for _, addr := range tier {
			addr = strings.TrimSpace(addr)
			k := strings.ToLower(addr)
			if addr == "" {
				continue
			}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}

// Format renders the email sent for a.
func (d *Dispatcher) Format(a api.StaffAlert) notify.Message {
	sev := strings.ToUpper(string(a.Severity))

	var b strings.Builder
	fmt.Fprintf(&b, "Alert Type: %s\n", sev)
	fmt.Fprintf(&b, "Record ID: %s\n", a.RecordID)
	if a.GuestEmail != "" {
		fmt.Fprintf(&b, "Guest: %s\n", a.GuestEmail)
	}
	fmt.Fprintf(&b, "\nReason:\n%s\n\n---\n", a.Reason)
	b.WriteString("This alert was generated automatically by Lumi.\n")
	fmt.Fprintf(&b, "View in dashboard: %s/admin/alerts/%s", d.cfg.DashboardURL, a.RecordID)

	return notify.Message{
		From:    d.cfg.From,
		Subject: fmt.Sprintf("[%s] Guest Alert - Lumi", sev),
		Text:    b.String(),
		Tags: map[string]string{
			"type":     "staff_alert",
			"severity": string(a.Severity),
		},
	}
}

// Send delivers msg to every recipient concurrently. Sends are independent;
// the success count is returned and an error only when all of them failed.
func (d *Dispatcher) Send(ctx context.Context, msg notify.Message, recipients []string) (int, error) {
	if len(recipients) == 0 {
		return 0, notify.ErrNoRecipient
	}

	var (
		mu   sync.Mutex
		sent int
		errs []error
	)
	var g errgroup.Group
	for _, to := range recipients {
		m := msg
		m.To = to
		g.Go(func() error {
			_, err := d.mailer.Send(ctx, m)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				d.logger.WarnContext(ctx, "alert_send_failed",
					slog.String("to", to),
					slog.Any("error", err),
				)
				errs = append(errs, fmt.Errorf("%s: %w", to, err))
				return nil
			}
			sent++
			return nil
		})
	}
	_ = g.Wait()

	if sent == 0 {
		return 0, fmt.Errorf("%w: %w", ErrAllSendsFailed, errors.Join(errs...))
	}
	return sent, nil
}

// Audit writes the audit entry for high and urgent alerts, including how
// many recipients were reached and the send error, if any. Lower
// severities are not audited.
func (d *Dispatcher) Audit(ctx context.Context, a api.StaffAlert, recipients []string, delivered int, sendErr error) {
	if a.Severity != api.SeverityHigh && a.Severity != api.SeverityUrgent {
		return
	}
	attrs := []slog.Attr{
		slog.String("type", "staff_alert"),
		slog.String("severity", string(a.Severity)),
		slog.String("record_id", a.RecordID),
		slog.String("guest_email", a.GuestEmail),
		slog.String("reason", a.Reason),
		slog.Any("recipients", recipients),
		slog.Int("delivered", delivered),
		slog.Time("timestamp", d.now().UTC()),
	}
	level := slog.LevelWarn
	if sendErr != nil {
		level = slog.LevelError
		attrs = append(attrs, slog.String("error", sendErr.Error()))
	}
	d.audit.LogAttrs(ctx, level, "staff_alert", attrs...)
}

// Dispatch resolves recipients, sends the alert and audits it. It returns
// the number of recipients notified. The audit entry is written even when
// every send fails.
func (d *Dispatcher) Dispatch(ctx context.Context, a api.StaffAlert) (int, error) {
	recipients := d.Recipients(a)
	sent, err := d.Send(ctx, d.Format(a), recipients)
	d.Audit(ctx, a, recipients, sent, err)
	if err != nil {
		return 0, err
	}
	return sent, nil
}
