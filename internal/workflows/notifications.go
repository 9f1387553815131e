package workflows

import (
	"context"

	"github.com/lumi-retreat/lumi/internal/notify"
	"github.com/lumi-retreat/lumi/pkg/api"
)

// AlertOutcome is returned by the staff-alert handler.
type AlertOutcome struct {
	Severity           api.Severity
	Recipients         []string
	RecipientsNotified int
}

func (s *Set) sendEmail(w *api.Workflow, env api.Envelope) (any, error) {
	p, err := api.PayloadAs[api.SendEmail](env)
	if err != nil {
		return nil, err
	}
	template := p.Template
	if template == "" {
		template = "default"
	}

	id, err := api.Step(w, "send-email", func(ctx context.Context) (string, error) {
		return s.deps.Mailer.Send(ctx, notify.Message{
			From:    s.deps.EmailFrom,
			To:      p.To,
			Subject: p.Subject,
			Text:    p.Body,
			Tags:    map[string]string{"template": template, "source": "lumi"},
		})
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"email_id": id, "to": p.To, "template": template}, nil
}

func (s *Set) staffAlert(w *api.Workflow, env api.Envelope) (any, error) {
	p, err := api.PayloadAs[api.StaffAlert](env)
	if err != nil {
		return nil, err
	}
	alerts := s.deps.Alerts

	recipients, err := api.Step(w, "determine-recipients", func(ctx context.Context) ([]string, error) {
		return alerts.Recipients(*p), nil
	})
	if err != nil {
		return nil, err
	}

	sent, err := api.Step(w, "send-alerts", func(ctx context.Context) (int, error) {
		return alerts.Send(ctx, alerts.Format(*p), recipients)
	})
	if err != nil {
		alerts.Audit(w.Context(), *p, recipients, 0, err)
		return nil, err
	}

	err = api.Do(w, "log-alert", func(ctx context.Context) error {
		alerts.Audit(ctx, *p, recipients, sent, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &AlertOutcome{Severity: p.Severity, Recipients: recipients, RecipientsNotified: sent}, nil
}
