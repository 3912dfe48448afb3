package sink

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/quellops/quell/resource"
	"github.com/quellops/quell/store"
	"github.com/quellops/quell/template"
)

// slackPoster delivers a webhook message. Seam for tests.
type slackPoster func(ctx context.Context, url string, msg *slack.WebhookMessage) error

func postSlackWebhook(ctx context.Context, url string, msg *slack.WebhookMessage) error {
	return slack.PostWebhookContext(ctx, url, msg)
}

func (d *Dispatcher) deliverSlack(ctx context.Context, spec *resource.SinkSpec, run *store.Run, result map[string]any) error {
	if spec.Config.WebhookURL == "" {
		return fmt.Errorf("slack sink missing webhookURL")
	}

	phase, _ := template.Lookup(result, "run.phase")
	color := "good"
	if template.Stringify(phase) == store.RunPhaseFailed {
		color = "danger"
	}

	var fields []slack.AttachmentField
	if alertName, ok := template.Lookup(result, "input.alert.name"); ok {
		fields = append(fields, slack.AttachmentField{
			Title: "Alert", Value: template.Stringify(alertName), Short: true,
		})
	}
	if severity, ok := template.Lookup(result, "input.alert.severity"); ok {
		fields = append(fields, slack.AttachmentField{
			Title: "Severity", Value: template.Stringify(severity), Short: true,
		})
	}
	if outputs, ok := result["result"].(map[string]any); ok {
		for name, val := range outputs {
			fields = append(fields, slack.AttachmentField{
				Title: name, Value: template.Stringify(val),
			})
		}
	}
	if errMsg, ok := template.Lookup(result, "run.error"); ok {
		if s := template.Stringify(errMsg); s != "" {
			fields = append(fields, slack.AttachmentField{Title: "Error", Value: s})
		}
	}

	msg := &slack.WebhookMessage{
		Channel: spec.Config.Channel,
		Text:    fmt.Sprintf("Workflow %s %s", run.WorkflowName, template.Stringify(phase)),
		Attachments: []slack.Attachment{{
			Color:  color,
			Fields: fields,
			Footer: "run " + run.ID,
		}},
	}
	return d.slackPost(ctx, spec.Config.WebhookURL, msg)
}
