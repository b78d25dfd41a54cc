package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/co-cddo/ndx-notify/internal/event"
	"github.com/co-cddo/ndx-notify/internal/failure"
	"github.com/co-cddo/ndx-notify/internal/secrets"
	"github.com/co-cddo/ndx-notify/internal/template"
)

// Attachment colors by severity.
var severityColors = map[template.Severity]string{
	template.SeverityCritical: "#d4351c",
	template.SeverityWarning:  "#f47738",
	template.SeverityInfo:     "#1d70b8",
}

// maxSectionFields is the webhook's limit on fields per section block.
const maxSectionFields = 10

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Fields   []slackText `json:"fields,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Blocks []slackBlock `json:"blocks"`
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

// ChatSender posts operational alerts to a Slack incoming webhook.
type ChatSender struct {
	base
	creds secrets.Provider
}

// NewChatSender creates a sender. The webhook URL comes from creds.
func NewChatSender(creds secrets.Provider, opts ...Option) *ChatSender {
	return &ChatSender{base: newBase(event.ChannelChat, opts), creds: creds}
}

// Channel implements Sender.
func (s *ChatSender) Channel() event.Channel { return event.ChannelChat }

// Send implements Sender.
func (s *ChatSender) Send(ctx context.Context, msg Message) (Result, error) {
	const op = "chat.send"

	creds, err := s.creds.Credentials(ctx)
	if err != nil {
		return Result{}, s.reject(failure.Classify("chat.credentials", err))
	}
	if creds.SlackWebhookURL == "" {
		return Result{}, s.reject(failure.Critical("chat.credentials", errors.New("chat webhook URL is not configured")))
	}

	body, err := json.Marshal(buildMessage(msg))
	if err != nil {
		return Result{}, s.reject(failure.Permanent(op, fmt.Errorf("encode message: %w", err)))
	}

	var res Result
	res.Attempts, err = s.deliver(ctx, op, msg, func(ctx context.Context) error {
		return s.post(ctx, creds.SlackWebhookURL, body)
	})
	if err != nil {
		return res, err
	}
	s.logger.Info("chat message sent",
		"event_id", msg.EventID, "template_ref", msg.Descriptor.TemplateRef, "attempts", res.Attempts)
	return res, nil
}

func (s *ChatSender) post(ctx context.Context, webhook string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(body))
	if err != nil {
		return failure.Critical("chat.request", errors.New("chat webhook URL is invalid"))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		// Drop the URL, which carries the webhook secret.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return fmt.Errorf("chat webhook %s: %w", uerr.Op, uerr.Err)
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	serr := &failure.StatusError{StatusCode: resp.StatusCode, Endpoint: "chat webhook", Body: string(snippet)}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		// A removed webhook is a broken credential.
		fe := failure.Critical("chat.send", serr)
		fe.StatusCode = resp.StatusCode
		return fe
	}
	return serr
}

// buildMessage renders msg as a webhook payload: a header, one section with
// the template's required fields and the event id, and a context line.
func buildMessage(msg Message) slackMessage {
	d := msg.Descriptor
	title := d.Title
	if title == "" {
		title = msg.EventType
	}

	names := append([]string(nil), d.RequiredFields...)
	names = append(names, "eventId")
	fields := make([]slackText, 0, len(names))
	for _, name := range names {
		v, ok := msg.Fields[name]
		if !ok {
			continue
		}
		if len(fields) == maxSectionFields {
			break
		}
		fields = append(fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*%s*\n%s", name, v)})
	}

	blocks := []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: title}},
	}
	if len(fields) > 0 {
		blocks = append(blocks, slackBlock{Type: "section", Fields: fields})
	}
	contextLine := msg.EventType
	if t := msg.Fields["eventTime"]; t != "" {
		contextLine += " at " + t
	}
	blocks = append(blocks, slackBlock{
		Type:     "context",
		Elements: []slackText{{Type: "mrkdwn", Text: contextLine}},
	})

	color, ok := severityColors[d.Severity]
	if !ok {
		color = severityColors[template.SeverityInfo]
	}
	return slackMessage{
		Text:        title,
		Attachments: []slackAttachment{{Color: color, Blocks: blocks}},
	}
}
