package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/co-cddo/ndx-notify/internal/event"
	"github.com/co-cddo/ndx-notify/internal/failure"
	"github.com/co-cddo/ndx-notify/internal/secrets"
)

// DefaultNotifyBaseURL is the GOV.UK Notify API.
const DefaultNotifyBaseURL = "https://api.notifications.service.gov.uk"

// RecipientField names the payload field holding the email address.
const RecipientField = "userEmail"

const emailPath = "/v2/notifications/email"

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 512

type notifyRequest struct {
	EmailAddress    string            `json:"email_address"`
	TemplateID      string            `json:"template_id"`
	Personalisation map[string]string `json:"personalisation"`
	Reference       string            `json:"reference,omitempty"`
}

type notifyResponse struct {
	ID string `json:"id"`
}

// EmailSender sends templated email through GOV.UK Notify.
type EmailSender struct {
	base
	baseURL string
	creds   secrets.Provider
	now     func() time.Time
}

// NewEmailSender creates a sender. An empty baseURL uses
// DefaultNotifyBaseURL.
func NewEmailSender(baseURL string, creds secrets.Provider, opts ...Option) *EmailSender {
	if baseURL == "" {
		baseURL = DefaultNotifyBaseURL
	}
	return &EmailSender{
		base:    newBase(event.ChannelEmail, opts),
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		now:     time.Now,
	}
}

// Channel implements Sender.
func (s *EmailSender) Channel() event.Channel { return event.ChannelEmail }

// Send implements Sender.
func (s *EmailSender) Send(ctx context.Context, msg Message) (Result, error) {
	const op = "email.send"

	recipient := msg.Fields[RecipientField]
	if recipient == "" {
		return Result{}, s.reject(failure.Permanent(op, errors.New("no recipient: "+RecipientField+" is missing")))
	}

	key, ferr := s.apiKey(ctx)
	if ferr != nil {
		return Result{}, s.reject(ferr)
	}

	body, err := json.Marshal(notifyRequest{
		EmailAddress:    recipient,
		TemplateID:      msg.Descriptor.TemplateRef,
		Personalisation: msg.Fields,
		Reference:       msg.EventID,
	})
	if err != nil {
		return Result{}, s.reject(failure.Permanent(op, fmt.Errorf("encode request: %w", err)))
	}

	var res Result
	res.Attempts, err = s.deliver(ctx, op, msg, func(ctx context.Context) error {
		id, err := s.post(ctx, key, body)
		if err == nil {
			res.ProviderID = id
		}
		return err
	})
	if err != nil {
		return res, err
	}
	s.logger.Info("email sent",
		"event_id", msg.EventID, "template_ref", msg.Descriptor.TemplateRef,
		"notification_id", res.ProviderID, "attempts", res.Attempts)
	return res, nil
}

func (s *EmailSender) apiKey(ctx context.Context) (notifyKey, *failure.Error) {
	const op = "email.credentials"
	creds, err := s.creds.Credentials(ctx)
	if err != nil {
		return notifyKey{}, failure.Classify(op, err)
	}
	if creds.NotifyAPIKey == "" {
		return notifyKey{}, failure.Critical(op, errors.New("notify API key is not configured"))
	}
	key, err := parseNotifyKey(creds.NotifyAPIKey)
	if err != nil {
		return notifyKey{}, failure.Critical(op, err)
	}
	return key, nil
}

func (s *EmailSender) post(ctx context.Context, key notifyKey, body []byte) (string, error) {
	token, err := key.token(s.now())
	if err != nil {
		return "", failure.Critical("email.token", err)
	}

	url := s.baseURL + emailPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", failure.Permanent("email.request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &failure.StatusError{StatusCode: resp.StatusCode, Endpoint: emailPath, Body: string(snippet)}
	}

	var out notifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		// A 2xx with an unreadable body still counts as sent.
		s.logger.Warn("notify response unreadable", "err", err)
	}
	return out.ID, nil
}

// notifyKey is a parsed Notify API key:
// {key name}-{service id}-{secret}, where both ids are 36-character UUIDs.
type notifyKey struct {
	serviceID string
	secret    string
}

const uuidLen = 36

func parseNotifyKey(raw string) (notifyKey, error) {
	raw = strings.TrimSpace(raw)
	// Shortest form: one-character name, two UUIDs, two separators.
	if len(raw) < 2*uuidLen+3 {
		return notifyKey{}, errors.New("notify API key is malformed")
	}
	secret := raw[len(raw)-uuidLen:]
	serviceID := raw[len(raw)-2*uuidLen-1 : len(raw)-uuidLen-1]
	if raw[len(raw)-uuidLen-1] != '-' || raw[len(raw)-2*uuidLen-2] != '-' {
		return notifyKey{}, errors.New("notify API key is malformed")
	}
	return notifyKey{serviceID: serviceID, secret: secret}, nil
}

// token returns a short-lived bearer token signed with the key's secret.
func (k notifyKey) token(now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss": k.serviceID,
		"iat": now.Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(k.secret))
}
