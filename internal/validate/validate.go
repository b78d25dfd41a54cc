// Package validate checks inbound lifecycle events before any processing:
// the source must be allow-listed and the detail must match its type's
// schema.
package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/co-cddo/ndx-notify/internal/event"
	"github.com/co-cddo/ndx-notify/internal/failure"
)

const op = "validate"

// inbound is the wire form. EventBridge spellings are accepted as aliases.
type inbound struct {
	ID         string            `json:"id"`
	Source     string            `json:"source"`
	Type       string            `json:"type"`
	DetailType string            `json:"detail-type"`
	OccurredAt *time.Time        `json:"occurredAt"`
	Time       *time.Time        `json:"time"`
	SubjectKey *event.SubjectKey `json:"subjectKey"`
	Detail     json.RawMessage   `json:"detail"`
}

// Validator is safe for concurrent use.
type Validator struct {
	allowed  map[string]struct{}
	validate *validator.Validate
	now      func() time.Time
}

// New creates a Validator accepting events from allowedSources.
func New(allowedSources []string) *Validator {
	allowed := make(map[string]struct{}, len(allowedSources))
	for _, s := range allowedSources {
		allowed[s] = struct{}{}
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{allowed: allowed, validate: v, now: time.Now}
}

// KnownTypes returns the event types with a schema, sorted.
func KnownTypes() []string {
	out := make([]string, 0, len(schemas))
	for k := range schemas {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate parses raw into an Envelope. Failures are a SecurityError for an
// untrusted source and a PermanentError for everything else.
func (v *Validator) Validate(raw []byte) (*event.Envelope, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, failure.Permanent(op, errors.New("empty event"))
	}

	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, failure.Permanent(op, fmt.Errorf("malformed event: %w", err))
	}
	if in.Type == "" {
		in.Type = in.DetailType
	}
	if in.OccurredAt == nil {
		in.OccurredAt = in.Time
	}

	if _, ok := v.allowed[in.Source]; !ok {
		return nil, failure.Security(op, fmt.Errorf("source %q is not allowed", in.Source))
	}

	missing := make(map[string]string)
	if in.ID == "" {
		missing["id"] = "is required"
	}
	if in.Type == "" {
		missing["type"] = "is required"
	}
	if len(in.Detail) == 0 || bytes.Equal(in.Detail, []byte("null")) {
		missing["detail"] = "is required"
	}
	if len(missing) > 0 {
		ferr := failure.Permanent(op, errors.New("envelope is incomplete"))
		ferr.Fields = missing
		return nil, ferr
	}

	sc, ok := schemas[in.Type]
	if !ok {
		return nil, failure.Permanent(op, fmt.Errorf("unknown event type %q", in.Type))
	}

	typed := sc.new()
	if err := json.Unmarshal(in.Detail, typed); err != nil {
		return nil, failure.Permanent(op, fmt.Errorf("detail for %s: %w", in.Type, err))
	}
	if err := v.validate.Struct(typed); err != nil {
		return nil, v.schemaError(in.Type, err)
	}

	detail, err := decodeDetail(in.Detail)
	if err != nil {
		return nil, failure.Permanent(op, fmt.Errorf("detail for %s: %w", in.Type, err))
	}

	env := &event.Envelope{
		ID:         in.ID,
		Source:     in.Source,
		Type:       in.Type,
		SubjectKey: in.SubjectKey,
		Detail:     detail,
		Raw:        append(json.RawMessage(nil), raw...),
	}
	if in.OccurredAt != nil {
		env.OccurredAt = in.OccurredAt.UTC()
	} else {
		env.OccurredAt = v.now().UTC()
	}
	if env.SubjectKey == nil && sc.lease {
		env.SubjectKey = &event.SubjectKey{
			PartitionKey: env.DetailString("userEmail"),
			SortKey:      env.DetailString("uuid"),
		}
	}
	return env, nil
}

// decodeDetail keeps numbers as json.Number so flattening renders them
// exactly as sent.
func decodeDetail(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

func (v *Validator) schemaError(eventType string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return failure.Permanent(op, fmt.Errorf("detail for %s: %w", eventType, err))
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fieldPath(fe)] = describe(fe)
	}
	ferr := failure.Permanent(op, fmt.Errorf("detail does not match %s schema", eventType))
	ferr.Fields = fields
	return ferr
}

// fieldPath renders a validation error's location as detail.<json path>.
func fieldPath(fe validator.FieldError) string {
	parts := strings.Split(fe.Namespace(), ".")
	out := []string{"detail"}
	for _, p := range parts[1:] {
		if embeddedSchemas[p] {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, ".")
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if":
		return "is required when " + strings.Replace(fe.Param(), " ", " is ", 1)
	case "email":
		return "must be a valid email address"
	case "uuid":
		return "must be a UUID"
	case "len":
		return "must be exactly " + fe.Param() + " characters"
	case "number":
		return "must contain only digits"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "gte":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "failed " + fe.Tag() + " check"
	}
}
