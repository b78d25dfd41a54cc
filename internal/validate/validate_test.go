package validate_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/co-cddo/ndx-notify/internal/failure"
	"github.com/co-cddo/ndx-notify/internal/validate"
)

func newValidator() *validate.Validator {
	return validate.New([]string{"sandbox"})
}

func TestValidate_LeaseApproved(t *testing.T) {
	raw := `{"id":"e1","source":"sandbox","type":"LeaseApproved","occurredAt":"2025-01-02T03:04:05+01:00",
		"detail":{"userEmail":"a@gov.test","uuid":"6f1c2b3a-8d4e-4f5a-9b6c-7d8e9f0a1b2c","maxSpend":50}}`

	env, err := newValidator().Validate([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, "e1", env.ID)
	assert.Equal(t, "LeaseApproved", env.Type)
	assert.Equal(t, time.Date(2025, 1, 2, 2, 4, 5, 0, time.UTC), env.OccurredAt)
	require.NotNil(t, env.SubjectKey)
	assert.Equal(t, "a@gov.test", env.SubjectKey.PartitionKey)
	assert.Equal(t, "6f1c2b3a-8d4e-4f5a-9b6c-7d8e9f0a1b2c", env.SubjectKey.SortKey)
	assert.Equal(t, json.Number("50"), env.Detail["maxSpend"])
	assert.JSONEq(t, raw, string(env.Raw))
}

func TestValidate_Aliases(t *testing.T) {
	raw := `{"id":"e2","source":"sandbox","detail-type":"AccountCleanupFailed","time":"2025-01-01T00:00:00Z",
		"detail":{"awsAccountId":"123456789012"}}`

	env, err := newValidator().Validate([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "AccountCleanupFailed", env.Type)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), env.OccurredAt)
	assert.Nil(t, env.SubjectKey, "account events have no subject record")
}

func TestValidate_ExplicitSubjectKey(t *testing.T) {
	raw := `{"id":"e3","source":"sandbox","type":"LeaseExpired",
		"subjectKey":{"partitionKey":"p","sortKey":"s"},
		"detail":{"userEmail":"a@gov.test","uuid":"6f1c2b3a-8d4e-4f5a-9b6c-7d8e9f0a1b2c"}}`

	env, err := newValidator().Validate([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "p", env.SubjectKey.PartitionKey)
	assert.Equal(t, "s", env.SubjectKey.SortKey)
}

func TestValidate_Rejections(t *testing.T) {
	const uuid = "6f1c2b3a-8d4e-4f5a-9b6c-7d8e9f0a1b2c"
	tests := []struct {
		name       string
		raw        string
		wantKind   failure.Kind
		wantFields map[string]string
	}{
		{
			name:     "empty body",
			raw:      ``,
			wantKind: failure.KindPermanent,
		},
		{
			name:     "malformed json",
			raw:      `{"id":`,
			wantKind: failure.KindPermanent,
		},
		{
			name:     "untrusted source",
			raw:      `{"id":"e","source":"attacker","type":"LeaseApproved","detail":{}}`,
			wantKind: failure.KindSecurity,
		},
		{
			name:     "missing source",
			raw:      `{"id":"e","type":"LeaseApproved","detail":{}}`,
			wantKind: failure.KindSecurity,
		},
		{
			name:       "missing id and detail",
			raw:        `{"source":"sandbox","type":"LeaseApproved"}`,
			wantKind:   failure.KindPermanent,
			wantFields: map[string]string{"id": "is required", "detail": "is required"},
		},
		{
			name:     "unknown type",
			raw:      `{"id":"e","source":"sandbox","type":"LeaseTeleported","detail":{}}`,
			wantKind: failure.KindPermanent,
		},
		{
			name:     "bad email and uuid",
			raw:      `{"id":"e","source":"sandbox","type":"LeaseApproved","detail":{"userEmail":"nope","uuid":"u1"}}`,
			wantKind: failure.KindPermanent,
			wantFields: map[string]string{
				"detail.userEmail": "must be a valid email address",
				"detail.uuid":      "must be a UUID",
			},
		},
		{
			name:       "short account id",
			raw:        `{"id":"e","source":"sandbox","type":"AccountCleanupFailed","detail":{"awsAccountId":"12345678901"}}`,
			wantKind:   failure.KindPermanent,
			wantFields: map[string]string{"detail.awsAccountId": "must be exactly 12 characters"},
		},
		{
			name:       "non-digit account id",
			raw:        `{"id":"e","source":"sandbox","type":"AccountCleanupFailed","detail":{"awsAccountId":"12345678901x"}}`,
			wantKind:   failure.KindPermanent,
			wantFields: map[string]string{"detail.awsAccountId": "must contain only digits"},
		},
		{
			name:     "budget reason without threshold",
			raw:      `{"id":"e","source":"sandbox","type":"LeaseTerminated","detail":{"userEmail":"a@gov.test","uuid":"` + uuid + `","reason":{"type":"BudgetExceeded"}}}`,
			wantKind: failure.KindPermanent,
			wantFields: map[string]string{
				"detail.reason.triggeredBudgetThreshold": "is required when Type is BudgetExceeded",
			},
		},
		{
			name:       "unknown freeze reason",
			raw:        `{"id":"e","source":"sandbox","type":"LeaseFrozen","detail":{"userEmail":"a@gov.test","uuid":"` + uuid + `","reason":{"type":"Ejected"}}}`,
			wantKind:   failure.KindPermanent,
			wantFields: map[string]string{"detail.reason.type": "must be one of: Expired, BudgetExceeded, ManuallyFrozen"},
		},
		{
			name:       "negative threshold",
			raw:        `{"id":"e","source":"sandbox","type":"LeaseBudgetThresholdAlert","detail":{"userEmail":"a@gov.test","uuid":"` + uuid + `","triggeredBudgetThreshold":-1}}`,
			wantKind:   failure.KindPermanent,
			wantFields: map[string]string{"detail.triggeredBudgetThreshold": "must be at least 0"},
		},
		{
			name:       "missing threshold",
			raw:        `{"id":"e","source":"sandbox","type":"LeaseDurationThresholdAlert","detail":{"userEmail":"a@gov.test","uuid":"` + uuid + `"}}`,
			wantKind:   failure.KindPermanent,
			wantFields: map[string]string{"detail.triggeredDurationThreshold": "is required"},
		},
		{
			name:     "wrong detail type",
			raw:      `{"id":"e","source":"sandbox","type":"LeaseApproved","detail":{"userEmail":7}}`,
			wantKind: failure.KindPermanent,
		},
	}

	v := newValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := v.Validate([]byte(tt.raw))
			require.Error(t, err)
			assert.Nil(t, env)

			var fe *failure.Error
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.wantKind, fe.Kind, err.Error())
			if tt.wantFields != nil {
				assert.Equal(t, tt.wantFields, fe.Fields)
			}
		})
	}
}

func TestValidate_AcceptsValidVariants(t *testing.T) {
	const uuid = "6f1c2b3a-8d4e-4f5a-9b6c-7d8e9f0a1b2c"
	v := newValidator()
	for _, raw := range []string{
		`{"id":"a","source":"sandbox","type":"LeaseTerminated","detail":{"userEmail":"a@gov.test","uuid":"` + uuid + `","reason":{"type":"BudgetExceeded","triggeredBudgetThreshold":100}}}`,
		`{"id":"b","source":"sandbox","type":"LeaseTerminated","detail":{"userEmail":"a@gov.test","uuid":"` + uuid + `","reason":{"type":"Expired"}}}`,
		`{"id":"c","source":"sandbox","type":"LeaseFrozen","detail":{"userEmail":"a@gov.test","uuid":"` + uuid + `","reason":{"type":"ManuallyFrozen","comment":"investigating"}}}`,
		`{"id":"d","source":"sandbox","type":"LeaseFreezingThresholdAlert","detail":{"userEmail":"a@gov.test","uuid":"` + uuid + `","triggeredFreezingThreshold":0}}`,
		`{"id":"e","source":"sandbox","type":"AccountQuarantined","detail":{"awsAccountId":"123456789012","reason":"cleanup failed"}}`,
		`{"id":"f","source":"sandbox","type":"AccountDriftDetected","detail":{"awsAccountId":"123456789012","expectedOu":"ou-a","actualOu":"ou-b"}}`,
	} {
		_, err := v.Validate([]byte(raw))
		assert.NoError(t, err, raw)
	}
}

func TestKnownTypes(t *testing.T) {
	assert.Len(t, validate.KnownTypes(), 13)
}
