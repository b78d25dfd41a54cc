package lease_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/co-cddo/ndx-notify/internal/event"
	"github.com/co-cddo/ndx-notify/internal/lease"
)

type fakeDynamo struct {
	lastInput *dynamodb.GetItemInput
	item      map[string]types.AttributeValue
	err       error
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastInput = in
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.GetItemOutput{Item: f.item}, nil
}

func TestDynamoStore_Get(t *testing.T) {
	fake := &fakeDynamo{item: map[string]types.AttributeValue{
		"userEmail":            &types.AttributeValueMemberS{Value: "a@gov.test"},
		"uuid":                 &types.AttributeValueMemberS{Value: "u1"},
		"status":               &types.AttributeValueMemberS{Value: "Active"},
		"leaseDurationInHours": &types.AttributeValueMemberN{Value: "24"},
		"maxSpend":             &types.AttributeValueMemberN{Value: "50"},
		"meta": &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"createdTime": &types.AttributeValueMemberS{Value: "2025-01-01T00:00:00Z"},
		}},
	}}
	store := lease.NewDynamoStore(fake, "leases", "", "")

	rec, err := store.Get(context.Background(), event.SubjectKey{PartitionKey: "a@gov.test", SortKey: "u1"})
	require.NoError(t, err)

	assert.Equal(t, lease.StatusActive, rec.Status)
	assert.Equal(t, "a@gov.test", rec.UserEmail)
	assert.Equal(t, float64(24), rec.Fields["leaseDurationInHours"])
	assert.Equal(t, map[string]any{"createdTime": "2025-01-01T00:00:00Z"}, rec.Fields["meta"])

	require.NotNil(t, fake.lastInput)
	assert.Equal(t, "leases", *fake.lastInput.TableName)
	assert.Equal(t, &types.AttributeValueMemberS{Value: "a@gov.test"}, fake.lastInput.Key["userEmail"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "u1"}, fake.lastInput.Key["uuid"])
}

func TestDynamoStore_Miss(t *testing.T) {
	store := lease.NewDynamoStore(&fakeDynamo{}, "leases", "pk", "sk")
	_, err := store.Get(context.Background(), event.SubjectKey{PartitionKey: "a", SortKey: "b"})
	assert.ErrorIs(t, err, lease.ErrNotFound)
}

func TestDynamoStore_Error(t *testing.T) {
	boom := errors.New("boom")
	store := lease.NewDynamoStore(&fakeDynamo{err: boom}, "leases", "", "")
	_, err := store.Get(context.Background(), event.SubjectKey{PartitionKey: "a", SortKey: "b"})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, lease.ErrNotFound)
}

func TestStatus(t *testing.T) {
	all := []lease.Status{
		lease.StatusPendingApproval, lease.StatusApprovalDenied, lease.StatusActive,
		lease.StatusFrozen, lease.StatusExpired, lease.StatusBudgetExceeded,
		lease.StatusManuallyTerminated, lease.StatusAccountQuarantined, lease.StatusEjected,
	}
	for _, s := range all {
		assert.True(t, s.Known(), s)
	}
	assert.False(t, lease.Status("Paused").Known())
	assert.True(t, lease.StatusExpired.Terminal())
	assert.False(t, lease.StatusActive.Terminal())
	assert.False(t, lease.StatusFrozen.Terminal())
}

func TestRecord_OwnedBy(t *testing.T) {
	rec := &lease.Record{UserEmail: "A@Gov.Test"}
	assert.True(t, rec.OwnedBy("a@gov.test"))
	assert.False(t, rec.OwnedBy("b@gov.test"))
	assert.True(t, (&lease.Record{}).OwnedBy("b@gov.test"))
}
