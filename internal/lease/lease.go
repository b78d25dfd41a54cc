// Package lease reads sandbox lease records from the authoritative lease
// table. It is read-only.
package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/co-cddo/ndx-notify/internal/event"
)

// ErrNotFound is returned when no record exists for a key. A miss is a
// normal outcome, not a store failure.
var ErrNotFound = errors.New("lease: record not found")

// Status is the lease lifecycle state.
type Status string

const (
	StatusPendingApproval    Status = "PendingApproval"
	StatusApprovalDenied     Status = "ApprovalDenied"
	StatusActive             Status = "Active"
	StatusFrozen             Status = "Frozen"
	StatusExpired            Status = "Expired"
	StatusBudgetExceeded     Status = "BudgetExceeded"
	StatusManuallyTerminated Status = "ManuallyTerminated"
	StatusAccountQuarantined Status = "AccountQuarantined"
	StatusEjected            Status = "Ejected"
)

// Known reports whether s is one of the documented statuses.
func (s Status) Known() bool {
	switch s {
	case StatusPendingApproval, StatusApprovalDenied, StatusActive, StatusFrozen,
		StatusExpired, StatusBudgetExceeded, StatusManuallyTerminated,
		StatusAccountQuarantined, StatusEjected:
		return true
	}
	return false
}

// Terminal reports whether the lease has ended. Terminal records carry an
// end date and expiry marker.
func (s Status) Terminal() bool {
	switch s {
	case StatusExpired, StatusBudgetExceeded, StatusManuallyTerminated,
		StatusAccountQuarantined, StatusEjected:
		return true
	}
	return false
}

// Record is one lease item. Fields holds every attribute as decoded from
// the table; the set varies by status, so it is kept untyped for flattening.
type Record struct {
	Status    Status
	UserEmail string
	Fields    map[string]any
}

// Store is a point-lookup reader of lease records.
type Store interface {
	Get(ctx context.Context, key event.SubjectKey) (*Record, error)
}

// GetItemAPI is the slice of the DynamoDB client the store needs.
type GetItemAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// DynamoStore reads lease records from a DynamoDB table keyed by
// (partition attribute, sort attribute).
type DynamoStore struct {
	client       GetItemAPI
	table        string
	partitionKey string
	sortKey      string
}

// NewDynamoStore creates a store. Empty attribute names default to the
// lease table's userEmail/uuid key schema.
func NewDynamoStore(client GetItemAPI, table, partitionAttr, sortAttr string) *DynamoStore {
	if partitionAttr == "" {
		partitionAttr = "userEmail"
	}
	if sortAttr == "" {
		sortAttr = "uuid"
	}
	return &DynamoStore{client: client, table: table, partitionKey: partitionAttr, sortKey: sortAttr}
}

// Get implements Store.
func (s *DynamoStore) Get(ctx context.Context, key event.SubjectKey) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			s.partitionKey: &types.AttributeValueMemberS{Value: key.PartitionKey},
			s.sortKey:      &types.AttributeValueMemberS{Value: key.SortKey},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("lease get %s/%s: %w", s.table, key.SortKey, err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	return Decode(out.Item)
}

// Decode converts a raw item into a Record.
func Decode(item map[string]types.AttributeValue) (*Record, error) {
	fields := make(map[string]any, len(item))
	if err := attributevalue.UnmarshalMap(item, &fields); err != nil {
		return nil, fmt.Errorf("lease decode: %w", err)
	}
	rec := &Record{Fields: fields}
	if s, ok := fields["status"].(string); ok {
		rec.Status = Status(s)
	}
	if s, ok := fields["userEmail"].(string); ok {
		rec.UserEmail = s
	}
	return rec, nil
}

// OwnedBy reports whether the record belongs to email. A record without an
// owner attribute is not contradicted by any email.
func (r *Record) OwnedBy(email string) bool {
	if r == nil || r.UserEmail == "" || email == "" {
		return true
	}
	return strings.EqualFold(r.UserEmail, email)
}
