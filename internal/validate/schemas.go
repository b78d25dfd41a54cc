package validate

// Detail schemas, one per event type. Validation tags use
// go-playground/validator; field names in errors come from the json tags.

type leaseDetail struct {
	UserEmail string `json:"userEmail" validate:"required,email"`
	UUID      string `json:"uuid" validate:"required,uuid"`
}

type accountDetail struct {
	AwsAccountID string `json:"awsAccountId" validate:"required,len=12,number"`
}

type terminationReason struct {
	Type                       string   `json:"type" validate:"required,oneof=Expired BudgetExceeded ManuallyTerminated AccountQuarantined Ejected"`
	TriggeredBudgetThreshold   *float64 `json:"triggeredBudgetThreshold" validate:"required_if=Type BudgetExceeded,omitempty,gte=0"`
	TriggeredDurationThreshold *float64 `json:"triggeredDurationThreshold" validate:"omitempty,gte=0"`
	Comment                    string   `json:"comment" validate:"omitempty,max=1024"`
}

type freezeReason struct {
	Type                       string   `json:"type" validate:"required,oneof=Expired BudgetExceeded ManuallyFrozen"`
	TriggeredBudgetThreshold   *float64 `json:"triggeredBudgetThreshold" validate:"required_if=Type BudgetExceeded,omitempty,gte=0"`
	TriggeredDurationThreshold *float64 `json:"triggeredDurationThreshold" validate:"omitempty,gte=0"`
	Comment                    string   `json:"comment" validate:"omitempty,max=1024"`
}

type leaseTerminatedDetail struct {
	leaseDetail
	Reason terminationReason `json:"reason"`
}

type leaseFrozenDetail struct {
	leaseDetail
	Reason freezeReason `json:"reason"`
}

type budgetThresholdDetail struct {
	leaseDetail
	TriggeredBudgetThreshold *float64 `json:"triggeredBudgetThreshold" validate:"required,gte=0"`
}

type durationThresholdDetail struct {
	leaseDetail
	TriggeredDurationThreshold *float64 `json:"triggeredDurationThreshold" validate:"required,gte=0"`
}

type freezingThresholdDetail struct {
	leaseDetail
	TriggeredFreezingThreshold *float64 `json:"triggeredFreezingThreshold" validate:"required,gte=0"`
}

type accountQuarantinedDetail struct {
	accountDetail
	Reason string `json:"reason" validate:"required,max=1024"`
}

type accountDriftDetail struct {
	accountDetail
	ExpectedOu string `json:"expectedOu" validate:"required"`
	ActualOu   string `json:"actualOu" validate:"required"`
}

// embeddedSchemas are dropped from error field paths.
var embeddedSchemas = map[string]bool{
	"leaseDetail":   true,
	"accountDetail": true,
}

type schema struct {
	// lease reports whether the event is about a lease record, which gives
	// it a subject key derived from userEmail/uuid.
	lease bool
	new   func() any
}

var schemas = map[string]schema{
	"LeaseRequested":              {lease: true, new: func() any { return &leaseDetail{} }},
	"LeaseApproved":               {lease: true, new: func() any { return &leaseDetail{} }},
	"LeaseDenied":                 {lease: true, new: func() any { return &leaseDetail{} }},
	"LeaseTerminated":             {lease: true, new: func() any { return &leaseTerminatedDetail{} }},
	"LeaseFrozen":                 {lease: true, new: func() any { return &leaseFrozenDetail{} }},
	"LeaseBudgetThresholdAlert":   {lease: true, new: func() any { return &budgetThresholdDetail{} }},
	"LeaseDurationThresholdAlert": {lease: true, new: func() any { return &durationThresholdDetail{} }},
	"LeaseFreezingThresholdAlert": {lease: true, new: func() any { return &freezingThresholdDetail{} }},
	"LeaseBudgetExceeded":         {lease: true, new: func() any { return &leaseDetail{} }},
	"LeaseExpired":                {lease: true, new: func() any { return &leaseDetail{} }},
	"AccountCleanupFailed":        {new: func() any { return &accountDetail{} }},
	"AccountQuarantined":          {new: func() any { return &accountQuarantinedDetail{} }},
	"AccountDriftDetected":        {new: func() any { return &accountDriftDetail{} }},
}
