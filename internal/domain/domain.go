package domain

// TimeFormat is fixed width so stored timestamps sort lexically.
const TimeFormat = "2006-01-02T15:04:05.000000Z07:00"

type State string

const (
	StateWarehouse         State = "warehouse"
	StateInTransit         State = "in-transit"
	StateInUse             State = "in-use"
	StatePendingCollection State = "pending-collection"
	StatePendingCleaning   State = "pending-cleaning"
	StateUnderRepair       State = "under-repair"
)

type Action string

const (
	ActionDispatch         Action = "dispatch"
	ActionConfirmDelivery  Action = "confirm-delivery"
	ActionFlagCollection   Action = "flag-collection"
	ActionConfirmCollected Action = "confirm-collected"
	ActionMarkAvailable    Action = "mark-available"
	ActionStartCleaning    Action = "start-cleaning"
	ActionCleaningDone     Action = "cleaning-done"
	ActionSendToRepair     Action = "send-to-repair"
	ActionRepairDone       Action = "repair-done"
)

type Role string

const (
	RoleAdmin      Role = "admin"
	RoleWarehouse  Role = "warehouse"
	RoleDelivery   Role = "delivery"
	RoleCleaner    Role = "cleaner"
	RoleCollection Role = "collection"
	RoleRepair     Role = "repair"
)

type Unit struct {
	ID         string `json:"unit_id"`
	Name       string `json:"name"`
	Status     State  `json:"current_status"`
	Location   string `json:"location,omitempty"`
	AssignedTo string `json:"assigned_to,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

type Geo struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" validate:"gte=-180,lte=180"`
}

// ActionIntent is created once on a device when the user confirms an action.
// Only its delivery status changes afterwards.
type ActionIntent struct {
	IdempotencyKey string `json:"idempotency_key" validate:"required,max=128"`
	UnitID         string `json:"unit_id,omitempty" validate:"max=64"`
	Action         Action `json:"action_kind" validate:"required"`
	ActorID        string `json:"actor_id" validate:"required"`
	ActorRole      Role   `json:"actor_role" validate:"required"`
	Signature      string `json:"signature,omitempty"`
	PhotoRef       string `json:"photo_reference,omitempty"`
	Geo            *Geo   `json:"geo,omitempty" validate:"omitempty"`
	Notes          string `json:"notes,omitempty" validate:"max=1000"`
	TargetLocation string `json:"target_location,omitempty" validate:"max=255"`
	CreatedAt      string `json:"created_at,omitempty" format:"date-time"`
}

// LedgerEntry is an applied intent. Entries are never updated.
type LedgerEntry struct {
	EventID string `json:"event_id"`
	Seq     int64  `json:"seq"`
	ActionIntent
	StatusBefore State  `json:"status_before"`
	StatusAfter  State  `json:"status_after"`
	AppliedAt    string `json:"applied_at" format:"date-time"`
}

type Outcome string

const (
	OutcomeApplied           Outcome = "applied"
	OutcomeDuplicate         Outcome = "duplicate"
	OutcomeUnitNotFound      Outcome = "unit_not_found"
	OutcomeForbidden         Outcome = "forbidden"
	OutcomeInvalidTransition Outcome = "invalid_transition"
	OutcomeSignatureRequired Outcome = "signature_required"

	// OutcomeBadRequest is device-side only: the authority refused the
	// payload itself, so resending it unchanged cannot succeed.
	OutcomeBadRequest Outcome = "bad_request"
)

// Accepted reports whether the authority holds a ledger entry for the intent.
func (o Outcome) Accepted() bool {
	return o == OutcomeApplied || o == OutcomeDuplicate
}

type DeliveryState string

const (
	DeliveryQueued    DeliveryState = "queued"
	DeliveryInFlight  DeliveryState = "in-flight"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryRejected  DeliveryState = "rejected"
)

type OutboxRecord struct {
	Seq           int64         `json:"seq"`
	Intent        ActionIntent  `json:"intent"`
	State         DeliveryState `json:"delivery_state"`
	AttemptCount  int           `json:"attempt_count"`
	LastError     string        `json:"last_error,omitempty"`
	RejectionCode Outcome       `json:"rejection_code,omitempty"`
	EventID       string        `json:"event_id,omitempty"`
	NextAttemptAt string        `json:"next_attempt_at,omitempty"`
	CreatedAt     string        `json:"created_at"`
	UpdatedAt     string        `json:"updated_at"`
}
