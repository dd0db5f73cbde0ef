package domain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrInvalidTransition    = errors.New("invalid sos state transition")
	ErrLockContention       = errors.New("sos request already taken by another responder")
	ErrVerificationMismatch = errors.New("verification code mismatch")
	ErrNotFound             = errors.New("not found")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusPickup    Status = "pickup"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var allowedTransitions = map[Status][]Status{
	StatusPending:  {StatusAssigned, StatusCancelled},
	StatusAssigned: {StatusPickup, StatusCancelled, StatusPending},
	StatusPickup:   {StatusCompleted},
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s Status) CanTransitionTo(next Status) bool {
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Bound reports whether a request in this status holds a ledger entry.
func (s Status) Bound() bool {
	return s == StatusAssigned || s == StatusPickup
}

type Category string

const (
	CategoryMedical    Category = "medical"
	CategoryMaternity  Category = "maternity"
	CategoryInjury     Category = "injury"
	CategorySafety     Category = "safety"
	CategoryDisability Category = "disability"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryMedical, CategoryMaternity, CategoryInjury, CategorySafety, CategoryDisability:
		return true
	}
	return false
}

type Channel string

const (
	ChannelApp  Channel = "app"
	ChannelUSSD Channel = "ussd"
	ChannelSMS  Channel = "sms"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelApp, ChannelUSSD, ChannelSMS:
		return true
	}
	return false
}

type VehicleClass string

const (
	VehicleMoto      VehicleClass = "moto"
	VehicleCar       VehicleClass = "car"
	VehicleVolunteer VehicleClass = "volunteer"
)

func (v VehicleClass) Valid() bool {
	switch v {
	case VehicleMoto, VehicleCar, VehicleVolunteer:
		return true
	}
	return false
}

// Coordinate is a WGS84 position in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate rejects positions outside -90..90 / -180..180.
func (c Coordinate) Validate() error {
	if c.Lat < -90 || c.Lat > 90 || c.Lng < -180 || c.Lng > 180 || math.IsNaN(c.Lat) || math.IsNaN(c.Lng) {
		return fmt.Errorf("%w: coordinate (%f, %f) out of range", ErrInvalidArgument, c.Lat, c.Lng)
	}
	return nil
}

// Driver is a read-only snapshot owned by the driver registry.
type Driver struct {
	ID          uuid.UUID    `json:"id"`
	Vehicle     VehicleClass `json:"vehicle"`
	Location    Coordinate   `json:"location"`
	TrustScore  float64      `json:"trust_score"`
	TotalRides  int          `json:"total_rides"`
	IsAvailable bool         `json:"is_available"`
}

type SOSRequest struct {
	ID               uuid.UUID  `json:"id"`
	RequesterID      uuid.UUID  `json:"requester_id"`
	Category         Category   `json:"category"`
	Location         Coordinate `json:"location"`
	Channel          Channel    `json:"channel"`
	VerificationCode string     `json:"verification_code,omitempty"`

	Status     Status     `json:"status"`
	DriverID   *uuid.UUID `json:"driver_id,omitempty"`
	ETAMinutes *int       `json:"eta_minutes,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	PickedUpAt  *time.Time `json:"picked_up_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	Version     int64      `json:"version"`
}

// Clone returns a deep copy so snapshots never alias engine state.
func (r SOSRequest) Clone() SOSRequest {
	out := r
	out.DriverID = clonePtr(r.DriverID)
	out.ETAMinutes = clonePtr(r.ETAMinutes)
	out.AssignedAt = clonePtr(r.AssignedAt)
	out.PickedUpAt = clonePtr(r.PickedUpAt)
	out.CompletedAt = clonePtr(r.CompletedAt)
	out.CancelledAt = clonePtr(r.CancelledAt)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

type EventType string

const (
	EventCreated    EventType = "created"
	EventBroadcast  EventType = "broadcast"
	EventAssigned   EventType = "assigned"
	EventPickup     EventType = "pickup"
	EventCompleted  EventType = "completed"
	EventCancelled  EventType = "cancelled"
	EventReassigned EventType = "reassigned"
)

// EventLog is the durable record emitted alongside every transition.
type EventLog struct {
	ID        uuid.UUID      `json:"id"`
	RequestID uuid.UUID      `json:"request_id"`
	Type      EventType      `json:"type"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Transition bundles the snapshot and event-log entry handed to persistence.
type Transition struct {
	Request SOSRequest `json:"request"`
	Event   EventLog   `json:"event"`
}

// Repository persists snapshots and the event log. SaveTransition must store
// the snapshot and its event atomically.
type Repository interface {
	SaveTransition(ctx context.Context, req SOSRequest, event EventLog) error
	GetRequest(ctx context.Context, id uuid.UUID) (SOSRequest, error)
	ListActive(ctx context.Context) ([]SOSRequest, error)
}

type IdempotencyRepository interface {
	GetRequestID(ctx context.Context, key string) (uuid.UUID, bool, error)
	PutRequestID(ctx context.Context, key string, id uuid.UUID) error
}

type DriverRegistry interface {
	FetchAvailableDrivers(ctx context.Context, near Coordinate, radiusKM float64) ([]Driver, error)
	Lookup(ctx context.Context, driverID uuid.UUID) (Driver, error)
}

// Notifier pages drivers about a request. Delivery is fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, driverIDs []uuid.UUID, req SOSRequest) error
}

type EventPublisher interface {
	Publish(ctx context.Context, transition Transition) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
