package core

import (
	"errors"
	"time"

	"PerpRecon/internal/event"
	"PerpRecon/internal/pnl"
	"PerpRecon/internal/state"

	"github.com/google/uuid"
)

var (
	ErrNoPipeline         = errors.New("no pipeline")
	ErrPlacementQueueFull = errors.New("placement queue full")
)

// OutputKind says what changed.
type OutputKind int

const (
	OutputOrder   OutputKind = iota // order transitioned or was adopted
	OutputFill                      // fill applied to a position
	OutputAccount                   // PNL snapshot after a fill, balance or market tick
	OutputAudit                     // illegal transition, malformed fill or halt
	OutputFunding                   // funding charged on a position
)

func (k OutputKind) String() string {
	switch k {
	case OutputOrder:
		return "order_update"
	case OutputFill:
		return "trade_update"
	case OutputAccount:
		return "account_update"
	case OutputAudit:
		return "audit"
	case OutputFunding:
		return "funding"
	default:
		return "unknown"
	}
}

// Output is one thing a reconciler emits. Exactly one of the payload
// pointers matching Kind is set.
type Output struct {
	Kind      OutputKind
	UserID    string
	Sequence  int64
	StateHash [32]byte
	Degraded  bool
	At        time.Time

	Order    *state.Order
	Fill     *event.FillRecorded
	Position *state.PositionUpdate
	Snapshot *pnl.Snapshot
	Balances []state.Balance
	Audit    *AuditRecord
	Funding  *state.FundingAccrual

	// Error is set on the final account update of a halted pipeline.
	Error string
}

// AuditRecord is a rejected or abnormal event kept for operators.
type AuditRecord struct {
	ID      uuid.UUID
	UserID  string
	Kind    string
	Subject string
	Detail  string
	Height  int64
	At      time.Time
}

const (
	AuditIllegalTransition = "illegal_transition"
	AuditMalformedFill     = "malformed_fill"
	AuditHalt              = "halt"
)

// Dispatcher accepts outputs for delivery to downstream consumers. Enqueue
// must not block; it reports false when the output was dropped.
type Dispatcher interface {
	Enqueue(Output) bool
}

// Sinks are where a reconciler sends its outputs. Any of them may be nil.
//
// Persist receives orders, fills, funding accruals and audit records with a
// blocking send so a slow store pushes back on the pipeline. Project receives
// account updates and drops when full. Dispatch receives orders, fills and
// account updates.
type Sinks struct {
	Persist  chan<- Output
	Project  chan<- Output
	Dispatch Dispatcher
}
