// Package model contains domain models passed between layers.
package model

import (
	"cmp"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind distinguishes personal recruiter placements from team-lead placements.
type Kind string

const (
	KindPersonal Kind = "PERSONAL"
	KindTeam     Kind = "TEAM"
)

var codeReplacer = strings.NewReplacer(" ", "_", "-", "_") //nolint:gochecknoglobals // stateless replacer

// NormalizeCode is the one spelling of an enum code, whether it comes from a
// sheet cell or from configuration: "Contract to-hire" becomes "CONTRACT_TO_HIRE".
func NormalizeCode(s string) string {
	return codeReplacer.Replace(strings.ToUpper(strings.TrimSpace(s)))
}

// ParseKind matches a kind case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToUpper(strings.TrimSpace(s))) {
	case KindPersonal:
		return KindPersonal, nil
	case KindTeam:
		return KindTeam, nil
	default:
		return "", fmt.Errorf("unknown batch kind %q", s)
	}
}

// BatchStatus is the lifecycle state of an import batch.
type BatchStatus string

const (
	StatusReceived            BatchStatus = "RECEIVED"
	StatusProcessing          BatchStatus = "PROCESSING"
	StatusCompleted           BatchStatus = "COMPLETED"
	StatusCompletedWithErrors BatchStatus = "COMPLETED_WITH_ERRORS"
	StatusFailed              BatchStatus = "FAILED"
	StatusCancelled           BatchStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s BatchStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// TargetType selects what a yearly target measures.
type TargetType string

const (
	TargetPlacements TargetType = "PLACEMENTS"
	TargetRevenue    TargetType = "REVENUE"
)

// RawRecord is one undecoded sheet row keyed by column header.
type RawRecord map[string]any

// Batch is one uploaded set of placement rows processed together.
type Batch struct {
	ID         uuid.UUID
	Kind       Kind
	UploaderID string
	CreatedAt  time.Time
	// FXRate converts source-currency (USD) amounts into INR for this batch.
	FXRate   decimal.Decimal
	Status   BatchStatus
	RowCount int
	Errors   []RowError
}

// Placement is a persisted placement row with its derived financial fields.
type Placement struct {
	ID        uuid.UUID
	Kind      Kind
	OwnerID   string
	BatchID   *uuid.UUID
	SourceRow int
	Seq       int64

	CandidateName              string
	PlacementYear              int
	DateOfJoin                 time.Time
	DateOfBillingQualification *time.Time
	Client                     string
	PlacementID                string
	PlacementType              string
	BillingStatus              string
	CollectionStatus           string
	BilledHours                *decimal.Decimal
	Revenue                    decimal.Decimal
	IncentiveBase              decimal.Decimal
	SplitWith                  []string
	FXRate                     decimal.Decimal

	// Derived, never user supplied.
	Incentive             decimal.Decimal
	TargetType            TargetType
	YearlyTarget          decimal.Decimal
	AchievedToDate        decimal.Decimal
	PercentAchieved       decimal.Decimal
	QualifiedSlab         string
	TotalRevenueGenerated decimal.Decimal
	TotalIncentive        decimal.Decimal
	TotalIncentivePaid    decimal.Decimal

	// IncentivePaid is owned by payroll and may lag Incentive.
	IncentivePaid *decimal.Decimal

	CreatedAt time.Time
	UpdatedAt time.Time
}

// OwnerKey identifies the (kind, owner, year) scope of cumulative totals.
type OwnerKey struct {
	Kind    Kind
	OwnerID string
	Year    int
}

func (k OwnerKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.Kind, k.OwnerID, k.Year)
}

// Compare orders keys by kind, owner and year.
func (k OwnerKey) Compare(o OwnerKey) int {
	return cmp.Or(
		cmp.Compare(k.Kind, o.Kind),
		cmp.Compare(k.OwnerID, o.OwnerID),
		cmp.Compare(k.Year, o.Year),
	)
}

// Key returns the totals scope of the placement.
func (p *Placement) Key() OwnerKey {
	return OwnerKey{Kind: p.Kind, OwnerID: p.OwnerID, Year: p.PlacementYear}
}

// OwnerTotals is the rollup of all rows of one owner and year.
type OwnerTotals struct {
	OwnerKey
	Achieved      decimal.Decimal
	Revenue       decimal.Decimal
	Incentive     decimal.Decimal
	IncentivePaid decimal.Decimal
	Rows          int
}

// Owner is the directory view of an employee or team lead.
type Owner struct {
	ID         string
	TeamID     string
	ManagerID  string
	TargetType TargetType
}

// Target is a yearly goal attached to an owner.
type Target struct {
	Type   TargetType
	Amount decimal.Decimal
}

// AuditEvent is emitted once per finished batch.
type AuditEvent struct {
	BatchID    uuid.UUID
	Kind       Kind
	Status     BatchStatus
	RowCount   int
	ErrorCount int
	ActorID    string
	At         time.Time
}
