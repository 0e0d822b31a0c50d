// Package validate applies business rules to parsed placement candidates.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/parse"
)

// Year bounds accepted for a placement.
const (
	MinYear = 2000
	MaxYear = 2100
)

// Messages carried by validation RowErrors.
const (
	MsgRequired     = "required"
	MsgNegative     = "must not be negative"
	MsgDerived      = "derived field must not be supplied"
	MsgDateOrder    = "date of billing qualification must not precede date of join"
	MsgSplitNotTeam = "only allowed on TEAM rows"
	MsgSplitOwner   = "must not include the owner"
)

// DateOrderField names both columns involved in the date ordering rule.
const DateOrderField = parse.ColDateOfBillingQualification + "," + parse.ColDateOfJoin

// row is the tagged view of a candidate the struct validator checks.
type row struct {
	OwnerID          string           `col:"owner_id" validate:"required"`
	CandidateName    string           `col:"candidate_name" validate:"required"`
	DateOfJoin       *time.Time       `col:"date_of_join" validate:"required"`
	Client           string           `col:"client" validate:"required"`
	PlacementID      string           `col:"placement_id" validate:"required"`
	PlacementType    string           `col:"placement_type" validate:"required,placement_type"`
	BillingStatus    string           `col:"billing_status" validate:"required,billing_status"`
	CollectionStatus string           `col:"collection_status" validate:"omitempty,collection_status"`
	Revenue          *decimal.Decimal `col:"revenue" validate:"required,gte=0"`
	IncentiveBase    *decimal.Decimal `col:"incentive" validate:"required,gte=0"`
	BilledHours      *decimal.Decimal `col:"billed_hours" validate:"omitempty,gte=0"`
	IncentivePaid    *decimal.Decimal `col:"incentive_paid" validate:"omitempty,gte=0"`
	PlacementYear    int              `col:"placement_year" validate:"omitempty,gte=2000,lte=2100"`
}

// Validator checks candidates against the configured code sets.
type Validator struct {
	v                  *validator.Validate
	billingStatuses    map[string]struct{}
	placementTypes     map[string]struct{}
	collectionStatuses map[string]struct{}
}

// New creates a Validator. Without options every enum set is empty and rejects all values.
func New(opts ...Option) *Validator {
	val := &Validator{
		v:                  validator.New(),
		billingStatuses:    map[string]struct{}{},
		placementTypes:     map[string]struct{}{},
		collectionStatuses: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(val)
	}

	val.v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("col")
	})
	val.v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	// Registration only fails for empty tags or nil funcs.
	_ = val.v.RegisterValidation("billing_status", member(val.billingStatuses))
	_ = val.v.RegisterValidation("placement_type", member(val.placementTypes))
	_ = val.v.RegisterValidation("collection_status", member(val.collectionStatuses))

	return val
}

func member(set map[string]struct{}) validator.Func {
	return func(fl validator.FieldLevel) bool {
		_, ok := set[fl.Field().String()]
		return ok
	}
}

// Validate returns the clean placement, or every rule the candidate violates.
func (val *Validator) Validate(c parse.Candidate) (model.Placement, []model.RowError) { //nolint:gocritic // hugeParam: candidates are values flowing through the pipeline
	var errs []model.RowError
	add := func(field, msg string) {
		errs = append(errs, model.RowError{RowIndex: c.Index, Field: field, Kind: model.ErrorValidation, Message: msg})
	}

	r := row{
		OwnerID:          c.OwnerID,
		CandidateName:    c.CandidateName,
		DateOfJoin:       c.DateOfJoin,
		Client:           c.Client,
		PlacementID:      c.PlacementID,
		PlacementType:    c.PlacementType,
		BillingStatus:    c.BillingStatus,
		CollectionStatus: c.CollectionStatus,
		Revenue:          c.Revenue,
		IncentiveBase:    c.IncentiveBase,
		BilledHours:      c.BilledHours,
		IncentivePaid:    c.IncentivePaid,
		PlacementYear:    c.PlacementYear,
	}
	if err := val.v.Struct(r); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			add("", err.Error())
		}
		for _, fe := range fieldErrs {
			add(fe.Field(), message(fe))
		}
	}

	if c.DateOfJoin != nil && c.DateOfBillingQualification != nil &&
		c.DateOfBillingQualification.Before(*c.DateOfJoin) {
		add(DateOrderField, MsgDateOrder)
	}

	for _, col := range c.DerivedSupplied {
		add(col, MsgDerived)
	}

	errs = append(errs, splitErrors(c)...)

	if len(errs) > 0 {
		return model.Placement{}, errs
	}
	return toPlacement(c), nil
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return MsgRequired
	case "gte", "lte":
		if fe.Field() == parse.ColPlacementYear {
			return fmt.Sprintf("must be between %d and %d", MinYear, MaxYear)
		}
		return MsgNegative
	case "billing_status", "placement_type", "collection_status":
		return fmt.Sprintf("unknown value %q", fe.Value())
	default:
		return fmt.Sprintf("failed %s", fe.Tag())
	}
}

func splitErrors(c parse.Candidate) []model.RowError { //nolint:gocritic // hugeParam: see Validate
	if len(c.SplitWith) == 0 {
		return nil
	}
	e := func(msg string) model.RowError {
		return model.RowError{RowIndex: c.Index, Field: parse.ColSplitWith, Kind: model.ErrorValidation, Message: msg}
	}
	if c.Kind != model.KindTeam {
		return []model.RowError{e(MsgSplitNotTeam)}
	}
	var out []model.RowError
	seen := make(map[string]struct{}, len(c.SplitWith))
	for _, id := range c.SplitWith {
		if strings.EqualFold(id, c.OwnerID) {
			out = append(out, e(MsgSplitOwner))
			continue
		}
		key := strings.ToLower(id)
		if _, dup := seen[key]; dup {
			out = append(out, e(fmt.Sprintf("duplicate co-recipient %q", id)))
			continue
		}
		seen[key] = struct{}{}
	}
	return out
}

func toPlacement(c parse.Candidate) model.Placement { //nolint:gocritic // hugeParam: see Validate
	p := model.Placement{
		Kind:                       c.Kind,
		OwnerID:                    c.OwnerID,
		SourceRow:                  c.Index,
		CandidateName:              c.CandidateName,
		PlacementYear:              c.PlacementYear,
		DateOfJoin:                 *c.DateOfJoin,
		DateOfBillingQualification: c.DateOfBillingQualification,
		Client:                     c.Client,
		PlacementID:                c.PlacementID,
		PlacementType:              c.PlacementType,
		BillingStatus:              c.BillingStatus,
		CollectionStatus:           c.CollectionStatus,
		BilledHours:                c.BilledHours,
		Revenue:                    *c.Revenue,
		IncentiveBase:              *c.IncentiveBase,
		IncentivePaid:              c.IncentivePaid,
	}
	if len(c.SplitWith) > 0 {
		p.SplitWith = append([]string(nil), c.SplitWith...)
	}
	return p
}
