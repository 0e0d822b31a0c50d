package validate

import "github.com/okian/tally/internal/domain/model"

// Option applies a configuration option to the Validator.
type Option func(*Validator)

// WithBillingStatuses sets the accepted billing statuses.
func WithBillingStatuses(codes ...string) Option {
	return func(v *Validator) { fill(v.billingStatuses, codes) }
}

// WithPlacementTypes sets the accepted placement types.
func WithPlacementTypes(codes ...string) Option {
	return func(v *Validator) { fill(v.placementTypes, codes) }
}

// WithCollectionStatuses sets the accepted collection statuses.
func WithCollectionStatuses(codes ...string) Option {
	return func(v *Validator) { fill(v.collectionStatuses, codes) }
}

func fill(set map[string]struct{}, codes []string) {
	for _, c := range codes {
		if c = model.NormalizeCode(c); c != "" {
			set[c] = struct{}{}
		}
	}
}
