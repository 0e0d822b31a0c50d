// Package directory is a static owner and target directory loaded from YAML.
//
// File layout:
//
//	admins: [hr-ops]
//	owners:
//	  emp-1:
//	    manager_id: lead-1
//	    team_id: north
//	    target_type: REVENUE
//	    targets:
//	      "2024": {amount: "250000"}
//	      "2025": {amount: "300000", type: REVENUE}
//
// A per-year type may restate the owner's target type but never differ from it.
package directory

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"

	"github.com/okian/tally/internal/domain/model"
)

// Entry is one owner with its yearly targets.
type Entry struct {
	TeamID     string
	ManagerID  string
	TargetType model.TargetType
	Targets    map[int]model.Target
}

// Directory answers owner, target and capability lookups from memory.
type Directory struct {
	owners map[string]Entry
	admins map[string]struct{}
}

// Option applies a configuration option to the Directory.
type Option func(*Directory)

// WithAdmins lets the given actors submit rows for any owner.
func WithAdmins(ids ...string) Option {
	return func(d *Directory) {
		for _, id := range ids {
			if id = strings.TrimSpace(id); id != "" {
				d.admins[id] = struct{}{}
			}
		}
	}
}

// New creates a directory over owners keyed by owner id.
func New(owners map[string]Entry, opts ...Option) *Directory {
	d := &Directory{
		owners: make(map[string]Entry, len(owners)),
		admins: make(map[string]struct{}),
	}
	for id, e := range owners {
		e.Targets = maps.Clone(e.Targets)
		d.owners[id] = e
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type fileTarget struct {
	Amount string `koanf:"amount"`
	Type   string `koanf:"type"`
}

type fileOwner struct {
	TeamID     string                `koanf:"team_id"`
	ManagerID  string                `koanf:"manager_id"`
	TargetType string                `koanf:"target_type"`
	Targets    map[string]fileTarget `koanf:"targets"`
}

type fileData struct {
	Admins []string             `koanf:"admins"`
	Owners map[string]fileOwner `koanf:"owners"`
}

// Load reads a directory file.
func Load(path string, opts ...Option) (*Directory, error) {
	// Owner ids may contain dots, so nested keys use a delimiter ids never carry.
	k := koanf.New("::")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDirectory, path, err)
	}
	var data fileData
	if err := k.UnmarshalWithConf("", &data, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDirectory, path, err)
	}

	owners := make(map[string]Entry, len(data.Owners))
	for id, o := range data.Owners {
		e, err := o.entry()
		if err != nil {
			return nil, fmt.Errorf("%w: owner %q: %v", ErrInvalidDirectory, id, err)
		}
		owners[strings.TrimSpace(id)] = e
	}
	return New(owners, append([]Option{WithAdmins(data.Admins...)}, opts...)...), nil
}

func (o fileOwner) entry() (Entry, error) { //nolint:gocritic // hugeParam: decoded once
	tt, err := targetType(o.TargetType, model.TargetPlacements)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{
		TeamID:     strings.TrimSpace(o.TeamID),
		ManagerID:  strings.TrimSpace(o.ManagerID),
		TargetType: tt,
		Targets:    make(map[int]model.Target, len(o.Targets)),
	}
	for y, t := range o.Targets {
		year, err := strconv.Atoi(strings.TrimSpace(y))
		if err != nil {
			return Entry{}, fmt.Errorf("target year %q: %v", y, err)
		}
		amount, err := decimal.NewFromString(strings.TrimSpace(t.Amount))
		if err != nil {
			return Entry{}, fmt.Errorf("target %d amount: %v", year, err)
		}
		typ, err := targetType(t.Type, tt)
		if err != nil {
			return Entry{}, fmt.Errorf("target %d: %v", year, err)
		}
		if typ != tt {
			return Entry{}, fmt.Errorf("target %d is %s but the owner tracks %s", year, typ, tt)
		}
		e.Targets[year] = model.Target{Type: typ, Amount: amount}
	}
	return e, nil
}

func targetType(s string, fallback model.TargetType) (model.TargetType, error) {
	switch tt := model.TargetType(model.NormalizeCode(s)); tt {
	case "":
		return fallback, nil
	case model.TargetPlacements, model.TargetRevenue:
		return tt, nil
	default:
		return "", fmt.Errorf("unknown target type %q", s)
	}
}

func (d *Directory) ResolveOwner(ctx context.Context, ownerID string) (model.Owner, error) {
	if err := ctx.Err(); err != nil {
		return model.Owner{}, err
	}
	e, ok := d.owners[ownerID]
	if !ok {
		return model.Owner{}, fmt.Errorf("%w: %s", ErrUnknownOwner, ownerID)
	}
	return model.Owner{ID: ownerID, TeamID: e.TeamID, ManagerID: e.ManagerID, TargetType: e.TargetType}, nil
}

func (d *Directory) ResolveTarget(ctx context.Context, ownerID string, year int) (model.Target, error) {
	if err := ctx.Err(); err != nil {
		return model.Target{}, err
	}
	e, ok := d.owners[ownerID]
	if !ok {
		return model.Target{}, fmt.Errorf("%w: %s", ErrUnknownOwner, ownerID)
	}
	t, ok := e.Targets[year]
	if !ok {
		return model.Target{}, fmt.Errorf("%w: %s in %d", ErrNoTarget, ownerID, year)
	}
	return t, nil
}

// CanSubmit allows an actor to submit rows for itself, for owners it manages,
// and for anyone when it is an admin. Unknown owners pass so that target
// resolution reports them.
func (d *Directory) CanSubmit(ctx context.Context, actorID, ownerID string, _ model.Kind) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if actorID == ownerID {
		return true, nil
	}
	if _, ok := d.admins[actorID]; ok {
		return true, nil
	}
	e, ok := d.owners[ownerID]
	if !ok {
		return true, nil
	}
	return e.ManagerID != "" && e.ManagerID == actorID, nil
}
