package qrcode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

// RuleKind identifies one lifecycle policy rule variant.
type RuleKind string

const (
	RuleAllowedStatuses RuleKind = "allowed_statuses"
	RuleMaxEvents       RuleKind = "max_events"
	RuleRetireWhen      RuleKind = "retire_when"
)

// Rule is a closed set: only the variants declared in this file implement it.
type Rule interface {
	Kind() RuleKind
	isRule()
}

// AllowedStatuses gates scans on the external product lifecycle status.
type AllowedStatuses struct {
	Statuses []string
}

func (AllowedStatuses) Kind() RuleKind { return RuleAllowedStatuses }
func (AllowedStatuses) isRule()        {}

// Contains reports whether status is one of the allowed values.
func (r AllowedStatuses) Contains(status string) bool {
	return slices.Contains(r.Statuses, status)
}

// MaxEvents caps accepted scans independently of any reuse limit.
type MaxEvents struct {
	Limit int
}

func (MaxEvents) Kind() RuleKind { return RuleMaxEvents }
func (MaxEvents) isRule()        {}

// RetireWhen retires the code after an accepted scan when Expr holds.
// Expr is a CEL expression over status, reuse_count and max_events.
type RetireWhen struct {
	Expr string
}

func (RetireWhen) Kind() RuleKind { return RuleRetireWhen }
func (RetireWhen) isRule()        {}

// LifecyclePolicy is the typed form of a Phase-mode rule set. It is built
// once at issuance and never carried as an untyped map.
type LifecyclePolicy struct {
	Rules []Rule
}

// policyWire is the only accepted JSON shape. Unknown fields are rejected.
type policyWire struct {
	AllowedStatuses []string `json:"allowed_statuses"`
	MaxEvents       *int     `json:"max_events,omitempty"`
	RetireWhen      string   `json:"retire_when,omitempty"`
}

// NewLifecyclePolicy assembles a policy in canonical rule order.
func NewLifecyclePolicy(allowed []string, maxEvents int, retireWhen string) (*LifecyclePolicy, error) {
	if len(allowed) == 0 {
		return nil, fmt.Errorf("%w: allowed_statuses must not be empty", ErrInvalidPolicy)
	}
	for _, s := range allowed {
		if s == "" {
			return nil, fmt.Errorf("%w: allowed_statuses must not contain empty values", ErrInvalidPolicy)
		}
	}
	p := &LifecyclePolicy{Rules: []Rule{AllowedStatuses{Statuses: slices.Clone(allowed)}}}
	if maxEvents < 0 {
		return nil, fmt.Errorf("%w: max_events must be positive", ErrInvalidPolicy)
	}
	if maxEvents > 0 {
		p.Rules = append(p.Rules, MaxEvents{Limit: maxEvents})
	}
	if retireWhen != "" {
		p.Rules = append(p.Rules, RetireWhen{Expr: retireWhen})
	}
	return p, nil
}

// AllowedStatuses returns the status gate. Every valid policy has one.
func (p *LifecyclePolicy) AllowedStatuses() AllowedStatuses {
	for _, r := range p.Rules {
		if v, ok := r.(AllowedStatuses); ok {
			return v
		}
	}
	return AllowedStatuses{}
}

// MaxEvents returns the accepted-scan cap, if any.
func (p *LifecyclePolicy) MaxEvents() (MaxEvents, bool) {
	for _, r := range p.Rules {
		if v, ok := r.(MaxEvents); ok {
			return v, true
		}
	}
	return MaxEvents{}, false
}

// RetireWhen returns the retirement trigger, if any.
func (p *LifecyclePolicy) RetireWhen() (RetireWhen, bool) {
	for _, r := range p.Rules {
		if v, ok := r.(RetireWhen); ok {
			return v, true
		}
	}
	return RetireWhen{}, false
}

// Clone deep-copies the rule set.
func (p *LifecyclePolicy) Clone() *LifecyclePolicy {
	if p == nil {
		return nil
	}
	c := &LifecyclePolicy{Rules: make([]Rule, len(p.Rules))}
	for i, r := range p.Rules {
		if v, ok := r.(AllowedStatuses); ok {
			r = AllowedStatuses{Statuses: slices.Clone(v.Statuses)}
		}
		c.Rules[i] = r
	}
	return c
}

func (p *LifecyclePolicy) MarshalJSON() ([]byte, error) {
	w := policyWire{AllowedStatuses: p.AllowedStatuses().Statuses}
	if m, ok := p.MaxEvents(); ok {
		limit := m.Limit
		w.MaxEvents = &limit
	}
	if r, ok := p.RetireWhen(); ok {
		w.RetireWhen = r.Expr
	}
	return json.Marshal(w)
}

func (p *LifecyclePolicy) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var w policyWire
	if err := dec.Decode(&w); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}
	maxEvents := 0
	if w.MaxEvents != nil {
		if *w.MaxEvents <= 0 {
			return fmt.Errorf("%w: max_events must be positive", ErrInvalidPolicy)
		}
		maxEvents = *w.MaxEvents
	}
	parsed, err := NewLifecyclePolicy(w.AllowedStatuses, maxEvents, w.RetireWhen)
	if err != nil {
		return err
	}
	*p = *parsed
	return nil
}
