// Package policy validates reuse policies at issuance and judges scan
// admissibility for the lifecycle engine.
//
// Evaluate is a pure function of the code and the request context, so the
// same judgement serves both the authoritative check under the entity lock
// and dry-run previews.
package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/qrgov/pkg/qrcode"
)

const schemaURL = "https://qrgov.schemas.local/lifecycle-policy.schema.json"

// lifecyclePolicySchema is the only accepted Phase policy shape.
const lifecyclePolicySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["allowed_statuses"],
  "properties": {
    "allowed_statuses": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string", "minLength": 1}
    },
    "max_events": {"type": "integer", "minimum": 1},
    "retire_when": {"type": "string", "minLength": 1}
  }
}`

// Context is the request context a scan is judged against.
type Context struct {
	ProductStatus string
}

// Decision is the outcome of evaluating one prospective scan.
type Decision struct {
	Admissible bool          `json:"admissible"`
	Reason     qrcode.Reason `json:"reason,omitempty"`
	// Retire reports whether accepting this scan would retire the code.
	Retire bool `json:"retire"`
	// RetireError is set when retire_when failed to evaluate. The scan is
	// still admitted and the code is not retired.
	RetireError string `json:"retire_error,omitempty"`
}

// Evaluator checks issuance requests and evaluates scans.
type Evaluator struct {
	schema *jsonschema.Schema
	env    *cel.Env
	logger *slog.Logger

	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewEvaluator compiles the policy schema and the retire_when environment.
func NewEvaluator() (*Evaluator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(lifecyclePolicySchema)); err != nil {
		return nil, fmt.Errorf("policy schema load failed: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("policy schema compile failed: %w", err)
	}

	env, err := cel.NewEnv(
		cel.Variable("status", cel.StringType),
		cel.Variable("reuse_count", cel.IntType),
		cel.Variable("max_events", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{
		schema:   schema,
		env:      env,
		logger:   slog.Default().With("component", "policy"),
		prgCache: make(map[string]cel.Program),
	}, nil
}

// CheckIssue validates the mode, limit and policy of an issuance request and
// returns the typed policy for Phase codes.
func (e *Evaluator) CheckIssue(mode qrcode.ReusableMode, limit *int, rawPolicy json.RawMessage) (*qrcode.LifecyclePolicy, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: %q", qrcode.ErrInvalidMode, mode)
	}
	hasPolicy := len(bytes.TrimSpace(rawPolicy)) > 0 && !bytes.Equal(bytes.TrimSpace(rawPolicy), []byte("null"))

	switch mode {
	case qrcode.ModeLimited:
		if limit == nil || *limit <= 0 {
			return nil, fmt.Errorf("%w: limited mode requires a positive reuse_limit", qrcode.ErrInvalidLimit)
		}
	default:
		if limit != nil {
			return nil, fmt.Errorf("%w: reuse_limit only applies to limited mode", qrcode.ErrInvalidLimit)
		}
	}

	switch mode {
	case qrcode.ModePhase:
		if !hasPolicy {
			return nil, fmt.Errorf("%w: phase mode requires a lifecycle_policy", qrcode.ErrInvalidPolicy)
		}
		return e.ParsePolicy(rawPolicy)
	default:
		if hasPolicy {
			return nil, fmt.Errorf("%w: lifecycle_policy only applies to phase mode", qrcode.ErrInvalidPolicy)
		}
	}
	return nil, nil
}

// ParsePolicy validates raw against the policy schema and converts it into
// typed rules. Statuses are NFC-normalized and deduplicated.
func (e *Evaluator) ParsePolicy(raw json.RawMessage) (*qrcode.LifecyclePolicy, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w", qrcode.ErrInvalidPolicy, err)
	}
	if err := e.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %w", qrcode.ErrInvalidPolicy, err)
	}

	var p qrcode.LifecyclePolicy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", qrcode.ErrInvalidPolicy, err)
	}

	allowed := p.AllowedStatuses().Statuses
	normalized := make([]string, 0, len(allowed))
	for _, s := range allowed {
		n := NormalizeStatus(s)
		if n == "" {
			return nil, fmt.Errorf("%w: blank allowed status", qrcode.ErrInvalidPolicy)
		}
		if !slices.Contains(normalized, n) {
			normalized = append(normalized, n)
		}
	}

	maxEvents := 0
	if m, ok := p.MaxEvents(); ok {
		maxEvents = m.Limit
	}
	expr := ""
	if r, ok := p.RetireWhen(); ok {
		expr = r.Expr
		if _, err := e.program(expr); err != nil {
			return nil, fmt.Errorf("%w: retire_when: %w", qrcode.ErrInvalidPolicy, err)
		}
	}
	return qrcode.NewLifecyclePolicy(normalized, maxEvents, expr)
}

// Exhausted reports whether q was retired by using up its reuse bound.
// Scans of such a code are rejected rather than failing as terminal.
func Exhausted(q qrcode.QrCode) bool {
	if q.LifecycleState != qrcode.StateRetired || q.Status == qrcode.StatusRevoked {
		return false
	}
	switch q.ReusableMode {
	case qrcode.ModeLimited:
		return q.ReuseLimit != nil && q.ReuseCount >= *q.ReuseLimit
	case qrcode.ModePhase:
		if q.LifecyclePolicy == nil {
			return false
		}
		m, ok := q.LifecyclePolicy.MaxEvents()
		return ok && q.ReuseCount >= m.Limit
	}
	return false
}

// Evaluate judges a prospective scan of q. It never mutates q.
func (e *Evaluator) Evaluate(q qrcode.QrCode, c Context) (Decision, error) {
	if q.IsTerminal() {
		if Exhausted(q) {
			return reject(qrcode.ReasonReuseLimitExceeded), nil
		}
		return Decision{}, qrcode.ErrTerminal
	}
	if q.Status == qrcode.StatusInactive {
		return reject(qrcode.ReasonCodeInactive), nil
	}

	next := q.ReuseCount + 1
	switch q.ReusableMode {
	case qrcode.ModeUnlimited:
		return Decision{Admissible: true}, nil

	case qrcode.ModeLimited:
		if q.ReuseLimit == nil || *q.ReuseLimit <= 0 {
			return Decision{}, fmt.Errorf("%w: limited code %s has no reuse limit", qrcode.ErrInvariant, q.ID)
		}
		if q.ReuseCount >= *q.ReuseLimit {
			return reject(qrcode.ReasonReuseLimitExceeded), nil
		}
		return Decision{Admissible: true, Retire: next >= *q.ReuseLimit}, nil

	case qrcode.ModePhase:
		p := q.LifecyclePolicy
		if p == nil {
			return Decision{}, fmt.Errorf("%w: phase code %s has no policy", qrcode.ErrInvalidPolicy, q.ID)
		}
		status := NormalizeStatus(c.ProductStatus)
		if !p.AllowedStatuses().Contains(status) {
			return reject(qrcode.ReasonProductLifecycleMismatch), nil
		}
		maxEvents := 0
		if m, ok := p.MaxEvents(); ok {
			maxEvents = m.Limit
			if q.ReuseCount >= maxEvents {
				return reject(qrcode.ReasonReuseLimitExceeded), nil
			}
		}
		d := Decision{Admissible: true, Retire: maxEvents > 0 && next >= maxEvents}
		if r, ok := p.RetireWhen(); ok && !d.Retire {
			retire, err := e.evalRetire(r.Expr, status, next, maxEvents)
			if err != nil {
				e.logger.Warn("retire_when evaluation failed; not retiring", "qr_id", q.ID, "expr", r.Expr, "error", err)
				d.RetireError = err.Error()
			}
			d.Retire = retire
		}
		return d, nil
	}
	return Decision{}, fmt.Errorf("%w: %q", qrcode.ErrInvalidMode, q.ReusableMode)
}

// NormalizeStatus trims and NFC-normalizes a product lifecycle status.
// Comparison stays case-sensitive.
func NormalizeStatus(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func reject(r qrcode.Reason) Decision {
	return Decision{Admissible: false, Reason: r}
}

func (e *Evaluator) evalRetire(expr, status string, reuseCount, maxEvents int) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"status":      status,
		"reuse_count": int64(reuseCount),
		"max_events":  int64(maxEvents),
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must be bool, got %s", ast.OutputType())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}
