// Package customrules implements the gateway's optional additive policy
// extension (SPEC_FULL §9): an org-supplied Rego module, carried on
// manifest.Policy.CustomRego, evaluated once the fixed 12-step core
// (internal/policy) has already produced its own outcome. It can only add
// a DENY or ESCALATE on top of that outcome; it is never consulted to
// relax a core DENY. Adapted from the teacher's OPAEngine
// (internal/policy/engine.go), whose rego.New/rego.Module/PrepareForEval
// pipeline this package reuses, with a bounded cache of compiled queries
// (preparedCache) in place of its decision cache, narrowed to a single
// decision query evaluated against one inline module string rather than a
// directory of policy files.
package customrules

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/UAPK/gateway-core/internal/gwerr"
	"github.com/UAPK/gateway-core/internal/metrics"
	"github.com/UAPK/gateway-core/internal/policy"
)

// decisionQuery is the fixed Rego entrypoint every custom module must
// define, mirroring the teacher's "data.shannon.task.decision" convention
// adapted to this gateway's package namespace.
const decisionQuery = "data.gateway.custom.decision"

// Engine compiles and evaluates per-manifest Rego modules. A single Engine
// is shared across manifests; modules are compiled on first use and cached
// by content hash so repeated evaluations against the same CustomRego
// string reuse the prepared query.
type Engine struct {
	logger *zap.Logger
	cache  *preparedCache
}

// NewEngine constructs a customrules Engine. logger may be nil.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		logger: logger,
		cache:  newPreparedCache(256, 10*time.Minute),
	}
}

// evalDoc is the JSON shape handed to the Rego module as `input`.
type evalDoc struct {
	OrgID        string                 `json:"org_id"`
	UAPKID       string                 `json:"uapk_id"`
	AgentID      string                 `json:"agent_id"`
	ActionType   string                 `json:"action_type"`
	Tool         string                 `json:"tool"`
	Amount       *float64               `json:"amount,omitempty"`
	Currency     string                 `json:"currency,omitempty"`
	Counterparty map[string]interface{} `json:"counterparty,omitempty"`
	Params       map[string]interface{} `json:"params,omitempty"`
}

// resultDoc is the expected shape of the Rego decision value:
//
//	{"outcome": "ALLOW"|"DENY"|"ESCALATE", "code": "...", "message": "..."}
//
// Any other shape (including a bare boolean, for modules ported from
// simpler allow/deny rules) degrades to ALLOW/DENY with a generic code.
type resultDoc struct {
	Outcome string `json:"outcome"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Evaluate implements policy.CustomRuleEvaluator. regoSrc is the manifest's
// Policy.CustomRego module source.
func (e *Engine) Evaluate(ctx context.Context, regoSrc string, action policy.Action, rc policy.RequestContext) (policy.CustomVerdict, error) {
	prepared, err := e.prepare(ctx, regoSrc)
	if err != nil {
		return policy.CustomVerdict{}, fmt.Errorf("customrules: compile: %w", err)
	}

	doc := evalDoc{
		OrgID: rc.OrgID, UAPKID: rc.UAPKID, AgentID: rc.AgentID,
		ActionType: action.Type, Tool: action.Tool,
		Amount: action.Amount, Currency: action.Currency, Params: action.Params,
	}
	if action.Counterparty != nil {
		doc.Counterparty = map[string]interface{}{
			"id": action.Counterparty.ID, "host": action.Counterparty.Host,
			"jurisdiction": action.Counterparty.Jurisdiction,
		}
	}
	inputMap, err := toInputMap(doc)
	if err != nil {
		return policy.CustomVerdict{}, fmt.Errorf("customrules: encode input: %w", err)
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		return policy.CustomVerdict{}, fmt.Errorf("customrules: eval: %w", err)
	}

	verdict := parseResult(results)
	metrics.RecordCustomRuleDecision(string(verdict.Outcome))
	e.logger.Debug("custom rule evaluated",
		zap.String("org_id", rc.OrgID), zap.String("uapk_id", rc.UAPKID),
		zap.String("action_type", action.Type), zap.String("outcome", string(verdict.Outcome)))
	return verdict, nil
}

func parseResult(results rego.ResultSet) policy.CustomVerdict {
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return policy.CustomVerdict{Outcome: policy.OutcomeAllow}
	}

	value := results[0].Expressions[0].Value
	switch v := value.(type) {
	case bool:
		if v {
			return policy.CustomVerdict{Outcome: policy.OutcomeAllow}
		}
		return policy.CustomVerdict{
			Outcome: policy.OutcomeDeny,
			Reason:  gwerr.NewReason(gwerr.CodeCustomRuleDenied, "denied by custom rule"),
		}
	case map[string]interface{}:
		var rd resultDoc
		if outcome, ok := v["outcome"].(string); ok {
			rd.Outcome = outcome
		}
		if code, ok := v["code"].(string); ok {
			rd.Code = code
		}
		if msg, ok := v["message"].(string); ok {
			rd.Message = msg
		}
		switch policy.Outcome(rd.Outcome) {
		case policy.OutcomeDeny:
			code := gwerr.CodeCustomRuleDenied
			if rd.Code != "" {
				code = gwerr.Code(rd.Code)
			}
			return policy.CustomVerdict{Outcome: policy.OutcomeDeny, Reason: gwerr.NewReason(code, orDefault(rd.Message, "denied by custom rule"))}
		case policy.OutcomeEscalate:
			code := gwerr.CodeCustomRuleEscalate
			if rd.Code != "" {
				code = gwerr.Code(rd.Code)
			}
			return policy.CustomVerdict{Outcome: policy.OutcomeEscalate, Reason: gwerr.NewReason(code, orDefault(rd.Message, "escalated by custom rule"))}
		default:
			return policy.CustomVerdict{Outcome: policy.OutcomeAllow}
		}
	default:
		return policy.CustomVerdict{Outcome: policy.OutcomeAllow}
	}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func toInputMap(doc evalDoc) (map[string]interface{}, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (e *Engine) prepare(ctx context.Context, regoSrc string) (*rego.PreparedEvalQuery, error) {
	key := moduleKey(regoSrc)
	if cached, ok := e.cache.get(key); ok {
		metrics.RecordCustomRuleCache(true)
		return cached, nil
	}
	metrics.RecordCustomRuleCache(false)

	r := rego.New(
		rego.Query(decisionQuery),
		rego.Module("custom.rego", regoSrc),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}
	e.cache.set(key, &prepared)
	return &prepared, nil
}

func moduleKey(src string) string {
	sum := sha256.Sum256([]byte(src))
	return hex.EncodeToString(sum[:])
}

// preparedCache is a small LRU+TTL cache of compiled Rego queries, adapted
// from the teacher's decisionCache (internal/policy/engine.go) and
// narrowed to cache compiled modules rather than decisions: a manifest's
// CustomRego string rarely changes between evaluations of the same agent,
// so recompiling it on every Evaluate call would be wasted work.
type preparedCache struct {
	cap int
	ttl time.Duration

	mu   sync.Mutex
	list *list.List
	m    map[string]*list.Element
}

type preparedEntry struct {
	key       string
	expiresAt time.Time
	query     *rego.PreparedEvalQuery
}

func newPreparedCache(cap int, ttl time.Duration) *preparedCache {
	if cap <= 0 {
		cap = 256
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &preparedCache{cap: cap, ttl: ttl, list: list.New(), m: make(map[string]*list.Element)}
}

func (c *preparedCache) get(key string) (*rego.PreparedEvalQuery, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.m[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*preparedEntry)
	if time.Now().After(entry.expiresAt) {
		c.list.Remove(el)
		delete(c.m, key)
		return nil, false
	}
	c.list.MoveToFront(el)
	return entry.query, true
}

func (c *preparedCache) set(key string, q *rego.PreparedEvalQuery) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.m[key]; ok {
		el.Value.(*preparedEntry).query = q
		el.Value.(*preparedEntry).expiresAt = time.Now().Add(c.ttl)
		c.list.MoveToFront(el)
		return
	}

	entry := &preparedEntry{key: key, expiresAt: time.Now().Add(c.ttl), query: q}
	el := c.list.PushFront(entry)
	c.m[key] = el

	for c.list.Len() > c.cap {
		oldest := c.list.Back()
		if oldest == nil {
			break
		}
		c.list.Remove(oldest)
		delete(c.m, oldest.Value.(*preparedEntry).key)
	}
}
