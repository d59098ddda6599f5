package breaks

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/finrecon/recond/internal/models"
)

// Action is what an auto-resolution rule does when it fires.
type Action string

const (
	ActionAcceptExternal Action = "accept-external"
	ActionAcceptInternal Action = "accept-internal"
	ActionUpdateMapping  Action = "update-mapping"
	ActionAmend          Action = "amend"
)

// RuleKind tags the predicate variant a rule evaluates. Rules are plain data
// plus a pure evaluator, so a rule set can be serialized, diffed, and
// reviewed without reading code.
type RuleKind string

const (
	// RuleSettlementWithinDays fires on settlement-date mismatches within
	// Days calendar days.
	RuleSettlementWithinDays RuleKind = "settlement-within-days"
	// RulePriceDiffWithin fires on price mismatches with |difference| within
	// Threshold (inclusive unless Strict).
	RulePriceDiffWithin RuleKind = "price-diff-within"
	// RuleQuantityDiffWithin is the quantity analogue of RulePriceDiffWithin.
	RuleQuantityDiffWithin RuleKind = "quantity-diff-within"
	// RuleCounterpartyAlias fires on counterparty mismatches whose two names
	// are known aliases in the injected alias table.
	RuleCounterpartyAlias RuleKind = "counterparty-alias"
)

// Rule is one declarative auto-resolution rule.
type Rule struct {
	Name      string
	Kind      RuleKind
	Days      int
	Threshold decimal.Decimal
	// Strict selects < instead of <= for the threshold comparison.
	Strict bool
	Action Action
	Reason string
}

// DefaultRules returns the built-in rule set, evaluated in order.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:   "settlement_date_t_plus_adjustment",
			Kind:   RuleSettlementWithinDays,
			Days:   1,
			Action: ActionAcceptExternal,
			Reason: "Settlement date within T+1 tolerance",
		},
		{
			Name:      "penny_rounding",
			Kind:      RulePriceDiffWithin,
			Threshold: decimal.NewFromFloat(0.01),
			Action:    ActionAcceptExternal,
			Reason:    "Price difference within rounding tolerance (1 cent)",
		},
		{
			Name:      "quantity_rounding",
			Kind:      RuleQuantityDiffWithin,
			Threshold: decimal.NewFromFloat(0.01),
			Strict:    true,
			Action:    ActionAcceptInternal,
			Reason:    "Quantity difference negligible (< 0.01 units)",
		},
		{
			Name:   "known_counterparty_mapping",
			Kind:   RuleCounterpartyAlias,
			Action: ActionUpdateMapping,
			Reason: "Counterparty names are known aliases",
		},
	}
}

// AliasTable maps counterparty names to known aliases. Lookups are symmetric
// and case-insensitive.
type AliasTable map[string]string

// AreAliases reports whether a and b are known aliases in either direction.
func (t AliasTable) AreAliases(a, b string) bool {
	a = strings.ToUpper(strings.TrimSpace(a))
	b = strings.ToUpper(strings.TrimSpace(b))
	for name, alias := range t {
		name = strings.ToUpper(name)
		alias = strings.ToUpper(alias)
		if (name == a && alias == b) || (name == b && alias == a) {
			return true
		}
	}
	return false
}

// Evaluate applies a rule's predicate to a break. It is pure: no side
// effects, the same inputs always produce the same answer. An error means
// the predicate could not be evaluated and is treated as false by the
// resolver.
func Evaluate(r Rule, b *models.Break, aliases AliasTable) (bool, error) {
	switch r.Kind {
	case RuleSettlementWithinDays:
		if b.Type != models.BreakSettlementDateMismatch {
			return false, nil
		}
		expected, err := time.Parse("2006-01-02", b.ExpectedValue)
		if err != nil {
			return false, fmt.Errorf("rule %s: parsing expected settlement %q: %w", r.Name, b.ExpectedValue, err)
		}
		actual, err := time.Parse("2006-01-02", b.ActualValue)
		if err != nil {
			return false, fmt.Errorf("rule %s: parsing actual settlement %q: %w", r.Name, b.ActualValue, err)
		}
		delta := actual.Sub(expected)
		if delta < 0 {
			delta = -delta
		}
		return delta <= time.Duration(r.Days)*24*time.Hour, nil

	case RulePriceDiffWithin:
		if b.Type != models.BreakPriceMismatch || !b.Difference.Valid {
			return false, nil
		}
		return withinThreshold(b.AbsDifference(), r.Threshold, r.Strict), nil

	case RuleQuantityDiffWithin:
		if b.Type != models.BreakQuantityMismatch || !b.Difference.Valid {
			return false, nil
		}
		return withinThreshold(b.AbsDifference(), r.Threshold, r.Strict), nil

	case RuleCounterpartyAlias:
		if b.Type != models.BreakCounterpartyMismatch {
			return false, nil
		}
		return aliases.AreAliases(b.ExpectedValue, b.ActualValue), nil

	default:
		return false, fmt.Errorf("rule %s: unknown kind %q", r.Name, r.Kind)
	}
}

func withinThreshold(v, threshold decimal.Decimal, strict bool) bool {
	cmp := v.Cmp(threshold)
	if strict {
		return cmp < 0
	}
	return cmp <= 0
}

// Resolution records one auto-resolver fire.
type Resolution struct {
	BreakID   string    `json:"break_id"`
	Rule      string    `json:"rule_name"`
	Action    Action    `json:"action"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// BatchResult summarizes a batch auto-resolution pass.
type BatchResult struct {
	Total        int
	AutoResolved int
	Failed       int
	Resolutions  []Resolution
}

// Resolver evaluates the rule list against classified breaks. The alias
// table is read-only for the resolver's lifetime.
type Resolver struct {
	rules   []Rule
	aliases AliasTable
	logger  *logrus.Logger
	now     func() time.Time
}

// NewResolver creates a resolver with the given rules, or DefaultRules when
// rules is nil.
func NewResolver(rules []Rule, aliases AliasTable, logger *logrus.Logger) *Resolver {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Resolver{
		rules:   rules,
		aliases: aliases,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Resolve attempts to auto-resolve one break. The first rule whose predicate
// holds fires; a predicate error is logged and treated as false. On a fire
// the break is mutated: status auto-resolved, resolution timestamp and notes
// set.
func (r *Resolver) Resolve(b *models.Break) (Resolution, bool) {
	for _, rule := range r.rules {
		fired, err := Evaluate(rule, b, r.aliases)
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"rule":     rule.Name,
				"break_id": b.ID,
			}).Warnf("rule evaluation failed, treating as no-match: %v", err)
			continue
		}
		if !fired {
			continue
		}

		ts := r.now()
		b.Status = models.BreakAutoResolved
		b.ResolvedAt = &ts
		b.ResolutionNotes = "Auto-resolved: " + rule.Reason

		return Resolution{
			BreakID:   b.ID,
			Rule:      rule.Name,
			Action:    rule.Action,
			Reason:    rule.Reason,
			Timestamp: ts,
		}, true
	}
	return Resolution{}, false
}

// BatchResolve evaluates the rule set over a batch of classified breaks.
// Only breaks flagged auto-resolvable are considered, and breaks already in
// a terminal status are skipped, so repeating a batch produces no new fires.
func (r *Resolver) BatchResolve(breaks []*models.Break) BatchResult {
	result := BatchResult{Total: len(breaks)}

	for _, b := range breaks {
		if !b.AutoResolvable || b.Status.Terminal() {
			continue
		}
		if res, ok := r.Resolve(b); ok {
			result.AutoResolved++
			result.Resolutions = append(result.Resolutions, res)
		} else {
			result.Failed++
		}
	}

	return result
}
