// Package triage decides, before any LLM runs, what to do with an inbound
// message: route it straight to a butler, skip it, downgrade it, or pass it
// through to the classifier. Evaluation is deterministic and fail-open; a
// broken rule set must never block ingestion.
package triage

import (
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Decision values.
const (
	DecisionRouteTo          = "route_to"
	DecisionSkip             = "skip"
	DecisionMetadataOnly     = "metadata_only"
	DecisionLowPriorityQueue = "low_priority_queue"
	DecisionPassThrough      = "pass_through"
)

// Rule types.
const (
	RuleSenderDomain    = "sender_domain"
	RuleSenderAddress   = "sender_address"
	RuleHeaderCondition = "header_condition"
	RuleLabelMatch      = "label_match"
)

// Rule is one triage rule row.
type Rule struct {
	ID        string         `json:"id"`
	Priority  int            `json:"priority"`
	Type      string         `json:"rule_type"`
	Condition map[string]any `json:"condition"`
	Action    string         `json:"action"`
	Enabled   bool           `json:"enabled"`
}

// Input is the slice of an ingest envelope the evaluator looks at.
type Input struct {
	Channel       string
	SenderAddress string
	Headers       map[string]string
	Labels        []string
}

// Decision is the evaluation outcome.
type Decision struct {
	Decision        string `json:"decision"`
	TargetButler    string `json:"target_butler,omitempty"`
	MatchedRuleID   string `json:"matched_rule_id,omitempty"`
	MatchedRuleType string `json:"matched_rule_type,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// PassThrough builds a pass_through decision with the given reason.
func PassThrough(reason string) Decision {
	return Decision{Decision: DecisionPassThrough, Reason: reason}
}

// Evaluate runs the rules against input, first match wins. Rules are ordered
// by priority ascending then id, so evaluation order is stable regardless of
// input order. A non-empty affinityTarget acts as a synthetic
// route_to:<target> rule ahead of everything else. Evaluation never returns
// an error: anything unexpected degrades to pass_through.
func Evaluate(input Input, rules []Rule, affinityTarget string) Decision {
	start := time.Now()
	decision := evaluate(input, rules, affinityTarget)
	recordEvaluation(input, decision, time.Since(start))
	return decision
}

func evaluate(input Input, rules []Rule, affinityTarget string) Decision {
	if affinityTarget != "" {
		return Decision{
			Decision:        DecisionRouteTo,
			TargetButler:    affinityTarget,
			MatchedRuleType: "thread_affinity",
			Reason:          "thread previously routed",
		}
	}

	ordered := make([]Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})

	for _, rule := range ordered {
		if !rule.Enabled {
			continue
		}
		matched, ok := matchRule(input, rule)
		if !ok {
			slog.Warn("Unknown triage rule type, skipping", "rule_id", rule.ID, "rule_type", rule.Type)
			continue
		}
		if matched {
			return decisionFromAction(rule)
		}
	}
	return PassThrough("no_rule_matched")
}

// matchRule returns (matched, known). Unknown rule types report known=false.
func matchRule(input Input, rule Rule) (bool, bool) {
	switch rule.Type {
	case RuleSenderDomain:
		return matchSenderDomain(input.SenderAddress, rule.Condition), true
	case RuleSenderAddress:
		addr, _ := rule.Condition["address"].(string)
		return addr != "" && strings.EqualFold(input.SenderAddress, addr), true
	case RuleHeaderCondition:
		return matchHeader(input.Headers, rule.Condition), true
	case RuleLabelMatch:
		return matchLabel(input.Labels, rule.Condition), true
	default:
		return false, false
	}
}

func matchSenderDomain(sender string, cond map[string]any) bool {
	domain, _ := cond["domain"].(string)
	if domain == "" {
		return false
	}
	at := strings.LastIndex(sender, "@")
	if at < 0 {
		return false
	}
	senderDomain := strings.ToLower(sender[at+1:])
	domain = strings.ToLower(domain)

	match, _ := cond["match"].(string)
	if match == "suffix" {
		return senderDomain == domain || strings.HasSuffix(senderDomain, "."+domain)
	}
	return senderDomain == domain
}

func matchHeader(headers map[string]string, cond map[string]any) bool {
	name, _ := cond["header"].(string)
	if name == "" {
		return false
	}
	value, present := lookupHeader(headers, name)
	match, _ := cond["match"].(string)
	want, _ := cond["value"].(string)

	switch match {
	case "present":
		return present
	case "equals":
		return present && strings.EqualFold(value, want)
	case "contains":
		return present && strings.Contains(strings.ToLower(value), strings.ToLower(want))
	default:
		return false
	}
}

func lookupHeader(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

func matchLabel(labels []string, cond map[string]any) bool {
	want, _ := cond["label"].(string)
	if want == "" {
		return false
	}
	for _, label := range labels {
		if strings.EqualFold(label, want) {
			return true
		}
	}
	return false
}

// decisionFromAction parses "route_to:<butler>"; every other action string
// is taken literally as the decision.
func decisionFromAction(rule Rule) Decision {
	d := Decision{
		MatchedRuleID:   rule.ID,
		MatchedRuleType: rule.Type,
	}
	if target, ok := strings.CutPrefix(rule.Action, DecisionRouteTo+":"); ok {
		d.Decision = DecisionRouteTo
		d.TargetButler = target
		return d
	}
	d.Decision = rule.Action
	return d
}
