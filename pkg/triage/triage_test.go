package triage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSenderDomainExactAndSuffix(t *testing.T) {
	tests := []struct {
		name    string
		sender  string
		cond    map[string]any
		matched bool
	}{
		{"exact match", "alerts@github.com", map[string]any{"domain": "github.com", "match": "exact"}, true},
		{"exact rejects subdomain", "alerts@mail.github.com", map[string]any{"domain": "github.com", "match": "exact"}, false},
		{"suffix accepts subdomain", "alerts@mail.github.com", map[string]any{"domain": "github.com", "match": "suffix"}, true},
		{"suffix accepts exact", "alerts@github.com", map[string]any{"domain": "github.com", "match": "suffix"}, true},
		{"suffix rejects lookalike", "alerts@notgithub.com", map[string]any{"domain": "github.com", "match": "suffix"}, false},
		{"case insensitive", "Alerts@GitHub.COM", map[string]any{"domain": "github.com", "match": "exact"}, true},
		{"no at sign", "not-an-address", map[string]any{"domain": "github.com", "match": "exact"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := Input{Channel: "email", SenderAddress: tt.sender}
			rules := []Rule{{ID: "r1", Priority: 10, Type: RuleSenderDomain, Condition: tt.cond, Action: "skip", Enabled: true}}
			d := Evaluate(input, rules, "")
			if tt.matched {
				assert.Equal(t, DecisionSkip, d.Decision)
				assert.Equal(t, "r1", d.MatchedRuleID)
			} else {
				assert.Equal(t, DecisionPassThrough, d.Decision)
			}
		})
	}
}

func TestHeaderCondition(t *testing.T) {
	headers := map[string]string{"List-Unsubscribe": "<mailto:off@example.com>", "X-Priority": "1"}
	input := Input{Channel: "email", Headers: headers}

	tests := []struct {
		name    string
		cond    map[string]any
		matched bool
	}{
		{"present", map[string]any{"header": "List-Unsubscribe", "match": "present"}, true},
		{"present case-insensitive", map[string]any{"header": "list-unsubscribe", "match": "present"}, true},
		{"absent", map[string]any{"header": "X-Spam", "match": "present"}, false},
		{"equals", map[string]any{"header": "X-Priority", "match": "equals", "value": "1"}, true},
		{"contains", map[string]any{"header": "List-Unsubscribe", "match": "contains", "value": "MAILTO"}, true},
		{"contains miss", map[string]any{"header": "List-Unsubscribe", "match": "contains", "value": "https"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules := []Rule{{ID: "h1", Priority: 1, Type: RuleHeaderCondition, Condition: tt.cond, Action: "low_priority_queue", Enabled: true}}
			d := Evaluate(input, rules, "")
			if tt.matched {
				assert.Equal(t, DecisionLowPriorityQueue, d.Decision)
			} else {
				assert.Equal(t, DecisionPassThrough, d.Decision)
			}
		})
	}
}

func TestLabelMatchCaseInsensitive(t *testing.T) {
	input := Input{Channel: "email", Labels: []string{"INBOX", "Newsletters"}}
	rules := []Rule{{ID: "l1", Priority: 5, Type: RuleLabelMatch,
		Condition: map[string]any{"label": "newsletters"}, Action: "metadata_only", Enabled: true}}

	d := Evaluate(input, rules, "")
	assert.Equal(t, DecisionMetadataOnly, d.Decision)
	assert.Equal(t, RuleLabelMatch, d.MatchedRuleType)
}

func TestPriorityOrderThenID(t *testing.T) {
	input := Input{Channel: "email", SenderAddress: "boss@corp.com"}
	// Two rules match; the lower priority number wins. At equal priority,
	// the lexicographically smaller id wins.
	rules := []Rule{
		{ID: "z-late", Priority: 20, Type: RuleSenderDomain,
			Condition: map[string]any{"domain": "corp.com"}, Action: "skip", Enabled: true},
		{ID: "b", Priority: 10, Type: RuleSenderDomain,
			Condition: map[string]any{"domain": "corp.com"}, Action: "route_to:work", Enabled: true},
		{ID: "a", Priority: 10, Type: RuleSenderAddress,
			Condition: map[string]any{"address": "boss@corp.com"}, Action: "route_to:urgent", Enabled: true},
	}

	d := Evaluate(input, rules, "")
	assert.Equal(t, DecisionRouteTo, d.Decision)
	assert.Equal(t, "urgent", d.TargetButler)
	assert.Equal(t, "a", d.MatchedRuleID)

	// Input order must not matter.
	reversed := []Rule{rules[2], rules[1], rules[0]}
	assert.Equal(t, d, Evaluate(input, reversed, ""))
}

func TestThreadAffinityWins(t *testing.T) {
	input := Input{Channel: "email", SenderAddress: "boss@corp.com"}
	rules := []Rule{{ID: "r1", Priority: 1, Type: RuleSenderDomain,
		Condition: map[string]any{"domain": "corp.com"}, Action: "skip", Enabled: true}}

	d := Evaluate(input, rules, "finance")
	assert.Equal(t, DecisionRouteTo, d.Decision)
	assert.Equal(t, "finance", d.TargetButler)
	assert.Equal(t, "thread_affinity", d.MatchedRuleType)
}

func TestUnknownRuleTypeSkipped(t *testing.T) {
	input := Input{Channel: "email", SenderAddress: "a@b.com"}
	rules := []Rule{
		{ID: "weird", Priority: 1, Type: "regex_body", Condition: map[string]any{}, Action: "skip", Enabled: true},
		{ID: "ok", Priority: 2, Type: RuleSenderDomain,
			Condition: map[string]any{"domain": "b.com"}, Action: "route_to:general", Enabled: true},
	}

	d := Evaluate(input, rules, "")
	assert.Equal(t, DecisionRouteTo, d.Decision)
	assert.Equal(t, "ok", d.MatchedRuleID)
}

func TestDisabledRuleSkipped(t *testing.T) {
	input := Input{Channel: "email", SenderAddress: "a@b.com"}
	rules := []Rule{{ID: "off", Priority: 1, Type: RuleSenderDomain,
		Condition: map[string]any{"domain": "b.com"}, Action: "skip", Enabled: false}}

	d := Evaluate(input, rules, "")
	assert.Equal(t, DecisionPassThrough, d.Decision)
	assert.Equal(t, "no_rule_matched", d.Reason)
}

func TestLiteralActionCarriesThrough(t *testing.T) {
	input := Input{Channel: "email", SenderAddress: "a@b.com"}
	rules := []Rule{{ID: "r", Priority: 1, Type: RuleSenderDomain,
		Condition: map[string]any{"domain": "b.com"}, Action: "skip", Enabled: true}}

	d := Evaluate(input, rules, "")
	assert.Equal(t, "skip", d.Decision)
	assert.Empty(t, d.TargetButler)
}
