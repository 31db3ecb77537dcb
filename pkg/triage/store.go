package triage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// RuleDB is the read surface for persisted rules.
type RuleDB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// LoadRules reads every rule from triage_rules, disabled ones included so
// the evaluator's own enabled check stays the single gate.
func LoadRules(ctx context.Context, db RuleDB) ([]Rule, error) {
	rows, err := db.Query(ctx, `
		SELECT id::text, priority, rule_type, condition, action, enabled
		FROM triage_rules ORDER BY priority, id`)
	if err != nil {
		return nil, fmt.Errorf("loading triage rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var r Rule
		var conditionJSON []byte
		if err := rows.Scan(&r.ID, &r.Priority, &r.Type, &conditionJSON, &r.Action, &r.Enabled); err != nil {
			return nil, fmt.Errorf("scanning triage rule: %w", err)
		}
		if err := json.Unmarshal(conditionJSON, &r.Condition); err != nil {
			return nil, fmt.Errorf("decoding condition of rule %s: %w", r.ID, err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
