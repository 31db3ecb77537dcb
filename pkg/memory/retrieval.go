package memory

import (
	"context"
	"fmt"
	"strings"
)

// fetch caps keep retrieval bounded before the token budget trims further.
const (
	maxFactsFetched    = 100
	maxRulesFetched    = 50
	maxEpisodesFetched = 50
)

// ContextBlock assembles the memory block prepended to a session's system
// prompt, trimmed to tokenBudget. Rules come first (standing guidance),
// then facts, then recent episodes; within the budget, later sections give
// way to earlier ones.
func (s *Store) ContextBlock(ctx context.Context, tokenBudget int) (string, error) {
	rules, err := s.fetchStrings(ctx, `
		SELECT content FROM memory_rules
		WHERE NOT (metadata ? 'forgotten')
		ORDER BY created_at DESC LIMIT $1`, maxRulesFetched)
	if err != nil {
		return "", fmt.Errorf("fetching rules: %w", err)
	}

	facts, err := s.fetchStrings(ctx, `
		SELECT subject || ' ' || predicate || ': ' || content FROM facts
		WHERE validity = 'active'
		ORDER BY last_referenced_at DESC NULLS LAST, created_at DESC LIMIT $1`, maxFactsFetched)
	if err != nil {
		return "", fmt.Errorf("fetching facts: %w", err)
	}

	episodes, err := s.fetchStrings(ctx, `
		SELECT content FROM episodes
		WHERE expires_at IS NULL OR expires_at > now()
		ORDER BY created_at DESC LIMIT $1`, maxEpisodesFetched)
	if err != nil {
		return "", fmt.Errorf("fetching episodes: %w", err)
	}

	return formatContext(rules, facts, episodes, tokenBudget), nil
}

func (s *Store) fetchStrings(ctx context.Context, sql string, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx, sql, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// formatContext renders the block, dropping trailing items once the token
// budget is exhausted. An empty store yields an empty string.
func formatContext(rules, facts, episodes []string, tokenBudget int) string {
	if len(rules)+len(facts)+len(episodes) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Memory Context\n")
	budget := tokenBudget - estimateTokens(b.String())

	writeSection := func(header string, items []string) {
		if len(items) == 0 || budget <= 0 {
			return
		}
		headerLine := "\n### " + header + "\n"
		cost := estimateTokens(headerLine)
		if cost > budget {
			return
		}
		wrote := false
		for _, item := range items {
			line := "- " + item + "\n"
			lineCost := estimateTokens(line)
			if cost+lineCost > budget {
				break
			}
			if !wrote {
				b.WriteString(headerLine)
				wrote = true
			}
			b.WriteString(line)
			cost += lineCost
		}
		if wrote {
			budget -= cost
		}
	}

	writeSection("Rules", rules)
	writeSection("Facts", facts)
	writeSection("Recent Episodes", episodes)

	out := b.String()
	if out == "## Memory Context\n" {
		return ""
	}
	return strings.TrimRight(out, "\n")
}

func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}
