// Package registry maps outcome token ids to the market they belong to.
package registry

import "github.com/alanyoungcy/tradeledger/internal/domain"

// Registry is an immutable token lookup table. It is built once at startup and
// is safe for any number of concurrent readers.
type Registry struct {
	tokens     map[string]domain.TokenInfo
	conditions []string
}

// New indexes every token of every market. Markets without a condition id or
// without tokens are skipped. A token whose outcome label is missing maps to
// an empty outcome.
func New(markets []domain.Market) *Registry {
	r := &Registry{tokens: make(map[string]domain.TokenInfo)}
	seen := make(map[string]struct{})
	for _, m := range markets {
		if m.ConditionID == "" || len(m.TokenIDs) == 0 {
			continue
		}
		added := false
		for i, tokenID := range m.TokenIDs {
			if tokenID == "" {
				continue
			}
			outcome := ""
			if i < len(m.Outcomes) {
				outcome = m.Outcomes[i]
			}
			r.tokens[tokenID] = domain.TokenInfo{
				ConditionID: m.ConditionID,
				EventSlug:   m.EventSlug,
				Outcome:     outcome,
			}
			added = true
		}
		if _, ok := seen[m.ConditionID]; added && !ok {
			seen[m.ConditionID] = struct{}{}
			r.conditions = append(r.conditions, m.ConditionID)
		}
	}
	return r
}

// Lookup returns the market info for a token id.
func (r *Registry) Lookup(assetID string) (domain.TokenInfo, bool) {
	info, ok := r.tokens[assetID]
	return info, ok
}

// Len returns the number of indexed tokens.
func (r *Registry) Len() int { return len(r.tokens) }

// Conditions returns the distinct condition ids in first-seen order.
func (r *Registry) Conditions() []string {
	out := make([]string, len(r.conditions))
	copy(out, r.conditions)
	return out
}
