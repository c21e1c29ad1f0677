package catalog

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/leapstack-labs/leapgate/pkg/core"
)

// SearchResult is one catalog search hit.
type SearchResult struct {
	ProcedureName string   `json:"procedureName"`
	Domain        string   `json:"domain,omitempty"`
	Entity        string   `json:"entity,omitempty"`
	Score         float64  `json:"score"`
	Parameters    []string `json:"parameters"`
}

// Field weights for token matches.
const (
	weightName        = 3.0
	weightEntity      = 2.0
	weightDomain      = 2.0
	weightDescription = 1.0
	weightParam       = 1.0
)

// Search scores enabled, executable entries against query and returns the
// best topK. Scores are normalized to [0, 1].
func Search(ctx context.Context, repo Repository, query string, topK int) ([]SearchResult, error) {
	entries, err := repo.List(ctx)
	if err != nil {
		return nil, err
	}
	return Rank(entries, query, topK), nil
}

// Rank scores entries against query. An empty query lists entries by name.
func Rank(entries []*core.CatalogEntry, query string, topK int) []SearchResult {
	terms := Tokenize(query)
	maxScore := float64(len(terms)) * weightName

	var results []SearchResult
	for _, e := range entries {
		if !executable(e) {
			continue
		}
		score := 1.0
		if len(terms) > 0 {
			score = scoreEntry(e, terms) / maxScore
			if score <= 0 {
				continue
			}
		}
		results = append(results, SearchResult{
			ProcedureName: e.ProcedureName,
			Domain:        e.Domain,
			Entity:        e.Entity,
			Score:         math.Round(score*1000) / 1000,
			Parameters:    e.ParamNames(),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return strings.ToLower(results[i].ProcedureName) < strings.ToLower(results[j].ProcedureName)
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}

func executable(e *core.CatalogEntry) bool {
	return e.IsEnabled && e.IsReadOnly && e.IsAtomicCompatible
}

// scoreEntry adds, per query term, the weight of the best field it matches.
func scoreEntry(e *core.CatalogEntry, terms []string) float64 {
	fields := []struct {
		tokens map[string]bool
		weight float64
	}{
		{tokenSet(e.ProcedureName), weightName},
		{tokenSet(e.Entity), weightEntity},
		{tokenSet(e.Domain), weightDomain},
		{tokenSet(e.Description), weightDescription},
		{tokenSet(strings.Join(e.ParamNames(), " ")), weightParam},
	}

	var total float64
	for _, term := range terms {
		best := 0.0
		for _, f := range fields {
			w := 0.0
			switch {
			case f.tokens[term]:
				w = f.weight
			case hasPrefixToken(f.tokens, term):
				w = f.weight / 2
			}
			best = max(best, w)
		}
		total += best
	}
	return total
}

func hasPrefixToken(tokens map[string]bool, term string) bool {
	if len(term) < 3 {
		return false
	}
	for t := range tokens {
		if strings.HasPrefix(t, term) {
			return true
		}
	}
	return false
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range Tokenize(s) {
		set[t] = true
	}
	return set
}

// Tokenize lower-cases s and splits it on non-alphanumerics and camelCase
// boundaries. "dbo.usp_GetCollections" yields dbo, usp, get, collections.
func Tokenize(s string) []string {
	var tokens []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			tokens = append(tokens, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}

	runes := []rune(s)
	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if unicode.IsUpper(r) && len(cur) > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || (unicode.IsUpper(prev) && nextLower) {
				flush()
			}
		}
		cur = append(cur, r)
	}
	flush()
	return tokens
}
