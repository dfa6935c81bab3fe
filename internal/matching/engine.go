// Package matching scores candidates against recipient profiles.
package matching

import (
	"fmt"
	"strings"
	"time"

	"bidwatch/internal/model"
)

// Signal weights. The total is clamped to [0, MaxScore].
const (
	CategoryWeight      = 50
	IssuerWeight        = 20
	KeywordWeight       = 10
	SetAsideWeight      = 30
	TextHitWeight       = 5
	MaxScore            = 100
	DefaultMinimumScore = 30
)

// Engine emits a MatchRecord when the score reaches the minimum.
type Engine struct {
	minScore int
}

// NewEngine returns an engine with the given emission threshold.
func NewEngine(minScore int) *Engine {
	return &Engine{minScore: minScore}
}

// MinScore is the emission threshold.
func (e *Engine) MinScore() int { return e.minScore }

// Match scores one pair and builds the record when it qualifies.
func (e *Engine) Match(c model.Candidate, p model.RecipientProfile, now time.Time) (model.MatchRecord, bool) {
	score, reasons := Score(c, p)
	if score < e.minScore {
		return model.MatchRecord{}, false
	}
	return model.MatchRecord{
		RecipientID: p.ID,
		CandidateID: c.ExternalID,
		Score:       score,
		Reasons:     reasons,
		CreatedAt:   now,
	}, true
}

// Score is a pure function of its inputs. Signals are evaluated in a fixed
// order (category, issuer, keywords, set-aside, title/description hits) and
// reasons are appended in that order.
func Score(c model.Candidate, p model.RecipientProfile) (int, []string) {
	score := 0
	reasons := make([]string, 0, 5)

	if containsExact(p.Categories, c.Category) {
		score += CategoryWeight
		reasons = append(reasons, "category match")
	}

	if containsExact(p.PreferredIssuers, c.Issuer) {
		score += IssuerWeight
		reasons = append(reasons, "preferred issuer")
	}

	if n := keywordOverlap(c.Keywords, p.Keywords); n > 0 {
		score += n * KeywordWeight
		reasons = append(reasons, plural(n, "keyword match", "keyword matches"))
	}

	if c.SetAside != "" && containsFold(p.Qualifications, c.SetAside) {
		score += SetAsideWeight
		reasons = append(reasons, "set-aside match")
	}

	if n := textHits(c.Title+" "+c.Description, p.Keywords); n > 0 {
		score += n * TextHitWeight
		reasons = append(reasons, plural(n, "title/description hit", "title/description hits"))
	}

	return clamp(score), reasons
}

// keywordOverlap counts profile keywords that match at least one candidate
// keyword, case-insensitively, with substring containment in either direction.
func keywordOverlap(candidateKeywords, profileKeywords []string) int {
	n := 0
	for _, pk := range profileKeywords {
		pk = strings.ToLower(strings.TrimSpace(pk))
		if pk == "" {
			continue
		}
		for _, ck := range candidateKeywords {
			ck = strings.ToLower(strings.TrimSpace(ck))
			if ck == "" {
				continue
			}
			if strings.Contains(ck, pk) || strings.Contains(pk, ck) {
				n++
				break
			}
		}
	}
	return n
}

// textHits counts profile keywords found as substrings of text.
func textHits(text string, profileKeywords []string) int {
	lower := strings.ToLower(text)
	n := 0
	for _, pk := range profileKeywords {
		pk = strings.ToLower(strings.TrimSpace(pk))
		if pk != "" && strings.Contains(lower, pk) {
			n++
		}
	}
	return n
}

func containsExact(set []string, v string) bool {
	if v == "" {
		return false
	}
	for _, s := range set {
		if strings.TrimSpace(s) == v {
			return true
		}
	}
	return false
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(strings.TrimSpace(s), v) {
			return true
		}
	}
	return false
}

func clamp(score int) int {
	return min(max(score, 0), MaxScore)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", one)
	}
	return fmt.Sprintf("%d %s", n, many)
}
