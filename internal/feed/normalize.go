package feed

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"bidwatch/internal/model"
)

const (
	defaultDeadlineWindow = 30 * 24 * time.Hour
	maxKeywords           = 20
	minKeywordLen         = 4 // tokens of length <= 3 are dropped

	defaultTitle    = "Untitled notice"
	defaultCategory = "000000"
	defaultIssuer   = "UNKNOWN"
)

// generatedIDSpace namespaces ids derived for notices that arrive without one.
var generatedIDSpace = uuid.MustParse("6f1c1f8e-7d0b-4b6e-9a53-2a4c3c1d9e10")

var deadlineLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006",
}

var stopWords = map[string]struct{}{
	"about": {}, "above": {}, "after": {}, "again": {}, "against": {}, "also": {},
	"been": {}, "before": {}, "being": {}, "below": {}, "between": {}, "both": {},
	"could": {}, "does": {}, "doing": {}, "during": {}, "each": {}, "from": {},
	"further": {}, "have": {}, "having": {}, "here": {}, "into": {}, "more": {},
	"most": {}, "must": {}, "only": {}, "other": {}, "over": {}, "provide": {},
	"same": {}, "shall": {}, "should": {}, "some": {}, "such": {}, "than": {},
	"that": {}, "their": {}, "them": {}, "then": {}, "there": {}, "these": {},
	"they": {}, "this": {}, "those": {}, "through": {}, "under": {}, "until": {},
	"upon": {}, "very": {}, "were": {}, "what": {}, "when": {}, "where": {},
	"which": {}, "while": {}, "will": {}, "with": {}, "within": {}, "would": {},
	"your": {}, "notice": {}, "services": {}, "service": {},
}

// Normalize maps a raw notice to a Candidate. It never fails: every missing
// field gets a deterministic default so malformed upstream data cannot stall
// the pipeline.
func Normalize(raw RawNotice, now time.Time) model.Candidate {
	title := strings.TrimSpace(raw.Title)
	if title == "" {
		title = defaultTitle
	}
	description := strings.TrimSpace(raw.Description)

	issuer := strings.TrimSpace(raw.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}

	category := strings.TrimSpace(raw.NAICSCode)
	if category == "" {
		category = defaultCategory
	}

	externalID := strings.TrimSpace(raw.NoticeID)
	if externalID == "" {
		seed := strings.Join([]string{title, issuer, strings.TrimSpace(raw.SolicitationNumber)}, "|")
		externalID = "gen-" + uuid.NewSHA1(generatedIDSpace, []byte(seed)).String()
	}

	keywords := cleanKeywords(raw.Keywords)
	if len(keywords) == 0 {
		keywords = ExtractKeywords(title + " " + description)
	}

	return model.Candidate{
		ExternalID:   externalID,
		Title:        title,
		Description:  description,
		Category:     category,
		Issuer:       issuer,
		SetAside:     strings.TrimSpace(raw.SetAside),
		Deadline:     parseDeadline(raw.ResponseDeadline, now),
		Requirements: cleanList(raw.Requirements),
		Keywords:     keywords,
		Status:       statusFromType(raw.Type),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// ExtractKeywords tokenises text into lower-cased words, dropping stop words
// and tokens of three characters or fewer, deduplicated in first-seen order
// and capped at 20 terms.
func ExtractKeywords(text string) []string {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return dedupeKeywords(tokens)
}

func cleanKeywords(in []string) []string {
	lowered := make([]string, 0, len(in))
	for _, k := range in {
		lowered = append(lowered, strings.ToLower(strings.TrimSpace(k)))
	}
	return dedupeKeywords(lowered)
}

func dedupeKeywords(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, maxKeywords)
	for _, tok := range tokens {
		if len([]rune(tok)) < minKeywordLen {
			continue
		}
		if _, stop := stopWords[tok]; stop {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseDeadline(s string, now time.Time) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range deadlineLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return now.Add(defaultDeadlineWindow).UTC()
}

func statusFromType(noticeType string) model.CandidateStatus {
	t := strings.ToLower(noticeType)
	switch {
	case strings.Contains(t, "award"):
		return model.CandidateAwarded
	case strings.Contains(t, "cancel"):
		return model.CandidateCancelled
	default:
		return model.CandidateActive
	}
}
