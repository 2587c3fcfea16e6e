package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/platform"
	"outreach-orchestrator/internal/settings"
)

// ErrCredentialUnavailable makes the runner skip ingestion without failing the run.
var ErrCredentialUnavailable = errors.New("credential unavailable")

// Classification is the classifier's verdict on a candidate.
type Classification struct {
	Intent   string
	Relevant bool
}

// Draft is a validated-to-be response.
type Draft struct {
	Kind string
	Text string
}

type Ingestor interface {
	Ingest(ctx context.Context, tenant models.Tenant, eff settings.Effective) ([]platform.Candidate, error)
}

type Classifier interface {
	Classify(c platform.Candidate) Classification
}

type Scorer interface {
	Score(c platform.Candidate, cls Classification) int
}

type Drafter interface {
	Draft(c platform.Candidate, cls Classification) (Draft, error)
}

type Validator interface {
	Validate(d Draft) error
}

// Searcher is the platform search call.
type Searcher interface {
	Search(ctx context.Context, token, query string, max int) ([]platform.Candidate, error)
}

// TokenSource returns a usable access token for a tenant.
type TokenSource interface {
	GetValidToken(ctx context.Context, tenantID, provider string) (string, bool, error)
}

// PlatformIngestor searches the platform with the tenant's own credential.
type PlatformIngestor struct {
	Search   Searcher
	Tokens   TokenSource
	Provider string
}

func (p PlatformIngestor) Ingest(ctx context.Context, tenant models.Tenant, eff settings.Effective) ([]platform.Candidate, error) {
	if strings.TrimSpace(eff.SearchQuery) == "" {
		return nil, nil
	}
	token, ok, err := p.Tokens.GetValidToken(ctx, tenant.ID, p.Provider)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCredentialUnavailable
	}
	return p.Search.Search(ctx, token, eff.SearchQuery, eff.CandidateLimit)
}

// StaticIngestor returns a fixed candidate list, for local dry runs.
type StaticIngestor []platform.Candidate

func (s StaticIngestor) Ingest(context.Context, models.Tenant, settings.Effective) ([]platform.Candidate, error) {
	return append([]platform.Candidate(nil), s...), nil
}

// Intents.
const (
	IntentQuestion  = "question"
	IntentPainPoint = "pain_point"
	IntentMention   = "mention"
	IntentSpam      = "spam"
)

var (
	spamMarkers     = []string{"giveaway", "airdrop", "follow back", "promo code", "dm for promo", "nsfw"}
	questionMarkers = []string{"?", "anyone know", "how do", "how to", "recommend", "looking for", "any tips", "what's the best"}
	painMarkers     = []string{"frustrat", "broken", "hate", "annoying", "struggl", "doesn't work", "keeps failing"}
)

// KeywordClassifier assigns an intent from marker phrases.
type KeywordClassifier struct{}

func (KeywordClassifier) Classify(c platform.Candidate) Classification {
	text := strings.ToLower(c.Text)
	switch {
	case containsAny(text, spamMarkers):
		return Classification{Intent: IntentSpam}
	case containsAny(text, questionMarkers):
		return Classification{Intent: IntentQuestion, Relevant: true}
	case containsAny(text, painMarkers):
		return Classification{Intent: IntentPainPoint, Relevant: true}
	case strings.TrimSpace(text) == "":
		return Classification{}
	}
	return Classification{Intent: IntentMention, Relevant: true}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// WeightedScorer combines intent weight and engagement, capped at 100.
type WeightedScorer struct{}

func (WeightedScorer) Score(c platform.Candidate, cls Classification) int {
	if !cls.Relevant {
		return 0
	}
	score := 0
	switch cls.Intent {
	case IntentQuestion:
		score = 50
	case IntentPainPoint:
		score = 40
	default:
		score = 20
	}
	score += min(c.LikeCount, 50) / 5
	score += min(c.ReplyCount, 20) / 2
	return min(score, 100)
}

// TemplateDrafter fills a per-intent template.
type TemplateDrafter struct {
	Templates map[string]string
}

var defaultTemplates = map[string]string{
	IntentQuestion:  "Good question! We've written up how we approach this; happy to share details if it helps.",
	IntentPainPoint: "Sorry you're running into that. We've seen the same issue and found a workaround; happy to walk through it.",
	IntentMention:   "Thanks for sharing this!",
}

func (d TemplateDrafter) Draft(c platform.Candidate, cls Classification) (Draft, error) {
	templates := d.Templates
	if templates == nil {
		templates = defaultTemplates
	}
	text, ok := templates[cls.Intent]
	if !ok {
		return Draft{}, fmt.Errorf("no template for intent %q", cls.Intent)
	}
	return Draft{Kind: models.KindReply, Text: text}, nil
}

// RulesValidator enforces length and banned phrases.
type RulesValidator struct {
	MaxLength int
	Banned    []string
}

var defaultBanned = []string{"guaranteed", "click here", "dm me", "100% free", "act now"}

func (v RulesValidator) Validate(d Draft) error {
	maxLen := v.MaxLength
	if maxLen == 0 {
		maxLen = 280
	}
	banned := v.Banned
	if banned == nil {
		banned = defaultBanned
	}
	text := strings.TrimSpace(d.Text)
	if text == "" {
		return errors.New("empty draft")
	}
	if n := utf8.RuneCountInString(text); n > maxLen {
		return fmt.Errorf("draft is %d characters, limit %d", n, maxLen)
	}
	lower := strings.ToLower(text)
	for _, b := range banned {
		if strings.Contains(lower, b) {
			return fmt.Errorf("draft contains banned phrase %q", b)
		}
	}
	return nil
}
