package guard

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Guard scans final model text for claims of actions that no tool call this
// turn actually performed. Detection is heuristic; the bounded correction
// cycle keeps false positives from looping forever.
type Guard struct {
	patterns  []*regexp.Regexp
	templates []string
}

type Config struct {
	// MaxCorrections bounds how many correction iterations one run may
	// trigger. Required and finite; fail-open once reached.
	MaxCorrections int
}

func (c Config) Validate() error {
	if c.MaxCorrections <= 0 {
		return fmt.Errorf("max corrections must be positive, got %d", c.MaxCorrections)
	}
	return nil
}

// Finding reports one flagged claim and which signal raised it.
type Finding struct {
	Flagged bool
	Claim   string
	Signal  string
	Tool    string
}

var actionClaimPatterns = []string{
	`(?i)\bI(?:'ve| have| just)?\s+(?:sent|emailed|messaged|posted|forwarded)\b[^.!?]*`,
	`(?i)\bI(?:'ve| have| just)?\s+(?:created|saved|wrote|written|updated|deleted|removed|scheduled)\b[^.!?]*`,
	`(?i)\bI(?:'ve| have| just)?\s+(?:executed|ran|run|launched|started|spawned)\b[^.!?]*`,
	`(?i)\b(?:the|your)\s+(?:email|message|file|report|reminder|task)\s+(?:has been|was)\s+(?:sent|created|saved|updated|deleted|scheduled)\b[^.!?]*`,
}

var claimTemplates = []string{
	"i have sent the email",
	"i have saved the file",
	"i have created the task",
	"i ran the command",
	"the message was delivered",
	"i scheduled the reminder",
}

var actionVerbPattern = regexp.MustCompile(`(?i)\b(sent|emailed|created|saved|wrote|updated|deleted|executed|ran|scheduled|spawned|used|called|invoked)\b`)

func New(cfg Config) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("guard config: %w", err)
	}
	g := &Guard{templates: claimTemplates}
	for _, raw := range actionClaimPatterns {
		g.patterns = append(g.patterns, regexp.MustCompile(raw))
	}
	return g, nil
}

// Inspect checks final text against the set of tools actually invoked this
// turn. knownTools is the registry's full name list, used for the bare
// mention signal.
func (g *Guard) Inspect(text string, invokedTools, knownTools []string) Finding {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Finding{}
	}
	invoked := map[string]bool{}
	for _, name := range invokedTools {
		invoked[name] = true
	}

	// Primary: action-claim phrasing that no invoked tool plausibly
	// covers. An unrelated tool call this turn does not launder the
	// claim; coverage is judged against the invoked names themselves.
	for _, pattern := range g.patterns {
		claim := pattern.FindString(trimmed)
		if claim == "" {
			continue
		}
		if !coveredByInvoked(strings.ToLower(claim), invokedTools) {
			return Finding{Flagged: true, Claim: strings.TrimSpace(claim), Signal: "pattern"}
		}
	}

	// Secondary: a known tool named alongside an action verb without a
	// matching call.
	lower := strings.ToLower(trimmed)
	for _, name := range knownTools {
		if invoked[name] {
			continue
		}
		if !containsWord(lower, strings.ToLower(name)) {
			continue
		}
		if actionVerbPattern.MatchString(trimmed) {
			return Finding{Flagged: true, Claim: name, Signal: "mention", Tool: name}
		}
	}

	// Fallback: similarity against known claim templates when the exact
	// phrasing dodges the patterns.
	if len(invoked) == 0 && actionVerbPattern.MatchString(trimmed) {
		for _, tmpl := range g.templates {
			if tokenOverlap(lower, tmpl) >= 0.6 {
				return Finding{Flagged: true, Claim: tmpl, Signal: "similarity"}
			}
		}
	}

	return Finding{}
}

// CorrectionMessage builds the directive injected when a claim is flagged.
func (g *Guard) CorrectionMessage(f Finding) string {
	if f.Tool != "" {
		return fmt.Sprintf(
			"Integrity check: you referred to the %q tool but no such tool call happened this turn. Either call the tool now or rephrase your answer without claiming the action was performed.",
			f.Tool,
		)
	}
	return fmt.Sprintf(
		"Integrity check: your answer claims an action (%q) but no tool call happened this turn. Either perform the action with a tool call or rephrase without the claim.",
		f.Claim,
	)
}

// coveredByInvoked reports whether an invoked tool plausibly performed the
// claimed action. Tool names split on separators and compare to claim
// tokens by prefix, so an invoked send_email covers both "sent the email"
// and "emailed the report".
func coveredByInvoked(claim string, invoked []string) bool {
	tokens := tokenSet(claim)
	for _, name := range invoked {
		for _, part := range strings.FieldsFunc(strings.ToLower(name), isNameSep) {
			if len(part) < 3 {
				continue
			}
			for tok := range tokens {
				if len(tok) < 3 {
					continue
				}
				if strings.HasPrefix(tok, part) || strings.HasPrefix(part, tok) {
					return true
				}
			}
		}
	}
	return false
}

func isNameSep(r rune) bool {
	return r == '_' || r == '-' || r == '.'
}

func containsWord(haystack, word string) bool {
	idx := 0
	for {
		pos := strings.Index(haystack[idx:], word)
		if pos < 0 {
			return false
		}
		start := idx + pos
		end := start + len(word)
		beforeOK := start == 0 || !isWordChar(haystack[start-1])
		afterOK := end == len(haystack) || !isWordChar(haystack[end])
		if beforeOK && afterOK {
			return true
		}
		idx = end
		if idx >= len(haystack) {
			return false
		}
	}
}

func isWordChar(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// tokenOverlap is a cheap Jaccard similarity over whitespace tokens.
func tokenOverlap(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for tok := range setB {
		if setA[tok] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range strings.Fields(s) {
		tok = strings.Trim(tok, ".,!?:;\"'")
		if tok != "" {
			out[tok] = true
		}
	}
	return out
}

// CorrectionState is the bounded counter of corrections issued this run.
// Shared between the loop and, for subagents, the nested loop instance.
type CorrectionState struct {
	mu    sync.Mutex
	count int
	max   int
}

func NewCorrectionState(max int) *CorrectionState {
	return &CorrectionState{max: max}
}

// TryIncrement consumes one correction slot. It returns false once the
// ceiling is reached, at which point the caller must fail open.
func (s *CorrectionState) TryIncrement() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count >= s.max {
		return false
	}
	s.count++
	return true
}

func (s *CorrectionState) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
