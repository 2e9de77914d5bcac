package sequence

import (
	"regexp"
	"strconv"
	"strings"
)

// MaxFollowups is the last scheduled touch after the opener.
const MaxFollowups = 6

type StageKind int

const (
	Unknown StageKind = iota
	Opener
	FollowUp
)

// Stage is the parsed form of a CRM stage cell. N is meaningful only for
// FollowUp.
type Stage struct {
	Kind StageKind
	N    int
}

var (
	followupRe = regexp.MustCompile(`follow[\s-]*up\s*#?\s*(\d+)`)
	fuRe       = regexp.MustCompile(`\bfu\s*(\d+)\b`)
	openerRe   = regexp.MustCompile(`\bopener\b`)
)

// canonicalStages catches exports that spell stages in words instead of
// numbers.
var canonicalStages = map[string]Stage{
	"initial email sent":    {Kind: Opener},
	"intro email sent":      {Kind: Opener},
	"first follow up sent":  {Kind: FollowUp, N: 1},
	"second follow up sent": {Kind: FollowUp, N: 2},
	"third follow up sent":  {Kind: FollowUp, N: 3},
	"fourth follow up sent": {Kind: FollowUp, N: 4},
	"fifth follow up sent":  {Kind: FollowUp, N: 5},
	"sixth follow up sent":  {Kind: FollowUp, N: 6},
}

// NormalizeStage lower-cases and collapses whitespace so spelling variants
// compare equal.
func NormalizeStage(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// ParseStage reads a stage cell describing the last completed touch.
// Accepted spellings: "opener", "opener sent", "follow up N", "follow-up N",
// "followup N", "fu N", plus the canonical word forms.
func ParseStage(s string) Stage {
	norm := NormalizeStage(s)
	if norm == "" {
		return Stage{Kind: Unknown}
	}
	if m := followupRe.FindStringSubmatch(norm); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n >= 1 {
			return Stage{Kind: FollowUp, N: n}
		}
	}
	if m := fuRe.FindStringSubmatch(norm); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n >= 1 {
			return Stage{Kind: FollowUp, N: n}
		}
	}
	if openerRe.MatchString(norm) {
		return Stage{Kind: Opener}
	}
	if st, ok := canonicalStages[norm]; ok {
		return st
	}
	return Stage{Kind: Unknown}
}

// NextStep maps the last completed touch to the next follow-up number.
// An opener leads to follow-up 1; follow-up N to N+1; past the last
// follow-up (or unparseable) there is no next step.
func NextStep(st Stage) (int, bool) {
	switch st.Kind {
	case Opener:
		return 1, true
	case FollowUp:
		if st.N >= MaxFollowups {
			return 0, false
		}
		return st.N + 1, true
	}
	return 0, false
}

// StageForStep is the canonical stage written after sending follow-up n.
func StageForStep(n int) string {
	return "Follow Up " + strconv.Itoa(n) + " Sent"
}
