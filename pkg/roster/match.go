package roster

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"

	"github.com/openfroyo/skiff/pkg/engine"
)

// Matcher selects roster ids.
type Matcher func(id string) bool

// NewMatcher builds the matcher for pattern under match. An empty match type is a glob.
func NewMatcher(pattern string, match engine.MatchType) (Matcher, error) {
	switch match {
	case "", engine.MatchGlob:
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid glob %q: %w", pattern, err)
		}
		return g.Match, nil

	case engine.MatchList:
		set := make(map[string]bool)
		for _, id := range splitList(pattern) {
			set[id] = true
		}
		return func(id string) bool { return set[id] }, nil

	case engine.MatchPCRE:
		// Anchored at the start only, like a Python re.match.
		re, err := regexp.Compile(`^(?:` + pattern + `)`)
		if err != nil {
			return nil, fmt.Errorf("invalid regular expression %q: %w", pattern, err)
		}
		return re.MatchString, nil

	case engine.MatchAll:
		return func(string) bool { return true }, nil

	default:
		return nil, fmt.Errorf("unsupported match type %q", match)
	}
}

func splitList(pattern string) []string {
	return strings.FieldsFunc(pattern, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}
