package invalidation

import (
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Rule decides when cached URLs matching Pattern go stale. Rules are immutable once added.
type Rule struct {
	ID                 string        `json:"id" yaml:"id"`
	Pattern            string        `json:"pattern" yaml:"pattern"`
	MaxAge             time.Duration `json:"max_age,omitempty" yaml:"max_age"`
	TimeToLive         time.Duration `json:"time_to_live,omitempty" yaml:"time_to_live"`
	Tags               []string      `json:"tags,omitempty" yaml:"tags"`
	InvalidateOnEvents []string      `json:"invalidate_on_events,omitempty" yaml:"invalidate_on_events"`
	VersionKey         string        `json:"version_key,omitempty" yaml:"version_key"`
	Priority           int           `json:"priority" yaml:"priority"`
}

// HasTag reports whether the rule carries tag
func (r Rule) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// TriggeredBy reports whether eventType appears in InvalidateOnEvents; entries may use * globs
func (r Rule) TriggeredBy(eventType string) bool {
	for _, pattern := range r.InvalidateOnEvents {
		if pattern == eventType {
			return true
		}
		if ok, err := path.Match(pattern, eventType); err == nil && ok {
			return true
		}
	}
	return false
}

// Matcher tests URLs against a rule pattern.
//
//	re:<expr>   regular expression
//	/<expr>/    regular expression when <expr> uses regex syntax, so /api/ stays a path
//	/path       literal path prefix
//	text        literal substring
type Matcher struct {
	literal string
	re      *regexp.Regexp
}

// Compile parses a rule pattern
func Compile(pattern string) (Matcher, error) {
	if strings.TrimSpace(pattern) == "" {
		return Matcher{}, fmt.Errorf("pattern is required")
	}

	expr, isRegex := "", false
	switch {
	case strings.HasPrefix(pattern, "re:"):
		expr, isRegex = strings.TrimPrefix(pattern, "re:"), true
	case len(pattern) > 2 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/"):
		body := pattern[1 : len(pattern)-1]
		if regexp.QuoteMeta(body) != body {
			expr, isRegex = body, true
		}
	}
	if !isRegex {
		return Matcher{literal: pattern}, nil
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return Matcher{}, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return Matcher{re: re}, nil
}

// Match tests the path part of rawURL, so absolute and relative URLs behave alike
func (m Matcher) Match(rawURL string) bool {
	p := urlPath(rawURL)
	if m.re != nil {
		return m.re.MatchString(p)
	}
	if strings.HasPrefix(m.literal, "/") {
		return strings.HasPrefix(p, m.literal)
	}
	return strings.Contains(p, m.literal)
}

func urlPath(rawURL string) string {
	i := strings.Index(rawURL, "://")
	if i < 0 {
		return rawURL
	}
	rest := rawURL[i+3:]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		return rest[j:]
	}
	return "/"
}

func (r Rule) validate() error {
	if _, err := Compile(r.Pattern); err != nil {
		return err
	}
	if r.MaxAge < 0 || r.TimeToLive < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// DefaultRules returns the built-in rules: financial APIs expire fast, other APIs after
// five minutes, and static assets whenever the application version changes
func DefaultRules(appVersionKey string) []Rule {
	return []Rule{
		{
			ID:                 "financial-api",
			Pattern:            `/^\/api\/(transactions|goals|financial)/`,
			MaxAge:             2 * time.Minute,
			Tags:               []string{"financial", "api"},
			InvalidateOnEvents: []string{"transaction-*", "goal-*", "financial-*"},
			Priority:           100,
		},
		{
			ID:       "api",
			Pattern:  `/^\/api\//`,
			MaxAge:   5 * time.Minute,
			Tags:     []string{"api"},
			Priority: 50,
		},
		{
			ID:                 "static-assets",
			Pattern:            `/\.(js|css|png|jpe?g|gif|svg|webp|ico|woff2?|ttf)$/`,
			Tags:               []string{"static"},
			InvalidateOnEvents: []string{"app-updated"},
			VersionKey:         appVersionKey,
			Priority:           10,
		},
	}
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// ParseRules decodes a YAML rules document
func ParseRules(data []byte) ([]Rule, error) {
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	for i, r := range file.Rules {
		if err := r.validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return file.Rules, nil
}

func readRules(filename string) ([]Rule, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRules(data)
}
