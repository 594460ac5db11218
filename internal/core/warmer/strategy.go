package warmer

import (
	"net/url"
	"path"
	"strings"

	"github.com/h2non/filetype"

	"github.com/frostdev-ops/pma-cache-engine/internal/core/prioritizer"
)

// Strategy is how a task warms its resource
type Strategy string

const (
	StrategyFetch       Strategy = "fetch"
	StrategyPrefetch    Strategy = "prefetch"
	StrategyPreconnect  Strategy = "preconnect"
	StrategyDNSPrefetch Strategy = "dns-prefetch"
)

// preconnectConfidence is the confidence above which a cross-origin resource gets a full preconnect
const preconnectConfidence = 0.7

// IsHint reports whether the strategy only emits a resource hint
func (s Strategy) IsHint() bool {
	return s != StrategyFetch
}

// Hint is published for strategies the page applies itself
type Hint struct {
	TaskID   string `json:"task_id"`
	Resource string `json:"resource"`
	Rel      string `json:"rel"`
	Href     string `json:"href"`
}

// SelectStrategy picks a strategy from the resource's origin and media category
func SelectStrategy(resource string, confidence float64) Strategy {
	if isCrossOrigin(resource) {
		if confidence >= preconnectConfidence {
			return StrategyPreconnect
		}
		return StrategyDNSPrefetch
	}
	switch prioritizer.ResourceType(resource) {
	case "image", "font", "other":
		return StrategyPrefetch
	default:
		return StrategyFetch
	}
}

func isCrossOrigin(resource string) bool {
	return strings.HasPrefix(resource, "http://") || strings.HasPrefix(resource, "https://") || strings.HasPrefix(resource, "//")
}

// hintHref returns the origin for connection hints and the resource itself otherwise
func hintHref(resource string, s Strategy) string {
	if s != StrategyPreconnect && s != StrategyDNSPrefetch {
		return resource
	}
	raw := resource
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return resource
	}
	return u.Scheme + "://" + u.Host
}

// DetectContentType prefers a specific response header, then magic-number sniffing, then the extension
func DetectContentType(resource, header string, body []byte) string {
	if header != "" && header != "application/octet-stream" {
		return header
	}

	head := body
	if len(head) > 261 {
		head = head[:261]
	}
	if kind, err := filetype.Match(head); err == nil && kind != filetype.Unknown {
		return kind.MIME.Value
	}

	p := resource
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if ext := strings.TrimPrefix(path.Ext(p), "."); ext != "" {
		if kind := filetype.GetType(strings.ToLower(ext)); kind != filetype.Unknown {
			return kind.MIME.Value
		}
	}
	return "application/octet-stream"
}
