package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-cache-engine/internal/core/cachesync"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/events"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/prioritizer"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/queue"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/warmer"
)

// subscribe connects the managers through the bus
func (e *Engine) subscribe() {
	e.unsubs = append(e.unsubs,
		e.Bus.Subscribe(events.Online, func(events.Event) {
			e.Logger.Info("Connectivity restored, resuming queued work")
			e.resume()
		}),
		e.Bus.Subscribe(events.OperationCompleted, func(ev events.Event) {
			op, ok := ev.Data.(cachesync.Operation)
			if !ok {
				return
			}
			e.invalidateFor(mutationEvent(op.Resource, string(op.Type)), op)
		}),
		e.Bus.Subscribe(events.RemoteData, func(ev events.Event) {
			data, ok := ev.Data.(cachesync.RemoteDataEvent)
			if !ok {
				return
			}
			e.invalidateFor(mutationEvent(data.Resource, string(cachesync.OpUpdate)), data)
		}),
		e.Bus.Subscribe(events.RequestCompleted, func(ev events.Event) {
			req, ok := ev.Data.(queue.QueuedRequest)
			if !ok {
				return
			}
			resource := resourceFromURL(req.URL)
			if resource == "" {
				return
			}
			e.invalidateFor(mutationEvent(resource, opForMethod(req.Method)), req)
		}),
	)
}

func (e *Engine) invalidateFor(eventType string, data interface{}) {
	if eventType == "" {
		return
	}
	e.goAsync("invalidate", func(ctx context.Context) error {
		res := e.Invalidation.InvalidateByEvent(ctx, eventType, data)
		if !res.Success {
			return fmt.Errorf("invalidation for %s finished with %d errors", eventType, len(res.Errors))
		}
		return nil
	})
}

// mutationEvent names the invalidation event for a change, e.g. transactions + update -> transaction-updated
func mutationEvent(resource, op string) string {
	resource = strings.TrimSuffix(strings.ToLower(resource), "s")
	if resource == "" {
		return ""
	}
	switch op {
	case string(cachesync.OpCreate):
		return resource + "-created"
	case string(cachesync.OpDelete):
		return resource + "-deleted"
	default:
		return resource + "-updated"
	}
}

func opForMethod(method string) string {
	switch strings.ToUpper(method) {
	case http.MethodPost:
		return string(cachesync.OpCreate)
	case http.MethodDelete:
		return string(cachesync.OpDelete)
	default:
		return string(cachesync.OpUpdate)
	}
}

// resourceFromURL extracts "transactions" from /api/transactions/42
func resourceFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "api" {
		return ""
	}
	return parts[1]
}

// warmingCandidates feeds the warmer: popularity and behavior recommendations are scored
// by the prioritizer and only preload or prefetch verdicts become candidates
func (e *Engine) warmingCandidates(ctx context.Context, limit int) []warmer.Candidate {
	type seed struct {
		url        string
		confidence float64
		reason     string
	}
	seeds := make(map[string]seed)
	var order []string
	offer := func(u string, confidence float64, reason string) {
		if u == "" {
			return
		}
		if cur, ok := seeds[u]; ok {
			if confidence > cur.confidence {
				seeds[u] = seed{u, confidence, reason}
			}
			return
		}
		seeds[u] = seed{u, confidence, reason}
		order = append(order, u)
	}

	for _, rec := range e.Popularity.GetCacheWarmingRecommendations() {
		target := rec.URL
		if target == "" {
			target = rec.ResourceID
		}
		offer(target, rec.Confidence, rec.Reason)
	}
	for _, rec := range e.Behavior.GetCacheWarmingRecommendations("") {
		offer(rec.Resource, rec.Confidence, rec.Reason)
	}

	var out []warmer.Candidate
	for _, u := range order {
		if ctx.Err() != nil || len(out) >= limit {
			break
		}
		s := seeds[u]
		rp, err := e.Prioritizer.PrioritizeResource(ctx, resourceID(u), u, "")
		if err != nil {
			e.Logger.WithError(err).WithField("resource", u).Debug("Failed to prioritize warming candidate")
			continue
		}
		if rp.RecommendedAction != prioritizer.ActionPreload && rp.RecommendedAction != prioritizer.ActionPrefetch {
			continue
		}
		out = append(out, warmer.Candidate{
			Resource:   u,
			Priority:   rp.FinalPriority,
			Confidence: s.confidence,
			Reason:     fmt.Sprintf("%s (%s)", s.reason, rp.RecommendedAction),
		})
	}

	e.Logger.WithFields(logrus.Fields{
		"seeds":      len(order),
		"candidates": len(out),
	}).Debug("Warming candidates selected")
	return out
}

// resourceID drops the query string so /api/goals?page=2 and /api/goals share metrics
func resourceID(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}
