package cachesync

import (
	"encoding/json"
	"fmt"
	"time"
)

// Strategy decides how a resource type is synchronized and how its conflicts resolve
type Strategy interface {
	Name() string
	// ShouldSync returns false for operations completed without a network call
	ShouldSync(op Operation) bool
	// Resolve suggests a resolution for automatic handling
	Resolve(c Conflict) Resolution
	// Merge combines both sides into a replacement local payload
	Merge(local, remote json.RawMessage) (json.RawMessage, error)
	MaxRetries() int
}

// retryDelay scales the base delay linearly with the attempt count
func retryDelay(base time.Duration, retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	return base * time.Duration(retryCount)
}

// CacheStrategy is the fallback for resources that can be re-derived from the server:
// low priority operations are skipped and the newest side wins
type CacheStrategy struct {
	Retries int
}

func (s CacheStrategy) Name() string { return "cache" }
func (s CacheStrategy) MaxRetries() int { return s.Retries }

func (s CacheStrategy) ShouldSync(op Operation) bool {
	return op.Priority != PriorityLow
}

func (s CacheStrategy) Resolve(c Conflict) Resolution {
	if c.ConflictType == ConflictDelete {
		return ResolutionRemote
	}
	local, lok := timestampOf(c.LocalVersion)
	remote, rok := timestampOf(c.RemoteVersion)
	if lok && rok && remote.After(local) {
		return ResolutionRemote
	}
	if !lok && rok {
		return ResolutionRemote
	}
	return ResolutionLocal
}

// Merge overlays the newer side's fields onto the older side
func (s CacheStrategy) Merge(local, remote json.RawMessage) (json.RawMessage, error) {
	l, r, err := decodePair(local, remote)
	if err != nil {
		return nil, err
	}
	lt, lok := timestampOf(local)
	rt, rok := timestampOf(remote)
	if lok && rok && rt.After(lt) {
		return encode(overlay(l, r))
	}
	return encode(overlay(r, l))
}

// PreferencesStrategy keeps the user's local choices
type PreferencesStrategy struct {
	Retries int
}

func (s PreferencesStrategy) Name() string { return "preferences" }
func (s PreferencesStrategy) MaxRetries() int { return s.Retries }
func (s PreferencesStrategy) ShouldSync(Operation) bool { return true }
func (s PreferencesStrategy) Resolve(Conflict) Resolution { return ResolutionLocal }

func (s PreferencesStrategy) Merge(local, remote json.RawMessage) (json.RawMessage, error) {
	l, r, err := decodePair(local, remote)
	if err != nil {
		return nil, err
	}
	return encode(overlay(r, l))
}

// monetaryFields are never combined arithmetically during a merge
var monetaryFields = map[string]bool{
	"amount":         true,
	"balance":        true,
	"target_amount":  true,
	"current_amount": true,
	"targetAmount":   true,
	"currentAmount":  true,
}

// FinancialStrategy always routes conflicts to the user. Its merge keeps the
// server's monetary values and takes descriptive fields from the local side.
type FinancialStrategy struct {
	Resource string
	Retries  int
}

func (s FinancialStrategy) Name() string { return s.Resource }
func (s FinancialStrategy) MaxRetries() int { return s.Retries }
func (s FinancialStrategy) ShouldSync(Operation) bool { return true }
func (s FinancialStrategy) Resolve(Conflict) Resolution { return ResolutionManual }

func (s FinancialStrategy) Merge(local, remote json.RawMessage) (json.RawMessage, error) {
	l, r, err := decodePair(local, remote)
	if err != nil {
		return nil, err
	}
	merged := overlay(r, nil)
	for k, v := range l {
		if monetaryFields[k] {
			if _, ok := r[k]; ok {
				continue
			}
		}
		merged[k] = v
	}
	return encode(merged)
}

func decodePair(local, remote json.RawMessage) (map[string]interface{}, map[string]interface{}, error) {
	var l, r map[string]interface{}
	if err := json.Unmarshal(local, &l); err != nil {
		return nil, nil, fmt.Errorf("local payload is not an object: %w", err)
	}
	if err := json.Unmarshal(remote, &r); err != nil {
		return nil, nil, fmt.Errorf("remote payload is not an object: %w", err)
	}
	return l, r, nil
}

// overlay returns a copy of base with top's fields applied
func overlay(base, top map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(top))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range top {
		out[k] = v
	}
	return out
}

func encode(v map[string]interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

var timestampFields = []string{"updated_at", "updatedAt", "modified_at", "timestamp"}

func timestampOf(payload json.RawMessage) (time.Time, bool) {
	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return time.Time{}, false
	}
	for _, name := range timestampFields {
		switch v := fields[name].(type) {
		case string:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return t, true
			}
		case float64:
			return time.UnixMilli(int64(v)), true
		}
	}
	return time.Time{}, false
}

// DefaultStrategies returns the built-in strategies keyed by resource name
func DefaultStrategies(defaultRetries int, overrides map[string]int) map[string]Strategy {
	retries := func(name string) int {
		if n, ok := overrides[name]; ok && n > 0 {
			return n
		}
		return defaultRetries
	}
	strategies := map[string]Strategy{
		"cache":       CacheStrategy{Retries: retries("cache")},
		"preferences": PreferencesStrategy{Retries: retries("preferences")},
	}
	for _, name := range []string{"transactions", "goals", "financial"} {
		strategies[name] = FinancialStrategy{Resource: name, Retries: retries(name)}
	}
	return strategies
}
