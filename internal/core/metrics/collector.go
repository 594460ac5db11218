package metrics

import (
	"time"
)

// Recorder is the metrics surface the engine components report into
type Recorder interface {
	RecordHTTPRequest(method, path string, status int, duration time.Duration)
	SetWebSocketClients(n int)
	RecordCacheLookup(cacheType string, hit bool)
	RecordInvalidation(trigger string, keys int)
	RecordQueueRequest(outcome string)
	SetQueueDepth(status string, n int)
	RecordSyncOperation(outcome string)
	RecordConflict(conflictType string)
	SetSyncPending(n int)
	RecordWarmingTask(outcome string, bytes int64, duration time.Duration)
	RecordPersistence(namespace string, err error)
}

// Nop discards everything; used when monitoring is disabled and in tests
type Nop struct{}

func (Nop) RecordHTTPRequest(string, string, int, time.Duration) {}
func (Nop) SetWebSocketClients(int) {}
func (Nop) RecordCacheLookup(string, bool) {}
func (Nop) RecordInvalidation(string, int) {}
func (Nop) RecordQueueRequest(string) {}
func (Nop) SetQueueDepth(string, int) {}
func (Nop) RecordSyncOperation(string) {}
func (Nop) RecordConflict(string) {}
func (Nop) SetSyncPending(int) {}
func (Nop) RecordWarmingTask(string, int64, time.Duration) {}
func (Nop) RecordPersistence(string, error) {}

var _ Recorder = Nop{}
