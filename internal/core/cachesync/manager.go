package cachesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-cache-engine/internal/config"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/events"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/metrics"
	"github.com/frostdev-ops/pma-cache-engine/internal/storage"
	apperrors "github.com/frostdev-ops/pma-cache-engine/pkg/errors"
)

type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSyncing   Status = "syncing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
	ConflictIgnored  ConflictStatus = "ignored"
)

type Resolution string

const (
	ResolutionLocal  Resolution = "local"
	ResolutionRemote Resolution = "remote"
	ResolutionMerge  Resolution = "merge"
	ResolutionManual Resolution = "manual"
)

const (
	operationsKey = "operations"
	conflictsKey  = "conflicts"
	historySize   = 50
)

// ErrSyncInProgress is returned when a drain is already running
var ErrSyncInProgress = errors.New("sync already in progress")

// Operation is a local mutation waiting to be reconciled with the server
type Operation struct {
	ID            string          `json:"id"`
	Type          OpType          `json:"type"`
	Resource      string          `json:"resource"`
	ResourceID    string          `json:"resource_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	BaseHash      uint64          `json:"base_hash,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Status        Status          `json:"status"`
	RetryCount    int             `json:"retry_count"`
	Priority      Priority        `json:"priority"`
	ConflictID    string          `json:"conflict_id,omitempty"`
	Force         bool            `json:"force,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	Sequence      uint64          `json:"sequence"`
}

// Blocked reports whether the operation waits on a conflict
func (o *Operation) Blocked() bool {
	return o.ConflictID != ""
}

// Conflict is a first-class divergence that must be resolved exactly once
type Conflict struct {
	ID            string          `json:"id"`
	OperationID   string          `json:"operation_id"`
	Resource      string          `json:"resource"`
	ResourceID    string          `json:"resource_id"`
	LocalVersion  json.RawMessage `json:"local_version,omitempty"`
	RemoteVersion json.RawMessage `json:"remote_version,omitempty"`
	ConflictType  ConflictType    `json:"conflict_type"`
	Status        ConflictStatus  `json:"status"`
	Resolution    Resolution      `json:"resolution,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
}

// RemoteDataEvent carries server data adopted through a remote resolution
type RemoteDataEvent struct {
	Resource   string          `json:"resource"`
	ResourceID string          `json:"resource_id"`
	Data       json.RawMessage `json:"data"`
}

// Result summarizes one processing round
type Result struct {
	Processed int           `json:"processed"`
	Completed int           `json:"completed"`
	Skipped   int           `json:"skipped"`
	Retrying  int           `json:"retrying"`
	Failed    int           `json:"failed"`
	Conflicts int           `json:"conflicts"`
	Rounds    int           `json:"rounds"`
	Duration  time.Duration `json:"duration"`
}

func (r *Result) add(o Result) {
	r.Processed += o.Processed
	r.Completed += o.Completed
	r.Skipped += o.Skipped
	r.Retrying += o.Retrying
	r.Failed += o.Failed
	r.Conflicts += o.Conflicts
	r.Rounds += o.Rounds
}

// Metrics is a point-in-time view of the manager
type Metrics struct {
	Pending          int           `json:"pending"`
	Syncing          int           `json:"syncing"`
	Blocked          int           `json:"blocked"`
	Failed           int           `json:"failed"`
	TotalCompleted   int64         `json:"total_completed"`
	TotalFailed      int64         `json:"total_failed"`
	TotalConflicts   int64         `json:"total_conflicts"`
	PendingConflicts int           `json:"pending_conflicts"`
	AutoResolved     int64         `json:"auto_resolved"`
	ManualResolved   int64         `json:"manual_resolved"`
	AverageSyncTime  time.Duration `json:"average_sync_time"`
	LastSync         *time.Time    `json:"last_sync,omitempty"`
	InProgress       bool          `json:"in_progress"`
}

// Remote is the server side of synchronization
type Remote interface {
	FetchSync(ctx context.Context, resource, id string) (json.RawMessage, bool, error)
	WriteSync(ctx context.Context, opType, resource, id string, payload json.RawMessage) error
}

type snapshot struct {
	Operations []Operation        `json:"operations"`
	Baselines  map[string]uint64 `json:"baselines"`
	Sequence   uint64             `json:"sequence"`
}

// Manager reconciles local operations with the server and tracks conflicts
type Manager struct {
	cfg        config.SyncConfig
	remote     Remote
	strategies map[string]Strategy
	persister  *storage.Persister
	bus        events.Publisher
	recorder   metrics.Recorder
	clock      clock.Clock
	logger     *logrus.Logger

	mu        sync.Mutex
	ops       map[string]*Operation
	conflicts map[string]*Conflict
	baselines map[string]uint64
	history   []Operation
	sequence  uint64

	inProgress atomic.Bool

	completed, failed, conflictCount int64
	autoResolved, manualResolved     int64
	syncTimeTotal                    time.Duration
	lastSync                         *time.Time
}

// NewManager creates a sync manager with the built-in strategies
func NewManager(cfg config.SyncConfig, remote Remote, clk clock.Clock, persister *storage.Persister, bus events.Publisher, recorder metrics.Recorder, logger *logrus.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if bus == nil {
		bus = events.Discard{}
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if persister != nil {
		persister = persister.Namespace("cache-sync")
	}
	if cfg.MaxConcurrentSyncs <= 0 {
		cfg.MaxConcurrentSyncs = 3
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	return &Manager{
		cfg:        cfg,
		remote:     remote,
		strategies: DefaultStrategies(cfg.MaxRetries, cfg.StrategyRetries),
		persister:  persister,
		bus:        bus,
		recorder:   recorder,
		clock:      clk,
		logger:     logger,
		ops:        make(map[string]*Operation),
		conflicts:  make(map[string]*Conflict),
		baselines:  make(map[string]uint64),
	}
}

// RegisterStrategy installs or replaces the strategy for a resource
func (m *Manager) RegisterStrategy(resource string, s Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[resource] = s
}

func (m *Manager) strategyFor(resource string) Strategy {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.strategies[resource]; ok {
		return s
	}
	return m.strategies["cache"]
}

func baselineKey(resource, id string) string {
	return resource + "/" + id
}

// AddOperation queues a local mutation. A pending operation for the same resource
// absorbs the new payload so each resource has at most one operation in line.
func (m *Manager) AddOperation(ctx context.Context, opType OpType, resource, resourceID string, data json.RawMessage, priority Priority) (string, error) {
	if err := validateOperation(opType, resource, resourceID, data, priority); err != nil {
		return "", err
	}

	m.mu.Lock()
	now := m.clock.Now()
	for _, op := range m.ops {
		if op.Resource != resource || op.ResourceID != resourceID || op.Status != StatusPending {
			continue
		}
		// a create stays a create until it reaches the server
		if !(op.Type == OpCreate && opType == OpUpdate) {
			op.Type = opType
		}
		op.Payload = data
		// a blocked operation's conflict must resolve against the latest local edit
		if c, ok := m.conflicts[op.ConflictID]; ok && c.Status == ConflictPending {
			c.LocalVersion = data
		}
		if priority.rank() > op.Priority.rank() {
			op.Priority = priority
		}
		op.UpdatedAt = now
		merged := *op
		m.mu.Unlock()

		m.persist(ctx)
		m.logger.WithFields(logrus.Fields{
			"operation_id": merged.ID,
			"resource":     resource,
			"resource_id":  resourceID,
		}).Debug("Operation coalesced into pending operation")
		return merged.ID, nil
	}

	m.sequence++
	op := &Operation{
		ID:         uuid.New().String(),
		Type:       opType,
		Resource:   resource,
		ResourceID: resourceID,
		Payload:    data,
		BaseHash:   m.baselines[baselineKey(resource, resourceID)],
		CreatedAt:  now,
		UpdatedAt:  now,
		Status:     StatusPending,
		Priority:   priority,
		Sequence:   m.sequence,
	}
	m.ops[op.ID] = op
	added := *op
	m.mu.Unlock()

	m.persist(ctx)
	m.bus.Publish(events.OperationAdded, "cache-sync", added)
	m.logger.WithFields(logrus.Fields{
		"operation_id": added.ID,
		"type":         added.Type,
		"resource":     resource,
		"resource_id":  resourceID,
		"priority":     priority,
	}).Info("Sync operation added")
	return added.ID, nil
}

func validateOperation(opType OpType, resource, resourceID string, data json.RawMessage, priority Priority) error {
	var problems []string
	switch opType {
	case OpCreate, OpUpdate:
		if len(data) == 0 {
			problems = append(problems, "payload is required for "+string(opType))
		} else if !json.Valid(data) {
			problems = append(problems, "payload is not valid JSON")
		}
	case OpDelete:
	default:
		problems = append(problems, fmt.Sprintf("unknown operation type %q", opType))
	}
	if strings.TrimSpace(resource) == "" {
		problems = append(problems, "resource is required")
	}
	if strings.TrimSpace(resourceID) == "" {
		problems = append(problems, "resource id is required")
	}
	if priority.rank() == 0 {
		problems = append(problems, fmt.Sprintf("unknown priority %q", priority))
	}
	if len(problems) == 0 {
		return nil
	}
	return apperrors.NewEnhanced(http.StatusBadRequest, "invalid operation: "+strings.Join(problems, "; "), apperrors.CategoryValidation, apperrors.SeverityLow)
}

// ProcessSyncQueue runs up to MaxConcurrentSyncs due operations concurrently and
// waits for all of them; individual failures stay local to their operation.
func (m *Manager) ProcessSyncQueue(ctx context.Context) (Result, error) {
	if m.remote == nil {
		return Result{}, fmt.Errorf("no remote configured")
	}
	if !m.inProgress.CompareAndSwap(false, true) {
		return Result{}, ErrSyncInProgress
	}
	defer m.inProgress.Store(false)

	start := m.clock.Now()
	result := m.round(ctx)
	result.Duration = m.clock.Since(start)
	m.finish(ctx, result)
	return result, nil
}

// ForceSync clears retry backoff and drains rounds until nothing is due
func (m *Manager) ForceSync(ctx context.Context) (Result, error) {
	if m.remote == nil {
		return Result{}, fmt.Errorf("no remote configured")
	}
	if !m.inProgress.CompareAndSwap(false, true) {
		return Result{}, ErrSyncInProgress
	}
	defer m.inProgress.Store(false)

	m.mu.Lock()
	for _, op := range m.ops {
		if op.Status == StatusPending {
			op.NextAttemptAt = nil
		}
	}
	m.mu.Unlock()

	maxRounds := m.cfg.MaxForceRounds
	if maxRounds <= 0 {
		maxRounds = 50
	}

	start := m.clock.Now()
	var total Result
	for i := 0; i < maxRounds && ctx.Err() == nil; i++ {
		r := m.round(ctx)
		if r.Rounds == 0 {
			break
		}
		total.add(r)
	}
	total.Duration = m.clock.Since(start)
	m.finish(ctx, total)
	return total, ctx.Err()
}

func (m *Manager) finish(ctx context.Context, result Result) {
	if result.Rounds == 0 {
		return
	}
	now := m.clock.Now()
	m.mu.Lock()
	m.lastSync = &now
	m.mu.Unlock()

	m.persist(ctx)
	m.bus.Publish(events.SyncComplete, "cache-sync", result)
	m.logger.WithFields(logrus.Fields{
		"processed": result.Processed,
		"completed": result.Completed,
		"conflicts": result.Conflicts,
		"retrying":  result.Retrying,
		"failed":    result.Failed,
	}).Info("Sync round complete")
}

// round dequeues one batch and joins all of its goroutines
func (m *Manager) round(ctx context.Context) Result {
	batch := m.dequeue()
	if len(batch) == 0 {
		return Result{}
	}
	m.persist(ctx)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result = Result{Rounds: 1}
	)
	for _, op := range batch {
		wg.Add(1)
		go func(op Operation) {
			defer wg.Done()
			o := m.syncOperation(ctx, op)

			mu.Lock()
			defer mu.Unlock()
			result.Processed++
			switch o {
			case outcomeCompleted:
				result.Completed++
			case outcomeSkipped:
				result.Skipped++
			case outcomeRetrying:
				result.Retrying++
			case outcomeFailed:
				result.Failed++
			case outcomeConflict:
				result.Conflicts++
			}
		}(op)
	}
	wg.Wait()
	return result
}

// dequeue marks up to MaxConcurrentSyncs due, unblocked operations as syncing
func (m *Manager) dequeue() []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	var due []*Operation
	for _, op := range m.ops {
		if op.Status != StatusPending || op.Blocked() {
			continue
		}
		if op.NextAttemptAt != nil && op.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, op)
	}
	sort.Slice(due, func(i, j int) bool {
		ri, rj := due[i].Priority.rank(), due[j].Priority.rank()
		if ri != rj {
			return ri > rj
		}
		return due[i].Sequence < due[j].Sequence
	})
	if len(due) > m.cfg.MaxConcurrentSyncs {
		due = due[:m.cfg.MaxConcurrentSyncs]
	}

	batch := make([]Operation, len(due))
	for i, op := range due {
		op.Status = StatusSyncing
		op.UpdatedAt = now
		batch[i] = *op
	}
	m.recorder.SetSyncPending(m.countLocked(StatusPending))
	return batch
}

type outcome string

const (
	outcomeCompleted outcome = "completed"
	outcomeSkipped   outcome = "skipped"
	outcomeRetrying  outcome = "retrying"
	outcomeFailed    outcome = "failed"
	outcomeConflict  outcome = "conflict"
)

// syncOperation runs the per-operation algorithm; a panic releases the slot as a retry
func (m *Manager) syncOperation(ctx context.Context, op Operation) (o outcome) {
	strategy := m.strategyFor(op.Resource)
	start := m.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithField("operation_id", op.ID).Errorf("Sync operation panicked: %v", r)
			o = m.fail(op.ID, strategy, fmt.Errorf("panic: %v", r))
		}
		m.recorder.RecordSyncOperation(string(o))
	}()

	if !strategy.ShouldSync(op) {
		m.complete(op.ID, nil, 0)
		return outcomeSkipped
	}

	if !op.Force {
		remote, found, err := m.remote.FetchSync(ctx, op.Resource, op.ResourceID)
		if err != nil {
			return m.fail(op.ID, strategy, fmt.Errorf("failed to fetch remote copy: %w", err))
		}
		v := detect(op, remote, found)
		if v.conflict != "" {
			m.raiseConflict(ctx, op, remote, v.conflict, strategy)
			return outcomeConflict
		}
		if v.inSync {
			m.complete(op.ID, remote, m.clock.Since(start))
			return outcomeCompleted
		}
	}

	writeCtx := ctx
	if m.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, m.cfg.WriteTimeout)
		defer cancel()
	}
	if err := m.remote.WriteSync(writeCtx, string(op.Type), op.Resource, op.ResourceID, op.Payload); err != nil {
		return m.fail(op.ID, strategy, err)
	}

	written := op.Payload
	if op.Type == OpDelete {
		written = nil
	}
	m.complete(op.ID, written, m.clock.Since(start))
	return outcomeCompleted
}

// complete moves an operation into history; serverState becomes the new baseline
func (m *Manager) complete(id string, serverState json.RawMessage, elapsed time.Duration) {
	m.mu.Lock()
	op, ok := m.ops[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	op.Status = StatusCompleted
	op.UpdatedAt = m.clock.Now()
	op.NextAttemptAt = nil
	op.LastError = ""
	delete(m.ops, id)

	key := baselineKey(op.Resource, op.ResourceID)
	if len(serverState) == 0 {
		delete(m.baselines, key)
	} else {
		m.baselines[key] = ContentHash(serverState)
	}

	m.completed++
	m.syncTimeTotal += elapsed
	m.history = append(m.history, *op)
	if len(m.history) > historySize {
		m.history = m.history[len(m.history)-historySize:]
	}
	done := *op
	m.mu.Unlock()

	m.bus.Publish(events.OperationCompleted, "cache-sync", done)
}

// fail schedules a linear-backoff retry or marks the operation terminal
func (m *Manager) fail(id string, strategy Strategy, err error) outcome {
	m.mu.Lock()
	op, ok := m.ops[id]
	if !ok {
		m.mu.Unlock()
		return outcomeFailed
	}
	now := m.clock.Now()
	op.RetryCount++
	op.LastError = err.Error()
	op.UpdatedAt = now

	o := outcomeRetrying
	if op.RetryCount >= strategy.MaxRetries() {
		op.Status = StatusFailed
		op.NextAttemptAt = nil
		m.failed++
		o = outcomeFailed
	} else {
		op.Status = StatusPending
		next := now.Add(retryDelay(m.cfg.RetryDelay, op.RetryCount))
		op.NextAttemptAt = &next
	}
	failed := *op
	m.mu.Unlock()

	m.logger.WithError(err).WithFields(logrus.Fields{
		"operation_id": failed.ID,
		"resource":     failed.Resource,
		"retry_count":  failed.RetryCount,
		"terminal":     o == outcomeFailed,
	}).Warn("Sync operation failed")
	if o == outcomeFailed {
		m.bus.Publish(events.OperationFailed, "cache-sync", failed)
	}
	return o
}

// raiseConflict records exactly one conflict and blocks the operation on it
func (m *Manager) raiseConflict(ctx context.Context, op Operation, remote json.RawMessage, conflictType ConflictType, strategy Strategy) {
	m.mu.Lock()
	stored, ok := m.ops[op.ID]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	c := &Conflict{
		ID:            uuid.New().String(),
		OperationID:   op.ID,
		Resource:      op.Resource,
		ResourceID:    op.ResourceID,
		LocalVersion:  op.Payload,
		RemoteVersion: remote,
		ConflictType:  conflictType,
		Status:        ConflictPending,
		CreatedAt:     now,
	}
	m.conflicts[c.ID] = c
	stored.Status = StatusPending
	stored.ConflictID = c.ID
	stored.UpdatedAt = now
	m.conflictCount++
	raised := *c
	m.mu.Unlock()

	m.recorder.RecordConflict(string(conflictType))
	m.bus.Publish(events.ConflictDetected, "cache-sync", raised)
	m.logger.WithFields(logrus.Fields{
		"conflict_id":   raised.ID,
		"operation_id":  op.ID,
		"conflict_type": conflictType,
		"resource":      op.Resource,
	}).Warn("Sync conflict detected")

	if !m.cfg.AutoResolve {
		return
	}
	resolution := strategy.Resolve(raised)
	if resolution == ResolutionManual {
		return
	}
	if err := m.resolve(ctx, raised.ID, resolution, nil, true); err != nil {
		m.logger.WithError(err).WithField("conflict_id", raised.ID).Warn("Automatic conflict resolution failed")
	}
}

// ResolveConflict applies a resolution to a pending conflict; manual requires a value
func (m *Manager) ResolveConflict(ctx context.Context, conflictID string, resolution Resolution, manualValue json.RawMessage) error {
	return m.resolve(ctx, conflictID, resolution, manualValue, false)
}

func (m *Manager) resolve(ctx context.Context, conflictID string, resolution Resolution, manualValue json.RawMessage, auto bool) error {
	m.mu.Lock()
	c, ok := m.conflicts[conflictID]
	if !ok {
		m.mu.Unlock()
		return apperrors.NewEnhanced(http.StatusNotFound, "conflict not found", apperrors.CategoryValidation, apperrors.SeverityLow)
	}
	if c.Status != ConflictPending {
		m.mu.Unlock()
		return apperrors.NewEnhanced(http.StatusConflict, "conflict already "+string(c.Status), apperrors.CategoryConflict, apperrors.SeverityLow)
	}
	op := m.ops[c.OperationID]
	strategy, hasStrategy := m.strategies[c.Resource]
	if !hasStrategy {
		strategy = m.strategies["cache"]
	}

	var payload json.RawMessage
	switch resolution {
	case ResolutionLocal, ResolutionRemote:
	case ResolutionMerge:
		merged, err := strategy.Merge(c.LocalVersion, c.RemoteVersion)
		if err != nil {
			m.mu.Unlock()
			return apperrors.Wrap(err, "merge failed", apperrors.CategoryValidation)
		}
		payload = merged
	case ResolutionManual:
		if len(manualValue) == 0 || !json.Valid(manualValue) {
			m.mu.Unlock()
			return apperrors.NewEnhanced(http.StatusBadRequest, "manual resolution requires a JSON value", apperrors.CategoryValidation, apperrors.SeverityLow)
		}
		payload = manualValue
	default:
		m.mu.Unlock()
		return apperrors.NewEnhanced(http.StatusBadRequest, fmt.Sprintf("unknown resolution %q", resolution), apperrors.CategoryValidation, apperrors.SeverityLow)
	}

	now := m.clock.Now()
	c.Status = ConflictResolved
	c.Resolution = resolution
	c.ResolvedAt = &now
	if auto {
		m.autoResolved++
	} else {
		m.manualResolved++
	}
	resolved := *c
	m.mu.Unlock()

	adoptRemote := false
	if op != nil {
		m.mu.Lock()
		op.ConflictID = ""
		op.UpdatedAt = now
		switch resolution {
		case ResolutionRemote:
			adoptRemote = true
		case ResolutionLocal:
			op.Force = true
			op.NextAttemptAt = nil
		default:
			op.Payload = payload
			op.Force = true
			op.NextAttemptAt = nil
		}
		m.mu.Unlock()
	}

	if adoptRemote {
		m.complete(op.ID, resolved.RemoteVersion, 0)
		m.bus.Publish(events.RemoteData, "cache-sync", RemoteDataEvent{
			Resource:   resolved.Resource,
			ResourceID: resolved.ResourceID,
			Data:       resolved.RemoteVersion,
		})
	}

	m.persist(ctx)
	m.bus.Publish(events.ConflictResolved, "cache-sync", resolved)
	m.logger.WithFields(logrus.Fields{
		"conflict_id": resolved.ID,
		"resolution":  resolution,
		"automatic":   auto,
	}).Info("Sync conflict resolved")
	return nil
}

// IgnoreConflict closes a conflict and abandons its operation
func (m *Manager) IgnoreConflict(ctx context.Context, conflictID string) error {
	m.mu.Lock()
	c, ok := m.conflicts[conflictID]
	if !ok {
		m.mu.Unlock()
		return apperrors.NewEnhanced(http.StatusNotFound, "conflict not found", apperrors.CategoryValidation, apperrors.SeverityLow)
	}
	if c.Status != ConflictPending {
		m.mu.Unlock()
		return apperrors.NewEnhanced(http.StatusConflict, "conflict already "+string(c.Status), apperrors.CategoryConflict, apperrors.SeverityLow)
	}
	now := m.clock.Now()
	c.Status = ConflictIgnored
	c.ResolvedAt = &now
	if op, ok := m.ops[c.OperationID]; ok {
		op.Status = StatusFailed
		op.ConflictID = ""
		op.LastError = "conflict ignored"
		op.UpdatedAt = now
		m.failed++
	}
	ignored := *c
	m.mu.Unlock()

	m.persist(ctx)
	m.bus.Publish(events.ConflictResolved, "cache-sync", ignored)
	return nil
}

// Conflicts returns conflicts, newest first; pendingOnly filters resolved ones out
func (m *Manager) Conflicts(pendingOnly bool) []Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Conflict, 0, len(m.conflicts))
	for _, c := range m.conflicts {
		if pendingOnly && c.Status != ConflictPending {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Operation returns an active or recently completed operation
func (m *Manager) Operation(id string) (Operation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if op, ok := m.ops[id]; ok {
		return *op, true
	}
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ID == id {
			return m.history[i], true
		}
	}
	return Operation{}, false
}

// Operations returns active operations in dequeue order
func (m *Manager) Operations() []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Operation, 0, len(m.ops))
	for _, op := range m.ops {
		out = append(out, *op)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Priority.rank(), out[j].Priority.rank()
		if ri != rj {
			return ri > rj
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out
}

// GetMetrics returns counts and lifetime totals
func (m *Manager) GetMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Metrics{
		Failed:         m.countLocked(StatusFailed),
		Syncing:        m.countLocked(StatusSyncing),
		TotalCompleted: m.completed,
		TotalFailed:    m.failed,
		TotalConflicts: m.conflictCount,
		AutoResolved:   m.autoResolved,
		ManualResolved: m.manualResolved,
		LastSync:       m.lastSync,
		InProgress:     m.inProgress.Load(),
	}
	for _, op := range m.ops {
		if op.Status != StatusPending {
			continue
		}
		if op.Blocked() {
			out.Blocked++
		} else {
			out.Pending++
		}
	}
	for _, c := range m.conflicts {
		if c.Status == ConflictPending {
			out.PendingConflicts++
		}
	}
	if m.completed > 0 {
		out.AverageSyncTime = m.syncTimeTotal / time.Duration(m.completed)
	}
	return out
}

func (m *Manager) countLocked(status Status) int {
	n := 0
	for _, op := range m.ops {
		if op.Status == status {
			n++
		}
	}
	return n
}

// persist writes operations and conflicts; failures are logged only
func (m *Manager) persist(ctx context.Context) {
	if m.persister == nil {
		return
	}
	if err := m.Save(ctx); err != nil {
		m.logger.WithError(err).Warn("Failed to persist sync state")
	}
}

// Save writes the operation queue and the conflict list
func (m *Manager) Save(ctx context.Context) error {
	if m.persister == nil {
		return nil
	}
	m.mu.Lock()
	snap := snapshot{
		Operations: make([]Operation, 0, len(m.ops)),
		Baselines:  make(map[string]uint64, len(m.baselines)),
		Sequence:   m.sequence,
	}
	for _, op := range m.ops {
		snap.Operations = append(snap.Operations, *op)
	}
	for k, v := range m.baselines {
		snap.Baselines[k] = v
	}
	conflicts := make([]Conflict, 0, len(m.conflicts))
	for _, c := range m.conflicts {
		conflicts = append(conflicts, *c)
	}
	m.mu.Unlock()

	err := m.persister.Save(ctx, operationsKey, snap)
	if err == nil {
		err = m.persister.Save(ctx, conflictsKey, conflicts)
	}
	m.recorder.RecordPersistence("cache-sync", err)
	return err
}

// Load restores state; operations interrupted mid-sync return to pending
func (m *Manager) Load(ctx context.Context) error {
	if m.persister == nil {
		return nil
	}
	var snap snapshot
	found, err := m.persister.Load(ctx, operationsKey, &snap)
	if err != nil {
		return err
	}
	var conflicts []Conflict
	if _, err := m.persister.Load(ctx, conflictsKey, &conflicts); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if found {
		for i := range snap.Operations {
			op := snap.Operations[i]
			if op.Status == StatusSyncing {
				op.Status = StatusPending
			}
			m.ops[op.ID] = &op
		}
		for k, v := range snap.Baselines {
			m.baselines[k] = v
		}
		if snap.Sequence > m.sequence {
			m.sequence = snap.Sequence
		}
	}
	for i := range conflicts {
		c := conflicts[i]
		m.conflicts[c.ID] = &c
	}
	m.logger.WithFields(logrus.Fields{
		"operations": len(m.ops),
		"conflicts":  len(m.conflicts),
	}).Info("Sync state restored")
	return nil
}
