package warmer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const snapshotKey = "tasks"

// snapshot is the persisted warmer state. Loading tasks are saved as pending
// since their fetch did not finish.
type snapshot struct {
	Pending  []Task          `json:"pending"`
	Retrying []scheduledTask `json:"retrying"`
	Metrics  Metrics         `json:"metrics"`
	Fetched  int             `json:"fetched"`
}

type scheduledTask struct {
	Task Task      `json:"task"`
	Due  time.Time `json:"due"`
}

// snapshotLocked captures live tasks plus any parked by Stop; callers hold w.mu
func (w *Warmer) snapshotLocked() *snapshot {
	s := &snapshot{Metrics: w.stats, Fetched: w.fetched}
	if w.parked != nil {
		s.Pending = append(s.Pending, w.parked.Pending...)
		s.Retrying = append(s.Retrying, w.parked.Retrying...)
	}
	for _, t := range w.pending {
		s.Pending = append(s.Pending, requeued(*t))
	}
	for _, t := range w.loading {
		s.Pending = append(s.Pending, requeued(*t))
	}
	for _, r := range w.retries {
		s.Retrying = append(s.Retrying, scheduledTask{Task: *r.task, Due: r.due})
	}
	return s
}

func requeued(t Task) Task {
	t.Status = StatusPending
	t.Strategy = ""
	t.StartedAt = nil
	return t
}

// Save persists queued and retrying tasks with the aggregate metrics
func (w *Warmer) Save(ctx context.Context) error {
	if w.persister == nil {
		return nil
	}
	w.mu.Lock()
	state := w.snapshotLocked()
	w.mu.Unlock()

	err := w.persister.Save(ctx, snapshotKey, state)
	w.recorder.RecordPersistence("warmer", err)
	return err
}

// Load restores saved tasks. Retries already due join the queue at once, the
// rest are re-armed for their original due time.
func (w *Warmer) Load(ctx context.Context) error {
	if w.persister == nil {
		return nil
	}
	var state snapshot
	found, err := w.persister.Load(ctx, snapshotKey, &state)
	if err != nil || !found {
		return err
	}

	w.mu.Lock()
	now := w.clock.Now()
	w.stats = state.Metrics
	w.fetched = state.Fetched

	restored := 0
	for i := range state.Pending {
		t := state.Pending[i]
		if w.isActive(t.Resource) {
			continue
		}
		t.Status = StatusPending
		w.pending = append(w.pending, &t)
		restored++
	}
	for _, r := range state.Retrying {
		t := r.Task
		if r.Due.After(now) {
			w.armRetryLocked(&t, r.Due)
			restored++
			continue
		}
		if w.isActive(t.Resource) {
			continue
		}
		t.ID = uuid.New().String()
		t.Status = StatusPending
		t.CreatedAt = now
		w.pending = append(w.pending, &t)
		w.stats.TotalTasks++
		restored++
	}
	w.sortPending()
	if len(w.pending) > w.cfg.MaxQueueSize {
		for _, t := range w.pending[w.cfg.MaxQueueSize:] {
			w.finishLocked(t, StatusSkipped, "evicted: queue full")
		}
		w.pending = w.pending[:w.cfg.MaxQueueSize]
	}
	queued := len(w.pending)
	w.mu.Unlock()

	w.signal()
	w.logger.WithFields(logrus.Fields{
		"restored": restored,
		"queued":   queued,
	}).Info("Warming tasks restored")
	return nil
}
