package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"orthotiles/internal/logger"
)

// ErrJobNotFound is returned for unknown job ids
var ErrJobNotFound = errors.New("job not found")

// queueState is the persistent queue order
type queueState struct {
	JobOrder []string `json:"jobOrder"`
}

// QueueStatus summarises the queue
type QueueStatus struct {
	CurrentJobID  string `json:"currentJobId,omitempty"`
	TotalJobs     int    `json:"totalJobs"`
	PendingJobs   int    `json:"pendingJobs"`
	CompletedJobs int    `json:"completedJobs"`
	FailedJobs    int    `json:"failedJobs"`
}

// Executor runs one job
type Executor interface {
	Run(ctx context.Context, job *Job) (*Result, error)
}

// Queue is a persistent list of jobs processed one at a time in priority order.
// State lives in {dir}/queue.json and one file per job under {dir}/jobs.
type Queue struct {
	mu       sync.Mutex
	dir      string
	jobs     map[string]*Job
	order    []string
	executor Executor
	log      *logger.Logger

	current       *Job
	cancelCurrent context.CancelFunc
}

// NewQueue opens the queue stored in dir. Jobs left running by an interrupted
// process are put back to pending.
func NewQueue(dir string, executor Executor, log *logger.Logger) (*Queue, error) {
	if log == nil {
		log = logger.Nop()
	}
	q := &Queue{
		dir:      dir,
		jobs:     make(map[string]*Job),
		executor: executor,
		log:      log,
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) stateFile() string { return filepath.Join(q.dir, "queue.json") }
func (q *Queue) jobsDir() string   { return filepath.Join(q.dir, "jobs") }

func (q *Queue) load() error {
	var state queueState
	if data, err := os.ReadFile(q.stateFile()); err == nil {
		if err := json.Unmarshal(data, &state); err != nil {
			q.log.Warn("[Queue] Ignoring unreadable queue state", map[string]interface{}{"error": err.Error()})
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to read queue state: %w", err)
	}

	entries, err := os.ReadDir(q.jobsDir())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to read job directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		job, err := LoadFromFile(filepath.Join(q.jobsDir(), entry.Name()))
		if err != nil {
			q.log.Warn("[Queue] Skipping unreadable job", map[string]interface{}{"file": entry.Name(), "error": err.Error()})
			continue
		}
		if job.Status == StatusRunning {
			job.Status = StatusPending
			job.StartedAt = ""
		}
		q.jobs[job.ID] = job
	}

	// keep the stored order for known jobs, then append the rest
	for _, id := range state.JobOrder {
		if _, ok := q.jobs[id]; ok && !slices.Contains(q.order, id) {
			q.order = append(q.order, id)
		}
	}
	var rest []string
	for id := range q.jobs {
		if !slices.Contains(q.order, id) {
			rest = append(rest, id)
		}
	}
	slices.SortFunc(rest, func(a, b string) int { return strings.Compare(q.jobs[a].CreatedAt, q.jobs[b].CreatedAt) })
	q.order = append(q.order, rest...)

	q.log.Debug("[Queue] Loaded", map[string]interface{}{"jobs": len(q.jobs)})
	return nil
}

// saveState must be called with q.mu held
func (q *Queue) saveState() error {
	if err := os.MkdirAll(q.dir, 0755); err != nil {
		return fmt.Errorf("failed to create queue directory: %w", err)
	}
	data, err := json.MarshalIndent(queueState{JobOrder: q.order}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal queue state: %w", err)
	}
	if err := os.WriteFile(q.stateFile(), data, 0644); err != nil {
		return fmt.Errorf("failed to write queue state: %w", err)
	}
	return nil
}

func (q *Queue) saveJob(job *Job) error {
	_, err := job.SaveToFile(q.jobsDir())
	return err
}

// Add appends a job to the queue
func (q *Queue) Add(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.jobs[job.ID]; exists {
		return fmt.Errorf("job %s is already queued", job.ID)
	}
	job.Status = StatusPending
	if err := q.saveJob(job); err != nil {
		return err
	}
	q.jobs[job.ID] = job
	q.order = append(q.order, job.ID)
	if err := q.saveState(); err != nil {
		return err
	}

	q.log.Info("[Queue] Added job", map[string]interface{}{"id": job.ID, "name": job.Name})
	return nil
}

// Get returns a copy of the job with id
func (q *Queue) Get(id string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return *job, nil
}

// All returns copies of every job in queue order
func (q *Queue) All() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Job, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, *q.jobs[id])
	}
	return out
}

// Delete removes a job that is not running
func (q *Queue) Delete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.Status == StatusRunning {
		return fmt.Errorf("cannot delete running job - cancel it first")
	}

	delete(q.jobs, id)
	q.order = slices.DeleteFunc(q.order, func(o string) bool { return o == id })
	if err := job.DeleteFile(q.jobsDir()); err != nil && !errors.Is(err, os.ErrNotExist) {
		q.log.Warn("[Queue] Failed to delete job file", map[string]interface{}{"id": id, "error": err.Error()})
	}
	return q.saveState()
}

// Cancel cancels a pending job, or interrupts it if it is running
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.Finished() {
		return fmt.Errorf("job %s already finished", id)
	}

	if q.current != nil && q.current.ID == id {
		// Run records the final state once the runner returns
		q.cancelCurrent()
		return nil
	}
	job.MarkCancelled(nil)
	return q.saveJob(job)
}

// ClearFinished removes completed, failed and cancelled jobs
func (q *Queue) ClearFinished() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.order = slices.DeleteFunc(q.order, func(id string) bool {
		job := q.jobs[id]
		if !job.Finished() {
			return false
		}
		_ = job.DeleteFile(q.jobsDir())
		delete(q.jobs, id)
		return true
	})
	return q.saveState()
}

// Status summarises the queue
func (q *Queue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	status := QueueStatus{TotalJobs: len(q.jobs)}
	if q.current != nil {
		status.CurrentJobID = q.current.ID
	}
	for _, job := range q.jobs {
		switch job.Status {
		case StatusPending:
			status.PendingJobs++
		case StatusCompleted:
			status.CompletedJobs++
		case StatusFailed:
			status.FailedJobs++
		}
	}
	return status
}

// next picks the highest priority pending job, earliest queued first
func (q *Queue) next() *Job {
	var best *Job
	for _, id := range q.order {
		job := q.jobs[id]
		if job.Status == StatusPending && (best == nil || job.Priority > best.Priority) {
			best = job
		}
	}
	return best
}

// Run processes pending jobs until none are left or ctx is cancelled. A failing
// job does not stop the queue. It returns the number of jobs run.
func (q *Queue) Run(ctx context.Context) (int, error) {
	if q.executor == nil {
		return 0, fmt.Errorf("no executor configured")
	}

	ran := 0
	for ctx.Err() == nil {
		q.mu.Lock()
		job := q.next()
		if job == nil {
			q.mu.Unlock()
			break
		}
		jobCtx, cancel := context.WithCancel(ctx)
		job.MarkStarted()
		q.current, q.cancelCurrent = job, cancel
		if saveErr := q.saveJob(job); saveErr != nil {
			q.log.Warn("[Queue] Failed to save job", map[string]interface{}{"id": job.ID, "error": saveErr.Error()})
		}
		// the executor works on its own copy; readers see the queued one until it returns
		work := *job
		q.mu.Unlock()

		q.log.Info("[Queue] Executing job", map[string]interface{}{"id": job.ID, "name": job.Name})
		_, err := q.executor.Run(jobCtx, &work)
		cancel()
		ran++

		q.mu.Lock()
		*job = work
		if err != nil && job.Status != StatusFailed {
			job.MarkFailed(err)
		}
		if err != nil {
			q.log.Warn("[Queue] Job failed", map[string]interface{}{"id": job.ID, "error": err.Error()})
		}
		if saveErr := q.saveJob(job); saveErr != nil {
			q.log.Error("[Queue] Failed to save job", saveErr, map[string]interface{}{"id": job.ID})
		}
		q.current, q.cancelCurrent = nil, nil
		q.mu.Unlock()
	}
	return ran, ctx.Err()
}
