// Package summary schedules summarization jobs that run as ordinary agent
// turns over fresh conversations.
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/autobrain/autobrain/internal/orchestrator"
	"github.com/autobrain/autobrain/internal/store"
	"github.com/autobrain/autobrain/internal/tools"
)

// Job states.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const defaultDays = 7

// Turner runs one agent turn. Implemented by orchestrator.Orchestrator.
type Turner interface {
	Turn(ctx context.Context, req orchestrator.TurnRequest) (*orchestrator.TurnResult, error)
}

// DocumentLister returns recently ingested documents for an organization.
type DocumentLister interface {
	RecentDocuments(ctx context.Context, orgID uuid.UUID, days int) ([]store.Document, error)
}

// Job is one scheduled summarization. Results land in a fresh conversation
// like any other turn; the job record tracks where.
type Job struct {
	ID             uuid.UUID
	OrgID          uuid.UUID
	Query          string
	Days           int
	Status         string
	ConversationID *uuid.UUID
	Answer         string
	Error          string
	CreatedAt      time.Time
	FinishedAt     *time.Time
}

// Config carries the scheduler's dependencies.
type Config struct {
	Turner   Turner
	Docs     DocumentLister
	Interval time.Duration // poll tick; 0 = 5s
	Logger   *slog.Logger

	// BackgroundCtx outlives API requests: scheduled jobs keep running
	// after the scheduling request returns.
	BackgroundCtx context.Context //nolint:containedctx // app lifecycle context, not a request context
}

// Scheduler queues summarization jobs and runs them on a ticker. Jobs are
// tracked in memory only; a restart drops pending jobs, which is acceptable
// for periodic summaries that the next schedule recreates.
type Scheduler struct {
	turner   Turner
	docs     DocumentLister
	interval time.Duration
	logger   *slog.Logger
	bgCtx    context.Context //nolint:containedctx // app lifecycle context

	mu    sync.Mutex
	jobs  map[uuid.UUID]*Job
	queue []uuid.UUID

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates and starts a Scheduler. Call Close to stop it.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Turner == nil {
		return nil, fmt.Errorf("turner is required")
	}
	if cfg.Docs == nil {
		return nil, fmt.Errorf("document lister is required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bgCtx := cfg.BackgroundCtx
	if bgCtx == nil {
		bgCtx = context.Background()
	}

	s := &Scheduler{
		turner:   cfg.Turner,
		docs:     cfg.Docs,
		interval: interval,
		logger:   logger,
		bgCtx:    bgCtx,
		jobs:     make(map[uuid.UUID]*Job),
		stop:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.loop()
	return s, nil
}

// Close stops the ticker loop and waits for an in-flight job to finish.
func (s *Scheduler) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// Schedule queues a summarization job and returns its id. An empty query
// uses the default weekly summary prompt; days <= 0 defaults to 7.
func (s *Scheduler) Schedule(orgID uuid.UUID, query string, days int) uuid.UUID {
	if days <= 0 {
		days = defaultDays
	}

	job := &Job{
		ID:        uuid.New(),
		OrgID:     orgID,
		Query:     query,
		Days:      days,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.queue = append(s.queue, job.ID)
	s.mu.Unlock()

	s.logger.Info("scheduled summary job", "job_id", job.ID, "org_id", orgID, "days", days)
	return job.ID
}

// Job returns a snapshot of the job record.
func (s *Scheduler) Job(id uuid.UUID) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-s.bgCtx.Done():
			return
		case <-ticker.C:
			for {
				job := s.dequeue()
				if job == nil {
					break
				}
				s.runJob(job)
			}
		}
	}
}

func (s *Scheduler) dequeue() *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]
		if job, ok := s.jobs[id]; ok && job.Status == StatusPending {
			job.Status = StatusRunning
			return job
		}
	}
	return nil
}

func (s *Scheduler) runJob(job *Job) {
	message := s.buildMessage(job)

	result, err := s.turner.Turn(s.bgCtx, orchestrator.TurnRequest{
		OrgID:   job.OrgID,
		Message: message,
		Tools:   []string{tools.SearchKnowledgeName},
	})

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	job.FinishedAt = &now
	switch {
	case err != nil:
		job.Status = StatusFailed
		job.Error = err.Error()
		s.logger.Error("summary job failed", "job_id", job.ID, "error", err)
	case result.State == orchestrator.StateError:
		job.Status = StatusFailed
		job.ConversationID = &result.ConversationID
		job.Error = result.ErrorDetail
		s.logger.Error("summary job turn errored", "job_id", job.ID, "detail", result.ErrorDetail)
	default:
		job.Status = StatusCompleted
		job.ConversationID = &result.ConversationID
		job.Answer = result.Answer
		s.logger.Info("summary job completed", "job_id", job.ID, "conversation_id", result.ConversationID)
	}
}

// buildMessage renders the synthetic query, listing recently ingested
// documents so the model knows what period it is summarizing.
func (s *Scheduler) buildMessage(job *Job) string {
	query := job.Query
	if query == "" {
		query = fmt.Sprintf("Summarize the key information from documents added in the last %d days.", job.Days)
	}

	docs, err := s.docs.RecentDocuments(s.bgCtx, job.OrgID, job.Days)
	if err != nil {
		s.logger.Warn("listing recent documents", "job_id", job.ID, "error", err)
		return query
	}
	if len(docs) == 0 {
		return query + "\n\nNo documents were ingested in this period; say so briefly."
	}

	var b strings.Builder
	b.WriteString(query)
	b.WriteString("\n\nRecently ingested documents:\n")
	for _, doc := range docs {
		title := doc.Title
		if title == "" {
			title = doc.URI
		}
		fmt.Fprintf(&b, "- %s\n", title)
	}
	return b.String()
}
