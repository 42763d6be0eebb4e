// ABOUTME: Cron scheduler that starts unattended agent loop episodes
// ABOUTME: Uses gronx for validation, due checks, and next-run computation

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/2389/fabricore-gateway/internal/conversation"
	"github.com/2389/fabricore-gateway/internal/store"
)

const (
	// DefaultTick is how often schedules are checked.
	DefaultTick = time.Minute

	// DefaultMaxTurns bounds a scheduled episode.
	DefaultMaxTurns = 5
)

var (
	// ErrInvalidCron is returned for expressions gronx cannot parse.
	ErrInvalidCron = errors.New("invalid cron expression")

	// ErrAlreadyRunning is returned when a schedule's previous episode is still in flight.
	ErrAlreadyRunning = errors.New("schedule is already running")

	// ErrMissingTask is returned when a schedule has no task instruction.
	ErrMissingTask = errors.New("task instruction is required")
)

// Runner starts loop episodes.
type Runner interface {
	Start(ctx context.Context, req conversation.StartRequest) (*conversation.Outcome, error)
}

// Store is the persistence the scheduler needs.
type Store interface {
	store.ScheduleStore
}

// Config contains the collaborators of a Service.
type Config struct {
	Store    Store
	Runner   Runner
	Tick     time.Duration
	MaxTurns int
	Logger   *slog.Logger
}

// Service checks schedules on every tick and runs the due ones, each in its
// own goroutine, with at most one episode in flight per schedule.
type Service struct {
	store    Store
	runner   Runner
	tick     time.Duration
	maxTurns int
	gron     *gronx.Gronx
	logger   *slog.Logger

	mu       sync.Mutex
	inFlight map[string]bool
	lastFire map[string]time.Time // minute a schedule last fired
	wg       sync.WaitGroup
}

// New creates a new Service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:    cfg.Store,
		runner:   cfg.Runner,
		tick:     cfg.Tick,
		maxTurns: cfg.MaxTurns,
		gron:     gronx.New(),
		logger:   logger.With("component", "scheduler"),
		inFlight: make(map[string]bool),
		lastFire: make(map[string]time.Time),
	}
	if s.tick <= 0 {
		s.tick = DefaultTick
	}
	if s.maxTurns <= 0 {
		s.maxTurns = DefaultMaxTurns
	}
	return s
}

// Validate checks a cron expression.
func Validate(expr string) error {
	if strings.TrimSpace(expr) == "" || !gronx.New().IsValid(expr) {
		return fmt.Errorf("%w: %q", ErrInvalidCron, expr)
	}
	return nil
}

// NextRun returns the first time after the given instant the expression fires.
func NextRun(expr string, after time.Time) (time.Time, error) {
	if err := Validate(expr); err != nil {
		return time.Time{}, err
	}
	next, err := gronx.NextTickAfter(expr, after, false)
	if err != nil {
		return time.Time{}, fmt.Errorf("computing next run: %w", err)
	}
	return next, nil
}

// Create validates and stores a schedule.
func (s *Service) Create(ctx context.Context, sched *store.Schedule) error {
	if err := Validate(sched.CronExpression); err != nil {
		return err
	}
	if strings.TrimSpace(sched.TaskInstruction) == "" {
		return ErrMissingTask
	}
	return s.store.CreateSchedule(ctx, sched)
}

// Run checks schedules until ctx is cancelled, then waits for in-flight
// episodes to finish.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "tick", s.tick)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return nil
		case now := <-ticker.C:
			s.CheckDue(ctx, now)
		}
	}
}

// CheckDue launches every active schedule due at now. It returns the IDs launched.
func (s *Service) CheckDue(ctx context.Context, now time.Time) []string {
	schedules, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		s.logger.Error("listing schedules failed", "error", err)
		return nil
	}

	minute := now.Truncate(time.Minute)
	var launched []string
	for _, sched := range schedules {
		due, err := s.gron.IsDue(sched.CronExpression, now)
		if err != nil {
			s.logger.Warn("skipping schedule with bad cron", "schedule_id", sched.ID, "cron", sched.CronExpression, "error", err)
			continue
		}
		if !due || !s.claim(sched.ID, minute) {
			continue
		}

		launched = append(launched, sched.ID)
		s.wg.Add(1)
		go func(sched *store.Schedule) {
			defer s.wg.Done()
			defer s.release(sched.ID)
			if _, err := s.execute(context.WithoutCancel(ctx), sched, now); err != nil {
				s.logger.Error("scheduled episode failed", "schedule_id", sched.ID, "error", err)
			}
		}(sched)
	}
	return launched
}

// RunNow runs one schedule immediately and waits for the episode.
func (s *Service) RunNow(ctx context.Context, id string) (*conversation.Outcome, error) {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if !s.claim(id, time.Time{}) {
		return nil, ErrAlreadyRunning
	}
	defer s.release(id)
	return s.execute(ctx, sched, now)
}

// claim marks a schedule in flight. A non-zero minute also refuses a second
// firing within the same minute.
func (s *Service) claim(id string, minute time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight[id] {
		return false
	}
	if !minute.IsZero() {
		if s.lastFire[id].Equal(minute) {
			return false
		}
		s.lastFire[id] = minute
	}
	s.inFlight[id] = true
	return true
}

func (s *Service) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

func (s *Service) execute(ctx context.Context, sched *store.Schedule, ranAt time.Time) (*conversation.Outcome, error) {
	s.logger.Info("running scheduled task", "schedule_id", sched.ID, "agent_id", sched.AgentID)

	req := conversation.StartRequest{
		Message:        "Scheduled Task: " + sched.TaskInstruction,
		Title:          "[Scheduled] " + conversation.Truncate(sched.TaskInstruction, 30),
		SystemPrompt:   fmt.Sprintf("You are executing a scheduled task: %s. You are an autonomous agent.", sched.TaskInstruction),
		DefaultAgentID: sched.AgentID,
		MaxTurns:       s.maxTurns,
		Metadata: map[string]any{
			"type":        conversation.TypeScheduledTrigger,
			"schedule_id": sched.ID,
		},
	}
	if sched.UsePersistentChat {
		req.SessionID = sched.ChatSessionID
	}

	out, err := s.runner.Start(ctx, req)
	if err != nil && req.SessionID != "" && errors.Is(err, store.ErrNotFound) {
		// the persistent session was deleted, start a new one
		s.logger.Warn("persistent session missing, starting a new one", "schedule_id", sched.ID, "session_id", req.SessionID)
		req.SessionID = ""
		out, err = s.runner.Start(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	keep := ""
	if sched.UsePersistentChat {
		keep = out.SessionID
	}
	if err := s.store.RecordScheduleRun(ctx, sched.ID, ranAt.UTC(), keep); err != nil {
		s.logger.Warn("recording schedule run failed", "schedule_id", sched.ID, "error", err)
	}

	s.logger.Info("scheduled task finished",
		"schedule_id", sched.ID,
		"session_id", out.SessionID,
		"state", out.State)
	return out, nil
}
