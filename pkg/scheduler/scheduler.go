package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cutoverd/cutover/internal/orchestrator"
	"github.com/cutoverd/cutover/pkg/models"
)

// Canceller requests cancellation of an attempt. Satisfied by
// *orchestrator.Orchestrator; cancellation of an attempt that has already
// mutated its environment routes through rollback there.
type Canceller interface {
	Cancel(attemptID uint) error
}

// DeadlineScheduler watches non-terminal attempts and cancels any that run
// past their deadline, so a wedged deploy never holds an environment forever.
type DeadlineScheduler struct {
	db             *gorm.DB
	timer          *time.Timer
	mu             sync.Mutex
	lookahead      time.Duration
	upcoming       []models.DeploymentAttempt
	rescheduleChan chan struct{}
	wg             sync.WaitGroup // track ongoing cancellations
	canceller      Canceller
	l              *zap.SugaredLogger
}

func NewDeadlineScheduler(db *gorm.DB, canceller Canceller, logger *zap.SugaredLogger) *DeadlineScheduler {
	return &DeadlineScheduler{
		db:             db,
		mu:             sync.Mutex{},
		lookahead:      1 * time.Minute,
		rescheduleChan: make(chan struct{}, 1),
		canceller:      canceller,
		l:              logger,
	}
}

func (s *DeadlineScheduler) Start(ctx context.Context) {
	s.l.Debug("starting deadline scheduler")
	s.fetchNextDeadlines()

	ticker := time.NewTicker(s.lookahead / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			if s.timer != nil {
				s.timer.Stop()
			}
			s.mu.Unlock()
			s.wg.Wait() // wait for ongoing cancellations
			close(s.rescheduleChan)
			return

		case <-ticker.C:
			s.fetchNextDeadlines()

		case <-s.rescheduleChan:
			s.nextDeadline()
		}
	}
}

func (s *DeadlineScheduler) fetchNextDeadlines() {
	s.l.Debug("fetching upcoming deadlines")
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	window := time.Now().Add(s.lookahead)

	attempts, err := models.GetExpiredAttempts(s.db, window)
	if err != nil {
		s.l.Errorf("failed to fetch upcoming deadlines: %v", err)
		return
	}

	s.upcoming = attempts

	if len(attempts) == 0 {
		return
	}

	next := attempts[0]
	s.l.Debugf("scheduling deadline for attempt %d at %s", next.ID, next.Deadline)
	delay := time.Until(*next.Deadline)
	if delay < 0 {
		delay = 0
	}

	s.timer = time.AfterFunc(delay, func() {
		s.handleDeadline(next.ID)
	})
}

func (s *DeadlineScheduler) nextDeadline() {
	s.l.Debug("rescheduling deadline")
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.upcoming) == 0 {
		return
	}

	next := s.upcoming[0]
	s.l.Debugf("scheduling deadline for attempt %d at %s", next.ID, next.Deadline)
	delay := time.Until(*next.Deadline)
	if delay < 0 {
		delay = 0
	}

	if s.timer != nil {
		s.timer.Stop()
	}

	s.timer = time.AfterFunc(delay, func() {
		s.handleDeadline(next.ID)
	})
}

func (s *DeadlineScheduler) handleDeadline(attemptID uint) {
	s.wg.Add(1)
	defer s.wg.Done()
	s.l.Debugf("handling deadline for attempt %d", attemptID)
	// Remove from upcoming and trigger reschedule BEFORE cancelling
	s.mu.Lock()
	s.removeFromUpcoming(attemptID)
	s.mu.Unlock()

	// Immediately schedule the next deadline
	s.triggerReschedule()

	s.cancelAttempt(attemptID)
}

func (s *DeadlineScheduler) removeFromUpcoming(attemptID uint) {
	for i, a := range s.upcoming {
		if a.ID == attemptID {
			s.upcoming = append(s.upcoming[:i], s.upcoming[i+1:]...)
			return
		}
	}
}

func (s *DeadlineScheduler) cancelAttempt(attemptID uint) {
	attempt, err := models.GetAttemptByID(s.db, attemptID)
	if err != nil {
		s.l.Errorf("failed to fetch attempt %d for deadline handling: %v", attemptID, err)
		return
	}
	if attempt.Terminal() {
		return
	}
	if attempt.Deadline != nil && time.Now().Before(*attempt.Deadline) {
		s.l.Debugf("attempt %d deadline moved, skipping", attemptID)
		return
	}

	s.l.Warnf("attempt %d exceeded its deadline, cancelling", attemptID)
	if err := s.canceller.Cancel(attemptID); err != nil {
		if errors.Is(err, orchestrator.ErrAlreadyTerminal) {
			return
		}
		s.l.Errorf("failed to cancel overdue attempt %d: %v", attemptID, err)
	}
}

func (s *DeadlineScheduler) triggerReschedule() {
	select {
	case s.rescheduleChan <- struct{}{}:
	default:
	}
}

// NotifyChange tells the scheduler an attempt was created or its deadline
// changed, so the timer can be recomputed without waiting for the next tick.
func (s *DeadlineScheduler) NotifyChange() {
	s.fetchNextDeadlines()
}
