package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Locker serializes runs of the same scan across replicas
type Locker interface {
	Acquire(ctx context.Context, scan string) (string, error)
	Release(ctx context.Context, scan, token string) error
}

// Schedules holds six-field cron expressions (seconds first) for each scan
type Schedules struct {
	Digest     string
	Expiry     string
	Milestones string
}

// DefaultSchedules runs the digest Monday 09:00, expiry daily 08:00 and
// milestones hourly.
func DefaultSchedules() Schedules {
	return Schedules{
		Digest:     "0 0 9 * * MON",
		Expiry:     "0 0 8 * * *",
		Milestones: "0 0 * * * *",
	}
}

// Scheduler runs scans on cron schedules and on demand, guarded by an optional lock
type Scheduler struct {
	scanner  *Scanner
	lock     Locker
	cron     *cron.Cron
	onFinish func(context.Context, *Report)
	timeout  time.Duration
	logger   *zap.Logger
}

// NewScheduler creates a scheduler. A nil lock runs scans unguarded.
func NewScheduler(scanner *Scanner, lock Locker, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		scanner: scanner,
		lock:    lock,
		cron:    cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		timeout: 5 * time.Minute,
		logger:  logger,
	}
}

// OnFinish registers a callback invoked after every successful run
func (s *Scheduler) OnFinish(fn func(context.Context, *Report)) {
	s.onFinish = fn
}

// RunScan runs one scan under the lock
func (s *Scheduler) RunScan(ctx context.Context, scan string, now time.Time) (*Report, error) {
	if s.lock != nil {
		token, err := s.lock.Acquire(ctx, scan)
		if err != nil {
			return nil, fmt.Errorf("acquire %s lock: %w", scan, err)
		}
		defer func() {
			// release on a fresh context so a cancelled request still frees the lock
			relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.lock.Release(relCtx, scan, token); err != nil {
				s.logger.Warn("failed to release run lock", zap.Error(err), zap.String("scan", scan))
			}
		}()
	}

	report, err := s.scanner.Run(ctx, scan, now)
	if err != nil {
		return nil, err
	}
	if s.onFinish != nil {
		s.onFinish(ctx, report)
	}
	return report, nil
}

// Start registers the three scans and starts the cron loop
func (s *Scheduler) Start(schedules Schedules) error {
	jobs := []struct {
		scan string
		spec string
	}{
		{ScanDigest, schedules.Digest},
		{ScanExpiry, schedules.Expiry},
		{ScanMilestones, schedules.Milestones},
	}

	for _, job := range jobs {
		scan := job.scan
		if _, err := s.cron.AddFunc(job.spec, func() { s.fire(scan) }); err != nil {
			return fmt.Errorf("schedule %s %q: %w", scan, job.spec, err)
		}
		s.logger.Info("scan scheduled", zap.String("scan", scan), zap.String("cron", job.spec))
	}

	s.cron.Start()
	return nil
}

func (s *Scheduler) fire(scan string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.RunScan(ctx, scan, time.Now().UTC()); err != nil {
		s.logger.Warn("scheduled scan did not run", zap.Error(err), zap.String("scan", scan))
	}
}

// Stop halts the cron loop and waits for running scans to finish or ctx to expire
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}
