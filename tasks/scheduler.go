package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Job is a periodic maintenance task
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs jobs on fixed intervals, independent of request traffic
type Scheduler struct {
	jobs []Job
}

func NewScheduler(jobs ...Job) *Scheduler {
	return &Scheduler{jobs: jobs}
}

// Jobs returns the configured jobs
func (s *Scheduler) Jobs() []Job {
	return s.jobs
}

// Start runs every job once right away and then on its interval until ctx
// is cancelled. It blocks until all job loops have stopped.
func (s *Scheduler) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		if job.Interval <= 0 {
			log.Warn("Scheduler: job has no interval, skipping", "job", job.Name)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, job)
		}()
	}
	log.Printf("Scheduler: Started %d jobs", len(s.jobs))
	wg.Wait()
	log.Printf("Scheduler: Stopped")
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	s.runJob(ctx, job)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runJob(ctx, job)
		}
	}
}

// RunOnce runs each job a single time, in order, and joins their errors
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var errs []error
	for _, job := range s.jobs {
		if err := s.runJob(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", job.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) runJob(ctx context.Context, job Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, p)
		}
		if err != nil {
			log.Printf("Scheduler: Job %s failed: %v", job.Name, err)
		}
	}()
	start := time.Now()
	err = job.Run(ctx)
	log.Debug("Scheduler: job finished", "job", job.Name, "took", time.Since(start))
	return err
}

// QueueCounter reports the depth of the delivery queue
type QueueCounter interface {
	CountDeliveries(ctx context.Context) (int, error)
}

// HealthCheck builds a job that pings the database and logs the queue depth
func HealthCheck(interval time.Duration, pool Pool, queue QueueCounter) Job {
	return Job{
		Name:     "health-check",
		Interval: interval,
		Run: func(ctx context.Context) error {
			if err := pool.Ping(ctx); err != nil {
				return fmt.Errorf("database unreachable: %w", err)
			}
			depth, err := queue.CountDeliveries(ctx)
			if err != nil {
				return fmt.Errorf("failed to count delivery queue: %w", err)
			}
			log.Info("Scheduler: healthy", "deliveryQueue", depth)
			return nil
		},
	}
}
