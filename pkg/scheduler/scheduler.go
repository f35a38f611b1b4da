// Cron-driven job scheduler. Each job has at most one instance running at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/robfig/cron/v3"
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrStopped    = errors.New("scheduler stopped")
)

type JobFn func(ctx context.Context, logger *log.Logger) error

type JobLastRun struct {
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Error    string    `json:"error,omitempty"`
}

func (j JobLastRun) Duration() time.Duration {
	return j.Finished.Sub(j.Started)
}

type JobSpec struct {
	ID          string      `json:"id"`
	Description string      `json:"description"`
	Schedule    string      `json:"schedule"` // cron expression, seconds optional. "@every 1h" works too
	NextRun     time.Time   `json:"next_run"`
	Running     bool        `json:"running"`
	LastRun     *JobLastRun `json:"last_run"`
}

type Job struct {
	spec     JobSpec
	run      JobFn
	schedule cron.Schedule
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func ValidateSchedule(schedule string) error {
	_, err := cronParser.Parse(schedule)
	return err
}

func NewJob(id string, description string, schedule string, run JobFn, now time.Time) (*Job, error) {
	parsed, err := cronParser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("job %s schedule: %w", id, err)
	}

	return &Job{
		spec: JobSpec{
			ID:          id,
			Description: description,
			Schedule:    schedule,
			NextRun:     parsed.Next(now),
		},
		run:      run,
		schedule: parsed,
	}, nil
}

type triggerRequest struct {
	jobID  string
	result chan error
}

type jobResult struct {
	job *Job
	run *JobLastRun
}

// Runs single-threaded: job state is only touched by the scheduler's goroutine, and
// jobs themselves run in their own goroutines & report back via a channel
type Controller struct {
	snapshotRequest chan chan []JobSpec
	triggerRequest  chan *triggerRequest
	jobFinished     chan *jobResult
	stopped         chan struct{}
	jobLogger       *log.Logger
}

func New(
	jobs []*Job,
	jobLogger *log.Logger,
	start func(func(context.Context) error),
) *Controller {
	c := &Controller{
		snapshotRequest: make(chan chan []JobSpec),
		triggerRequest:  make(chan *triggerRequest),
		jobFinished:     make(chan *jobResult, len(jobs)),
		stopped:         make(chan struct{}),
		jobLogger:       logex.NonNil(jobLogger),
	}

	start(func(ctx context.Context) error {
		return c.run(ctx, jobs)
	})

	return c
}

// starts the job now, unless it's already running. returns once the job has started
func (c *Controller) Trigger(ctx context.Context, jobID string) error {
	req := &triggerRequest{jobID: jobID, result: make(chan error, 1)}

	select {
	case c.triggerRequest <- req:
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	return <-req.result
}

// gets an atomic snapshot of scheduler's internal state
func (c *Controller) Snapshot(ctx context.Context) ([]JobSpec, error) {
	result := make(chan []JobSpec, 1)

	select {
	case c.snapshotRequest <- result:
	case <-c.stopped:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return <-result, nil
}

func (c *Controller) run(ctx context.Context, jobs []*Job) error {
	defer close(c.stopped)

	timer := time.NewTimer(0)
	defer timer.Stop()

	resetTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}

		if len(jobs) == 0 {
			return // never fires
		}

		earliest := jobs[0].spec.NextRun
		for _, job := range jobs {
			if job.spec.NextRun.Before(earliest) {
				earliest = job.spec.NextRun
			}
		}

		timer.Reset(time.Until(earliest))
	}

	resetTimer()

	running := 0

	for {
		select {
		case <-ctx.Done():
			// jobs got the same ctx, so they're stopping
			for ; running > 0; running-- {
				c.recordFinished(<-c.jobFinished)
			}

			return nil
		case now := <-timer.C:
			for _, job := range jobs {
				if !job.spec.NextRun.After(now) {
					job.spec.NextRun = job.schedule.Next(now)

					if c.start(ctx, job) {
						running++
					}
				}
			}

			resetTimer()
		case req := <-c.triggerRequest:
			job := findJob(jobs, req.jobID)
			if job == nil {
				req.result <- fmt.Errorf("%w: %s", ErrUnknownJob, req.jobID)
				continue
			}

			if c.start(ctx, job) {
				running++
			}

			req.result <- nil
		case result := <-c.jobFinished:
			c.recordFinished(result)
			running--
		case result := <-c.snapshotRequest:
			snapshot := []JobSpec{}
			for _, job := range jobs {
				snapshot = append(snapshot, copyJobSpec(job.spec))
			}

			result <- snapshot
		}
	}
}

func (c *Controller) recordFinished(result *jobResult) {
	result.job.spec.LastRun = result.run
	result.job.spec.Running = false
}

// returns false if previous instance still runs
func (c *Controller) start(ctx context.Context, job *Job) bool {
	jobLogger := logex.Prefix("scheduler/"+job.spec.ID, c.jobLogger)
	jobLogl := logex.Levels(jobLogger)

	if job.spec.Running {
		jobLogl.Error.Println("previous run still in progress; skipping")
		return false
	}

	job.spec.Running = true

	jobLogl.Info.Println("starting")

	go func() {
		started := time.Now()

		errStr := ""
		if err := job.run(ctx, jobLogger); err != nil {
			errStr = err.Error()
		}

		lastRun := &JobLastRun{
			Started:  started,
			Finished: time.Now(),
			Error:    errStr,
		}

		if errStr != "" {
			jobLogl.Error.Printf("failed in %s: %s", lastRun.Duration(), errStr)
		} else {
			jobLogl.Info.Printf("completed in %s", lastRun.Duration())
		}

		// buffered for all jobs, so never blocks
		c.jobFinished <- &jobResult{job: job, run: lastRun}
	}()

	return true
}

func findJob(jobs []*Job, id string) *Job {
	for _, job := range jobs {
		if job.spec.ID == id {
			return job
		}
	}

	return nil
}

func copyJobSpec(copied JobSpec) JobSpec {
	if copied.LastRun != nil {
		lastRunCopied := *copied.LastRun
		copied.LastRun = &lastRunCopied
	}

	return copied
}
