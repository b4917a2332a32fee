package systems

import (
	"errors"
	"fmt"
	"sync"

	"github.com/spaghettifunk/lumen/engine/core"
)

var (
	ErrNoWorkers           = fmt.Errorf("attempting to create worker pool with less than 1 worker")
	ErrNegativeChannelSize = fmt.Errorf("attempting to create worker pool with a negative channel size")
	ErrJobSystemShutdown   = errors.New("job system has been shut down")
)

// Job is one unit of work. OnComplete or OnFailure runs on the worker after
// Run returns, then OnFinished runs either way.
type Job struct {
	Name       string
	Run        func() error
	OnComplete func()
	OnFailure  func(err error)
	OnFinished func()
}

type JobSystem struct {
	numWorkers int
	jobQueue   chan Job
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewJobSystem(numWorkers int, channelSize int) (*JobSystem, error) {
	if numWorkers <= 0 {
		return nil, ErrNoWorkers
	}
	if channelSize < 0 {
		return nil, ErrNegativeChannelSize
	}

	js := &JobSystem{
		numWorkers: numWorkers,
		jobQueue:   make(chan Job, channelSize),
	}

	js.start()

	return js, nil
}

func (js *JobSystem) start() {
	for i := 0; i < js.numWorkers; i++ {
		js.wg.Add(1)
		go func() {
			defer js.wg.Done()
			for job := range js.jobQueue {
				js.run(job)
			}
		}()
	}
}

func (js *JobSystem) run(job Job) {
	if job.OnFinished != nil {
		defer job.OnFinished()
	}
	if err := job.Run(); err != nil {
		core.LogError("job %s failed: %s", job.Name, err.Error())
		if job.OnFailure != nil {
			job.OnFailure(err)
		}
		return
	}
	if job.OnComplete != nil {
		job.OnComplete()
	}
}

/**
 * @brief Shuts the job system down, waiting for queued jobs to finish.
 */
func (js *JobSystem) Shutdown() error {
	js.mu.Lock()
	if js.closed {
		js.mu.Unlock()
		return nil
	}
	js.closed = true
	close(js.jobQueue)
	js.mu.Unlock()
	js.wg.Wait()
	return nil
}

func (js *JobSystem) Workers() int {
	return js.numWorkers
}

/**
 * @brief Submits the provided job to be queued for execution. Blocks while
 * the queue is full.
 * @param job The job to be executed.
 */
func (js *JobSystem) Submit(job Job) error {
	js.mu.RLock()
	defer js.mu.RUnlock()
	if js.closed {
		return ErrJobSystemShutdown
	}
	js.jobQueue <- job
	return nil
}

// Batch is a completion latch over a group of jobs.
type Batch struct {
	js   *JobSystem
	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

func (js *JobSystem) NewBatch() *Batch {
	return &Batch{js: js}
}

func (b *Batch) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errs = append(b.errs, err)
}

// Go queues fn as part of the batch.
func (b *Batch) Go(name string, fn func() error) error {
	b.wg.Add(1)
	err := b.js.Submit(Job{
		Name:       name,
		Run:        fn,
		OnFailure:  b.fail,
		OnFinished: b.wg.Done,
	})
	if err != nil {
		b.wg.Done()
		return err
	}
	return nil
}

// Wait blocks until every job of the batch has finished and returns their
// errors joined.
func (b *Batch) Wait() error {
	b.wg.Wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	return errors.Join(b.errs...)
}
