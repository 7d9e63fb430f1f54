// The worker claims build jobs from the database and runs them.
package worker

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/shutterbay/bundler/models"
	"github.com/shutterbay/bundler/models/build_jobs"
	"github.com/shutterbay/bundler/services"
)

const defaultSleepFactor = 2

// 10ms * 2^10 ~ 10 seconds between attempts
var maxMultiplier = math.Pow(2, 10)

// A Worker does some work with a claimed BuildJob. Worker implementations
// may be shared between claimers and must be threadsafe.
type Worker interface {
	// DoWork runs one build attempt for the claimed job and records the
	// outcome via the services layer. Errors are logged, but otherwise
	// nothing else is done with them; the job tables carry the state.
	DoWork(*models.BuildJob) error
}

// A Pool contains an array of claimers, all of which compete for build jobs
// in the shared queue.
type Pool struct {
	Claimers               []*Claimer
	Name                   string
	Deadline               time.Duration
	receivedShutdownSignal bool
	mu                     sync.Mutex
	wg                     sync.WaitGroup
}

// A Claimer polls the queue for runnable jobs and hands them to its Worker.
type Claimer struct {
	ID       string
	QuitChan chan bool
	W        Worker
	// How long to sleep if there is no work to do.
	sleepFactor float64
}

// NewPool creates a pool of size claimers sharing the Worker w, and starts
// them. Claimed jobs get a deadline that far in the future; the sweeper
// reclaims jobs that outlive it.
func NewPool(name string, size int, w Worker, deadline time.Duration) (*Pool, error) {
	if deadline <= 0 {
		deadline = services.DefaultDeadline
	}
	p := &Pool{
		Name:     name,
		Deadline: deadline,
	}
	for i := 0; i < size; i++ {
		if err := p.AddClaimer(w); err != nil {
			return nil, err
		}
	}
	return p, nil
}

var emptyPool = errors.New("No claimers left in the pool")
var poolShutdown = errors.New("Cannot add claimer because the pool is shutting down")

// AddClaimer adds a Claimer to the Pool and starts it. w is the work the
// Claimer will do with a claimed job.
func (p *Pool) AddClaimer(w Worker) error {
	if p.receivedShutdownSignal {
		return poolShutdown
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c := &Claimer{
		ID:          fmt.Sprintf("%s-%d", p.Name, len(p.Claimers)+1),
		QuitChan:    make(chan bool, 1),
		W:           w,
		sleepFactor: defaultSleepFactor,
	}
	p.Claimers = append(p.Claimers, c)
	p.wg.Add(1)
	go c.Work(p.Deadline, &p.wg)
	return nil
}

// RemoveClaimer removes a claimer from the pool and sends that claimer a
// shutdown signal.
func (p *Pool) RemoveClaimer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Claimers) == 0 {
		return emptyPool
	}
	c := p.Claimers[0]
	p.Claimers = append(p.Claimers[:0], p.Claimers[1:]...)
	c.QuitChan <- true
	close(c.QuitChan)
	return nil
}

// Shutdown all claimers in the pool and wait for in-flight builds to record
// their outcome.
func (p *Pool) Shutdown() error {
	p.receivedShutdownSignal = true
	l := len(p.Claimers)
	for i := 0; i < l; i++ {
		if err := p.RemoveClaimer(); err != nil {
			return err
		}
	}
	p.wg.Wait()
	return nil
}

// heartbeat pushes the claimed job's deadline out every deadline/3 while a
// build runs, so the sweeper does not reclaim jobs from live workers. The
// returned function stops the loop; call it when the build finishes.
func (c *Claimer) heartbeat(job *models.BuildJob, deadline time.Duration) func() {
	done := make(chan bool)
	go func() {
		ticker := time.NewTicker(deadline / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := build_jobs.Heartbeat(job.ID, c.ID, deadline); err != nil {
					if err != build_jobs.ErrNotFound {
						log.Printf("claimer %s: error heartbeating job %s: %s", c.ID, job.ID, err)
					}
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// jitter returns a value that's around the given val, but not exactly it.
// The jitter is randomly chosen between 0.8 and 1.2 times the given value,
// evenly distributed.
func jitter(val float64) float64 {
	return val*0.8 + rand.Float64()*0.2*2*val
}

func (c *Claimer) Work(deadline time.Duration, wg *sync.WaitGroup) {
	defer wg.Done()
	failedClaimCount := 0
	waitDuration := time.Duration(jitter(float64(500 * time.Millisecond)))
	for {
		select {
		case <-c.QuitChan:
			log.Printf("claimer %s quitting\n", c.ID)
			return

		case <-time.After(waitDuration):
			start := time.Now()
			job, err := build_jobs.Claim(c.ID, deadline)
			go metrics.Time("claim.latency", time.Since(start))
			if err == nil {
				failedClaimCount = 0
				waitDuration = time.Duration(0)
				stopHeartbeat := c.heartbeat(job, deadline)
				if err := c.W.DoWork(job); err != nil {
					log.Printf("claimer %s: error processing job %s: %s", c.ID, job.ID, err)
					go metrics.Increment("claim.work.error")
				} else {
					go metrics.Increment("claim.work.success")
				}
				stopHeartbeat()
				continue
			}
			if err != sql.ErrNoRows {
				log.Printf("claimer %s: error claiming job: %s", c.ID, err)
			}
			failedClaimCount++
			multiplier := math.Pow(c.sleepFactor, float64(failedClaimCount))
			if multiplier > maxMultiplier {
				multiplier = maxMultiplier
			}
			multiplier = jitter(multiplier)
			waitDuration = 10 * time.Duration(multiplier) * time.Millisecond
		}
	}
}
