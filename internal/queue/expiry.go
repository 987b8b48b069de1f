package queue

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/simbatch/queued/internal/metrics"
)

// ExpiryLoop periodically recycles processing tasks whose worker stopped
// heartbeating and sweeps expired confirmation codes. It receives every
// dependency at construction and runs on its own goroutine.
type ExpiryLoop struct {
	tasks         *TaskQueue
	ids           *IDAllocator
	confirmations *ConfirmationMap
	mail          MailQueuer
	stats         *metrics.Collector

	interval    time.Duration
	timeout     time.Duration
	maxFailures int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewExpiryLoop wires the loop to the queue it sweeps, the allocator that
// renames recycled tasks, the confirmation map, and the mail gateway used
// for failure notices.
func NewExpiryLoop(
	cfg Config,
	tasks *TaskQueue,
	ids *IDAllocator,
	confirmations *ConfirmationMap,
	mail MailQueuer,
	stats *metrics.Collector,
) *ExpiryLoop {
	return &ExpiryLoop{
		tasks:         tasks,
		ids:           ids,
		confirmations: confirmations,
		mail:          mail,
		stats:         stats,
		interval:      cfg.KeepAliveInterval,
		timeout:       cfg.KeepAliveTimeout,
		maxFailures:   cfg.MaxJobFailures,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the loop goroutine.
func (l *ExpiryLoop) Start() {
	l.wg.Add(1)
	go l.run()
}

// Stop terminates the loop before its next tick and waits for it to exit.
func (l *ExpiryLoop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
	l.wg.Wait()
}

func (l *ExpiryLoop) run() {
	defer l.wg.Done()

	log.Info("expiry loop started")
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			log.Info("expiry loop stopped")
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

// tick performs one sweep: stale processing tasks are recycled or
// dead-lettered, then expired confirmations are dropped. Per-task problems
// are logged and skipped so one bad task cannot stall the sweep.
func (l *ExpiryLoop) tick() {
	stale := l.tasks.PullStaleProcessing(time.Now().Add(-l.timeout))
	if len(stale) > 0 {
		log.WithField("count", len(stale)).Info("found tasks to expire")
	}

	for _, task := range stale {
		task.FailureCount++
		log.WithFields(log.Fields{
			"taskId":   task.ID,
			"failures": task.FailureCount,
		}).Warn("task failed due to heartbeat timeout")

		if task.FailureCount > l.maxFailures {
			log.WithField("taskId", task.ID).Warn("exceeded max job failures, sending fail email")
			l.mail.Queue(task.Payload.FailureEmail())
			l.stats.RecordExpired()
			l.stats.RecordEmailQueued()
			continue
		}

		// A fresh id guarantees a worker that revives late cannot touch or
		// complete the recycled task under the old one.
		task.ID = l.ids.Next()
		l.tasks.EnqueueReady(task)
		log.WithField("taskId", task.ID).Warn("inserted task back into queue with new id")
		l.stats.RecordRecycled()
	}

	l.stats.RecordConfirmationsExpired(l.confirmations.Sweep())
	l.stats.UpdateQueueStats(l.tasks.ReadyLen(), l.tasks.ProcessingLen(), l.confirmations.Len())
}
