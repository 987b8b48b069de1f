// Package queue implements the broker core: the task-id allocator, the
// confirmation map, the dual ready/processing task queue, the heartbeat
// expiry loop, and the Broker value that ties them together for the HTTP
// surface.
package queue

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/simbatch/queued/internal/metrics"
	"github.com/simbatch/queued/pkg/types"
)

// MailQueuer hands a message to the outbound mail gateway. Queue must not
// block the caller.
type MailQueuer interface {
	Queue(email types.Email)
}

// ConfirmRenderer produces the confirmation email for a freshly submitted
// task. Bound from the configured templates at startup.
type ConfirmRenderer func(task *types.Task, code string, expiry time.Duration) types.Email

// Config carries the timing and budget knobs consumed by the broker core.
type Config struct {
	ConfirmTimeout     time.Duration
	KeepAliveInterval  time.Duration
	KeepAliveTimeout   time.Duration
	MaxJobFailures     int
	ConfirmedCacheSize int
}

// ConfirmStatus is the outcome of redeeming a confirmation code.
type ConfirmStatus int

const (
	// ConfirmOK means the task moved into the ready queue.
	ConfirmOK ConfirmStatus = iota
	// ConfirmAlreadyDone means the code was redeemed earlier.
	ConfirmAlreadyDone
	// ConfirmUnknown means the code is not (or no longer) known.
	ConfirmUnknown
)

// Broker owns the authoritative state of every in-flight request. It is
// passed explicitly into the HTTP handlers; there are no package-level
// globals. All methods are safe under concurrent callers.
type Broker struct {
	cfg           Config
	ids           *IDAllocator
	tasks         *TaskQueue
	confirmations *ConfirmationMap
	mail          MailQueuer
	stats         *metrics.Collector
	renderConfirm ConfirmRenderer

	// Codes redeemed earlier, so a double-clicked confirmation link gets an
	// idempotent answer. Capped so it cannot grow with traffic forever.
	confirmed *lru.Cache[string, struct{}]

	mu                sync.Mutex
	lastWorkerCheckin time.Time
}

// NewBroker assembles a broker around its injected components.
func NewBroker(
	cfg Config,
	ids *IDAllocator,
	tasks *TaskQueue,
	confirmations *ConfirmationMap,
	mail MailQueuer,
	stats *metrics.Collector,
	renderConfirm ConfirmRenderer,
) (*Broker, error) {
	confirmed, err := lru.New[string, struct{}](cfg.ConfirmedCacheSize)
	if err != nil {
		return nil, err
	}
	return &Broker{
		cfg:           cfg,
		ids:           ids,
		tasks:         tasks,
		confirmations: confirmations,
		mail:          mail,
		stats:         stats,
		renderConfirm: renderConfirm,
		confirmed:     confirmed,
	}, nil
}

// Submit assigns an id to a decoded request, parks it in the confirmation
// map, and mails the user their confirmation code. Returns the task and the
// code so the front-end can show both.
func (b *Broker) Submit(payload types.Payload) (*types.Task, string) {
	task := types.NewTask(b.ids.Next(), payload)
	code := b.confirmations.Put(task)

	log.WithFields(log.Fields{
		"taskId": task.ID,
		"email":  payload.EmailAddress(),
	}).Info("generated request, confirmation required")

	b.mail.Queue(b.renderConfirm(task, code, b.cfg.ConfirmTimeout))
	b.stats.RecordSubmitted()
	b.stats.RecordEmailQueued()
	b.updateGauges()
	return task, code
}

// Confirm redeems a confirmation code, moving its task into the ready
// queue. Expired confirmations are swept first so a long-dead code cannot
// be redeemed. A code is redeemed at most once; later calls see
// ConfirmAlreadyDone while the redeemed-code cache remembers it.
func (b *Broker) Confirm(code string) ConfirmStatus {
	b.stats.RecordConfirmationsExpired(b.confirmations.Sweep())

	task, ok := b.confirmations.Take(code)
	if !ok {
		if b.confirmed.Contains(code) {
			return ConfirmAlreadyDone
		}
		return ConfirmUnknown
	}
	b.confirmed.Add(code, struct{}{})
	b.tasks.EnqueueReady(task)

	log.WithField("taskId", task.ID).Info("confirmed task into ready queue")
	b.stats.RecordConfirmed()
	b.updateGauges()
	return ConfirmOK
}

// TouchWorkerCheckin records that some worker spoke to us just now. Called
// on every worker-originated request.
func (b *Broker) TouchWorkerCheckin() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastWorkerCheckin = time.Now()
}

// HasWorkers reports whether any worker endpoint has been touched within
// the keep-alive timeout.
func (b *Broker) HasWorkers() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Since(b.lastWorkerCheckin) < b.cfg.KeepAliveTimeout
}

// Dispatch hands the head of the ready queue to a polling worker, moving it
// into the processing set. Returns false when nothing is ready.
func (b *Broker) Dispatch() (*types.Task, bool) {
	task, ok := b.tasks.DispatchNext()
	if !ok {
		return nil, false
	}
	log.WithField("taskId", task.ID).Info("dispatched task to worker")
	b.stats.RecordDispatched()
	b.updateGauges()
	return task, true
}

// Heartbeat refreshes the liveness clock of a processing task.
func (b *Broker) Heartbeat(id types.TaskID) error {
	return b.tasks.TouchProcessing(id)
}

// HasTask reports whether the id is still in the processing set. Workers
// call this before mailing results to avoid duplicates after a recycle.
func (b *Broker) HasTask(id types.TaskID) bool {
	return b.tasks.HasProcessing(id)
}

// Succeed drops a completed task. After it returns, the id is gone for good
// and later worker calls for it answer bad_id.
func (b *Broker) Succeed(id types.TaskID) error {
	task, err := b.tasks.PullProcessing(id)
	if err != nil {
		return err
	}
	log.WithField("taskId", task.ID).Info("task completed")
	b.stats.RecordCompleted()
	b.updateGauges()
	return nil
}

// Fail handles a worker-reported failure: the task either goes back into
// the ready queue under a fresh id, or, once the failure budget is spent,
// the user gets a failure email and the task is dropped.
func (b *Broker) Fail(id types.TaskID) error {
	task, err := b.tasks.PullProcessing(id)
	if err != nil {
		return err
	}

	task.FailureCount++
	b.stats.RecordWorkerFailure()
	log.WithFields(log.Fields{
		"taskId":   task.ID,
		"failures": task.FailureCount,
	}).Warn("worker reported failure")

	if task.FailureCount >= b.cfg.MaxJobFailures {
		log.WithField("taskId", task.ID).Warn("failure budget spent, sending failure email")
		b.mail.Queue(task.Payload.FailureEmail())
		b.stats.RecordExpired()
		b.stats.RecordEmailQueued()
	} else {
		// Fresh id so a worker that revives late cannot touch the
		// recycled task under the old one.
		task.ID = b.ids.Next()
		b.tasks.EnqueueReady(task)
		log.WithField("taskId", task.ID).Warn("returned task to queue for another attempt")
		b.stats.RecordRecycled()
	}
	b.updateGauges()
	return nil
}

func (b *Broker) updateGauges() {
	b.stats.UpdateQueueStats(b.tasks.ReadyLen(), b.tasks.ProcessingLen(), b.confirmations.Len())
}
