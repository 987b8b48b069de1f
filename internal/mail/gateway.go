// Package mail queues outbound email for asynchronous delivery. The broker
// hands a message to the gateway and never blocks on, or observes, the send.
package mail

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/simbatch/queued/pkg/types"
)

// ErrGatewayClosed indicates a Queue call after Stop.
var ErrGatewayClosed = errors.New("mail gateway is closed")

// Sender delivers a single message. Implementations own retries if they
// want any; the gateway treats delivery as fire-and-forget.
type Sender interface {
	Send(email types.Email) error
}

// Gateway owns a buffered outbox and a single dispatch goroutine that
// drains it through the configured sender.
type Gateway struct {
	sender Sender
	outbox chan types.Email

	mu      sync.Mutex
	started bool
	stopped bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewGateway creates a gateway with the given outbox capacity.
func NewGateway(sender Sender, buffer int) *Gateway {
	return &Gateway{
		sender: sender,
		outbox: make(chan types.Email, buffer),
		stopCh: make(chan struct{}),
	}
}

// Start launches the dispatch goroutine.
func (g *Gateway) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return
	}
	g.started = true

	g.wg.Add(1)
	go g.dispatch()
}

// Queue places a message on the outbox without blocking. When the outbox is
// full, or the gateway has stopped, the message is dropped with a warning;
// mail delivery is best-effort by contract.
func (g *Gateway) Queue(email types.Email) {
	g.mu.Lock()
	stopped := g.stopped
	g.mu.Unlock()
	if stopped {
		log.WithField("to", email.To).Warn("mail gateway stopped, dropping email")
		return
	}

	select {
	case g.outbox <- email:
	default:
		log.WithField("to", email.To).Warn("mail outbox full, dropping email")
	}
}

// Stop drains nothing further: the dispatcher finishes the message in hand
// and exits. Safe to call more than once.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	g.mu.Unlock()

	close(g.stopCh)
	g.wg.Wait()
}

func (g *Gateway) dispatch() {
	defer g.wg.Done()

	for {
		select {
		case <-g.stopCh:
			return
		case email := <-g.outbox:
			if err := g.sender.Send(email); err != nil {
				log.WithFields(log.Fields{
					"to":    email.To,
					"error": err,
				}).Error("failed to send email")
				continue
			}
			log.WithField("to", email.To).Info("sent email")
		}
	}
}
