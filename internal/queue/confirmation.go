package queue

import (
	"crypto/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/simbatch/queued/pkg/types"
)

const (
	codeLength   = 16
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// pendingConfirmation is a task waiting on its emailed confirmation code.
type pendingConfirmation struct {
	task      *types.Task
	createdAt time.Time
	expiresAt time.Time
}

// ConfirmationMap holds tasks that have been submitted but not yet confirmed,
// keyed by the opaque code mailed to the user. Entries expire after the
// configured confirmation timeout; expiry is applied by Sweep, not by Take,
// so an expired-but-unswept entry can still be redeemed.
type ConfirmationMap struct {
	mu      sync.Mutex
	timeout time.Duration
	pending map[string]pendingConfirmation
}

// NewConfirmationMap creates an empty map whose entries expire after timeout.
func NewConfirmationMap(timeout time.Duration) *ConfirmationMap {
	return &ConfirmationMap{
		timeout: timeout,
		pending: make(map[string]pendingConfirmation),
	}
}

// Put stores the task under a freshly generated code and returns the code.
func (m *ConfirmationMap) Put(task *types.Task) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	code := generateCode()
	for _, exists := m.pending[code]; exists; _, exists = m.pending[code] {
		code = generateCode()
	}

	now := time.Now()
	m.pending[code] = pendingConfirmation{
		task:      task,
		createdAt: now,
		expiresAt: now.Add(m.timeout),
	}
	return code
}

// Take atomically removes and returns the task stored under code. The second
// return value is false if the code is unknown.
func (m *ConfirmationMap) Take(code string) (*types.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.pending[code]
	if !ok {
		return nil, false
	}
	delete(m.pending, code)
	return entry.task, true
}

// Sweep drops every entry whose expiry time has passed and returns the
// number of entries dropped.
func (m *ConfirmationMap) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	expired := 0
	for code, entry := range m.pending {
		if !entry.expiresAt.After(now) {
			delete(m.pending, code)
			expired++
		}
	}
	if expired > 0 {
		log.WithField("count", expired).Info("expired pending confirmations")
	}
	return expired
}

// Len returns the number of pending confirmations.
func (m *ConfirmationMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// generateCode produces a uniform random code over [A-Za-z0-9]. Rejection
// sampling keeps the distribution uniform across the 62-character alphabet.
func generateCode() string {
	code := make([]byte, 0, codeLength)
	buf := make([]byte, codeLength*2)
	for len(code) < codeLength {
		if _, err := rand.Read(buf); err != nil {
			// crypto/rand only fails if the OS entropy source is broken.
			panic(err)
		}
		for _, b := range buf {
			if int(b) < 4*len(codeAlphabet) {
				code = append(code, codeAlphabet[int(b)%len(codeAlphabet)])
				if len(code) == codeLength {
					break
				}
			}
		}
	}
	return string(code)
}
