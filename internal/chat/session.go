// internal/chat/session.go
package chat

import (
	"sync"

	"persona-engine/internal/models"
)

// session owns one chat session's persona timeline. All mutation happens
// under the session's FIFO turn queue, so adjustments apply in receipt order.
type session struct {
	id    string
	turns fifoQueue

	persona       models.Persona
	lastSynthesis *models.SynthesisResult
	adjustments   []models.PersonaAdjustment
}

// fifoQueue is a mutual-exclusion queue that grants turns strictly in
// acquire order. sync.Mutex only guarantees eventual fairness; the persona
// timeline needs receipt order.
type fifoQueue struct {
	mu      sync.Mutex
	busy    bool
	waiters []chan struct{}
}

func (q *fifoQueue) acquire() {
	q.mu.Lock()
	if !q.busy {
		q.busy = true
		q.mu.Unlock()
		return
	}
	turn := make(chan struct{})
	q.waiters = append(q.waiters, turn)
	q.mu.Unlock()
	<-turn
}

func (q *fifoQueue) release() {
	q.mu.Lock()
	if len(q.waiters) > 0 {
		turn := q.waiters[0]
		q.waiters = q.waiters[1:]
		q.mu.Unlock()
		close(turn)
		return
	}
	q.busy = false
	q.mu.Unlock()
}
