package engine

import (
	"sync"
	"time"

	"github.com/antchoi/Polymer/internal/model"
)

// maxSweepInterval bounds how often expire scans the table.
const maxSweepInterval = time.Minute

// pendingTable tracks tasks accepted by Submit until their answer is
// collected by Await. It is safe for concurrent use.
//
// Completed tickets are retained until awaited so that a late Await (one
// arriving after the worker answered) still receives the answer, but no
// longer than ttl.
type pendingTable[Out any] struct {
	mu      sync.Mutex
	tickets map[string]*ticket[Out]
	ttl     time.Duration
	swept   time.Time
	now     func() time.Time
}

type ticket[Out any] struct {
	done       chan struct{}
	answer     model.Answer[Out]
	answeredAt time.Time
}

func newPendingTable[Out any](ttl time.Duration) *pendingTable[Out] {
	return &pendingTable[Out]{
		tickets: make(map[string]*ticket[Out]),
		ttl:     ttl,
		now:     time.Now,
	}
}

// add registers a ticket for taskID.
func (p *pendingTable[Out]) add(taskID string) *ticket[Out] {
	p.mu.Lock()
	defer p.mu.Unlock()

	t := &ticket[Out]{done: make(chan struct{})}
	p.tickets[taskID] = t
	return t
}

// get returns the ticket for taskID.
func (p *pendingTable[Out]) get(taskID string) (*ticket[Out], bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.tickets[taskID]
	return t, ok
}

// take removes and returns the ticket for taskID, but only once it has been
// answered. Concurrent Awaits for the same id race here and exactly one wins.
func (p *pendingTable[Out]) take(taskID string) (model.Answer[Out], bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.tickets[taskID]
	if !ok {
		return model.Answer[Out]{}, false
	}
	select {
	case <-t.done:
	default:
		return model.Answer[Out]{}, false
	}
	delete(p.tickets, taskID)
	return t.answer, true
}

// complete stores the answer for taskID and wakes its waiters.
func (p *pendingTable[Out]) complete(t *ticket[Out], ans model.Answer[Out]) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t.answer = ans
	t.answeredAt = p.now()
	close(t.done)
}

// expire drops answered tickets that have waited longer than ttl and
// returns how many it dropped. Scans are spaced at least min(ttl,
// maxSweepInterval) apart.
func (p *pendingTable[Out]) expire() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if now.Sub(p.swept) < min(p.ttl, maxSweepInterval) {
		return 0
	}
	p.swept = now

	cutoff := now.Add(-p.ttl)
	dropped := 0
	for id, t := range p.tickets {
		select {
		case <-t.done:
		default:
			continue
		}
		if t.answeredAt.Before(cutoff) {
			delete(p.tickets, id)
			dropped++
		}
	}
	return dropped
}

// len returns the number of uncollected tickets.
func (p *pendingTable[Out]) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tickets)
}
