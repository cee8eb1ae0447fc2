package queue

// EventType labels a queue lifecycle notification.
type EventType string

const (
	EventCompleted EventType = "completed"
	// EventRetrying is emitted once per failed attempt that will be
	// retried; EventFailed marks the terminal failure.
	EventRetrying EventType = "retrying"
	EventFailed   EventType = "failed"
	EventStalled  EventType = "stalled"
)

// Event is a lifecycle notification delivered to queue subscribers.
// The health monitor and failure alerter consume these.
type Event struct {
	Type EventType
	Job  *Job
}

const eventBuffer = 100

// Subscribe returns a buffered channel of lifecycle events. Slow
// subscribers miss events rather than stalling settlement.
func (q *Queue) Subscribe() chan Event {
	q.evMu.Lock()
	defer q.evMu.Unlock()

	ch := make(chan Event, eventBuffer)
	q.subs = append(q.subs, ch)
	return ch
}

// Unsubscribe removes a previously subscribed channel.
func (q *Queue) Unsubscribe(ch chan Event) {
	q.evMu.Lock()
	defer q.evMu.Unlock()

	for i, sub := range q.subs {
		if sub == ch {
			q.subs = append(q.subs[:i], q.subs[i+1:]...)
			return
		}
	}
}

func (q *Queue) emit(ev Event) {
	q.evMu.RLock()
	defer q.evMu.RUnlock()

	for _, ch := range q.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
