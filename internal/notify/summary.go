package notify

import (
	"time"

	"github.com/fyrsmithlabs/amplifierd/internal/events"
)

// Entry is one summarized notification.
type Entry struct {
	ID        string          `json:"id"`
	ArrivedAt time.Time       `json:"arrived_at"`
	App       string          `json:"app"`
	Channel   string          `json:"channel"`
	Sender    string          `json:"sender"`
	Subject   string          `json:"subject,omitempty"`
	Content   string          `json:"content"`
	Priority  events.Priority `json:"priority"`
	Rule      string          `json:"rule"`
}

// Summary is the "what did I miss?" view of one session.
type Summary struct {
	SessionID string  `json:"session_id"`
	Entries   []Entry `json:"entries"`
	// Evicted counts entries dropped for space since the last drain.
	Evicted int64 `json:"evicted"`
}

// ring is a fixed-capacity FIFO that overwrites its oldest entry.
type ring struct {
	buf     []Entry
	head    int
	size    int
	evicted int64
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Entry, capacity)}
}

func (r *ring) push(e Entry) {
	if r.size == len(r.buf) {
		r.buf[r.head] = e
		r.head = (r.head + 1) % len(r.buf)
		r.evicted++
		return
	}
	r.buf[(r.head+r.size)%len(r.buf)] = e
	r.size++
}

// entries returns the contents oldest first.
func (r *ring) entries() []Entry {
	out := make([]Entry, r.size)
	for i := range r.size {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}
