// Package queue holds messages submitted while a session's turn is busy.
// Messages wait per session and drain as one coalesced prompt when the turn
// ends.
package queue

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Attachment is one queued image, base64-encoded.
type Attachment struct {
	Data     string `json:"data"`
	MimeType string `json:"mime_type"`
}

// Message is one queued prompt.
type Message struct {
	ID      string       `json:"id"`
	Text    string       `json:"text"`
	Images  []Attachment `json:"images,omitempty"`
	Files   []string     `json:"files,omitempty"`
	AddedAt time.Time    `json:"added_at"`
}

// Drained is the coalesced result of draining a session's queue. Texts are
// joined in arrival order; attachments keep their order too.
type Drained struct {
	Text   string
	Images []Attachment
	Files  []string
	Count  int
}

// Queue is the per-session message queue set.
type Queue struct {
	mu       sync.Mutex
	messages map[string][]Message // session id -> FIFO
	now      func() time.Time
}

// New creates an empty queue set.
func New() *Queue {
	return &Queue{
		messages: make(map[string][]Message),
		now:      time.Now,
	}
}

// Enqueue appends a message to the session's queue and returns it with its
// assigned queue id.
func (q *Queue) Enqueue(sessionID, text string, images []Attachment, files []string) Message {
	msg := Message{
		ID:      uuid.New().String(),
		Text:    text,
		Images:  images,
		Files:   files,
		AddedAt: q.now(),
	}

	q.mu.Lock()
	q.messages[sessionID] = append(q.messages[sessionID], msg)
	q.mu.Unlock()
	return msg
}

// Cancel removes one queued message by id. Returns false when the id is not
// queued anywhere (already drained or never existed).
func (q *Queue) Cancel(queueID string) (sessionID string, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for sid, msgs := range q.messages {
		for i, msg := range msgs {
			if msg.ID == queueID {
				q.messages[sid] = append(msgs[:i:i], msgs[i+1:]...)
				if len(q.messages[sid]) == 0 {
					delete(q.messages, sid)
				}
				return sid, true
			}
		}
	}
	return "", false
}

// DrainAll removes and coalesces every queued message for the session.
// Returns nil when the queue is empty.
func (q *Queue) DrainAll(sessionID string) *Drained {
	q.mu.Lock()
	msgs := q.messages[sessionID]
	delete(q.messages, sessionID)
	q.mu.Unlock()

	if len(msgs) == 0 {
		return nil
	}

	d := &Drained{Count: len(msgs)}
	texts := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Text != "" {
			texts = append(texts, msg.Text)
		}
		d.Images = append(d.Images, msg.Images...)
		d.Files = append(d.Files, msg.Files...)
	}
	d.Text = strings.Join(texts, "\n\n")
	return d
}

// ReplaceAll rebinds a session's queue under a new session id, preserving
// order. Used on transparent session replacement.
func (q *Queue) ReplaceAll(oldID, newID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs, ok := q.messages[oldID]
	if !ok {
		return
	}
	delete(q.messages, oldID)
	q.messages[newID] = append(q.messages[newID], msgs...)
}

// List returns the session's queued messages in order.
func (q *Queue) List(sessionID string) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.messages[sessionID]...)
}

// Len reports the number of queued messages for the session.
func (q *Queue) Len(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages[sessionID])
}
