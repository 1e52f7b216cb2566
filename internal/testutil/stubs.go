package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"passfiles/internal/pf"
)

// StubClock returns a fixed time. Safe for concurrent use.
type StubClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewStubClock creates a StubClock set to the given time.
func NewStubClock(t time.Time) *StubClock {
	return &StubClock{now: t}
}

// FixedClock returns a StubClock set to 2024-01-15 10:30:00 UTC.
func FixedClock() *StubClock {
	return NewStubClock(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC))
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// StubIDGenerator returns sequential IDs: "id-1", "id-2", etc.
type StubIDGenerator struct {
	mu      sync.Mutex
	counter int
}

func NewStubIDGenerator() *StubIDGenerator {
	return &StubIDGenerator{}
}

func (g *StubIDGenerator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return fmt.Sprintf("id-%d", g.counter)
}

// StubCounter is an in-memory pf.Counter. Err, when set, is returned by
// every call.
type StubCounter struct {
	mu     sync.Mutex
	values map[string]int64
	Err    error
}

func NewStubCounter() *StubCounter {
	return &StubCounter{values: make(map[string]int64)}
}

func (c *StubCounter) NextValue(_ context.Context, sequence string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return 0, c.Err
	}
	c.values[sequence]++
	return c.values[sequence], nil
}

// StubPrompt answers questions from a queue. When the queue runs dry the
// user is treated as having cancelled.
type StubPrompt struct {
	mu        sync.Mutex
	answers   []string
	questions []string
}

// NewStubPrompt creates a prompt that gives answers in order.
func NewStubPrompt(answers ...string) *StubPrompt {
	return &StubPrompt{answers: answers}
}

// Queue appends answers.
func (p *StubPrompt) Queue(answers ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers = append(p.answers, answers...)
}

// Questions returns every question asked so far, retries included.
func (p *StubPrompt) Questions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.questions...)
}

func (p *StubPrompt) next(question string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.questions = append(p.questions, question)
	if len(p.answers) == 0 {
		return "", false
	}
	a := p.answers[0]
	p.answers = p.answers[1:]
	return a, true
}

func (p *StubPrompt) Ask(_ context.Context, question string) (string, bool) {
	return p.next(question)
}

func (p *StubPrompt) AskLooped(_ context.Context, question, retry string, validate func(string) bool) (string, bool) {
	q := question
	for {
		a, ok := p.next(q)
		if !ok {
			return "", false
		}
		if validate(a) {
			return a, true
		}
		q = retry
	}
}

// Notification is a message captured by RecordingNotifier.
type Notification struct {
	Level   pf.Level
	Message string
}

// RecordingNotifier captures notifications. Safe for concurrent use.
type RecordingNotifier struct {
	mu       sync.Mutex
	messages []Notification
}

func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{}
}

func (n *RecordingNotifier) Notify(level pf.Level, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, Notification{Level: level, Message: message})
}

// Messages returns the captured notifications in order.
func (n *RecordingNotifier) Messages() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.messages...)
}

// Count returns how many notifications of level were captured.
func (n *RecordingNotifier) Count(level pf.Level) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, m := range n.messages {
		if m.Level == level {
			c++
		}
	}
	return c
}

// Reset drops captured notifications.
func (n *RecordingNotifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = nil
}

var (
	_ pf.Clock       = (*StubClock)(nil)
	_ pf.IDGenerator = (*StubIDGenerator)(nil)
	_ pf.Counter     = (*StubCounter)(nil)
	_ pf.Prompt      = (*StubPrompt)(nil)
	_ pf.Notifier    = (*RecordingNotifier)(nil)
)
