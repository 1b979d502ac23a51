package bus

import "sync"

// Publisher is a declared publication on one key.
type Publisher struct {
	session *Session
	key     string
	subject string
}

// Key returns the key this publisher sends on.
func (p *Publisher) Key() string {
	return p.key
}

// Put sends data.
func (p *Publisher) Put(data []byte) error {
	return p.session.publishSubject(p.subject, data)
}

// Publishers caches one Publisher per key for a session, so keys are
// validated and mapped once rather than per message.
type Publishers struct {
	session *Session

	mu      sync.Mutex
	handles map[string]*Publisher
}

// NewPublishers creates an empty registry bound to s.
func NewPublishers(s *Session) *Publishers {
	return &Publishers{session: s, handles: make(map[string]*Publisher)}
}

// Get returns the publisher for key, declaring it on first use.
func (r *Publishers) Get(key string) (*Publisher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.handles[key]; ok {
		return p, nil
	}
	subject, err := KeyToSubject(key)
	if err != nil {
		return nil, err
	}
	p := &Publisher{session: r.session, key: key, subject: subject}
	r.handles[key] = p
	return p, nil
}

// Publish sends data on key through its cached publisher.
func (r *Publishers) Publish(key string, data []byte) error {
	p, err := r.Get(key)
	if err != nil {
		return err
	}
	return p.Put(data)
}

// Len returns the number of cached publishers.
func (r *Publishers) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Reset drops every cached publisher.
func (r *Publishers) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles = make(map[string]*Publisher)
}
