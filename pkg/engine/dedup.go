package engine

import "sync"

// replayWindow deduplicates inbound messages by ID within a bounded
// recent-history window. Reprocessing a duplicate returns the reply
// computed the first time instead of re-executing a transition.
type replayWindow struct {
	mu      sync.Mutex
	replies map[string][]byte
	order   []string
	cap     int
}

func newReplayWindow(capacity int) *replayWindow {
	if capacity <= 0 {
		capacity = 1024
	}
	return &replayWindow{
		replies: make(map[string][]byte, capacity),
		cap:     capacity,
	}
}

// lookup returns the cached reply for a message ID, if still in window.
func (w *replayWindow) lookup(messageID string) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	reply, ok := w.replies[messageID]
	return reply, ok
}

// remember records the reply for a message ID, evicting the oldest
// entry once the window is full.
func (w *replayWindow) remember(messageID string, reply []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.replies[messageID]; exists {
		w.replies[messageID] = reply
		return
	}
	if len(w.order) >= w.cap {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.replies, oldest)
	}
	w.order = append(w.order, messageID)
	w.replies[messageID] = reply
}

// pairIndex remembers which agent pair a message ID travelled between,
// so a later correlation ID can be checked against the reversed pair.
type pairIndex struct {
	mu    sync.Mutex
	pairs map[string][2]string // message_id -> {sender, receiver}
	order []string
	cap   int
}

func newPairIndex(capacity int) *pairIndex {
	if capacity <= 0 {
		capacity = 4096
	}
	return &pairIndex{
		pairs: make(map[string][2]string, capacity),
		cap:   capacity,
	}
}

func (p *pairIndex) record(messageID, senderID, receiverID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.pairs[messageID]; exists {
		return
	}
	if len(p.order) >= p.cap {
		oldest := p.order[0]
		p.order = p.order[1:]
		delete(p.pairs, oldest)
	}
	p.order = append(p.order, messageID)
	p.pairs[messageID] = [2]string{senderID, receiverID}
}

// reversed reports whether messageID was previously seen travelling
// from receiverID to senderID (the reverse of the message citing it).
func (p *pairIndex) reversed(messageID, senderID, receiverID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	pair, ok := p.pairs[messageID]
	if !ok {
		return false
	}
	return pair[0] == receiverID && pair[1] == senderID
}
