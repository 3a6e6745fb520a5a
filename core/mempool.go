package core

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultMaxPerSender bounds how many pending transactions one sender may
	// occupy at once (§4.8).
	DefaultMaxPerSender = 100
	// DefaultMaxTotal bounds the pool's total size across all senders.
	DefaultMaxTotal = 10_000

	maxTxAge    = int64(time.Hour)       // reject txs older than 1 hour
	maxTxFuture = int64(5 * time.Minute) // reject txs more than 5 min in the future
)

// senderQueue is one sender's FIFO of pending transactions, ordered by
// insertion (nonce ordering is enforced at apply time, not admission, per
// §4.8).
type senderQueue struct {
	ids []string
	txs map[string]*Transaction
}

// Mempool is a thread-safe pending-transaction pool with per-sender bounded
// queues and round-robin draining, generalizing the teacher's single global
// FIFO (core.Mempool) into the multi-sender structure §4.8 requires.
type Mempool struct {
	mu           sync.RWMutex
	maxPerSender int
	maxTotal     int
	total        int
	senders      map[string]*senderQueue
	senderOrder  []string // round-robin cursor order, stable across drains
}

// NewMempool creates an empty mempool with the given per-sender and total
// bounds. A zero value for either falls back to the spec defaults.
func NewMempool(maxPerSender, maxTotal int) *Mempool {
	if maxPerSender <= 0 {
		maxPerSender = DefaultMaxPerSender
	}
	if maxTotal <= 0 {
		maxTotal = DefaultMaxTotal
	}
	return &Mempool{
		maxPerSender: maxPerSender,
		maxTotal:     maxTotal,
		senders:      make(map[string]*senderQueue),
	}
}

// Add validates and inserts a transaction. Local admission per §4.8: valid
// signature, timestamp within the acceptable window, sender queue and pool
// not full, not a duplicate.
func (m *Mempool) Add(tx *Transaction) error {
	if err := tx.Verify(); err != nil {
		return fmt.Errorf("invalid tx signature: %w", err)
	}
	now := time.Now().UnixNano()
	if now-tx.Timestamp > maxTxAge {
		return errors.New("transaction expired")
	}
	if tx.Timestamp-now > maxTxFuture {
		return errors.New("transaction timestamp too far in the future")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.total >= m.maxTotal {
		return errors.New("mempool full")
	}
	q, ok := m.senders[tx.From]
	if !ok {
		q = &senderQueue{txs: make(map[string]*Transaction)}
		m.senders[tx.From] = q
		m.senderOrder = append(m.senderOrder, tx.From)
	}
	if len(q.ids) >= m.maxPerSender {
		return fmt.Errorf("sender %s queue full", tx.From)
	}
	if _, exists := q.txs[tx.ID]; exists {
		return errors.New("tx already in pool")
	}

	q.txs[tx.ID] = tx
	q.ids = append(q.ids, tx.ID)
	m.total++
	return nil
}

// Get returns a transaction by ID, scanning all sender queues.
func (m *Mempool) Get(id string) (*Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, q := range m.senders {
		if tx, ok := q.txs[id]; ok {
			return tx, true
		}
	}
	return nil, false
}

// Pending drains up to n transactions round-robin across senders, pulling
// one tx each pass until n is reached or every queue is empty (§4.8 drain).
// It does NOT remove the transactions; call Remove after they are applied.
func (m *Mempool) Pending(n int) []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Transaction, 0, n)
	cursors := make(map[string]int, len(m.senderOrder))
	for {
		progressed := false
		for _, sender := range m.senderOrder {
			if len(result) >= n {
				return result
			}
			q := m.senders[sender]
			i := cursors[sender]
			if i >= len(q.ids) {
				continue
			}
			result = append(result, q.txs[q.ids[i]])
			cursors[sender] = i + 1
			progressed = true
		}
		if !progressed {
			return result
		}
	}
}

// Remove deletes transactions by ID (called after block commit) and prunes
// any sender queue that becomes empty.
func (m *Mempool) Remove(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := make(map[string]bool, len(ids))
	for _, id := range ids {
		removed[id] = true
	}
	liveSenders := m.senderOrder[:0]
	for _, sender := range m.senderOrder {
		q := m.senders[sender]
		filtered := q.ids[:0]
		for _, id := range q.ids {
			if removed[id] {
				delete(q.txs, id)
				m.total--
			} else {
				filtered = append(filtered, id)
			}
		}
		q.ids = filtered
		if len(q.ids) == 0 {
			delete(m.senders, sender)
		} else {
			liveSenders = append(liveSenders, sender)
		}
	}
	m.senderOrder = liveSenders
}

// Size returns the current number of pending transactions across all senders.
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total
}
