package store

import (
	"sync"

	"github.com/BTreeMap/CarePulse/internal/models"
)

// InMemoryStore keeps receipts and inbound messages in process memory.
// It is used when no database DSN is configured and in tests.
type InMemoryStore struct {
	mu       sync.Mutex
	receipts []models.Receipt
	inbound  []models.InboundMessage
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// AddReceipt records an outbound delivery receipt.
func (s *InMemoryStore) AddReceipt(r models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

// GetReceipts returns all recorded receipts.
func (s *InMemoryStore) GetReceipts() ([]models.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Receipt, len(s.receipts))
	copy(out, s.receipts)
	return out, nil
}

// AddInbound records an inbound user message.
func (s *InMemoryStore) AddInbound(m models.InboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbound = append(s.inbound, m)
	return nil
}

// GetInbound returns all recorded inbound messages.
func (s *InMemoryStore) GetInbound() ([]models.InboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.InboundMessage, len(s.inbound))
	copy(out, s.inbound)
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
