// Package messaging provides pluggable message delivery for CarePulse.
//
// Two implementations exist: a WhatsApp service backed by whatsmeow and a
// Twilio service backed by the Twilio REST API. Both expose channels for
// delivery receipts and inbound user messages.
package messaging

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/BTreeMap/CarePulse/internal/models"
)

// Channel defaults shared by the service implementations.
const (
	// DefaultChannelBufferSize is the buffer size for receipt and inbound channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout is the timeout for non-blocking channel emits.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when an operation is attempted on a stopped service.
var ErrServiceStopped = errors.New("messaging service is stopped")

// phoneNumberRegex strips everything but digits during canonicalization.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction.
// It supports sending messages, and provides channels for receipt and inbound events.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	// Returns the canonicalized recipient and an error if validation fails.
	// This allows each service to implement its own recipient validation rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g., polling for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Inbound returns a channel of incoming user messages.
	Inbound() <-chan models.InboundMessage
}
