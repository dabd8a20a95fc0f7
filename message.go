package inbox

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// HeaderMessageID is the header carrying the business level message id,
// set by the publishing side (typically the outbox message id). When present
// it takes precedence over the transport envelope id, which may change
// across republishing.
const HeaderMessageID = "Outbox-Message-Id"

// ErrMissingMessageID is returned when a message carries neither a business
// id header nor a transport envelope id.
var ErrMissingMessageID = errors.New("message has no id")

// MessageOption is a function that can be used to configure a Message.
type MessageOption func(*Message)

// Message is an inbound message as handed over by the transport.
type Message struct {
	// ID is the transport envelope id
	ID uuid.UUID

	// Headers holds transport headers. Lookups by Header are case insensitive.
	Headers map[string]string

	// Payload contains the message body
	Payload []byte
}

// WithHeader sets a single header on the message.
func WithHeader(key, value string) MessageOption {
	return func(m *Message) {
		if m.Headers == nil {
			m.Headers = make(map[string]string)
		}
		m.Headers[key] = value
	}
}

// WithHeaders copies the given headers into the message.
func WithHeaders(headers map[string]string) MessageOption {
	return func(m *Message) {
		for k, v := range headers {
			WithHeader(k, v)(m)
		}
	}
}

// WithBusinessID sets the business level message id header.
func WithBusinessID(id uuid.UUID) MessageOption {
	return WithHeader(HeaderMessageID, id.String())
}

// NewMessage creates a Message received with the given envelope id and payload.
func NewMessage(envelopeID uuid.UUID, payload []byte, opts ...MessageOption) *Message {
	m := &Message{
		ID:      envelopeID,
		Payload: payload,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Header returns the value of the named header and whether it is present.
func (m *Message) Header(name string) (string, bool) {
	if v, ok := m.Headers[name]; ok {
		return v, true
	}
	for k, v := range m.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// ResolveID returns the id the inbox deduplicates on: the business id from
// HeaderMessageID when present, the envelope id otherwise.
func (m *Message) ResolveID() (uuid.UUID, error) {
	if raw, ok := m.Header(HeaderMessageID); ok && raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return uuid.Nil, fmt.Errorf("parsing %s header %q: %w", HeaderMessageID, raw, err)
		}
		if id != uuid.Nil {
			return id, nil
		}
	}

	if m.ID == uuid.Nil {
		return uuid.Nil, ErrMissingMessageID
	}
	return m.ID, nil
}
