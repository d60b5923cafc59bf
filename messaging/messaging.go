// Package messaging carries order events to the kiosk's companion services:
// settlement requests out, address requests out, address callbacks in.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Message types.
const (
	TypeSettlementRequested = "settlement.requested"
	TypeAddressRequested    = "address.requested"
	TypeAddressReceived     = "address.received"
	TypePurchaseCompleted   = "purchase.completed"
)

// Message is the envelope shared by every transport.
type Message struct {
	Type          string            `json:"type"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	OrderCode     string            `json:"order_code,omitempty"`
	Payload       map[string]string `json:"payload,omitempty"`
}

// Encode renders the message body.
func (m Message) Encode() (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	return string(raw), nil
}

// Decode parses a message body.
func Decode(body string) (Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if strings.TrimSpace(m.Type) == "" {
		return Message{}, errors.New("decode message: type required")
	}
	return m, nil
}

// Publisher sends messages to companion services.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Handler processes one inbound message.
type Handler func(ctx context.Context, msg Message) error

// AddressReceiver accepts receive addresses delivered for a pending Purchase.
type AddressReceiver interface {
	ReceiveAddress(ctx context.Context, correlationID, address string) error
}

// AddressHandler routes address.received messages to receiver and ignores
// every other type.
func AddressHandler(receiver AddressReceiver) Handler {
	return func(ctx context.Context, msg Message) error {
		if msg.Type != TypeAddressReceived {
			return nil
		}
		if msg.CorrelationID == "" {
			return errors.New("address.received without correlation id")
		}
		return receiver.ReceiveAddress(ctx, msg.CorrelationID, msg.Payload["address"])
	}
}

// MemoryBus is an in-process Publisher. Every published message is kept and
// handed synchronously to the subscribers.
type MemoryBus struct {
	mu          sync.Mutex
	published   []Message
	subscribers []Handler
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Subscribe registers a handler for every subsequent message.
func (b *MemoryBus) Subscribe(h Handler) {
	b.mu.Lock()
	b.subscribers = append(b.subscribers, h)
	b.mu.Unlock()
}

// Publish implements Publisher.
func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	b.published = append(b.published, msg)
	subs := append([]Handler(nil), b.subscribers...)
	b.mu.Unlock()
	var errs []error
	for _, h := range subs {
		if err := h(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Published returns a copy of everything published so far.
func (b *MemoryBus) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

// OfType filters Published by type.
func (b *MemoryBus) OfType(msgType string) []Message {
	var out []Message
	for _, m := range b.Published() {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}
