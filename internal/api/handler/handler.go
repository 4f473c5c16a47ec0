package handler

import (
	"context"

	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/model"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/service"
)

// Peeker returns the document at the head of a receiver's queue.
type Peeker interface {
	Peek(ctx context.Context, receiver model.Receiver, category model.MessageCategory, format model.DocumentFormat) (*service.PeekResult, error)
}

// Dequeuer acknowledges a peeked document.
type Dequeuer interface {
	Dequeue(ctx context.Context, receiver model.Receiver, messageID string) error
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Handler struct {
	peek    Peeker
	dequeue Dequeuer
	checks  map[string]Pinger
}

func NewHandler(peek Peeker, dequeue Dequeuer, checks map[string]Pinger) *Handler {
	return &Handler{peek: peek, dequeue: dequeue, checks: checks}
}
