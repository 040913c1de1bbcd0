package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	TitleQueue      = "title_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

// TitleTaskPayload asks a worker to generate a title for a conversation that
// finished its first exchange without one.
type TitleTaskPayload struct {
	ConversationId uuid.UUID
}

type Publisher interface {
	PublishTitleTask(ctx context.Context, payload TitleTaskPayload) error

	Close()
}

type Receiver interface {
	Tasks() <-chan Task

	Close()
}
