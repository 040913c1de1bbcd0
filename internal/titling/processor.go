package titling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"chat-backend/internal/chat"
	"chat-backend/internal/llm"
	"chat-backend/internal/messaging"
)

// Processor consumes title tasks and names conversations after their first
// exchange. A title chosen by the user is never overwritten.
type Processor struct {
	store    *chat.Store
	titler   llm.Titler
	receiver messaging.Receiver

	quit    chan struct{}
	stopped chan struct{}
	stop    sync.Once
}

func NewProcessor(store *chat.Store, titler llm.Titler, receiver messaging.Receiver) *Processor {
	return &Processor{
		store:    store,
		titler:   titler,
		receiver: receiver,
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start blocks until Stop is called or the receiver's task channel is closed.
// A task that is being processed when Stop is called is finished first.
func (proc *Processor) Start() {
	slog.Info("starting title processor")
	defer close(proc.stopped)

	tasks := proc.receiver.Tasks()
	for {
		select {
		case <-proc.quit:
			return
		case task, ok := <-tasks:
			if !ok {
				return
			}
			proc.ProcessTask(task)
		}
	}
}

func (proc *Processor) Stop() {
	proc.stop.Do(func() {
		slog.Info("stopping title processor")
		close(proc.quit)
		proc.receiver.Close()
	})
}

// Done is closed once Start has returned.
func (proc *Processor) Done() <-chan struct{} {
	return proc.stopped
}

func (proc *Processor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	var err error
	switch task.Type() {
	case messaging.TitleQueue:
		var payload messaging.TitleTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling title task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processTitleTask(ctx, payload)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

func (proc *Processor) processTitleTask(ctx context.Context, payload messaging.TitleTaskPayload) error {
	needsTitle, err := proc.store.NeedsTitle(ctx, payload.ConversationId)
	if err != nil {
		return err
	}
	if !needsTitle {
		slog.Info("conversation already titled or deleted, skipping", "conversation_id", payload.ConversationId)
		return nil
	}

	userMsg, assistantMsg, err := proc.store.FirstExchange(ctx, payload.ConversationId)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			slog.Info("conversation has no complete exchange yet, skipping", "conversation_id", payload.ConversationId)
			return nil
		}
		return err
	}

	title, err := proc.titler.Title(ctx, userMsg, assistantMsg)
	if err != nil {
		return fmt.Errorf("error generating title for conversation %s: %w", payload.ConversationId, err)
	}

	written, err := proc.store.SetTitleIfAbsent(ctx, payload.ConversationId, title)
	if err != nil {
		return err
	}
	slog.Info("generated conversation title", "conversation_id", payload.ConversationId, "written", written)

	return nil
}
