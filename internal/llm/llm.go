package llm

import (
	"context"
	"errors"
	"iter"
)

var ErrUpstream = errors.New("upstream model error")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Turn struct {
	Role    Role
	Content string
}

// Fragments is a finite, forward-only sequence of text fragments. It yields
// only non-empty fragments. On failure it yields exactly one ("", err) with err
// wrapping ErrUpstream and then ends. Fragments yielded before a failure have
// already been delivered and are not retracted.
type Fragments = iter.Seq2[string, error]

type StreamingClient interface {
	// Stream produces the model's response to history, which is ordered oldest
	// first and ends with the newest user turn. Breaking out of the sequence or
	// cancelling ctx releases the provider connection. A Fragments value may
	// be ranged over once.
	Stream(ctx context.Context, history []Turn, systemPrompt string) Fragments
}

const (
	DefaultMaxTokens   = 800
	DefaultTemperature = 0.4
)

func upstreamError(err error) error {
	if errors.Is(err, ErrUpstream) {
		return err
	}
	return errors.Join(ErrUpstream, err)
}
