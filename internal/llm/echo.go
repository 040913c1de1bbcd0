package llm

import (
	"context"
	"strings"
	"time"
)

// EchoClient streams the newest user turn back one word at a time. It needs no
// credentials and is used for local development.
type EchoClient struct {
	Delay time.Duration
}

var _ StreamingClient = (*EchoClient)(nil)

func (c *EchoClient) Stream(ctx context.Context, history []Turn, systemPrompt string) Fragments {
	return func(yield func(string, error) bool) {
		var last string
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].Role == RoleUser {
				last = history[i].Content
				break
			}
		}

		for _, word := range strings.SplitAfter(last, " ") {
			if word == "" {
				continue
			}
			if c.Delay > 0 {
				select {
				case <-time.After(c.Delay):
				case <-ctx.Done():
					yield("", upstreamError(ctx.Err()))
					return
				}
			} else if err := ctx.Err(); err != nil {
				yield("", upstreamError(err))
				return
			}
			if !yield(word, nil) {
				return
			}
		}
	}
}
