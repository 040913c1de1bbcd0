package chat

import (
	"chat-backend/internal/database"
	"chat-backend/internal/llm"
)

// toModelHistory keeps only user and assistant turns, preserving order.
func toModelHistory(messages []database.Message) []llm.Turn {
	history := make([]llm.Turn, 0, len(messages)+1)
	for _, message := range messages {
		switch message.Role {
		case database.RoleUser:
			history = append(history, llm.Turn{Role: llm.RoleUser, Content: message.Content})
		case database.RoleAssistant:
			history = append(history, llm.Turn{Role: llm.RoleAssistant, Content: message.Content})
		}
	}
	return history
}
