package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"threadsync/internal/conversation"
	"threadsync/internal/models"
)

const titleSystemPrompt = "You are a conversation title generator. " +
	"Based on the dialogue between the user and the AI, generate a concise and accurate title for the conversation. " +
	"The title should be at most six words and summarize the main topic of the conversation. " +
	"Output only the title; do not include any additional content."

const maxTitleRunes = 80

// GenerateTitle asks the model for a short title describing history.
func (s *Service) GenerateTitle(ctx context.Context, history []models.Message) (string, error) {
	if s.unusable != nil {
		return "", s.unusable
	}
	if len(history) == 0 {
		return models.DefaultThreadTitle, nil
	}

	var transcript strings.Builder
	for _, msg := range history {
		switch msg.Role {
		case models.RoleUser:
			fmt.Fprintf(&transcript, "User: %s\n", msg.Content)
		case models.RoleAssistant:
			fmt.Fprintf(&transcript, "Assistant: %s\n", msg.Content)
		}
	}
	resp, err := s.chatModel.Generate(ctx, []*schema.Message{
		{Role: schema.System, Content: titleSystemPrompt},
		{Role: schema.User, Content: "Please generate a clean title using following conversation messages:\n\n" + transcript.String()},
	})
	if err != nil {
		return "", fmt.Errorf("generate title: %w: %w", conversation.ErrTransportFailure, err)
	}
	return cleanTitle(resp.Content), nil
}

// cleanTitle strips quoting and line breaks models like to add.
func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	title = strings.TrimPrefix(title, "Title:")
	title = strings.Trim(strings.TrimSpace(title), "\"'`*")
	if runes := []rune(title); len(runes) > maxTitleRunes {
		title = strings.TrimSpace(string(runes[:maxTitleRunes]))
	}
	return title
}
