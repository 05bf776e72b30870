package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"threadsync/internal/config"
	"threadsync/internal/conversation"
	"threadsync/internal/logging"
	"threadsync/internal/models"
)

var ErrConfigurationMissing = conversation.ErrConfigurationMissing

const defaultMaxTokens = 3000

// Service generates assistant replies and thread titles with an eino chat
// model. A Service built without credentials reports ErrConfigurationMissing
// from every call instead of failing at startup.
type Service struct {
	chatModel model.ToolCallingChatModel
	agent     *react.Agent
	provider  string
	modelName string
	unusable  error
	log       zerolog.Logger
}

// New builds the generator configured under cfg.Generation.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	provider := cfg.Generation.Provider
	provCfg, ok := cfg.Providers[provider]
	if !ok && !knownProvider(provider) {
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	modelName := cfg.Generation.Model
	if modelName == "" {
		modelName = provCfg.Model
	}

	s := &Service{
		provider:  provider,
		modelName: modelName,
		log:       logging.For("ai").With().Str("provider", provider).Str("model", modelName).Logger(),
	}
	if strings.TrimSpace(provCfg.APIKey) == "" {
		s.unusable = fmt.Errorf("%s api key: %w", provider, ErrConfigurationMissing)
		s.log.Warn().Msg("no api key configured, generation disabled")
		return s, nil
	}
	if modelName == "" {
		s.unusable = fmt.Errorf("%s model: %w", provider, ErrConfigurationMissing)
		s.log.Warn().Msg("no model configured, generation disabled")
		return s, nil
	}

	chatModel, err := newChatModel(ctx, provider, modelName, provCfg, cfg.Generation.MaxTokens)
	if err != nil {
		return nil, fmt.Errorf("start ai service: %w", err)
	}
	var tools []tool.BaseTool
	if cfg.Generation.WebSearch {
		tools = InitToolsChain(ctx)
	}
	wrapped, err := NewWithModel(ctx, chatModel, tools)
	if err != nil {
		return nil, err
	}
	wrapped.provider, wrapped.modelName, wrapped.log = s.provider, s.modelName, s.log
	return wrapped, nil
}

// NewWithModel wraps an existing chat model. With tools, replies go through
// a react agent that may call them.
func NewWithModel(ctx context.Context, chatModel model.ToolCallingChatModel, tools []tool.BaseTool) (*Service, error) {
	s := &Service{chatModel: chatModel, log: logging.For("ai")}
	if len(tools) > 0 {
		agent, err := react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel: chatModel,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: tools,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("init react agent: %w", err)
		}
		s.agent = agent
	}
	return s, nil
}

func knownProvider(provider string) bool {
	switch provider {
	case "openai", "claude", "gemini":
		return true
	default:
		return false
	}
}

func newChatModel(ctx context.Context, provider, modelName string, provCfg config.ProviderConfig, maxTokens int) (model.ToolCallingChatModel, error) {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	switch provider {
	case "openai":
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("new gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURL *string
		if provCfg.BaseURL != "" {
			baseURL = &provCfg.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURL,
			MaxTokens: maxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
}

// StreamReply starts the assistant turn that answers history.
func (s *Service) StreamReply(ctx context.Context, history []models.Message) (conversation.ChunkStream, error) {
	if s.unusable != nil {
		return nil, s.unusable
	}
	input := toSchemaMessages(history)
	var (
		reader *schema.StreamReader[*schema.Message]
		err    error
	)
	if s.agent != nil {
		reader, err = s.agent.Stream(ctx, input)
	} else {
		reader, err = s.chatModel.Stream(ctx, input)
	}
	if err != nil {
		return nil, fmt.Errorf("generate ai stream: %w: %w", conversation.ErrTransportFailure, err)
	}
	s.log.Debug().Int("history", len(input)).Msg("reply stream opened")
	return &replyStream{reader: reader}, nil
}

// replyStream exposes the text of an eino message stream.
type replyStream struct {
	reader *schema.StreamReader[*schema.Message]
}

func (r *replyStream) Recv() (string, error) {
	chunk, err := r.reader.Recv()
	if err != nil {
		return "", err
	}
	if chunk == nil {
		return "", nil
	}
	return chunk.Content, nil
}

func (r *replyStream) Close() { r.reader.Close() }

func toSchemaMessages(history []models.Message) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history))
	for _, msg := range history {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleUser:
			role = schema.User
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		messages = append(messages, &schema.Message{
			Role:    role,
			Content: msg.Content,
		})
	}
	return messages
}
