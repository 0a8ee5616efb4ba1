package providers

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/postpilot/coordinator/internal/models"
)

// ChatService captures the subset of the OpenAI SDK used by the adapter.
// It is satisfied by client.Chat.Completions so tests can pass a mock.
type ChatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAI adapts the Chat Completions API to the shared Completion interface.
type OpenAI struct {
	chat    ChatService
	catalog *models.Catalog
	logger  *zap.Logger
}

// NewOpenAI builds the adapter from a chat service.
func NewOpenAI(chat ChatService, catalog *models.Catalog, logger *zap.Logger) *OpenAI {
	return &OpenAI{chat: chat, catalog: catalog, logger: logger}
}

// NewOpenAIFromAPIKey constructs the adapter with the default HTTP client.
func NewOpenAIFromAPIKey(apiKey string, catalog *models.Catalog, logger *zap.Logger) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return NewOpenAI(&client.Chat.Completions, catalog, logger), nil
}

func (o *OpenAI) Name() string { return models.ProviderOpenAI }

// Complete translates the request, invokes Chat Completions and maps the
// response back. OpenAI takes the system turn inline as a regular message.
func (o *OpenAI) Complete(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	d, ok := o.catalog.Get(req.Model)
	if !ok {
		return nil, &models.ValidationError{Field: "model", Reason: fmt.Sprintf("unknown model %q", req.Model)}
	}
	temperature, maxTokens := clampRequest(req, d)

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Text))
		case models.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Text))
		default:
			msgs = append(msgs, openai.UserMessage(m.Text))
		}
	}
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(req.Model),
		Messages:    msgs,
		Temperature: openai.Float(temperature),
		MaxTokens:   openai.Int(int64(maxTokens)),
	}

	completion, err := o.chat.New(ctx, params)
	if err != nil {
		return nil, o.classify(err)
	}
	if len(completion.Choices) == 0 {
		return nil, &UpstreamError{Kind: KindUnavailable, Provider: o.Name(),
			Err: errors.New("empty choices in completion")}
	}
	text := completion.Choices[0].Message.Content

	usage := models.TokenUsage{
		PromptTokens:     int(completion.Usage.PromptTokens),
		CompletionTokens: int(completion.Usage.CompletionTokens),
	}
	usage = finalizeUsage(req, text, usage)

	return &models.CompletionResponse{
		Text:    text,
		Model:   req.Model,
		Usage:   usage,
		CostUSD: o.catalog.Cost(req.Model, usage.PromptTokens, usage.CompletionTokens),
	}, nil
}

func (o *OpenAI) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		kind := classifyStatus(apiErr.StatusCode)
		ue := &UpstreamError{Kind: kind, Provider: o.Name(), Err: err}
		if kind == KindRateLimited {
			ue.RetryAfter = retryAfterFromResponse(apiErr.Response)
		}
		return ue
	}
	return wrapTransport(o.Name(), err)
}
