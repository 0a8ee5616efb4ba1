package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/postpilot/coordinator/internal/models"
)

// MessagesService captures the subset of the Anthropic SDK used by the
// adapter. It is satisfied by &client.Messages.
type MessagesService interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Anthropic adapts the Claude Messages API to the shared Completion
// interface. Unlike OpenAI, Anthropic takes the system turn as a separate
// preamble rather than an inline message.
type Anthropic struct {
	msgs    MessagesService
	catalog *models.Catalog
	logger  *zap.Logger
}

// NewAnthropic builds the adapter from a messages service.
func NewAnthropic(msgs MessagesService, catalog *models.Catalog, logger *zap.Logger) *Anthropic {
	return &Anthropic{msgs: msgs, catalog: catalog, logger: logger}
}

// NewAnthropicFromAPIKey constructs the adapter with the default HTTP client.
func NewAnthropicFromAPIKey(apiKey string, catalog *models.Catalog, logger *zap.Logger) (*Anthropic, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropic(&client.Messages, catalog, logger), nil
}

func (a *Anthropic) Name() string { return models.ProviderAnthropic }

// Complete translates the request into a Messages call and maps the result.
func (a *Anthropic) Complete(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	d, ok := a.catalog.Get(req.Model)
	if !ok {
		return nil, &models.ValidationError{Field: "model", Reason: fmt.Sprintf("unknown model %q", req.Model)}
	}
	temperature, maxTokens := clampRequest(req, d)
	// Anthropic temperature range is [0, 1].
	if temperature > 1 {
		temperature = 1
	}

	var system []sdk.TextBlockParam
	conversation := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Text})
		case models.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Text)))
		default:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Text)))
		}
	}
	if len(conversation) == 0 {
		return nil, &models.ValidationError{Field: "messages", Reason: "at least one user/assistant message is required"}
	}

	params := sdk.MessageNewParams{
		Model:       sdk.Model(req.Model),
		MaxTokens:   int64(maxTokens),
		Messages:    conversation,
		Temperature: sdk.Float(temperature),
	}
	if len(system) > 0 {
		params.System = system
	}

	msg, err := a.msgs.New(ctx, params)
	if err != nil {
		return nil, a.classify(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := sb.String()

	usage := models.TokenUsage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}
	usage = finalizeUsage(req, text, usage)

	return &models.CompletionResponse{
		Text:    text,
		Model:   req.Model,
		Usage:   usage,
		CostUSD: a.catalog.Cost(req.Model, usage.PromptTokens, usage.CompletionTokens),
	}, nil
}

func (a *Anthropic) classify(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		kind := classifyStatus(apiErr.StatusCode)
		ue := &UpstreamError{Kind: kind, Provider: a.Name(), Err: err}
		if kind == KindRateLimited {
			ue.RetryAfter = retryAfterFromResponse(apiErr.Response)
		}
		return ue
	}
	return wrapTransport(a.Name(), err)
}
