package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"
)

type Role string

const (
	RoleSystem    Role = goopenai.ChatMessageRoleSystem
	RoleUser      Role = goopenai.ChatMessageRoleUser
	RoleAssistant Role = goopenai.ChatMessageRoleAssistant
)

const (
	DefaultModel        = "gpt-4o-mini"
	DefaultSystemPrompt = "You are a helpful assistant."
)

var (
	ErrMissingToken = errors.New("chat completion API key is not set")
	ErrCompletion   = errors.New("chat completion failed")
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is one non-streaming completion call. Token and Model are read from the
// caller's settings on every call.
type Request struct {
	Token        string
	Model        string
	SystemPrompt string
	Messages     []Message
}

// OpenAI wraps the hosted chat-completion endpoint.
type OpenAI struct {
	baseURL string
	http    *http.Client
}

// NewOpenAI creates a client. An empty baseURL targets the public OpenAI API.
func NewOpenAI(baseURL string, timeout time.Duration) *OpenAI {
	return &OpenAI{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Complete sends the system prompt plus transcript and returns the first choice's text.
func (o *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Token) == "" {
		return "", ErrMissingToken
	}

	cfg := goopenai.DefaultConfig(req.Token)
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	cfg.HTTPClient = o.http
	client := goopenai.NewClientWithConfig(cfg)

	resp, err := client.CreateChatCompletion(ctx, chatRequest(req))
	if err != nil {
		return "", vendorError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrCompletion)
	}
	return resp.Choices[0].Message.Content, nil
}

func chatRequest(req Request) goopenai.ChatCompletionRequest {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = DefaultModel
	}
	system := req.SystemPrompt
	if strings.TrimSpace(system) == "" {
		system = DefaultSystemPrompt
	}

	msgs := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	msgs = append(msgs, goopenai.ChatCompletionMessage{Role: string(RoleSystem), Content: system})
	for _, m := range req.Messages {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	return goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: msgs,
		Stream:   false,
	}
}

func vendorError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return fmt.Errorf("%w: %s", ErrCompletion, apiErr.Message)
	}
	return fmt.Errorf("%w: %v", ErrCompletion, err)
}
