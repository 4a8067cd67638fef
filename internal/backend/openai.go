package backend

import (
	"github.com/sashabaranov/go-openai"
	"github.com/shopspring/decimal"
)

// ChatCompletionRequest is the body of POST /v1/chat/completions.
// Temperature is always sent; a creativity of 0 is a valid setting.
type ChatCompletionRequest struct {
	Model       string                         `json:"model"`
	Messages    []openai.ChatCompletionMessage `json:"messages"`
	Temperature float64                        `json:"temperature"`
	Tools       []openai.Tool                  `json:"tools,omitempty"`
	ToolChoice  string                         `json:"tool_choice,omitempty"`
}

// GatewayUsage extends the OpenAI usage block with the gateway's billed cost.
type GatewayUsage struct {
	openai.Usage
	TotalCost decimal.Decimal `json:"total_cost"`
}

func (u *GatewayUsage) empty() bool {
	return u == nil || (u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0)
}

// SimpleResponse is the chat-completions response. Usage shadows the embedded OpenAI field.
type SimpleResponse struct {
	openai.ChatCompletionResponse
	Usage *GatewayUsage `json:"usage,omitempty"`
}

// AssistantChatRequest is the body of POST /v1/assistant/chat.
type AssistantChatRequest struct {
	ChatID        string `json:"chatId"`
	AssistantCode string `json:"assistantCode"`
	Message       string `json:"message"`
	MaxContext    int    `json:"maxContext"`
}

// ExternalResponse is the assistant-chat response. The answer is plain text in Message.
type ExternalResponse struct {
	Message         string        `json:"message"`
	Usage           *GatewayUsage `json:"usage,omitempty"`
	SpendTokenCount float64       `json:"spendTokenCount,omitempty"`
	Model           string        `json:"model,omitempty"`
}

// Response is one of *SimpleResponse or *ExternalResponse.
type Response interface {
	isResponse()
}

func (*SimpleResponse) isResponse()   {}
func (*ExternalResponse) isResponse() {}
