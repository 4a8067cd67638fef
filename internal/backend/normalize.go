package backend

import (
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/shopspring/decimal"
)

// Usage is the token accounting of one or more gateway calls.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	// Estimated is set when the gateway reported nothing and words were counted instead.
	Estimated bool
}

func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
		Estimated:        u.Estimated || o.Estimated,
	}
}

// Outcome is the gateway answer reduced to what the rest of the turn needs.
type Outcome struct {
	Text      string
	ToolCalls []openai.ToolCall
	Usage     Usage
	Cost      decimal.Decimal
	Model     string
}

// CountWords is the token estimate used when the gateway omits usage.
func CountWords(s string) int {
	return len(strings.Fields(s))
}

func estimate(prompt, completion string) Usage {
	p, c := CountWords(prompt), CountWords(completion)
	return Usage{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c, Estimated: true}
}

func fromGateway(u *GatewayUsage) Usage {
	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}
	return Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: total}
}

// Normalize extracts text, tool calls, usage and cost from either response shape.
// prompt is the user message sent, used for the word-count fallback.
func Normalize(resp Response, prompt string) Outcome {
	switch r := resp.(type) {
	case *SimpleResponse:
		var out Outcome
		out.Model = r.Model
		if len(r.Choices) > 0 {
			msg := r.Choices[0].Message
			out.Text = msg.Content
			out.ToolCalls = msg.ToolCalls
		}
		if r.Usage.empty() {
			out.Usage = estimate(prompt, out.Text)
		} else {
			out.Usage = fromGateway(r.Usage)
			out.Cost = r.Usage.TotalCost
		}
		return out

	case *ExternalResponse:
		out := Outcome{Text: r.Message, Model: r.Model}
		switch {
		case !r.Usage.empty():
			out.Usage = fromGateway(r.Usage)
			out.Cost = r.Usage.TotalCost
		case r.SpendTokenCount > 0:
			// The assistant API only reports a total; split it by word counts.
			out.Usage = estimate(prompt, out.Text)
			out.Usage.TotalTokens = int(r.SpendTokenCount)
			out.Usage.Estimated = false
		default:
			out.Usage = estimate(prompt, out.Text)
		}
		return out

	default:
		return Outcome{}
	}
}
