package chatbot

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"

	"BotProxy/internal/apperr"
	"BotProxy/internal/backend"
)

// REPL drives turns from a terminal, keeping the history client-side the way the
// admin panel does.
type REPL struct {
	bot         *ChatBot
	assistantID string
	userID      string
	history     []backend.HistoryEntry
	in          io.Reader
	out         io.Writer
}

func NewREPL(bot *ChatBot, assistantID, userID string, in io.Reader, out io.Writer) *REPL {
	return &REPL{bot: bot, assistantID: assistantID, userID: userID, in: in, out: out}
}

// Run reads messages until EOF or /quit.
func (r *REPL) Run(ctx context.Context) error {
	fmt.Fprintln(r.out, "=== BotProxy ===")
	fmt.Fprintf(r.out, "Assistant: %s\n", r.assistantID)
	fmt.Fprintln(r.out, "Type /help for commands, /quit to exit")
	fmt.Fprintln(r.out)

	scanner := bufio.NewScanner(r.in)
	for {
		fmt.Fprint(r.out, "You: ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			quit, err := r.handleCommand(input)
			if err != nil {
				fmt.Fprintf(r.out, "Error: %v\n", err)
			}
			if quit {
				break
			}
			continue
		}

		reply, err := r.bot.HandleTurn(ctx, Turn{
			AssistantID: r.assistantID,
			UserID:      r.userID,
			Message:     input,
			History:     r.history,
		})
		if err != nil {
			fmt.Fprintf(r.out, "Error (%d): %s\n", apperr.HTTPStatus(err), apperr.PublicMessage(err))
			r.bot.logger.Error("turn failed", "assistant_id", r.assistantID, "error", err)
			continue
		}

		text, err := render(reply)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "Bot: %s\n\n", text)
		r.remember(input, reply)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	fmt.Fprintln(r.out, "Goodbye!")
	return nil
}

func (r *REPL) handleCommand(cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/assistant":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /assistant <id>")
		}
		r.assistantID = parts[1]
		r.history = nil
		fmt.Fprintf(r.out, "Switched to assistant %s\n", r.assistantID)
		return false, nil

	case "/clear":
		r.history = nil
		fmt.Fprintln(r.out, "History cleared")
		return false, nil

	case "/help":
		fmt.Fprintln(r.out, "Available commands:")
		fmt.Fprintln(r.out, "  /quit, /exit       - Exit")
		fmt.Fprintln(r.out, "  /assistant <id>    - Talk to another assistant")
		fmt.Fprintln(r.out, "  /clear             - Forget the local history")
		fmt.Fprintln(r.out, "  /help              - Show this help message")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s", parts[0])
	}
}

func (r *REPL) remember(input string, reply *Reply) {
	user, _ := json.Marshal(input)
	answer, err := json.Marshal(reply.Response)
	if err != nil {
		return
	}
	r.history = append(r.history,
		backend.HistoryEntry{Role: openai.ChatMessageRoleUser, Content: user},
		backend.HistoryEntry{Role: openai.ChatMessageRoleAssistant, Content: answer},
	)
}

func render(reply *Reply) (string, error) {
	if s, ok := reply.Response.(string); ok {
		return s, nil
	}
	b, err := json.MarshalIndent(reply.Response, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to render reply: %w", err)
	}
	return string(b), nil
}
