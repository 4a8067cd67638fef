package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"BotProxy/internal/assistant"
)

// seedFile is the TOML layout accepted by the seed command.
//
//	[[secrets]]
//	name = "GPTUNNEL_API_KEY"
//	value = "..."
//
//	[[tools]]
//	id = "rentals"
//	parameters = '{"type":"object","required":["city"]}'
//
//	[[assistants]]
//	id = "a1"
//	tool_id = "rentals"
type seedFile struct {
	Secrets    []seedSecret    `toml:"secrets"`
	Tools      []seedTool      `toml:"tools"`
	Assistants []seedAssistant `toml:"assistants"`
}

type seedSecret struct {
	Name  string `toml:"name"`
	Value string `toml:"value"`
}

type seedTool struct {
	ID           string `toml:"id"`
	Name         string `toml:"name"`
	Description  string `toml:"description"`
	Parameters   string `toml:"parameters"`
	BaseURL      string `toml:"base_url"`
	ResponseMode string `toml:"response_mode"`
}

type seedAssistant struct {
	ID            string  `toml:"id"`
	Name          string  `toml:"name"`
	Type          string  `toml:"type"`
	Model         string  `toml:"model"`
	Instructions  string  `toml:"instructions"`
	Creativity    float64 `toml:"creativity"`
	ContextLength int     `toml:"context_length"`
	ExternalCode  string  `toml:"external_code"`
	Status        string  `toml:"status"`
	ToolID        string  `toml:"tool_id"`
}

type seedStore interface {
	PutSecret(ctx context.Context, name, value string) error
	PutTool(ctx context.Context, t *assistant.ToolDefinition) error
	PutAssistant(ctx context.Context, a *assistant.Assistant) error
}

func parseSeed(r io.Reader) (*seedFile, error) {
	var f seedFile
	if err := toml.NewDecoder(r).DisallowUnknownFields().Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	tools := make(map[string]struct{}, len(f.Tools))
	for i, t := range f.Tools {
		if t.ID == "" {
			return nil, fmt.Errorf("tools[%d]: id is required", i)
		}
		if t.Parameters != "" && !json.Valid([]byte(t.Parameters)) {
			return nil, fmt.Errorf("tool %s: parameters is not valid JSON", t.ID)
		}
		tools[t.ID] = struct{}{}
	}
	for i, a := range f.Assistants {
		if a.ID == "" {
			return nil, fmt.Errorf("assistants[%d]: id is required", i)
		}
		if a.ToolID == "" {
			continue
		}
		if _, ok := tools[a.ToolID]; !ok {
			return nil, fmt.Errorf("assistant %s: unknown tool %s", a.ID, a.ToolID)
		}
	}
	for i, s := range f.Secrets {
		if s.Name == "" {
			return nil, fmt.Errorf("secrets[%d]: name is required", i)
		}
	}
	return &f, nil
}

// apply writes secrets, then tools, then assistants, so every tool_id resolves.
func (f *seedFile) apply(ctx context.Context, st seedStore) error {
	for _, s := range f.Secrets {
		if err := st.PutSecret(ctx, s.Name, s.Value); err != nil {
			return err
		}
	}
	for _, t := range f.Tools {
		if err := st.PutTool(ctx, &assistant.ToolDefinition{
			ID:           t.ID,
			Name:         t.Name,
			Description:  t.Description,
			Parameters:   json.RawMessage(t.Parameters),
			BaseURL:      t.BaseURL,
			ResponseMode: assistant.ResponseMode(t.ResponseMode),
		}); err != nil {
			return err
		}
	}
	for _, a := range f.Assistants {
		rec := &assistant.Assistant{
			ID:            a.ID,
			Name:          a.Name,
			Type:          assistant.Type(a.Type),
			Model:         a.Model,
			Instructions:  a.Instructions,
			Creativity:    a.Creativity,
			ContextLength: a.ContextLength,
			ExternalCode:  a.ExternalCode,
			Status:        assistant.Status(a.Status),
		}
		if a.ToolID != "" {
			rec.Tool = &assistant.ToolDefinition{ID: a.ToolID}
		}
		if err := st.PutAssistant(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func newSeedCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.toml>",
		Short: "Load assistants, tools and secrets from a TOML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fh, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open seed file: %w", err)
			}
			defer fh.Close()

			seed, err := parseSeed(fh)
			if err != nil {
				return err
			}

			a, err := wireBase(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := seed.apply(cmd.Context(), a.store); err != nil {
				return err
			}
			a.logger.Info("seed applied", "file", args[0],
				"assistants", len(seed.Assistants), "tools", len(seed.Tools), "secrets", len(seed.Secrets))
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "seeded %d assistants, %d tools, %d secrets\n",
				len(seed.Assistants), len(seed.Tools), len(seed.Secrets))
			return err
		},
	}
}
