package ai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// GenkitEngine drives the configured LLM provider through Genkit.
// Without an API key it degrades to a deterministic local reply so
// scheduled tasks keep advancing during development.
type GenkitEngine struct {
	g     *genkit.Genkit
	cfg   Settings
	llmOn bool
}

// NewGenkitEngine initializes Genkit with the configured LLM provider.
// Supports: google (Gemini), anthropic (Claude), openai (GPT), openai_compatible.
func NewGenkitEngine(ctx context.Context, cfg Settings) *GenkitEngine {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	cfg.Provider = provider

	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultModelForProvider(provider)
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			llmOn = true
			slog.Info("ai engine initialized", "provider", "anthropic", "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Anthropic API key missing; using deterministic fallback")
		}

	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			llmOn = true
			slog.Info("ai engine initialized", "provider", "openai", "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI API key missing; using deterministic fallback")
		}

	case "openai_compatible":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai_compatible",
				APIKey:   apiKey,
				BaseURL:  cfg.BaseURL,
			}))
			llmOn = true
			slog.Info("ai engine initialized", "provider", "openai_compatible", "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI compatible API key missing; using deterministic fallback")
		}

	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+cfg.Model),
			)
			llmOn = true
			slog.Info("ai engine initialized", "provider", "google", "model", "googleai/"+cfg.Model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Google API key missing; using deterministic fallback")
		}

	default:
		g = genkit.Init(ctx)
		slog.Warn("unknown LLM provider, using deterministic fallback", "provider", provider)
	}

	return &GenkitEngine{g: g, cfg: cfg, llmOn: llmOn}
}

func (e *GenkitEngine) Stream(ctx context.Context, req Request, onChunk func(text string) error) (string, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", fmt.Errorf("empty prompt")
	}

	if !e.llmOn {
		reply := fmt.Sprintf("[offline] scheduled prompt acknowledged: %s", prompt)
		if err := onChunk(reply); err != nil {
			return "", err
		}
		return reply, nil
	}

	systemPrompt := strings.TrimSpace(req.SystemPrompt)
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt(req.PermissionMode)
	}
	// Escape % characters to prevent fmt.Sprintf corruption in ai.WithSystem().
	systemPrompt = strings.ReplaceAll(systemPrompt, "%", "%%")

	opts := []ai.GenerateOption{
		ai.WithModelName(modelNameForProvider(e.cfg.Provider, e.cfg.Model)),
		ai.WithPrompt(prompt),
		ai.WithSystem(systemPrompt),
	}
	if msgs := historyToMessages(req.History); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}

	stream := genkit.GenerateStream(ctx, e.g, opts...)

	var fullReply strings.Builder
	var doneReply string
	for streamVal, err := range stream {
		if err != nil {
			return "", fmt.Errorf("stream error: %w", err)
		}
		if streamVal.Chunk != nil {
			for _, part := range streamVal.Chunk.Content {
				if part.Kind == ai.PartText && part.Text != "" {
					if err := onChunk(part.Text); err != nil {
						return "", err
					}
					fullReply.WriteString(part.Text)
				}
			}
		}
		if streamVal.Done && streamVal.Response != nil {
			doneReply = streamVal.Response.Text()
		}
	}

	// Prefer accumulated chunks, fall back to the Done response.
	finalReply := fullReply.String()
	if finalReply == "" {
		finalReply = doneReply
	}
	return finalReply, nil
}

func defaultSystemPrompt(mode PermissionMode) string {
	base := "You are Hearth, a personal AI assistant executing a scheduled task on the user's behalf."
	if mode == PermissionModeAutonomous {
		return base + " Nobody is present to answer questions: act decisively, make reasonable assumptions, and produce a complete result in one reply."
	}
	return base
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o-mini"
	default:
		return "gemini-2.0-flash"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return model
	default:
		return "googleai/" + model
	}
}

func historyToMessages(turns []Turn) []*ai.Message {
	var msgs []*ai.Message
	for _, t := range turns {
		var role ai.Role
		switch t.Role {
		case "user":
			role = ai.RoleUser
		case "assistant":
			role = ai.RoleModel
		case "system":
			role = ai.RoleSystem
		default:
			continue
		}
		msgs = append(msgs, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(t.Content)},
		})
	}
	return msgs
}
