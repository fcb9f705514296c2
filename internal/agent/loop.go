package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"lanebot/internal/capability"
	"lanebot/internal/domain"
)

const (
	defaultMaxRounds   = 5
	defaultMaxTokens   = 4096
	defaultTemperature = 0.7

	// fallbackResponse is returned when the model produces no final text.
	fallbackResponse = "I've completed processing but have no additional response."

	defaultSystemPrompt = "You are a helpful assistant with access to tools. " +
		"Use them when the request calls for action instead of claiming you cannot."
)

// Loop drives one work item through the model: seed the role's instructions,
// offer its capability subset, execute requested calls, feed results back,
// repeat until the model answers in text or the round cap trips.
type Loop struct {
	provider  domain.Provider
	providers ProviderResolver
	registry  *capability.Registry
	audit     domain.HistoryStore
	logger    *slog.Logger
	maxRounds int
}

// ProviderResolver resolves a provider by name. Used for roles pinned to a
// specific provider.
type ProviderResolver interface {
	Get(name string) (domain.Provider, error)
}

// LoopConfig holds the dependencies and tuning parameters for the loop.
type LoopConfig struct {
	Provider  domain.Provider
	Providers ProviderResolver    // optional: per-role provider switching
	Registry  *capability.Registry
	Audit     domain.HistoryStore // optional: nil disables audit records
	Logger    *slog.Logger
	MaxRounds int
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = defaultMaxRounds
	}
	return &Loop{
		provider:  cfg.Provider,
		providers: cfg.Providers,
		registry:  cfg.Registry,
		audit:     cfg.Audit,
		logger:    cfg.Logger,
		maxRounds: cfg.MaxRounds,
	}
}

// Run processes one prompt under the given role and returns the final text.
// Chat errors propagate as Go errors; the caller decides how to present them.
func (l *Loop) Run(ctx context.Context, role domain.RoleProfile, prompt, contextHint string) (string, error) {
	provider := l.resolveProvider(role)
	filter := NewCapabilityFilter(role.Capabilities)
	defs := filter.FilterDefinitions(l.registry.ListSchemas())

	maxTokens := role.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	messages := []domain.Message{
		{Role: "system", Content: buildSystemPrompt(role, contextHint)},
		{Role: "user", Content: prompt},
	}

	resp, err := provider.Chat(ctx, domain.ChatRequest{
		Messages:    messages,
		Tools:       defs,
		Model:       role.Model,
		MaxTokens:   maxTokens,
		Temperature: defaultTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("model error: %w", err)
	}

	for round := 0; round < l.maxRounds; round++ {
		// Fallback: some smaller models embed tool calls as JSON in the content field.
		if !resp.HasToolCalls() && resp.Content != "" {
			if extracted := extractToolCallsFromContent(resp.Content); len(extracted) > 0 {
				resp.ToolCalls = extracted
				resp.Content = ""
				l.logger.Info("extracted tool calls from content text", "count", len(extracted))
			}
		}

		// No tool calls: this is the final answer.
		if !resp.HasToolCalls() {
			return finalize(resp.Content), nil
		}

		l.logger.Debug("tool round",
			"role", role.Name,
			"round", round+1,
			"calls", len(resp.ToolCalls),
			"latency_ms", resp.LatencyMs,
		)

		messages = append(messages, domain.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		// Execute calls sequentially in request order.
		for _, tc := range resp.ToolCalls {
			result := l.executeCall(ctx, role, filter, tc)
			messages = append(messages, domain.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
			})
		}

		resp, err = provider.Chat(ctx, domain.ChatRequest{
			Messages:    messages,
			Tools:       defs,
			Model:       role.Model,
			MaxTokens:   maxTokens,
			Temperature: defaultTemperature,
		})
		if err != nil {
			return "", fmt.Errorf("model error: %w", err)
		}
	}

	// Round cap reached with calls still pending. Ask once more without tools
	// so the model has to answer in text. The pending calls are not executed.
	if resp.HasToolCalls() {
		l.logger.Warn("round cap reached with tool calls pending",
			"role", role.Name,
			"maxRounds", l.maxRounds,
		)
		resp, err = provider.Chat(ctx, domain.ChatRequest{
			Messages:    messages,
			Model:       role.Model,
			MaxTokens:   maxTokens,
			Temperature: defaultTemperature,
		})
		if err != nil {
			return "", fmt.Errorf("model error: %w", err)
		}
	}

	return finalize(resp.Content), nil
}

// executeCall enforces the role whitelist and invokes a single capability.
// Always returns a result string for the tool turn.
func (l *Loop) executeCall(ctx context.Context, role domain.RoleProfile, filter *CapabilityFilter, tc domain.ToolCall) string {
	if !filter.IsAllowed(tc.Name) {
		l.logger.Warn("capability denied by role whitelist",
			"role", role.Name,
			"capability", tc.Name,
		)
		l.recordAudit(ctx, domain.AuditEntry{
			Action:     "capability_denied",
			Capability: tc.Name,
			Detail:     "role " + role.Name,
			Result:     "denied",
		})
		return fmt.Sprintf("[DENIED] capability '%s' not permitted for this role", tc.Name)
	}

	l.logger.Info("executing capability", "capability", tc.Name, "role", role.Name)
	if l.logger.Enabled(ctx, slog.LevelDebug) {
		if argsJSON, err := json.Marshal(tc.Arguments); err == nil {
			l.logger.Debug("capability arguments", "capability", tc.Name, "args", string(argsJSON))
		}
	}

	result := l.registry.Invoke(ctx, tc.Name, tc.Arguments)
	l.logger.Debug("capability completed", "capability", tc.Name, "result_len", len(result))
	return result
}

// resolveProvider returns the provider for this role, supporting per-role pinning.
func (l *Loop) resolveProvider(role domain.RoleProfile) domain.Provider {
	if role.Provider != "" && l.providers != nil {
		if p, err := l.providers.Get(role.Provider); err == nil {
			return p
		}
		l.logger.Warn("role provider not available, using default",
			"role", role.Name,
			"requested", role.Provider,
		)
	}
	return l.provider
}

func (l *Loop) recordAudit(ctx context.Context, entry domain.AuditEntry) {
	if l.audit == nil {
		return
	}
	if err := l.audit.LogAudit(ctx, entry); err != nil {
		l.logger.Warn("audit write failed", "action", entry.Action, "error", err)
	}
}

// buildSystemPrompt combines the role's instructions with the optional
// condensed context from earlier turns.
func buildSystemPrompt(role domain.RoleProfile, contextHint string) string {
	system := role.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}
	if contextHint != "" {
		system += "\n\n## Context\nEarlier in this conversation:\n" + contextHint
	}
	return system
}

func finalize(content string) string {
	content = stripRolePrefix(strings.TrimSpace(content))
	if content == "" {
		return fallbackResponse
	}
	return content
}
