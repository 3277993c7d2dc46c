package capability

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/skillfence/skillfence/internal/logger"
)

var llmLog = logger.New("llm")

// Defaults for LLM budgets.
const (
	DefaultMaxTokensPerRequest = 4096
	DefaultTokenBudget         = 100_000
	DefaultMaxRequests         = 100
)

// defaultBlockedPrompts catch the common prompt-injection templates. This is
// a speed bump, not a guarantee; the true defense is that the LLM sits behind
// the same capability boundary as every other effect.
var defaultBlockedPrompts = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(prior|previous|above)\s+`),
	regexp.MustCompile(`(?i)pretend\s+(that\s+)?you\s+are`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(?:in\s+)?(dan|developer\s+mode|jailbreak)`),
	regexp.MustCompile(`(?i)reveal\s+(your\s+)?system\s+prompt`),
	regexp.MustCompile(`(?i)print\s+(your\s+)?(system\s+prompt|instructions)`),
	regexp.MustCompile(`(?i)repeat\s+everything\s+above`),
}

// PredictOptions carry the per-call knobs a skill may set.
type PredictOptions struct {
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

// PredictFunc is the injected model call.
type PredictFunc func(ctx context.Context, prompt string, opts PredictOptions) (string, error)

// EmbedFunc is the optional injected embedding call.
type EmbedFunc func(ctx context.Context, text string) ([]float64, error)

// LLMHooks receive detailed reasons and accounting out of band.
type LLMHooks struct {
	OnRequest  func(prompt string)
	OnResponse func(prompt, response string, tokenEstimate int)
	OnBlocked  func(reason string)
}

// LLMConfig configures an LLM capability.
type LLMConfig struct {
	Predict PredictFunc // required
	Embed   EmbedFunc

	MaxTokensPerRequest int
	TokenBudget         int
	MaxRequests         int

	// BlockedPromptPatterns extends the built-in injection templates.
	BlockedPromptPatterns []string

	// RequiredSystemPatterns must all match the system prompt when set.
	RequiredSystemPatterns []string

	PromptFilter   func(string) string
	ResponseFilter func(string) string

	Hooks LLMHooks
}

// LLM wraps an injected predict/embed pair with token-budget, request-count,
// and prompt-content enforcement.
type LLM struct {
	predict PredictFunc
	embed   EmbedFunc

	maxPerRequest int
	budget        int
	maxRequests   int

	blocked  []*regexp.Regexp
	required []*regexp.Regexp

	promptFilter   func(string) string
	responseFilter func(string) string
	hooks          LLMHooks

	mu           sync.Mutex
	tokensUsed   int
	requestsMade int
}

// NewLLM builds an LLM capability around the injected functions.
func NewLLM(cfg LLMConfig) (*LLM, error) {
	if cfg.Predict == nil {
		return nil, fmt.Errorf("llm: predict function is required")
	}

	l := &LLM{
		predict:        cfg.Predict,
		embed:          cfg.Embed,
		maxPerRequest:  cfg.MaxTokensPerRequest,
		budget:         cfg.TokenBudget,
		maxRequests:    cfg.MaxRequests,
		blocked:        append([]*regexp.Regexp(nil), defaultBlockedPrompts...),
		promptFilter:   cfg.PromptFilter,
		responseFilter: cfg.ResponseFilter,
		hooks:          cfg.Hooks,
	}
	if l.maxPerRequest <= 0 {
		l.maxPerRequest = DefaultMaxTokensPerRequest
	}
	if l.budget <= 0 {
		l.budget = DefaultTokenBudget
	}
	if l.maxRequests <= 0 {
		l.maxRequests = DefaultMaxRequests
	}

	for _, p := range cfg.BlockedPromptPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("llm: blocked prompt pattern %q: %w", p, err)
		}
		l.blocked = append(l.blocked, re)
	}
	for _, p := range cfg.RequiredSystemPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("llm: required system pattern %q: %w", p, err)
		}
		l.required = append(l.required, re)
	}
	return l, nil
}

// EstimateTokens uses the ≈4 characters per token heuristic.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

func (l *LLM) refuse(reason string) error {
	llmLog.Debug("blocked: %s", reason)
	if l.hooks.OnBlocked != nil {
		l.hooks.OnBlocked(reason)
	}
	return refuseLLM()
}

// Predict runs the guarded model call.
func (l *LLM) Predict(ctx context.Context, prompt string, opts PredictOptions) (string, error) {
	if l.promptFilter != nil {
		prompt = l.promptFilter(prompt)
	}

	for _, re := range l.blocked {
		if re.MatchString(prompt) {
			return "", l.refuse("prompt matches blocked pattern " + re.String())
		}
		if opts.SystemPrompt != "" && re.MatchString(opts.SystemPrompt) {
			return "", l.refuse("system prompt matches blocked pattern " + re.String())
		}
	}
	for _, re := range l.required {
		if !re.MatchString(opts.SystemPrompt) {
			return "", l.refuse("system prompt missing required pattern " + re.String())
		}
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = l.maxPerRequest
	}
	if maxTokens > l.maxPerRequest {
		return "", l.refuse(fmt.Sprintf("requested max tokens %d exceeds per-request cap %d", maxTokens, l.maxPerRequest))
	}

	estimate := EstimateTokens(prompt) + maxTokens

	l.mu.Lock()
	if l.tokensUsed+estimate > l.budget {
		used := l.tokensUsed
		l.mu.Unlock()
		return "", l.refuse(fmt.Sprintf("estimated %d tokens would exceed budget (%d/%d used)", estimate, used, l.budget))
	}
	if l.requestsMade >= l.maxRequests {
		l.mu.Unlock()
		return "", l.refuse(fmt.Sprintf("request cap %d reached", l.maxRequests))
	}
	// Pre-increment so concurrent calls cannot oversubscribe the request
	// cap; failed calls refund below.
	l.requestsMade++
	l.mu.Unlock()

	if l.hooks.OnRequest != nil {
		l.hooks.OnRequest(prompt)
	}

	opts.MaxTokens = maxTokens
	response, err := l.predict(ctx, prompt, opts)
	if err != nil {
		l.mu.Lock()
		l.requestsMade--
		l.mu.Unlock()
		return "", l.refuse("predict failed: " + err.Error())
	}

	if l.responseFilter != nil {
		response = l.responseFilter(response)
	}

	actual := EstimateTokens(prompt) + EstimateTokens(response)
	l.mu.Lock()
	l.tokensUsed += actual
	l.mu.Unlock()

	if l.hooks.OnResponse != nil {
		l.hooks.OnResponse(prompt, response, actual)
	}
	return response, nil
}

// Embed runs the guarded embedding call, charging the input's estimated token
// count against the same budget and request cap as Predict.
func (l *LLM) Embed(ctx context.Context, text string) ([]float64, error) {
	if l.embed == nil {
		return nil, l.refuse("embedding not configured")
	}

	estimate := EstimateTokens(text)
	l.mu.Lock()
	if l.tokensUsed+estimate > l.budget {
		l.mu.Unlock()
		return nil, l.refuse("embedding would exceed token budget")
	}
	if l.requestsMade >= l.maxRequests {
		l.mu.Unlock()
		return nil, l.refuse("request cap reached")
	}
	l.requestsMade++
	l.mu.Unlock()

	vec, err := l.embed(ctx, text)
	if err != nil {
		l.mu.Lock()
		l.requestsMade--
		l.mu.Unlock()
		return nil, l.refuse("embed failed: " + err.Error())
	}

	l.mu.Lock()
	l.tokensUsed += estimate
	l.mu.Unlock()
	return vec, nil
}

// RemainingTokens reports the unspent token budget.
func (l *LLM) RemainingTokens() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.budget - l.tokensUsed
}

// RemainingRequests reports the unspent request budget.
func (l *LLM) RemainingRequests() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxRequests - l.requestsMade
}

// Bind returns the opcode entries this capability contributes to a table.
func (l *LLM) Bind() Table {
	t := Table{
		"llm": func(ctx context.Context, args []any) (any, error) {
			prompt, ok := argString(args, 0)
			if !ok {
				return nil, refuseLLM()
			}
			var opts PredictOptions
			if len(args) > 1 {
				if o, ok := args[1].(PredictOptions); ok {
					opts = o
				}
			}
			return l.Predict(ctx, prompt, opts)
		},
	}
	if l.embed != nil {
		t["embed"] = func(ctx context.Context, args []any) (any, error) {
			text, ok := argString(args, 0)
			if !ok {
				return nil, refuseLLM()
			}
			return l.Embed(ctx, text)
		}
	}
	return t
}
