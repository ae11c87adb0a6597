package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/RichardoC/relaychat/internal/config"
	"github.com/RichardoC/relaychat/internal/history"
	"github.com/RichardoC/relaychat/internal/models"
	"github.com/RichardoC/relaychat/internal/tokens"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

var ErrEmptyCompletion = errors.New("upstream returned no choices")

// DefaultTemperature is the OpenAI default, sent when none is configured
// because the client always serializes the field.
const DefaultTemperature = 1.0

type Options struct {
	SystemPrompt string
	// Temperature falls back to DefaultTemperature when nil.
	Temperature *float64
	MaxTokens   int
	// Timeout bounds each upstream call. Zero leaves it to the caller's context.
	Timeout time.Duration
	// Counter is optional; when set, prompt sizes are logged per call.
	Counter *tokens.Counter
	Logger  *zap.Logger
}

type Service struct {
	llm          llms.Model
	store        history.Store
	systemPrompt string
	callOpts     []llms.CallOption
	timeout      time.Duration
	counter      *tokens.Counter
	logger       *zap.Logger

	mu    sync.Mutex
	locks map[string]*sessionLock
}

// sessionLock serializes turns within one session. Entries are dropped once
// no caller holds or waits on them.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewClient builds the OpenAI compatible upstream client.
func NewClient(cfg config.OpenAIConfig) (*openai.LLM, error) {
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	return openai.New(opts...)
}

func New(model llms.Model, store history.Store, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	systemPrompt := opts.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = config.DefaultSystemPrompt
	}

	temperature := DefaultTemperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	callOpts := []llms.CallOption{llms.WithTemperature(temperature)}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}

	return &Service{
		llm:          model,
		store:        store,
		systemPrompt: systemPrompt,
		callOpts:     callOpts,
		timeout:      opts.Timeout,
		counter:      opts.Counter,
		logger:       logger,
		locks:        make(map[string]*sessionLock),
	}
}

// lock blocks until the session is free and returns the matching unlock.
func (s *Service) lock(sessionID string) (unlock func()) {
	s.mu.Lock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		s.locks[sessionID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		s.mu.Lock()
		defer s.mu.Unlock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, sessionID)
		}
	}
}

// ProcessMessage relays content to the upstream model together with the
// session's history and returns the assistant reply. The user and assistant
// turns are stored together once the upstream call succeeds; on failure the
// history is left as it was.
func (s *Service) ProcessMessage(ctx context.Context, sessionID, content string) (*models.Message, error) {
	defer s.lock(sessionID)()

	hist, err := s.store.History(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation history: %w", err)
	}

	userMsg := models.NewMessage(models.RoleUser, content)
	prompt := make([]models.Message, 0, len(hist)+2)
	prompt = append(prompt, models.NewMessage(models.RoleSystem, s.systemPrompt))
	prompt = append(prompt, hist...)
	prompt = append(prompt, userMsg)

	if s.counter != nil {
		s.logger.Debug("Sending conversation upstream",
			zap.String("session", sessionID),
			zap.Int("messages", len(prompt)),
			zap.Int("promptTokens", s.counter.CountMessages(prompt)),
			zap.Bool("exactTokens", s.counter.Exact()))
	}

	reply, err := s.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	assistantMsg := models.NewMessage(models.RoleAssistant, reply)
	// The reply has been paid for; keep it even if the client went away meanwhile.
	if err := s.store.Append(context.WithoutCancel(ctx), sessionID, userMsg, assistantMsg); err != nil {
		return nil, fmt.Errorf("failed to save messages: %w", err)
	}
	return &assistantMsg, nil
}

func (s *Service) generate(ctx context.Context, prompt []models.Message) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	messages, err := toMessageContent(prompt)
	if err != nil {
		return "", err
	}

	resp, err := s.llm.GenerateContent(ctx, messages, s.callOpts...)
	if err != nil {
		return "", fmt.Errorf("failed to generate completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}

// Reset clears the session's history.
func (s *Service) Reset(ctx context.Context, sessionID string) error {
	defer s.lock(sessionID)()

	if err := s.store.Clear(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to clear conversation: %w", err)
	}
	return nil
}

func (s *Service) History(ctx context.Context, sessionID string) ([]models.Message, error) {
	return s.store.History(ctx, sessionID)
}

// Ask sends a single prompt without history or system instruction.
func (s *Service) Ask(ctx context.Context, prompt string) (string, error) {
	completion, err := llms.GenerateFromSinglePrompt(ctx, s.llm, prompt, s.callOpts...)
	if err != nil {
		return "", fmt.Errorf("failed to generate completion: %w", err)
	}
	return strings.TrimSpace(completion), nil
}

func toMessageContent(msgs []models.Message) ([]llms.MessageContent, error) {
	out := make([]llms.MessageContent, 0, len(msgs))
	for _, m := range msgs {
		var t llms.ChatMessageType
		switch m.Role {
		case models.RoleSystem:
			t = llms.ChatMessageTypeSystem
		case models.RoleUser:
			t = llms.ChatMessageTypeHuman
		case models.RoleAssistant:
			t = llms.ChatMessageTypeAI
		default:
			return nil, fmt.Errorf("unknown role: %s", m.Role)
		}
		out = append(out, llms.TextParts(t, m.Content))
	}
	return out, nil
}
