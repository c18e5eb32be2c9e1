// Package genai provides GenAI-backed conversation support using the OpenAI API.
//
// Each user gets a chat session that carries conversation history. Sessions
// expire after a day of inactivity and replies are truncated to fit a single
// WhatsApp message.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Session and formatting limits.
const (
	// SessionTimeout is how long an idle chat session is kept.
	SessionTimeout = 24 * time.Hour
	// SessionCleanupInterval is how often expired sessions are swept.
	SessionCleanupInterval = time.Hour
	// MaxReplyLength is the longest reply passed on to the messaging channel.
	MaxReplyLength = 1600
	// truncatedReplyLength leaves room for the truncation notice so the final
	// reply never exceeds MaxReplyLength.
	truncatedReplyLength = MaxReplyLength - len(TruncationNotice)
)

// TruncationNotice is appended to replies cut at the length limit.
const TruncationNotice = "... (Message truncated due to length. Please ask for more specific information.)"

// SystemPrompt frames every conversation the assistant holds.
const SystemPrompt = `You are a supportive healthcare companion specializing in chemotherapy information and support.
Your role is to provide accurate, compassionate information about common chemotherapy side effects and their management, general information about treatments and protocols, supportive care during treatment, when patients should contact their healthcare provider immediately, and general wellness tips.
Speak less like a chatbot and more like a human companion.

Important guidelines:
1. Never provide specific medical advice or diagnosis
2. Encourage patients to contact their healthcare provider for significant medical concerns
3. Be empathetic and supportive, acknowledging the challenges of cancer treatment
4. Provide evidence-based information only
5. If unsure about any information, acknowledge limitations
6. For any urgent medical concerns (severe pain, fever, bleeding, etc.), always advise immediate contact with healthcare providers

Remember that patients may be experiencing physical and emotional distress. Be kind, clear, and supportive in all interactions.`

// ErrNoChoicesReturned indicates the API response contained no completions.
var ErrNoChoicesReturned = errors.New("no choices returned")

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter adapts the OpenAI SDK service to chatService.
type completionsAdapter struct {
	svc openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// session holds one user's in-flight conversation.
type session struct {
	history  []openai.ChatCompletionMessageParamUnion
	lastUsed time.Time
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey string
	Model  openai.ChatModel
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model openai.ChatModel) Option {
	return func(o *Opts) { o.Model = model }
}

// Client wraps the OpenAI chat completion service and the per-user sessions.
type Client struct {
	chat  chatService
	model openai.ChatModel
	now   func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// NewClient initializes a GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable when not provided via options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{
		chat:     completionsAdapter{svc: cli.Chat.Completions},
		model:    cfg.Model,
		now:      time.Now,
		sessions: make(map[string]*session),
	}, nil
}

// GeneratePrompt generates a one-shot response from a system and user prompt,
// outside any session.
func (c *Client) GeneratePrompt(systemPrompt, userPrompt string) (string, error) {
	resp, err := c.chat.Create(context.Background(), openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateReply produces a conversational reply for the user, carrying the
// session history forward. The reply is truncated to fit one outbound message.
func (c *Client) GenerateReply(ctx context.Context, userID, message string) (string, error) {
	c.mu.Lock()
	sess, ok := c.sessions[userID]
	if !ok {
		sess = &session{
			history: []openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage(SystemPrompt),
			},
		}
		c.sessions[userID] = sess
		slog.Debug("genai session created", "user", userID)
	}
	sess.lastUsed = c.now()
	messages := append(append([]openai.ChatCompletionMessageParamUnion{}, sess.history...), openai.UserMessage(message))
	c.mu.Unlock()

	resp, err := c.chat.Create(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		slog.Error("Client.GenerateReply: completion failed", "error", err, "user", userID)
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	reply := resp.Choices[0].Message.Content

	c.mu.Lock()
	sess.history = append(sess.history, openai.UserMessage(message), openai.AssistantMessage(reply))
	c.mu.Unlock()

	if len(reply) > MaxReplyLength {
		cut := truncatedReplyLength
		// Never split a multi-byte character at the cut point.
		for cut > 0 && !utf8.RuneStart(reply[cut]) {
			cut--
		}
		reply = reply[:cut] + TruncationNotice
		slog.Debug("Client.GenerateReply: reply truncated", "user", userID)
	}
	return reply, nil
}

// ResetSession drops the user's conversation history.
func (c *Client) ResetSession(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, userID)
	slog.Info("genai session reset", "user", userID)
}

// SessionCount returns the number of live sessions.
func (c *Client) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// StartSessionCleanup launches a background sweep that drops sessions idle
// longer than SessionTimeout. It stops when ctx is canceled.
func (c *Client) StartSessionCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(SessionCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweepSessions()
			}
		}
	}()
}

func (c *Client) sweepSessions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-SessionTimeout)
	cleaned := 0
	for user, sess := range c.sessions {
		if sess.lastUsed.Before(cutoff) {
			delete(c.sessions, user)
			cleaned++
		}
	}
	if cleaned > 0 {
		slog.Info("genai sessions cleaned up", "count", cleaned)
	}
}
