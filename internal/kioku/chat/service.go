// Package chat runs one conversational turn: assemble context, ask the
// language model, record the exchange. Transports (HTTP, WebSocket, Matrix)
// all go through Service.Handle.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bdobrica/Kioku/common/trace"
	"github.com/bdobrica/Kioku/internal/kioku/memory"
	"github.com/bdobrica/Kioku/internal/kioku/observability"
)

// ErrRateLimited is returned by Handle when the user has used up their
// turn quota for the current window.
var ErrRateLimited = errors.New("chat: rate limit exceeded")

// Conversations is the part of memory.Assembler the chat service needs.
type Conversations interface {
	Assemble(ctx context.Context, userID, message string) (memory.ContextBundle, error)
	Record(ctx context.Context, userID, userMessage, assistantReply string) error
	Summary(userID string) string
	Limit(userID string) int
	SetLimit(userID string, n int) error
	Clear(userID string)
}

// TemperatureSetter is implemented by completers whose sampling temperature
// can be changed at runtime.
type TemperatureSetter interface {
	SetTemperature(t float64) error
}

// Service is safe for concurrent use. Turns and commands of one user run
// one at a time; different users proceed in parallel.
type Service struct {
	conv      Conversations
	locks     *turnLocks
	completer memory.Completer
	limiter   *RateLimiter
	logger    *slog.Logger
	metrics   *observability.Metrics
	commands  map[string]commandFunc
}

// NewService wires a chat service. limiter, logger and metrics may be nil.
func NewService(conv Conversations, completer memory.Completer, limiter *RateLimiter, logger *slog.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		conv:      conv,
		locks:     newTurnLocks(),
		completer: completer,
		limiter:   limiter,
		logger:    logger,
		metrics:   metrics,
	}
	s.commands = map[string]commandFunc{
		"start":   s.cmdStart,
		"help":    s.cmdHelp,
		"history": s.cmdHistory,
		"clear":   s.cmdClear,
		"temp":    s.cmdTemp,
	}
	return s
}

// Handle answers text from userID. Slash commands are executed directly;
// anything else becomes a chat turn. The transport label is used for
// metrics only.
func (s *Service) Handle(ctx context.Context, transport, userID, text string) (string, error) {
	ctx, _ = trace.Ensure(ctx)
	log := observability.WithTrace(ctx, s.logger).With("user_id", userID, "transport", transport)

	if userID == "" {
		return "", &memory.ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", &memory.ValidationError{Field: "text", Reason: "must not be empty"}
	}

	if cmd, ok := parseCommand(text); ok {
		release, err := s.locks.acquire(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("chat: wait for turn: %w", err)
		}
		reply, err := s.runCommand(ctx, userID, cmd)
		release()
		if err != nil {
			log.Warn("chat: command failed", "command", cmd.name, "err", err)
		}
		return reply, err
	}

	if s.limiter != nil && !s.limiter.Allow(userID) {
		log.Info("chat: rate limited")
		s.metrics.Limited()
		s.metrics.ChatTurn(transport, "rate_limited")
		return "", ErrRateLimited
	}

	release, err := s.locks.acquire(ctx, userID)
	if err != nil {
		log.Warn("chat: gave up waiting for previous turn", "err", err)
		s.metrics.ChatTurn(transport, "error")
		return "", fmt.Errorf("chat: wait for turn: %w", err)
	}
	reply, err := s.turn(ctx, userID, text)
	release()
	if err != nil {
		log.Error("chat: turn failed", "err", err)
		s.metrics.ChatTurn(transport, "error")
		return "", err
	}
	log.Info("chat: turn complete", "message_len", len(text), "reply_len", len(reply))
	s.metrics.ChatTurn(transport, "ok")
	return reply, nil
}

func (s *Service) turn(ctx context.Context, userID, text string) (string, error) {
	bundle, err := s.conv.Assemble(ctx, userID, text)
	if err != nil {
		return "", fmt.Errorf("chat: assemble: %w", err)
	}
	reply, err := s.completer.Complete(ctx, bundle.Request(text))
	if err != nil {
		return "", fmt.Errorf("chat: complete: %w: %w", memory.ErrCollaboratorUnavailable, err)
	}
	if err := s.conv.Record(ctx, userID, text, reply); err != nil {
		return "", fmt.Errorf("chat: record: %w", err)
	}
	return reply, nil
}
