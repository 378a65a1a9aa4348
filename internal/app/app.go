package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"chatrelay/internal/events"
	"chatrelay/internal/storage"
	"chatrelay/internal/store"
	"chatrelay/internal/util"
	"chatrelay/pkg/ai"
	"chatrelay/pkg/domain"
)

const (
	defaultMaxUploadBytes = 20 << 20
	defaultSessionTTL     = 24 * time.Hour
	defaultSystemPrompt   = "You are a helpful assistant."
)

// allowedUploadTypes is the MIME allowlist for file hand-off.
var allowedUploadTypes = map[string]struct{}{
	"image/jpeg":      {},
	"image/png":       {},
	"image/gif":       {},
	"image/webp":      {},
	"application/pdf": {},
}

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	JWTSecret     string
	SessionTTL    time.Duration
	StorageDir    string

	MaxUploadBytes int64
	SystemPrompt   string
	Personas       map[string]string

	// Injected collaborators; constructed from the fields above when nil.
	Store       store.Store
	Sessions    store.SessionStore
	Idempotency store.IdempotencyStore
	Generator   ai.Generator
	Uploader    ai.Uploader
	Objects     storage.ObjectStore
	Events      *events.Publisher
}

// App coordinates chat turns between the HTTP layer, the conversation
// store, and the generation collaborator.
type App struct {
	store          store.Store
	sessions       store.SessionStore
	idempotency    store.IdempotencyStore
	generator      ai.Generator
	uploader       ai.Uploader
	files          *storage.FileStore
	objects        storage.ObjectStore
	events         *events.Publisher
	maxUploadBytes int64
	systemPrompt   string
	personas       map[string]string
}

// New constructs the application. The store and session store are
// injected explicitly; there is no ambient shared state.
func New(cfg Config) (*App, error) {
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if strings.TrimSpace(cfg.StorageDir) == "" {
		cfg.StorageDir = os.TempDir()
	}

	fileStore, err := storage.NewFileStore(cfg.StorageDir)
	if err != nil {
		return nil, err
	}

	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}

	sessionStore := cfg.Sessions
	if sessionStore == nil {
		if cfg.JWTSecret == "" {
			return nil, fmt.Errorf("jwt secret required")
		}
		var revoker store.TokenRevoker
		if cfg.RedisAddr != "" {
			revoker = store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword)
		} else {
			revoker = store.NewMemoryTokenRevoker()
		}
		sessionStore, err = store.NewJWTSessionStore(cfg.JWTSecret, cfg.SessionTTL, revoker)
		if err != nil {
			return nil, fmt.Errorf("init session store: %w", err)
		}
	}

	idempotency := cfg.Idempotency
	if idempotency == nil && cfg.RedisAddr != "" {
		idempotency = store.NewRedisIdempotencyStore(cfg.RedisAddr, cfg.RedisPassword, cfg.SessionTTL)
	}

	if cfg.Generator == nil {
		return nil, fmt.Errorf("generator required")
	}

	return &App{
		store:          dataStore,
		sessions:       sessionStore,
		idempotency:    idempotency,
		generator:      cfg.Generator,
		uploader:       cfg.Uploader,
		files:          fileStore,
		objects:        cfg.Objects,
		events:         cfg.Events,
		maxUploadBytes: cfg.MaxUploadBytes,
		systemPrompt:   cfg.SystemPrompt,
		personas:       cfg.Personas,
	}, nil
}

// ChatTurnRequest carries one inbound chat turn.
type ChatTurnRequest struct {
	Message        string
	SessionID      string
	Persona        string
	SystemPrompt   string
	IdempotencyKey string
	File           *ai.FileRef
}

// ChatTurnResult is the outcome of a completed turn.
type ChatTurnResult struct {
	SessionID        string
	AssistantMessage domain.Message
}

// ChatTurn runs one request/response exchange: resolve the session, load
// history, call the generator, then persist both turn messages as a
// single unit. Generation failures persist nothing.
func (a *App) ChatTurn(ctx context.Context, user domain.User, req ChatTurnRequest) (ChatTurnResult, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return ChatTurnResult{}, validationErr("message is required")
	}

	conversation, err := a.resolveSession(user, req)
	if err != nil {
		return ChatTurnResult{}, err
	}

	history, err := a.store.ListMessages(conversation.ID)
	if err != nil {
		return ChatTurnResult{}, fmt.Errorf("load history: %w", err)
	}

	reply, err := a.generator.GenerateReply(ctx, ai.Request{
		SystemPrompt: a.resolveSystemPrompt(req),
		History:      historyTurns(history),
		Message:      message,
		File:         req.File,
	})
	if err != nil {
		return ChatTurnResult{}, &GenerationError{Err: err}
	}

	now := time.Now().UTC()
	userMsg := domain.Message{
		ID:             util.NewID(),
		ConversationID: conversation.ID,
		Role:           domain.RoleUser,
		Content:        message,
		CreatedAt:      now,
	}
	if req.File != nil {
		userMsg.FileInfo = &domain.FileInfo{
			URI:      req.File.URI,
			Name:     req.File.Name,
			MimeType: req.File.MimeType,
		}
	}
	assistantMsg := domain.Message{
		ID:             util.NewID(),
		ConversationID: conversation.ID,
		Role:           domain.RoleAssistant,
		Content:        reply,
		CreatedAt:      now.Add(time.Millisecond),
	}
	if err := a.store.AppendTurn(conversation.ID, userMsg, assistantMsg); err != nil {
		return ChatTurnResult{}, fmt.Errorf("persist turn: %w", err)
	}

	a.publishTurn(ctx, conversation.ID, userMsg, assistantMsg)

	return ChatTurnResult{
		SessionID:        conversation.ID,
		AssistantMessage: assistantMsg,
	}, nil
}

// resolveSession returns the existing conversation for a session id, or
// creates a new conversation for a first turn. Creation honors an
// optional idempotency key so a retried first turn reuses the row it
// already created.
func (a *App) resolveSession(user domain.User, req ChatTurnRequest) (domain.Conversation, error) {
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID != "" {
		conversation, ok, err := a.store.GetConversation(sessionID)
		if err != nil {
			return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
		}
		if !ok {
			return domain.Conversation{}, ErrConversationNotFound
		}
		if conversation.UserID != "" && conversation.UserID != user.ID {
			return domain.Conversation{}, ErrConversationForbidden
		}
		return conversation, nil
	}

	now := time.Now().UTC()
	conversation := domain.Conversation{
		ID:         util.NewID(),
		UserID:     user.ID,
		Title:      conversationTitle(req.Message),
		ShareToken: util.NewID(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if a.idempotency != nil && strings.TrimSpace(req.IdempotencyKey) != "" {
		resolvedID, claimed, err := a.idempotency.Claim(req.IdempotencyKey, conversation.ID)
		if err != nil {
			return domain.Conversation{}, fmt.Errorf("claim idempotency key: %w", err)
		}
		if !claimed {
			existing, ok, err := a.store.GetConversation(resolvedID)
			if err != nil {
				return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
			}
			if ok {
				return existing, nil
			}
			// Key maps to a conversation that never committed; fall
			// through and create a fresh one.
		}
	}

	if err := a.store.CreateConversation(conversation); err != nil {
		return domain.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conversation, nil
}

func (a *App) resolveSystemPrompt(req ChatTurnRequest) string {
	if prompt := strings.TrimSpace(req.SystemPrompt); prompt != "" {
		return prompt
	}
	if persona := strings.TrimSpace(req.Persona); persona != "" {
		if prompt, ok := a.personas[persona]; ok {
			return prompt
		}
	}
	return a.systemPrompt
}

func (a *App) publishTurn(ctx context.Context, conversationID string, userMsg, assistantMsg domain.Message) {
	if a.events == nil {
		return
	}
	err := a.events.PublishTurnCompleted(ctx, events.TurnCompleted{
		ConversationID: conversationID,
		UserMessageID:  userMsg.ID,
		ReplyMessageID: assistantMsg.ID,
		HasFile:        userMsg.FileInfo != nil,
		At:             time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("publish turn event failed", "conversation_id", conversationID, "err", err)
	}
}

func historyTurns(messages []domain.Message) []ai.Turn {
	turns := make([]ai.Turn, 0, len(messages))
	for _, msg := range messages {
		turns = append(turns, ai.Turn{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return turns
}

// conversationTitle derives a short title from the first user message.
func conversationTitle(message string) string {
	text := strings.Join(strings.Fields(message), " ")
	if text == "" {
		return "New conversation"
	}
	runes := []rune(text)
	if len(runes) > 48 {
		return string(runes[:48]) + "…"
	}
	return text
}
