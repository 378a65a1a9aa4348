package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"chatrelay/internal/store"
	"chatrelay/pkg/ai"
	"chatrelay/pkg/domain"
)

// scriptedGenerator replays canned replies and records every request it
// receives.
type scriptedGenerator struct {
	replies []string
	err     error
	calls   int
	last    ai.Request
}

func (g *scriptedGenerator) GenerateReply(_ context.Context, req ai.Request) (string, error) {
	g.calls++
	g.last = req
	if g.err != nil {
		return "", g.err
	}
	if len(g.replies) == 0 {
		return "ok", nil
	}
	reply := g.replies[0]
	if len(g.replies) > 1 {
		g.replies = g.replies[1:]
	}
	return reply, nil
}

func userWithID(id string) domain.User {
	return domain.User{ID: id, Email: id + "@example.com"}
}

func newTestApp(t *testing.T, gen ai.Generator) (*App, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	sessions, err := store.NewJWTSessionStore("unit-test-secret-not-for-production", time.Hour, store.NewMemoryTokenRevoker())
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	a, err := New(Config{
		StorageDir:  t.TempDir(),
		Store:       mem,
		Sessions:    sessions,
		Idempotency: store.NewMemoryIdempotencyStore(),
		Generator:   gen,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, mem
}

func TestChatTurnRejectsEmptyMessage(t *testing.T) {
	gen := &scriptedGenerator{}
	a, mem := newTestApp(t, gen)

	for _, message := range []string{"", "   ", "\n\t"} {
		_, err := a.ChatTurn(context.Background(), domain.User{}, ChatTurnRequest{Message: message})
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("message %q: expected validation error, got %v", message, err)
		}
	}
	if gen.calls != 0 {
		t.Fatalf("generator called %d times for invalid input", gen.calls)
	}
	if items, _ := mem.ListConversations(""); len(items) != 0 {
		t.Fatalf("invalid input created %d conversations", len(items))
	}
}

func TestChatTurnCreatesSessionOnFirstTurn(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{"hello back"}}
	a, mem := newTestApp(t, gen)

	res, err := a.ChatTurn(context.Background(), domain.User{ID: "u1"}, ChatTurnRequest{Message: "hello"})
	if err != nil {
		t.Fatalf("chat turn: %v", err)
	}
	if res.SessionID == "" {
		t.Fatal("expected a new session id")
	}
	if res.AssistantMessage.Role != domain.RoleAssistant || res.AssistantMessage.Content != "hello back" {
		t.Fatalf("unexpected assistant message: %+v", res.AssistantMessage)
	}

	conversation, ok, err := mem.GetConversation(res.SessionID)
	if err != nil || !ok {
		t.Fatalf("conversation not persisted: ok=%v err=%v", ok, err)
	}
	if conversation.UserID != "u1" {
		t.Fatalf("conversation owner = %q", conversation.UserID)
	}
	if conversation.Title == "" {
		t.Fatal("expected title derived from first message")
	}
	if len(conversation.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(conversation.Messages))
	}
}

func TestChatTurnBuildsHistoryAcrossTurns(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{"first reply", "second reply"}}
	a, mem := newTestApp(t, gen)
	user := domain.User{ID: "u1"}

	res, err := a.ChatTurn(context.Background(), user, ChatTurnRequest{Message: "first question"})
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	if _, err = a.ChatTurn(context.Background(), user, ChatTurnRequest{Message: "second question", SessionID: res.SessionID}); err != nil {
		t.Fatalf("turn 2: %v", err)
	}

	if len(gen.last.History) != 2 {
		t.Fatalf("expected 2 history turns on second call, got %d", len(gen.last.History))
	}
	if gen.last.History[0].Role != "user" || gen.last.History[0].Content != "first question" {
		t.Fatalf("unexpected history[0]: %+v", gen.last.History[0])
	}
	if gen.last.History[1].Role != "assistant" || gen.last.History[1].Content != "first reply" {
		t.Fatalf("unexpected history[1]: %+v", gen.last.History[1])
	}

	msgs, err := mem.ListMessages(res.SessionID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	want := []struct {
		role    domain.MessageRole
		content string
	}{
		{domain.RoleUser, "first question"},
		{domain.RoleAssistant, "first reply"},
		{domain.RoleUser, "second question"},
		{domain.RoleAssistant, "second reply"},
	}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i, w := range want {
		if msgs[i].Role != w.role || msgs[i].Content != w.content {
			t.Fatalf("message %d = %q/%q, want %q/%q", i, msgs[i].Role, msgs[i].Content, w.role, w.content)
		}
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("message %d out of order", i)
		}
	}
}

func TestChatTurnUnknownSession(t *testing.T) {
	a, _ := newTestApp(t, &scriptedGenerator{})
	_, err := a.ChatTurn(context.Background(), domain.User{ID: "u1"}, ChatTurnRequest{Message: "hi", SessionID: "no-such-session"})
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestChatTurnForeignSessionForbidden(t *testing.T) {
	gen := &scriptedGenerator{}
	a, _ := newTestApp(t, gen)

	res, err := a.ChatTurn(context.Background(), domain.User{ID: "owner"}, ChatTurnRequest{Message: "mine"})
	if err != nil {
		t.Fatalf("owner turn: %v", err)
	}
	_, err = a.ChatTurn(context.Background(), domain.User{ID: "intruder"}, ChatTurnRequest{Message: "gimme", SessionID: res.SessionID})
	if !errors.Is(err, ErrConversationForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestChatTurnGenerationFailurePersistsNothing(t *testing.T) {
	gen := &scriptedGenerator{err: fmt.Errorf("model unavailable")}
	a, mem := newTestApp(t, gen)
	user := domain.User{ID: "u1"}

	// Failure on an existing session must not add partial turns.
	gen.err = nil
	res, err := a.ChatTurn(context.Background(), user, ChatTurnRequest{Message: "hello"})
	if err != nil {
		t.Fatalf("setup turn: %v", err)
	}
	gen.err = fmt.Errorf("model unavailable")

	_, err = a.ChatTurn(context.Background(), user, ChatTurnRequest{Message: "again", SessionID: res.SessionID})
	var gerr *GenerationError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected generation error, got %v", err)
	}
	msgs, _ := mem.ListMessages(res.SessionID)
	if len(msgs) != 2 {
		t.Fatalf("failed turn changed history: %d messages", len(msgs))
	}
}

func TestChatTurnIdempotentSessionCreation(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{"one", "two"}}
	a, _ := newTestApp(t, gen)
	user := domain.User{ID: "u1"}

	first, err := a.ChatTurn(context.Background(), user, ChatTurnRequest{Message: "hello", IdempotencyKey: "retry-123"})
	if err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	second, err := a.ChatTurn(context.Background(), user, ChatTurnRequest{Message: "hello", IdempotencyKey: "retry-123"})
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if first.SessionID != second.SessionID {
		t.Fatalf("retried first turn created a new session: %q vs %q", first.SessionID, second.SessionID)
	}
}

func TestChatTurnGuestSession(t *testing.T) {
	gen := &scriptedGenerator{}
	a, mem := newTestApp(t, gen)

	res, err := a.ChatTurn(context.Background(), domain.User{}, ChatTurnRequest{Message: "anonymous hello"})
	if err != nil {
		t.Fatalf("guest turn: %v", err)
	}
	conversation, ok, _ := mem.GetConversation(res.SessionID)
	if !ok {
		t.Fatal("guest conversation not persisted")
	}
	if conversation.UserID != "" {
		t.Fatalf("guest conversation has owner %q", conversation.UserID)
	}

	// The guest can keep chatting on the same session.
	if _, err := a.ChatTurn(context.Background(), domain.User{}, ChatTurnRequest{Message: "still here", SessionID: res.SessionID}); err != nil {
		t.Fatalf("guest follow-up: %v", err)
	}
}

func TestChatTurnPersonaSelectsSystemPrompt(t *testing.T) {
	gen := &scriptedGenerator{}
	mem := store.NewMemoryStore()
	sessions, err := store.NewJWTSessionStore("unit-test-secret-not-for-production", time.Hour, store.NewMemoryTokenRevoker())
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	a, err := New(Config{
		StorageDir:   t.TempDir(),
		Store:        mem,
		Sessions:     sessions,
		Generator:    gen,
		SystemPrompt: "default prompt",
		Personas:     map[string]string{"pirate": "Answer like a pirate."},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	if _, err := a.ChatTurn(context.Background(), domain.User{}, ChatTurnRequest{Message: "hi", Persona: "pirate"}); err != nil {
		t.Fatalf("persona turn: %v", err)
	}
	if gen.last.SystemPrompt != "Answer like a pirate." {
		t.Fatalf("system prompt = %q", gen.last.SystemPrompt)
	}

	if _, err := a.ChatTurn(context.Background(), domain.User{}, ChatTurnRequest{Message: "hi"}); err != nil {
		t.Fatalf("default turn: %v", err)
	}
	if gen.last.SystemPrompt != "default prompt" {
		t.Fatalf("system prompt = %q", gen.last.SystemPrompt)
	}
}
