package server

import (
	"net/http"
	"testing"
)

func TestChatRateLimit(t *testing.T) {
	env := newTestEnv(t, withChatLimit(3))

	for i := 0; i < 3; i++ {
		status, _, raw := postChat(t, env, "", map[string]any{"message": "hi"})
		if status != http.StatusOK {
			t.Fatalf("request %d status %d: %s", i+1, status, raw)
		}
	}
	resp, raw := env.do(t, http.MethodPost, "/api/chat", "", map[string]any{"message": "hi"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status %d, want 429: %s", resp.StatusCode, raw)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
}

func TestSignupRateLimit(t *testing.T) {
	env := newTestEnv(t)

	// Default signup window allows 5 attempts per minute per client.
	for i := 0; i < 5; i++ {
		resp, _ := env.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{
			"name":     "Ada",
			"email":    "ada@example.com",
			"password": "weak",
		})
		if resp.StatusCode == http.StatusTooManyRequests {
			t.Fatalf("attempt %d limited early", i+1)
		}
	}
	resp, _ := env.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"name":     "Ada",
		"email":    "ada@example.com",
		"password": "weak",
	})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status %d, want 429", resp.StatusCode)
	}
}
