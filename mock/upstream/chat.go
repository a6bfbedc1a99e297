package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// newHandler returns an http.Handler that simulates an OpenAI-compatible
// upstream. Paths are served both with and without the /v1 prefix.
func newHandler(cfg Config, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	chat := chatHandler(cfg, log)
	mux.HandleFunc("/v1/chat/completions", chat)
	mux.HandleFunc("/chat/completions", chat)

	// Models list (used by the rotator's health probe)
	models := func(w http.ResponseWriter, r *http.Request) {
		if _, ok := checkKey(w, r, cfg); !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "deepseek/deepseek-chat", "object": "model", "created": 1710000000, "owned_by": "deepseek"},
				{"id": "deepseek/deepseek-r1", "object": "model", "created": 1710000000, "owned_by": "deepseek"},
			},
		})
	}
	mux.HandleFunc("/v1/models", models)
	mux.HandleFunc("/models", models)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

// checkKey applies the key-prefix behaviour shared by every authenticated
// route. It reports false when a response has already been written.
func checkKey(w http.ResponseWriter, r *http.Request, cfg Config) (string, bool) {
	key := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	switch {
	case key == "":
		writeError(w, http.StatusUnauthorized, "missing API key", "authentication_error")
	case strings.HasPrefix(key, "sk-dead"):
		writeError(w, http.StatusUnauthorized, "invalid API key", "authentication_error")
	case strings.HasPrefix(key, "sk-banned"):
		writeError(w, http.StatusForbidden, "key is not allowed to use this model", "permission_error")
	case strings.HasPrefix(key, "sk-limited"):
		w.Header().Set("Retry-After", strconv.Itoa(cfg.RetryAfter))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded", "rate_limit_error")
	case strings.HasPrefix(key, "sk-flaky"):
		writeError(w, http.StatusInternalServerError, "mock upstream failure", "server_error")
	default:
		return key, true
	}
	return key, false
}

func chatHandler(cfg Config, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request_error")
			return
		}
		applyLatency(cfg)

		key, ok := checkKey(w, r, cfg)
		if !ok {
			return
		}
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string          `json:"role"`
				Content json.RawMessage `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}
		if req.Model == "" {
			writeError(w, http.StatusBadRequest, "model is required", "invalid_request_error")
			return
		}
		if len(req.Messages) == 0 {
			writeError(w, http.StatusBadRequest, "messages must not be empty", "invalid_request_error")
			return
		}

		log.Debug("chat completion",
			slog.String("model", req.Model),
			slog.Int("messages", len(req.Messages)),
			slog.Int("key_len", len(key)),
		)

		inTokens := 10
		outTokens := cfg.Words
		writeJSON(w, http.StatusOK, map[string]any{
			"id":      fmt.Sprintf("chatcmpl-mock%x", rand.Int64()),
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   req.Model,
			"choices": []map[string]any{
				{
					"index": 0,
					"message": map[string]string{
						"role":    "assistant",
						"content": fakeSentence(cfg.Words),
					},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{
				"prompt_tokens":     inTokens,
				"completion_tokens": outTokens,
				"total_tokens":      inTokens + outTokens,
			},
		})
	}
}
