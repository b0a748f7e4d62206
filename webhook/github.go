package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"undercover/internal"

	"github.com/go-playground/webhooks/v6/github"
)

// GitHubHandler relays GitHub push webhooks.
type GitHubHandler struct {
	hook         *github.Webhook
	fallbackHook *github.Webhook
	secret       string
	relay        *Relay
	logger       *log.Logger
	maxBody      int64
}

var githubEvents = []github.Event{
	github.PingEvent,
	github.PushEvent,
}

// NewGitHubHandler creates a new GitHubHandler.
func NewGitHubHandler(secret string, relay *Relay, logger *log.Logger, maxBody int64) (*GitHubHandler, error) {
	hook, err := github.New(github.Options.Secret(secret))
	if err != nil {
		return nil, err
	}
	fallbackHook, err := github.New()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = log.Default()
	}
	return &GitHubHandler{
		hook:         hook,
		fallbackHook: fallbackHook,
		secret:       secret,
		relay:        relay,
		logger:       logger,
		maxBody:      maxBody,
	}, nil
}

// ServeHTTP handles an incoming HTTP request.
func (h *GitHubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	internal.IncRequest("github")
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	reqID := requestID(r)
	w.Header().Set("X-Request-Id", reqID)
	logger := internal.WithRequestID(h.logger, reqID)
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(rawBody))

	eventName := r.Header.Get("X-GitHub-Event")
	payload, err := h.hook.Parse(r, githubEvents...)
	if err != nil {
		if errors.Is(err, github.ErrMissingHubSignatureHeader) && h.secret != "" {
			sha1Header := r.Header.Get("X-Hub-Signature")
			if sha1Header != "" && verifyGitHubSHA1(h.secret, rawBody, sha1Header) {
				logger.Printf("github parse warning: %v; accepted sha1 signature", err)
				r.Body = io.NopCloser(bytes.NewReader(rawBody))
				payload, err = h.fallbackHook.Parse(r, githubEvents...)
			}
		}
		if errors.Is(err, github.ErrEventNotFound) {
			logger.Printf("github event %q ignored", eventName)
			w.WriteHeader(http.StatusOK)
			return
		}
		if err != nil {
			internal.IncParseError("github")
			logger.Printf("github parse failed: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	switch payload.(type) {
	case github.PingPayload:
		w.WriteHeader(http.StatusOK)
		return
	case github.PushPayload:
		body := githubJSONBody(r.Header.Get("Content-Type"), rawBody)
		pushes, err := DecodeGitHubPush(body)
		if err != nil {
			internal.IncParseError("github")
			logger.Printf("github push decode failed: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		h.relay.relayAll(logger, "github", eventName, reqID, body, pushes)
	}

	w.WriteHeader(http.StatusOK)
}

// githubJSONBody unwraps the payload field of form-encoded deliveries.
func githubJSONBody(contentType string, body []byte) []byte {
	if !strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		return body
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return body
	}
	return []byte(values.Get("payload"))
}

func verifyGitHubSHA1(secret string, body []byte, signature string) bool {
	if secret == "" || len(body) == 0 || signature == "" {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha1=")
	mac := hmac.New(sha1.New, []byte(secret))
	_, _ = mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}
