package webhook

import (
	"bytes"
	"errors"
	"io"
	"log"
	"net/http"

	"undercover/internal"

	"github.com/go-playground/webhooks/v6/gitlab"
)

// GitLabHandler relays GitLab push and tag push webhooks.
type GitLabHandler struct {
	hook    *gitlab.Webhook
	relay   *Relay
	logger  *log.Logger
	maxBody int64
}

var gitlabEvents = []gitlab.Event{
	gitlab.PushEvents,
	gitlab.TagEvents,
}

// NewGitLabHandler creates a new GitLabHandler.
func NewGitLabHandler(secret string, relay *Relay, logger *log.Logger, maxBody int64) (*GitLabHandler, error) {
	options := make([]gitlab.Option, 0, 1)
	if secret != "" {
		options = append(options, gitlab.Options.Secret(secret))
	}
	hook, err := gitlab.New(options...)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return &GitLabHandler{hook: hook, relay: relay, logger: logger, maxBody: maxBody}, nil
}

// ServeHTTP handles an incoming HTTP request.
func (h *GitLabHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	internal.IncRequest("gitlab")
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

	eventName := r.Header.Get("X-Gitlab-Event")
	payload, err := h.hook.Parse(r, gitlabEvents...)
	if errors.Is(err, gitlab.ErrEventNotFound) {
		logger.Printf("gitlab event %q ignored", eventName)
		w.WriteHeader(http.StatusOK)
		return
	}
	if err != nil {
		internal.IncParseError("gitlab")
		logger.Printf("gitlab parse failed: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch payload.(type) {
	case gitlab.PushEventPayload, gitlab.TagEventPayload:
		pushes, err := DecodeGitLabPush(rawBody)
		if err != nil {
			internal.IncParseError("gitlab")
			logger.Printf("gitlab push decode failed: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		h.relay.relayAll(logger, "gitlab", eventName, reqID, rawBody, pushes)
	}

	w.WriteHeader(http.StatusOK)
}
