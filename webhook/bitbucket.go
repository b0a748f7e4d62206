package webhook

import (
	"bytes"
	"errors"
	"io"
	"log"
	"net/http"

	"undercover/internal"

	"github.com/go-playground/webhooks/v6/bitbucket"
)

// BitbucketHandler relays Bitbucket repo:push webhooks.
type BitbucketHandler struct {
	hook    *bitbucket.Webhook
	relay   *Relay
	logger  *log.Logger
	maxBody int64
}

var bitbucketEvents = []bitbucket.Event{
	bitbucket.RepoPushEvent,
}

// NewBitbucketHandler creates a new BitbucketHandler. secret is the hook UUID.
func NewBitbucketHandler(secret string, relay *Relay, logger *log.Logger, maxBody int64) (*BitbucketHandler, error) {
	options := make([]bitbucket.Option, 0, 1)
	if secret != "" {
		options = append(options, bitbucket.Options.UUID(secret))
	}
	hook, err := bitbucket.New(options...)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return &BitbucketHandler{hook: hook, relay: relay, logger: logger, maxBody: maxBody}, nil
}

// ServeHTTP handles an incoming HTTP request.
func (h *BitbucketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	internal.IncRequest("bitbucket")
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

	eventName := r.Header.Get("X-Event-Key")
	payload, err := h.hook.Parse(r, bitbucketEvents...)
	if errors.Is(err, bitbucket.ErrEventNotFound) {
		logger.Printf("bitbucket event %q ignored", eventName)
		w.WriteHeader(http.StatusOK)
		return
	}
	if err != nil {
		internal.IncParseError("bitbucket")
		logger.Printf("bitbucket parse failed: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch payload.(type) {
	case bitbucket.RepoPushPayload:
		pushes, err := DecodeBitbucketPush(rawBody)
		if err != nil {
			internal.IncParseError("bitbucket")
			logger.Printf("bitbucket push decode failed: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		h.relay.relayAll(logger, "bitbucket", eventName, reqID, rawBody, pushes)
	}

	w.WriteHeader(http.StatusOK)
}
