package webhook

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"undercover/internal"
	"undercover/pkg/cia"

	"github.com/google/uuid"
)

// Deliverer relays a push event to one aggregation server and reports how
// many commits were accepted.
type Deliverer interface {
	DeliverReport(event cia.PushEvent) (cia.Report, error)
}

// DelivererFactory builds a Deliverer for server that logs swallowed faults to logger.
type DelivererFactory func(server string, logger cia.Logger) Deliverer

// DispatcherFactory delivers over XML-RPC with the default transport.
func DispatcherFactory(server string, logger cia.Logger) Deliverer {
	return cia.NewDispatcher(cia.WithServer(server), cia.WithLogger(logger))
}

// Relay filters push events through the rule engine and hands them to the
// servers they match. Without rules every push goes to the default server.
type Relay struct {
	rules   *internal.RuleEngine
	server  string
	factory DelivererFactory
}

// NewRelay creates a Relay. A nil factory uses DispatcherFactory.
func NewRelay(rules *internal.RuleEngine, server string, factory DelivererFactory) *Relay {
	if server == "" {
		server = cia.DefaultServer
	}
	if factory == nil {
		factory = DispatcherFactory
	}
	return &Relay{rules: rules, server: server, factory: factory}
}

// Relay delivers push to every matching server, sequentially. Failures are
// logged and counted, never returned: the webhook sender cannot act on them.
func (r *Relay) Relay(logger *log.Logger, event internal.Event, push cia.PushEvent) {
	servers := []string{r.server}
	if r.rules.Len() > 0 {
		matches := r.rules.Evaluate(event)
		if len(matches) == 0 {
			internal.IncFiltered(event.Provider)
			logger.Printf("push filtered provider=%s project=%s ref=%s", event.Provider, push.Repository, push.Ref)
			return
		}
		servers = servers[:0]
		for _, match := range matches {
			server := match.Server
			if server == "" {
				server = r.server
			}
			servers = append(servers, server)
		}
	}

	for _, server := range servers {
		report, err := r.factory(server, logger).DeliverReport(push)
		internal.AddRelayedCommits(event.Provider, report.Sent)
		internal.AddSkippedCommits(event.Provider, report.Skipped)
		if err != nil {
			internal.IncRelayError(event.Provider)
			logger.Printf("relay to %s failed project=%s ref=%s sent=%d: %v", server, push.Repository, push.Ref, report.Sent, err)
			continue
		}
		logger.Printf("relayed provider=%s project=%s branch=%s commits=%d skipped=%d server=%s",
			event.Provider, push.Repository, cia.BranchName(push.Ref), report.Sent, report.Skipped, server)
	}
}

// relayAll evaluates and relays every push decoded from one webhook body.
func (r *Relay) relayAll(logger *log.Logger, provider, name, reqID string, rawBody []byte, pushes []cia.PushEvent) {
	rawObject, flat := rawObjectAndFlatten(rawBody)
	for _, push := range pushes {
		r.Relay(logger, ruleEvent(provider, name, reqID, rawObject, flat, push), push)
	}
}

func ruleEvent(provider, name, reqID string, rawObject interface{}, flat map[string]interface{}, push cia.PushEvent) internal.Event {
	data := make(map[string]interface{}, len(flat)+6)
	for key, value := range flat {
		data[key] = value
	}
	data["provider"] = provider
	data["event"] = name
	data["project"] = push.Repository
	data["ref"] = push.Ref
	data["branch"] = cia.BranchName(push.Ref)
	data["commit_count"] = float64(push.Commits.Len())
	return internal.Event{
		Provider:  provider,
		Name:      name,
		RequestID: reqID,
		Data:      data,
		RawObject: rawObject,
	}
}

func rawObjectAndFlatten(raw []byte) (interface{}, map[string]interface{}) {
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, map[string]interface{}{}
	}
	objectMap, ok := out.(map[string]interface{})
	if !ok {
		return out, map[string]interface{}{}
	}
	return out, internal.Flatten(objectMap)
}

var requestIDHeaders = []string{"X-Request-Id", "X-GitHub-Delivery", "X-Request-UUID"}

func requestID(r *http.Request) string {
	for _, header := range requestIDHeaders {
		if id := strings.TrimSpace(r.Header.Get(header)); id != "" {
			return id
		}
	}
	return uuid.NewString()
}
