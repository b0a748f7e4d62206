package internal

import "expvar"

var (
	requestsTotal  = expvar.NewMap("undercover_requests_total")
	parseErrors    = expvar.NewMap("undercover_parse_errors_total")
	relayedCommits = expvar.NewMap("undercover_relayed_commits_total")
	skippedCommits = expvar.NewMap("undercover_skipped_commits_total")
	relayErrors    = expvar.NewMap("undercover_relay_errors_total")
	filteredPushes = expvar.NewMap("undercover_filtered_pushes_total")
)

func IncRequest(provider string) {
	requestsTotal.Add(provider, 1)
}

func IncParseError(provider string) {
	parseErrors.Add(provider, 1)
}

// AddRelayedCommits counts commits the aggregation server accepted.
func AddRelayedCommits(provider string, n int) {
	relayedCommits.Add(provider, int64(n))
}

// AddSkippedCommits counts commits dropped on an XML-RPC fault.
func AddSkippedCommits(provider string, n int) {
	skippedCommits.Add(provider, int64(n))
}

func IncRelayError(provider string) {
	relayErrors.Add(provider, 1)
}

func IncFiltered(provider string) {
	filteredPushes.Add(provider, 1)
}
