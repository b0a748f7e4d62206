package cia

import (
	"io"
	"net/http"
)

const (
	// DefaultServer is the CIA aggregation service.
	DefaultServer = "cia.vc"
	// DeliverMethod is the XML-RPC method accepting one message document.
	DeliverMethod = "hub.deliver"
)

// Logger is the logging surface used for swallowed faults.
type Logger interface {
	Printf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}

// Dispatcher delivers push events to a CIA server, one hub.deliver call per commit.
type Dispatcher struct {
	server string
	dial   Dialer
	logger Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithServer overrides the aggregation server. Empty values are ignored.
func WithServer(server string) Option {
	return func(d *Dispatcher) {
		if server != "" {
			d.server = server
		}
	}
}

// WithDialer replaces the XML-RPC client constructor.
func WithDialer(dial Dialer) Option {
	return func(d *Dispatcher) {
		if dial != nil {
			d.dial = dial
		}
	}
}

// WithTransport sets the HTTP transport of the default client.
func WithTransport(transport http.RoundTripper) Option {
	return func(d *Dispatcher) {
		d.dial = HTTPDialer(transport)
	}
}

// WithLogger records faults the dispatcher swallows.
func WithLogger(l Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDispatcher creates a Dispatcher for DefaultServer unless overridden.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		server: DefaultServer,
		dial:   HTTPDialer(nil),
		logger: nopLogger{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Server returns the server the dispatcher delivers to.
func (d *Dispatcher) Server() string {
	return d.server
}

// Report counts the outcome of one delivery.
type Report struct {
	// Sent is the number of commits the server accepted.
	Sent int
	// Skipped is the number of commits dropped on an XML-RPC fault.
	Skipped int
}

// Deliver sends every commit of event to the server, sequentially and in order.
//
// XML-RPC faults are not returned: a fault while building the client skips the
// whole event, a fault on one call skips that commit only. Any other error
// stops delivery and is returned as is.
func (d *Dispatcher) Deliver(event PushEvent) error {
	_, err := d.DeliverReport(event)
	return err
}

// DeliverReport is Deliver, also reporting how many commits were accepted and
// how many were skipped. On error the report covers the commits sent so far.
func (d *Dispatcher) DeliverReport(event PushEvent) (Report, error) {
	var report Report
	client, err := d.dial(d.server)
	if err != nil {
		if IsFault(err) {
			d.logger.Printf("cia client %s: %v", d.server, err)
			report.Skipped = event.Commits.Len()
			return report, nil
		}
		return report, err
	}
	if closer, ok := client.(io.Closer); ok {
		defer closer.Close()
	}

	for _, doc := range Notifications(event) {
		if err := client.Call(DeliverMethod, doc); err != nil {
			if IsFault(err) {
				d.logger.Printf("cia %s %s: %v", d.server, DeliverMethod, err)
				report.Skipped++
				continue
			}
			return report, err
		}
		report.Sent++
	}
	return report, nil
}
