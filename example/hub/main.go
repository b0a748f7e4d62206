// Command hub is a log-only stand-in for a CIA server. Point cia.server at
// http://localhost:9000/RPC2 to watch what the relay would deliver.
package main

import (
	"context"
	"encoding/xml"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"undercover/internal"
	"undercover/pkg/cia"
)

type methodCall struct {
	Method string   `xml:"methodName"`
	Params []string `xml:"params>param>value>string"`
}

type commitMessage struct {
	Project  string `xml:"source>project"`
	Branch   string `xml:"source>branch"`
	Author   string `xml:"body>commit>author"`
	Revision string `xml:"body>commit>revision"`
	Log      string `xml:"body>commit>log"`
}

const okResponse = `<?xml version="1.0"?><methodResponse><params><param><value><boolean>1</boolean></value></param></params></methodResponse>`

const faultResponse = `<?xml version="1.0"?><methodResponse><fault><value><struct>` +
	`<member><name>faultCode</name><value><int>1</int></value></member>` +
	`<member><name>faultString</name><value><string>unknown method</string></value></member>` +
	`</struct></value></fault></methodResponse>`

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	flag.Parse()

	logger := internal.NewLogger("hub")
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/RPC2", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var call methodCall
		if err := xml.Unmarshal(body, &call); err != nil {
			logger.Printf("bad call: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/xml")
		if call.Method != cia.DeliverMethod || len(call.Params) != 1 {
			logger.Printf("fault method=%s params=%d", call.Method, len(call.Params))
			_, _ = io.WriteString(w, faultResponse)
			return
		}
		var msg commitMessage
		if err := xml.Unmarshal([]byte(call.Params[0]), &msg); err != nil {
			logger.Printf("bad message: %v", err)
		}
		logger.Printf("commit project=%s branch=%s revision=%s author=%q log=%q",
			msg.Project, msg.Branch, msg.Revision, msg.Author, msg.Log)
		_, _ = io.WriteString(w, okResponse)
	})

	server := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Printf("listening on %s", *addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("listen: %v", err)
	}
}
