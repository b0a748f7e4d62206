package cia

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/kolo/xmlrpc"
)

// Caller performs XML-RPC method calls against one server.
type Caller interface {
	Call(method string, args ...interface{}) error
}

// Dialer builds a Caller bound to server.
type Dialer func(server string) (Caller, error)

// IsFault reports whether err is an XML-RPC fault returned by the server.
func IsFault(err error) bool {
	var fault xmlrpc.FaultError
	return errors.As(err, &fault)
}

// ServerURL expands a bare host such as "cia.vc" to the XML-RPC default
// endpoint on port 80 with path /RPC2. Values carrying a scheme are used as given.
func ServerURL(server string) string {
	server = strings.TrimSpace(server)
	if strings.Contains(server, "://") {
		return server
	}
	if strings.Contains(server, "/") {
		return "http://" + server
	}
	return "http://" + server + "/RPC2"
}

// HTTPDialer returns a Dialer issuing calls over HTTP with transport.
// A nil transport uses http.DefaultTransport.
func HTTPDialer(transport http.RoundTripper) Dialer {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return func(server string) (Caller, error) {
		u, err := url.Parse(ServerURL(server))
		if err != nil {
			return nil, err
		}
		if u.Host == "" {
			return nil, fmt.Errorf("xmlrpc server %q has no host", server)
		}
		return &rpcClient{
			url:  u.String(),
			http: &http.Client{Transport: transport},
		}, nil
	}
}

type rpcClient struct {
	url  string
	http *http.Client
}

func (c *rpcClient) Call(method string, args ...interface{}) error {
	req, err := xmlrpc.NewRequest(c.url, method, args)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("xmlrpc %s: bad status code %d", method, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("xmlrpc %s: read response: %w", method, err)
	}

	response := xmlrpc.Response(body)
	if err := response.Err(); err != nil {
		if IsFault(err) {
			return err
		}
		return fmt.Errorf("xmlrpc %s: decode fault: %w", method, err)
	}
	var reply interface{}
	if err := response.Unmarshal(&reply); err != nil {
		return fmt.Errorf("xmlrpc %s: decode response: %w", method, err)
	}
	return nil
}

func (c *rpcClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
