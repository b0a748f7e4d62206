package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"expvar"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"undercover/internal"
	"undercover/pkg/cia"
)

type delivery struct {
	server string
	push   cia.PushEvent
}

type deliverFunc func(cia.PushEvent) (cia.Report, error)

func (f deliverFunc) DeliverReport(event cia.PushEvent) (cia.Report, error) { return f(event) }

// recorder accepts every commit unless report or err is set.
type recorder struct {
	deliveries []delivery
	report     *cia.Report
	err        error
}

func (r *recorder) factory(server string, _ cia.Logger) Deliverer {
	return deliverFunc(func(push cia.PushEvent) (cia.Report, error) {
		r.deliveries = append(r.deliveries, delivery{server: server, push: push})
		if r.report != nil {
			return *r.report, r.err
		}
		if r.err != nil {
			return cia.Report{}, r.err
		}
		return cia.Report{Sent: push.Commits.Len()}, nil
	})
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestRelay(t *testing.T, rules []internal.Rule) (*Relay, *recorder) {
	t.Helper()
	engine, err := internal.NewRuleEngine(internal.RulesConfig{Rules: rules, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("rule engine: %v", err)
	}
	rec := &recorder{}
	return NewRelay(engine, "", rec.factory), rec
}

func githubRequest(event, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", "delivery-1")
	return req
}

func TestGitHubHandlerRelaysPush(t *testing.T) {
	relay, rec := newTestRelay(t, nil)
	handler, err := NewGitHubHandler("", relay, quietLogger(), 1<<20)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, githubRequest("push", githubPushBody))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Header().Get("X-Request-Id"); got != "delivery-1" {
		t.Fatalf("expected delivery id as request id, got %q", got)
	}
	if len(rec.deliveries) != 1 {
		t.Fatalf("expected one delivery, got %d", len(rec.deliveries))
	}
	if rec.deliveries[0].server != cia.DefaultServer {
		t.Fatalf("expected default server, got %q", rec.deliveries[0].server)
	}
	if rec.deliveries[0].push.Commits.Len() != 2 {
		t.Fatalf("expected two commits, got %d", rec.deliveries[0].push.Commits.Len())
	}
}

func TestGitHubHandlerPingAndOtherEvents(t *testing.T) {
	relay, rec := newTestRelay(t, nil)
	handler, err := NewGitHubHandler("", relay, quietLogger(), 0)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, githubRequest("ping", `{"zen":"Keep it simple.","hook_id":1}`))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for ping, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, githubRequest("issues", `{"action":"opened"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for ignored event, got %d", w.Code)
	}

	if len(rec.deliveries) != 0 {
		t.Fatalf("expected no deliveries, got %d", len(rec.deliveries))
	}
}

func TestGitHubHandlerRejectsBadSignature(t *testing.T) {
	relay, rec := newTestRelay(t, nil)
	handler, err := NewGitHubHandler("s3cret", relay, quietLogger(), 0)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	req := githubRequest("push", githubPushBody)
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if len(rec.deliveries) != 0 {
		t.Fatalf("expected no deliveries, got %d", len(rec.deliveries))
	}
}

func TestGitHubHandlerAcceptsSHA1Signature(t *testing.T) {
	relay, rec := newTestRelay(t, nil)
	handler, err := NewGitHubHandler("s3cret", relay, quietLogger(), 0)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	mac := hmac.New(sha1.New, []byte("s3cret"))
	mac.Write([]byte(githubPushBody))
	req := githubRequest("push", githubPushBody)
	req.Header.Set("X-Hub-Signature", "sha1="+hex.EncodeToString(mac.Sum(nil)))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(rec.deliveries) != 1 {
		t.Fatalf("expected one delivery, got %d", len(rec.deliveries))
	}
}

func TestGitHubHandlerRelayErrorStillAcknowledged(t *testing.T) {
	relay, rec := newTestRelay(t, nil)
	rec.err = errors.New("connection refused")
	handler, err := NewGitHubHandler("", relay, quietLogger(), 0)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, githubRequest("push", githubPushBody))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(rec.deliveries) != 1 {
		t.Fatalf("expected delivery attempt, got %d", len(rec.deliveries))
	}
}

func TestGitHubHandlerBadTimestamp(t *testing.T) {
	relay, rec := newTestRelay(t, nil)
	handler, err := NewGitHubHandler("", relay, quietLogger(), 0)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	body := `{"ref":"refs/heads/master","repository":{"name":"r"},"commits":[{"id":"a","timestamp":"yesterday"}]}`
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, githubRequest("push", body))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if len(rec.deliveries) != 0 {
		t.Fatalf("expected no deliveries, got %d", len(rec.deliveries))
	}
}

func TestGitLabHandlerTagPush(t *testing.T) {
	relay, rec := newTestRelay(t, nil)
	handler, err := NewGitLabHandler("token", relay, quietLogger(), 0)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	body := `{
	  "object_kind": "tag_push",
	  "ref": "refs/tags/v1.0.0",
	  "before": "0000000000000000000000000000000000000000",
	  "after": "82b3d5ae55f7080f1e6022629cdb57bfae7cccc7",
	  "project_id": 1,
	  "project": {"id": 1, "name": "Example"},
	  "repository": {"name": "Example"},
	  "commits": [
	    {
	      "id": "82b3d5ae55f7080f1e6022629cdb57bfae7cccc7",
	      "message": "release",
	      "timestamp": "2011-12-12T14:27:31+02:00",
	      "url": "http://example.com/example/commit/82b3d5ae",
	      "author": {"name": "Jordi Mallach", "email": "jordi@softcatala.org"}
	    }
	  ]
	}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/gitlab", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gitlab-Event", "Tag Push Hook")
	req.Header.Set("X-Gitlab-Token", "token")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(rec.deliveries) != 1 {
		t.Fatalf("expected one delivery, got %d", len(rec.deliveries))
	}
	push := rec.deliveries[0].push
	if push.Repository != "Example" || cia.BranchName(push.Ref) != "v1.0.0" {
		t.Fatalf("unexpected push %+v", push)
	}

	req = httptest.NewRequest(http.MethodPost, "/webhooks/gitlab", strings.NewReader(body))
	req.Header.Set("X-Gitlab-Event", "Tag Push Hook")
	req.Header.Set("X-Gitlab-Token", "wrong")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad token, got %d", w.Code)
	}
}

func TestBitbucketHandlerRelaysEachRef(t *testing.T) {
	relay, rec := newTestRelay(t, nil)
	handler, err := NewBitbucketHandler("", relay, quietLogger(), 0)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/bitbucket", strings.NewReader(bitbucketPushBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Key", "repo:push")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(rec.deliveries) != 2 {
		t.Fatalf("expected one delivery per ref, got %d", len(rec.deliveries))
	}
	if rec.deliveries[1].push.Ref != "refs/tags/v1.0" {
		t.Fatalf("unexpected second ref %q", rec.deliveries[1].push.Ref)
	}
}

func TestRelayRoutesByRules(t *testing.T) {
	relay, rec := newTestRelay(t, []internal.Rule{
		{When: `branch == "master"`},
		{When: `project == "github" && commit_count > 1`, Server: "hub.example.org"},
		{When: `provider == "gitlab"`, Server: "never.example.org"},
	})
	handler, err := NewGitHubHandler("", relay, quietLogger(), 0)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, githubRequest("push", githubPushBody))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(rec.deliveries) != 2 {
		t.Fatalf("expected two deliveries, got %d", len(rec.deliveries))
	}
	if rec.deliveries[0].server != cia.DefaultServer || rec.deliveries[1].server != "hub.example.org" {
		t.Fatalf("unexpected servers %q %q", rec.deliveries[0].server, rec.deliveries[1].server)
	}

	rec.deliveries = nil
	body := strings.Replace(githubPushBody, "refs/heads/master", "refs/heads/feature", 1)
	body = strings.Replace(body, `"name": "github"`, `"name": "other"`, 1)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, githubRequest("push", body))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(rec.deliveries) != 0 {
		t.Fatalf("expected push to be filtered, got %d deliveries", len(rec.deliveries))
	}
}

func TestRuleEventDerivedKeys(t *testing.T) {
	pushes, err := DecodeGitHubPush([]byte(githubPushBody))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	rawObject, flat := rawObjectAndFlatten([]byte(githubPushBody))
	event := ruleEvent("github", "push", "req", rawObject, flat, pushes[0])

	if event.Data["branch"] != "master" || event.Data["project"] != "github" {
		t.Fatalf("unexpected derived keys %v", event.Data)
	}
	if event.Data["commit_count"] != float64(2) {
		t.Fatalf("expected commit_count 2, got %v", event.Data["commit_count"])
	}
	if event.Data["repository.full_name"] != "defunkt/github" {
		t.Fatalf("expected flattened payload keys, got %v", event.Data["repository.full_name"])
	}
}

func counter(t *testing.T, name, provider string) int64 {
	t.Helper()
	metrics, ok := expvar.Get(name).(*expvar.Map)
	if !ok {
		t.Fatalf("metric %s not published", name)
	}
	value, ok := metrics.Get(provider).(*expvar.Int)
	if !ok {
		return 0
	}
	return value.Value()
}

func TestRelayCountsOnlyAcceptedCommits(t *testing.T) {
	relay, rec := newTestRelay(t, nil)
	rec.report = &cia.Report{Sent: 1, Skipped: 1}
	handler, err := NewGitHubHandler("", relay, quietLogger(), 0)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	relayedBefore := counter(t, "undercover_relayed_commits_total", "github")
	skippedBefore := counter(t, "undercover_skipped_commits_total", "github")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, githubRequest("push", githubPushBody))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	if got := counter(t, "undercover_relayed_commits_total", "github") - relayedBefore; got != 1 {
		t.Fatalf("expected one relayed commit, got %d", got)
	}
	if got := counter(t, "undercover_skipped_commits_total", "github") - skippedBefore; got != 1 {
		t.Fatalf("expected one skipped commit, got %d", got)
	}
}
