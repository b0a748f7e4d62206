package webhook

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"undercover/pkg/cia"
)

type githubPush struct {
	Ref        string `json:"ref"`
	Before     string `json:"before"`
	After      string `json:"after"`
	Repository struct {
		Name string `json:"name"`
	} `json:"repository"`
	Commits []struct {
		ID        string `json:"id"`
		URL       string `json:"url"`
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
		Author    struct {
			Name  string `json:"name"`
			Email string `json:"email"`
		} `json:"author"`
	} `json:"commits"`
}

// DecodeGitHubPush maps a GitHub push payload to a push event.
func DecodeGitHubPush(raw []byte) ([]cia.PushEvent, error) {
	var payload githubPush
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode github push: %w", err)
	}

	event := cia.PushEvent{
		Repository: payload.Repository.Name,
		Ref:        payload.Ref,
		Before:     payload.Before,
		After:      payload.After,
	}
	for _, commit := range payload.Commits {
		ts, err := parseTimestamp(commit.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("github commit %s: %w", commit.ID, err)
		}
		event.Commits.Set(commit.ID, cia.CommitRecord{
			URL:       commit.URL,
			Author:    cia.Author{Name: commit.Author.Name, Email: commit.Author.Email},
			Message:   commit.Message,
			Timestamp: ts,
		})
	}
	return []cia.PushEvent{event}, nil
}

type gitlabPush struct {
	Ref        string `json:"ref"`
	Before     string `json:"before"`
	After      string `json:"after"`
	Repository struct {
		Name string `json:"name"`
	} `json:"repository"`
	Project struct {
		Name string `json:"name"`
	} `json:"project"`
	Commits []struct {
		ID        string `json:"id"`
		URL       string `json:"url"`
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
		Author    struct {
			Name  string `json:"name"`
			Email string `json:"email"`
		} `json:"author"`
	} `json:"commits"`
}

// DecodeGitLabPush maps a GitLab push or tag push payload to a push event.
func DecodeGitLabPush(raw []byte) ([]cia.PushEvent, error) {
	var payload gitlabPush
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode gitlab push: %w", err)
	}

	name := payload.Repository.Name
	if name == "" {
		name = payload.Project.Name
	}
	event := cia.PushEvent{
		Repository: name,
		Ref:        payload.Ref,
		Before:     payload.Before,
		After:      payload.After,
	}
	for _, commit := range payload.Commits {
		ts, err := parseTimestamp(commit.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("gitlab commit %s: %w", commit.ID, err)
		}
		event.Commits.Set(commit.ID, cia.CommitRecord{
			URL:       commit.URL,
			Author:    cia.Author{Name: commit.Author.Name, Email: commit.Author.Email},
			Message:   commit.Message,
			Timestamp: ts,
		})
	}
	return []cia.PushEvent{event}, nil
}

type bitbucketRef struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Target struct {
		Hash string `json:"hash"`
	} `json:"target"`
}

type bitbucketPush struct {
	Repository struct {
		Name string `json:"name"`
	} `json:"repository"`
	Push struct {
		Changes []struct {
			Old     *bitbucketRef `json:"old"`
			New     *bitbucketRef `json:"new"`
			Commits []struct {
				Hash    string `json:"hash"`
				Message string `json:"message"`
				Date    string `json:"date"`
				Author  struct {
					Raw  string `json:"raw"`
					User struct {
						DisplayName string `json:"display_name"`
					} `json:"user"`
				} `json:"author"`
				Links struct {
					HTML struct {
						Href string `json:"href"`
					} `json:"html"`
				} `json:"links"`
			} `json:"commits"`
		} `json:"changes"`
	} `json:"push"`
}

// DecodeBitbucketPush maps a Bitbucket repo:push payload to one push event per
// updated ref. Deleted refs are skipped. Bitbucket lists commits newest first;
// they are reversed into push order.
func DecodeBitbucketPush(raw []byte) ([]cia.PushEvent, error) {
	var payload bitbucketPush
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode bitbucket push: %w", err)
	}

	events := make([]cia.PushEvent, 0, len(payload.Push.Changes))
	for _, change := range payload.Push.Changes {
		if change.New == nil {
			continue
		}
		event := cia.PushEvent{
			Repository: payload.Repository.Name,
			Ref:        bitbucketRefName(change.New),
			After:      change.New.Target.Hash,
		}
		if change.Old != nil {
			event.Before = change.Old.Target.Hash
		}
		for i := len(change.Commits) - 1; i >= 0; i-- {
			commit := change.Commits[i]
			ts, err := parseTimestamp(commit.Date)
			if err != nil {
				return nil, fmt.Errorf("bitbucket commit %s: %w", commit.Hash, err)
			}
			author := parseRawAuthor(commit.Author.Raw)
			if author.Email == "" && commit.Author.User.DisplayName != "" {
				author.Name = commit.Author.User.DisplayName
			}
			event.Commits.Set(commit.Hash, cia.CommitRecord{
				URL:       commit.Links.HTML.Href,
				Author:    author,
				Message:   commit.Message,
				Timestamp: ts,
			})
		}
		events = append(events, event)
	}
	return events, nil
}

func bitbucketRefName(ref *bitbucketRef) string {
	switch ref.Type {
	case "tag", "annotated_tag":
		return "refs/tags/" + ref.Name
	default:
		return "refs/heads/" + ref.Name
	}
}

// parseRawAuthor splits "Name <email>" as sent by Bitbucket.
func parseRawAuthor(raw string) cia.Author {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return cia.Author{}
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return cia.Author{Name: raw}
	}
	return cia.Author{Name: addr.Name, Email: addr.Address}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05 MST",
}

func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", value)
}
