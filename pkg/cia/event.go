package cia

import (
	"bytes"
	"encoding/json"
	"fmt"
	"iter"
	"time"
)

// PushEvent describes the commits added to one ref by a single push.
type PushEvent struct {
	// Repository is the repository name reported as the CIA project.
	Repository string
	// Ref is the full ref name, e.g. "refs/heads/master".
	Ref    string
	Before string
	After  string
	// Commits are reported in the order they were added.
	Commits Commits
}

// Author identifies who wrote a commit.
type Author struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// CommitRecord is a single commit as reported by the push.
type CommitRecord struct {
	URL       string    `json:"url"`
	Author    Author    `json:"author"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Commits is an insertion-ordered mapping from commit hash to CommitRecord.
// The zero value is an empty mapping ready to use.
type Commits struct {
	order   []string
	records map[string]CommitRecord
}

// Set stores record under hash. A new hash is appended; an existing hash keeps
// its position and has its record replaced.
func (c *Commits) Set(hash string, record CommitRecord) {
	if c.records == nil {
		c.records = make(map[string]CommitRecord)
	}
	if _, ok := c.records[hash]; !ok {
		c.order = append(c.order, hash)
	}
	c.records[hash] = record
}

// Get returns the record stored under hash.
func (c Commits) Get(hash string) (CommitRecord, bool) {
	record, ok := c.records[hash]
	return record, ok
}

// Len returns the number of commits.
func (c Commits) Len() int {
	return len(c.order)
}

// Hashes returns the commit hashes in order.
func (c Commits) Hashes() []string {
	return append([]string(nil), c.order...)
}

// All iterates over the commits in order.
func (c Commits) All() iter.Seq2[string, CommitRecord] {
	return func(yield func(string, CommitRecord) bool) {
		for _, hash := range c.order {
			if !yield(hash, c.records[hash]) {
				return
			}
		}
	}
}

// MarshalJSON encodes the commits as an object keyed by hash, in order.
func (c Commits) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, hash := range c.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(hash)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(c.records[hash])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object keyed by hash, keeping the document's key order.
func (c *Commits) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*c = Commits{}
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("commits: expected object, got %v", tok)
	}

	out := Commits{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		hash, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("commits: unexpected key %v", keyTok)
		}
		var record CommitRecord
		if err := dec.Decode(&record); err != nil {
			return fmt.Errorf("commits: %s: %w", hash, err)
		}
		out.Set(hash, record)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*c = out
	return nil
}
