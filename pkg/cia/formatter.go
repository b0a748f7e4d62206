package cia

import (
	"html"
	"strconv"
	"strings"
	"time"
)

const (
	generatorName    = "Undercover: CIA Ruby agent for GitHub"
	generatorVersion = "1.0"
)

// Notifications renders one CIA message document per commit, in commit order.
func Notifications(event PushEvent) []string {
	docs := make([]string, 0, event.Commits.Len())
	for hash, commit := range event.Commits.All() {
		docs = append(docs, Notification(event, hash, commit))
	}
	return docs
}

// Notification renders the CIA message document for a single commit of event.
func Notification(event PushEvent, hash string, commit CommitRecord) string {
	var b strings.Builder
	b.WriteString(`<message xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xsi:noNamespaceSchemaLocation="schema.xsd">` + "\n")
	b.WriteString("  <generator>\n")
	b.WriteString("    <name>" + generatorName + "</name>\n")
	b.WriteString("    <version>" + generatorVersion + "</version>\n")
	b.WriteString("  </generator>\n")
	b.WriteString("  <source>\n")
	b.WriteString("    <project>" + escape(event.Repository) + "</project>\n")
	b.WriteString("    <branch>" + escape(BranchName(event.Ref)) + "</branch>\n")
	b.WriteString("  </source>\n")
	b.WriteString("  <timestamp>" + escape(strconv.FormatInt(EpochSeconds(commit.Timestamp), 10)) + "</timestamp>\n")
	b.WriteString("  <body>\n")
	b.WriteString("    <commit>\n")
	b.WriteString("      <author>" + escape(commit.Author.Name) + " (" + escape(commit.Author.Email) + ")</author>\n")
	b.WriteString("      <revision>" + escape(hash) + "</revision>\n")
	b.WriteString("      <log>" + escape(commit.Message) + "</log>\n")
	b.WriteString("      <url>" + escape(commit.URL) + "</url>\n")
	b.WriteString("    </commit>\n")
	b.WriteString("  </body>\n")
	b.WriteString("</message>\n")
	return b.String()
}

// BranchName returns the part of ref after its last '/', or ref itself.
func BranchName(ref string) string {
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

// EpochSeconds returns t as whole seconds since the Unix epoch, truncated toward zero.
func EpochSeconds(t time.Time) int64 {
	secs := t.Unix()
	// Unix floors; pre-epoch instants with a fractional part round up instead.
	if secs < 0 && t.Nanosecond() > 0 {
		secs++
	}
	return secs
}

func escape(s string) string {
	return html.EscapeString(s)
}
