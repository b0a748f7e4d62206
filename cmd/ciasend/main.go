// Command ciasend reads one push payload and reports its commits to a CIA
// server, or prints the message documents with -dry-run.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"undercover/internal"
	"undercover/pkg/cia"
	"undercover/webhook"
)

type nativePush struct {
	Repository struct {
		Name string `json:"name"`
	} `json:"repository"`
	Ref     string      `json:"ref"`
	Before  string      `json:"before"`
	After   string      `json:"after"`
	Commits cia.Commits `json:"commits"`
}

func main() {
	logger := internal.NewLogger("ciasend")
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr, logger); err != nil {
		logger.Fatalf("%v", err)
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer, logger cia.Logger) error {
	flags := flag.NewFlagSet("ciasend", flag.ContinueOnError)
	flags.SetOutput(stderr)
	format := flags.String("format", "native", "Payload format: native, github, gitlab or bitbucket")
	server := flags.String("server", cia.DefaultServer, "CIA server host or XML-RPC URL")
	dryRun := flags.Bool("dry-run", false, "Print messages instead of delivering them")
	if err := flags.Parse(args); err != nil {
		return err
	}

	input := stdin
	if path := flags.Arg(0); path != "" && path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		input = file
	}
	raw, err := io.ReadAll(input)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	pushes, err := decodePushes(*format, raw)
	if err != nil {
		return err
	}

	if *dryRun {
		for _, push := range pushes {
			for _, doc := range cia.Notifications(push) {
				if _, err := io.WriteString(stdout, doc); err != nil {
					return err
				}
			}
		}
		return nil
	}

	dispatcher := cia.NewDispatcher(cia.WithServer(*server), cia.WithLogger(logger))
	for _, push := range pushes {
		report, err := dispatcher.DeliverReport(push)
		if err != nil {
			return fmt.Errorf("deliver %s %s: %w", push.Repository, push.Ref, err)
		}
		logger.Printf("delivered %d commit(s) of %s to %s, %d skipped", report.Sent, push.Repository, dispatcher.Server(), report.Skipped)
	}
	return nil
}

func decodePushes(format string, raw []byte) ([]cia.PushEvent, error) {
	switch format {
	case "native":
		var payload nativePush
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("decode native push: %w", err)
		}
		return []cia.PushEvent{{
			Repository: payload.Repository.Name,
			Ref:        payload.Ref,
			Before:     payload.Before,
			After:      payload.After,
			Commits:    payload.Commits,
		}}, nil
	case "github":
		return webhook.DecodeGitHubPush(raw)
	case "gitlab":
		return webhook.DecodeGitLabPush(raw)
	case "bitbucket":
		return webhook.DecodeBitbucketPush(raw)
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}
