package conversation

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MinExportMessages is the thread length a conversation must exceed to be exported.
const MinExportMessages = 20

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatExample struct {
	Messages []chatMessage `json:"messages"`
}

// ExportResult reports where an export was written.
type ExportResult struct {
	Dir      string `json:"dir"`
	Exported int    `json:"exported"`
	Skipped  int    `json:"skipped,omitempty"`
	Combined string `json:"combined"`
}

// fileName reports whether id can be used unchanged as a single path element.
func fileName(id string) bool {
	return id != "" && id != "." && id != ".." &&
		!strings.ContainsAny(id, `/\`) && filepath.Base(id) == id
}

// Exporter writes long conversations as chat-format training examples.
type Exporter struct {
	messenger Messenger
	profiles  ProfileSource
	baseDir   string
	pageSize  int
}

// NewExporter writes under baseDir/<account_id>/.
func NewExporter(messenger Messenger, profiles ProfileSource, baseDir string) *Exporter {
	return &Exporter{messenger: messenger, profiles: profiles, baseDir: baseDir, pageSize: 100}
}

// Export writes one <counterpart_id>.json per thread longer than
// MinExportMessages and a combined.jsonl of every example in the directory.
func (e *Exporter) Export(ctx context.Context) (ExportResult, error) {
	profile, err := e.profiles.Profile(ctx)
	if err != nil {
		return ExportResult{}, fmt.Errorf("loading account profile: %w", err)
	}
	if !fileName(profile.AccountID) {
		return ExportResult{}, fmt.Errorf("account id %q is not usable as a directory name", profile.AccountID)
	}
	dir := filepath.Join(e.baseDir, profile.AccountID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ExportResult{}, fmt.Errorf("creating export dir: %w", err)
	}

	matches, _, err := e.messenger.ListMatches(ctx, e.pageSize, true, "")
	if err != nil {
		return ExportResult{}, fmt.Errorf("listing matches: %w", err)
	}

	res := ExportResult{Dir: dir, Combined: filepath.Join(dir, "combined.jsonl")}
	for _, m := range matches {
		thread, err := e.messenger.GetMessages(ctx, m.ID)
		if err != nil {
			return res, fmt.Errorf("fetching messages for %s: %w", m.ID, err)
		}
		if len(thread.Messages) <= MinExportMessages {
			continue
		}
		first := thread.Messages[0]
		counterpart := first.From
		if first.From == profile.AccountID {
			counterpart = first.To
		}
		if !fileName(counterpart) {
			res.Skipped++
			continue
		}

		ex := chatExample{Messages: []chatMessage{{Role: "system", Content: Preamble}}}
		for _, msg := range thread.Messages {
			role := "user"
			if msg.From == profile.AccountID {
				role = "assistant"
			}
			ex.Messages = append(ex.Messages, chatMessage{Role: role, Content: msg.Body})
		}
		body, err := json.MarshalIndent(ex, "", "    ")
		if err != nil {
			return res, err
		}
		if err := os.WriteFile(filepath.Join(dir, counterpart+".json"), body, 0o600); err != nil {
			return res, fmt.Errorf("writing export for %s: %w", m.ID, err)
		}
		res.Exported++
	}

	if err := combine(dir, res.Combined); err != nil {
		return res, err
	}
	return res, nil
}

// combine re-encodes every *.json example in dir as one line of out.
func combine(dir, out string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading export dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("creating %s: %w", out, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
		var ex chatExample
		if err := json.Unmarshal(raw, &ex); err != nil {
			return fmt.Errorf("parsing %s: %w", name, err)
		}
		line, err := json.Marshal(ex)
		if err != nil {
			return err
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("writing %s: %w", out, err)
	}
	return f.Close()
}
