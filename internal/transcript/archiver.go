package transcript

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

var roundNameCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Archiver streams a round's routed traffic to disk as a compressed
// transcript bundle: a snappy-framed JSONL message log plus a zstd-compressed
// action summary written on close.
type Archiver struct {
	mu            sync.Mutex
	dir           string
	now           func() time.Time
	seq           uint64
	messageFile   *os.File
	messageStream *snappy.Writer
	closed        bool
}

// Manifest describes the transcript bundle layout so tooling can locate artefacts.
type Manifest struct {
	Version      int    `json:"version"`
	CreatedAt    string `json:"created_at"`
	MessagesPath string `json:"messages_path"`
	ActionsPath  string `json:"actions_path"`
}

// NewArchiver prepares the transcript directory and opens the message sink.
func NewArchiver(root, roundID string, clock func() time.Time) (*Archiver, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("transcript root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := roundNameCleaner.ReplaceAllString(roundID, "")
	if cleaned == "" {
		cleaned = "round"
	}
	created := clock().UTC()
	folder := fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z"))
	path := filepath.Join(root, folder)

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	messagesPath := filepath.Join(path, "messages.jsonl.sz")
	manifestPath := filepath.Join(path, "manifest.json")

	messageFile, err := os.Create(messagesPath)
	if err != nil {
		return nil, Manifest{}, err
	}
	messageStream := snappy.NewBufferedWriter(messageFile)

	manifest := Manifest{
		Version:      1,
		CreatedAt:    created.Format(time.RFC3339Nano),
		MessagesPath: "messages.jsonl.sz",
		ActionsPath:  "actions.json.zst",
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		messageStream.Close()
		messageFile.Close()
		return nil, Manifest{}, err
	}
	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		messageStream.Close()
		messageFile.Close()
		return nil, Manifest{}, err
	}

	archiver := &Archiver{
		dir:           path,
		now:           clock,
		messageFile:   messageFile,
		messageStream: messageStream,
	}
	return archiver, manifest, nil
}

// Directory exposes the directory backing the transcript bundle.
func (a *Archiver) Directory() string {
	if a == nil {
		return ""
	}
	return a.dir
}

// AppendMessage writes one routed message as a JSON line to the compressed log.
func (a *Archiver) AppendMessage(kind, sender string, payload []byte) error {
	if a == nil {
		return fmt.Errorf("archiver not initialised")
	}
	captured := a.now().UTC()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("archiver already closed")
	}

	//1.- Encode the payload with metadata so downstream JSONL parsers can stream it safely.
	a.seq++
	record := struct {
		Seq        uint64 `json:"seq"`
		CapturedAt string `json:"captured_at"`
		Kind       string `json:"kind"`
		Sender     string `json:"sender,omitempty"`
		PayloadB64 string `json:"payload_b64"`
	}{
		Seq:        a.seq,
		CapturedAt: captured.Format(time.RFC3339Nano),
		Kind:       kind,
		Sender:     sender,
		PayloadB64: base64.StdEncoding.EncodeToString(payload),
	}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if _, err := a.messageStream.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

// Close flushes the message stream and writes the zstd-compressed action
// summary beside it. The summary may be nil when the round logged no actions.
func (a *Archiver) Close(actions any) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	//1.- Seal the message log before emitting the summary.
	streamErr := a.messageStream.Close()
	fileErr := a.messageFile.Close()

	if actions != nil {
		if err := a.writeActions(actions); err != nil {
			return err
		}
	}
	if streamErr != nil {
		return streamErr
	}
	return fileErr
}

func (a *Archiver) writeActions(actions any) error {
	data, err := json.Marshal(actions)
	if err != nil {
		return err
	}
	file, err := os.Create(filepath.Join(a.dir, "actions.json.zst"))
	if err != nil {
		return err
	}
	encoder, err := zstd.NewWriter(file)
	if err != nil {
		file.Close()
		return err
	}
	if _, err := encoder.Write(data); err != nil {
		encoder.Close()
		file.Close()
		return err
	}
	if err := encoder.Close(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
