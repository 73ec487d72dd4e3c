package daemon

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"overlaynet/internal/data"
	"overlaynet/internal/identity"
)

const inboxFile = "inbox.jsonl"

// InboxRecord is one line of <home>/inbox.jsonl.
type InboxRecord struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	Text       string    `json:"text"`
	Created    time.Time `json:"created"`
	ViaMailbox bool      `json:"via_mailbox"`
}

// inboxWriter appends delivered messages to a JSONL file.
type inboxWriter struct {
	mu   sync.Mutex
	path string
	log  *zap.SugaredLogger
}

func newInboxWriter(path string, log *zap.SugaredLogger) *inboxWriter {
	return &inboxWriter{path: path, log: log}
}

func (w *inboxWriter) OnMessage(m data.Message) {
	rec := InboxRecord{
		ID:         m.ID,
		From:       identity.DeriveID(m.Sender).String(),
		Text:       string(m.Payload),
		Created:    m.Created.UTC(),
		ViaMailbox: m.ViaMailbox,
	}
	w.log.Infow("message received", "msg", rec.ID, "from", rec.From, "mailbox", rec.ViaMailbox)
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		w.log.Warnw("inbox write failed", "err", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		w.log.Warnw("inbox write failed", "err", err)
	}
}

// ReadInbox returns the last n records of <home>/inbox.jsonl, oldest first.
// A missing inbox is empty. Undecodable lines are skipped.
func ReadInbox(home string, n int) ([]InboxRecord, error) {
	f, err := os.Open(filepath.Join(home, inboxFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []InboxRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		var rec InboxRecord
		if json.Unmarshal(sc.Bytes(), &rec) != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}
