package client

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"
	"go.uber.org/zap"

	"pulsechat/broker/internal/logging"
)

// Entry is one not-yet-acknowledged send intent.
type Entry struct {
	Token    string    `json:"token"`
	Event    string    `json:"event"`
	Text     string    `json:"text,omitempty"`
	ParentID string    `json:"parentId,omitempty"`
	TargetID string    `json:"targetId,omitempty"`
	Emoji    string    `json:"emoji,omitempty"`
	QueuedAt time.Time `json:"queuedAt"`
}

// SendFunc retransmits one queued entry. A nil error acknowledges it.
type SendFunc func(Entry) error

type queueFile struct {
	SavedAt time.Time `json:"saved_at"`
	Entries []Entry   `json:"entries"`
}

// Queue is the durable offline send buffer. Entries are appended while
// disconnected and replayed in FIFO order on reconnect. The file is written
// by a background flush loop so enqueues never block the caller on disk I/O.
type Queue struct {
	path     string
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	entries []Entry
	dirty   bool

	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// QueueOption customises queue construction.
type QueueOption func(*Queue)

// WithQueueClock overrides the queue time source; primarily used in tests.
func WithQueueClock(clock func() time.Time) QueueOption {
	return func(q *Queue) {
		if clock != nil {
			q.now = clock
		}
	}
}

// NewQueue loads any persisted entries from path and starts the flush loop.
func NewQueue(path string, interval time.Duration, logger *zap.Logger, opts ...QueueOption) (*Queue, error) {
	if path == "" {
		return nil, errors.New("queue path must be specified")
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = logging.L()
	}
	q := &Queue{
		path:     path,
		interval: interval,
		log:      logger,
		now:      time.Now,
		flushCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	go q.loop()
	return q, nil
}

func (q *Queue) load() error {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	decoded, err := snappy.Decode(nil, data)
	if err != nil {
		return err
	}
	var file queueFile
	if err := json.Unmarshal(decoded, &file); err != nil {
		return err
	}
	q.mu.Lock()
	q.entries = file.Entries
	q.mu.Unlock()
	return nil
}

func (q *Queue) loop() {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	defer close(q.doneCh)
	for {
		select {
		case <-ticker.C:
			q.flush()
		case <-q.flushCh:
			q.flush()
		case <-q.stopCh:
			q.flush()
			return
		}
	}
}

// Enqueue buffers a send intent. Persistence is fire-and-forget; failures
// are logged by the flush loop rather than surfaced to the UI path.
func (q *Queue) Enqueue(entry Entry) {
	if q == nil || entry.Token == "" {
		return
	}
	if entry.QueuedAt.IsZero() {
		entry.QueuedAt = q.now().UTC()
	}
	q.mu.Lock()
	q.entries = append(q.entries, entry)
	q.dirty = true
	q.mu.Unlock()
	q.requestFlush()
}

// Ack removes the entry with the given correlation token.
func (q *Queue) Ack(token string) {
	if q == nil || token == "" {
		return
	}
	q.mu.Lock()
	for i, entry := range q.entries {
		if entry.Token == token {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			q.dirty = true
			break
		}
	}
	q.mu.Unlock()
	q.requestFlush()
}

// Entries returns a copy of the queued sends in FIFO order.
func (q *Queue) Entries() []Entry {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Entry(nil), q.entries...)
}

// Len reports the number of buffered entries.
func (q *Queue) Len() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Replay retransmits entries in FIFO order, removing each on success. The
// first failure stops the replay so ordering is preserved for the next
// reconnect.
func (q *Queue) Replay(send SendFunc) (int, error) {
	if q == nil || send == nil {
		return 0, errors.New("replay requires a send function")
	}
	replayed := 0
	for {
		q.mu.Lock()
		if len(q.entries) == 0 {
			q.mu.Unlock()
			break
		}
		entry := q.entries[0]
		q.mu.Unlock()

		if err := send(entry); err != nil {
			return replayed, err
		}
		q.Ack(entry.Token)
		replayed++
	}
	return replayed, nil
}

// Flush persists the current entries to disk as snappy-compressed JSON.
func (q *Queue) Flush() error {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	if !q.dirty {
		q.mu.Unlock()
		return nil
	}
	file := queueFile{SavedAt: q.now().UTC(), Entries: append([]Entry(nil), q.entries...)}
	q.mu.Unlock()

	data, err := json.Marshal(file)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(q.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
	}
	if err := os.WriteFile(q.path, snappy.Encode(nil, data), 0o644); err != nil {
		return err
	}
	q.mu.Lock()
	q.dirty = false
	q.mu.Unlock()
	return nil
}

func (q *Queue) flush() {
	if err := q.Flush(); err != nil {
		q.log.Error("failed to persist offline queue", zap.Error(err))
	}
}

func (q *Queue) requestFlush() {
	select {
	case q.flushCh <- struct{}{}:
	default:
	}
}

// Close stops the flush loop and persists any pending entries.
func (q *Queue) Close() error {
	if q == nil {
		return nil
	}
	select {
	case <-q.stopCh:
	default:
		close(q.stopCh)
	}
	<-q.doneCh
	return nil
}
