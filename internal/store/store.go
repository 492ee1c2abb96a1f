// Package store persists chat messages in a pebble key-value database.
//
// Messages live under time-ordered keys so history pagination is a prefix
// scan, with a secondary id index for mutate-by-id. Every mutation appends a
// version record, which keeps soft deletes and edit trails auditable.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"pulsechat/broker/internal/chat"
	"pulsechat/broker/internal/logging"
)

var (
	// ErrNotFound signals the message id is unknown.
	ErrNotFound = errors.New("message not found")
	// ErrParentNotFound rejects replies whose parent does not exist.
	ErrParentNotFound = errors.New("parent message not found")
	// ErrParentDeleted rejects replies to soft-deleted parents.
	ErrParentDeleted = errors.New("parent message has been deleted")
)

const (
	msgPrefix     = "msg:"
	idPrefix      = "id:"
	versionPrefix = "version:"
)

// Pagination describes one page of the history listing.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// Store owns the pebble handle and serialises record mutations so concurrent
// reaction toggles on the same message cannot lose updates.
type Store struct {
	db  *pebble.DB
	log *zap.Logger
	now func() time.Time

	mu  sync.Mutex
	seq uint64
}

// Option customises store construction.
type Option func(*Store)

// WithClock overrides the store time source; primarily used in tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// Open opens (or creates) the pebble database at path.
func Open(path string, logger *zap.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = logging.L()
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble open failed", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	s := &Store{db: db, log: logger, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	logger.Info("message store opened", zap.String("path", path))
	return s, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// nextKeyLocked allocates a sortable primary key and the matching message id.
func (s *Store) nextKeyLocked() (key string, id string) {
	ts := s.now().UTC().UnixNano()
	s.seq++
	key = fmt.Sprintf("%s%020d-%06d", msgPrefix, ts, s.seq)
	// Message ids share the key's ordering component but live in their own
	// namespace so they can never collide with client correlation tokens,
	// which are UUIDs.
	id = fmt.Sprintf("msg-%d-%d", ts, s.seq)
	return key, id
}

// Create persists a new message, assigning its identifier and timestamp.
// When parentID is set, the parent must exist and not be soft-deleted.
func (s *Store) Create(author chat.Author, text, parentID string) (*chat.Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not opened")
	}
	text, err := chat.NormalizeText(text)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The parent check shares the mutation lock: a concurrent soft delete of
	// the parent either lands before the check and rejects this reply, or
	// after the reply is fully persisted. No reply can slip in between.
	if parentID != "" {
		parentKey, err := s.primaryKey(parentID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, ErrParentNotFound
			}
			return nil, err
		}
		parent, err := s.readMessage(parentKey)
		if err != nil {
			return nil, err
		}
		if parent.IsDeleted {
			return nil, ErrParentDeleted
		}
	}

	key, id := s.nextKeyLocked()
	msg := chat.NewMessage(id, author, text, s.now())
	msg.ParentID = parentID

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	if err := s.db.Set([]byte(key), data, pebble.Sync); err != nil {
		s.log.Error("message create failed", zap.String("key", key), zap.Error(err))
		return nil, err
	}
	if err := s.db.Set([]byte(idPrefix+id), []byte(key), pebble.Sync); err != nil {
		s.log.Error("message index failed", zap.String("id", id), zap.Error(err))
		return nil, err
	}
	s.log.Debug("message created", zap.String("id", id), zap.String("author", author.ID))
	return msg.Clone(), nil
}

// Get returns the message by id.
func (s *Store) Get(id string) (*chat.Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not opened")
	}
	key, err := s.primaryKey(id)
	if err != nil {
		return nil, err
	}
	return s.readMessage(key)
}

// Update applies mutate to the message under the store lock and persists the
// result, appending a version record. The read-modify-write is atomic with
// respect to every other Update call.
func (s *Store) Update(id string, mutate func(*chat.Message) error) (*chat.Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not opened")
	}
	if mutate == nil {
		return nil, errors.New("mutate function required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.primaryKey(id)
	if err != nil {
		return nil, err
	}
	msg, err := s.readMessage(key)
	if err != nil {
		return nil, err
	}
	if err := mutate(msg); err != nil {
		return nil, err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	if err := s.db.Set([]byte(key), data, pebble.Sync); err != nil {
		s.log.Error("message update failed", zap.String("id", id), zap.Error(err))
		return nil, err
	}

	ts := s.now().UTC().UnixNano()
	s.seq++
	versionKey := fmt.Sprintf("%s%s:%020d-%06d", versionPrefix, id, ts, s.seq)
	if err := s.db.Set([]byte(versionKey), data, pebble.Sync); err != nil {
		s.log.Error("version append failed", zap.String("id", id), zap.Error(err))
		return nil, err
	}
	return msg.Clone(), nil
}

// Page returns one page of history. Page 1 holds the newest messages; within
// a page messages are in chronological order, matching what a client renders.
func (s *Store) Page(page, limit int) ([]*chat.Message, Pagination, error) {
	if s == nil || s.db == nil {
		return nil, Pagination{}, errors.New("store not opened")
	}
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}

	all, err := s.scanMessages()
	if err != nil {
		return nil, Pagination{}, err
	}

	total := len(all)
	totalPages := (total + limit - 1) / limit
	if totalPages == 0 {
		totalPages = 1
	}

	// Page 1 is the tail of the chronological scan.
	end := total - (page-1)*limit
	if end < 0 {
		end = 0
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	pageMessages := all[start:end]

	return pageMessages, Pagination{Page: page, Limit: limit, Total: total, TotalPages: totalPages}, nil
}

// Search scans message bodies for the query, case-insensitively, returning up
// to limit matches in chronological order. Soft-deleted messages are skipped.
func (s *Store) Search(query string, limit int) ([]*chat.Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not opened")
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	all, err := s.scanMessages()
	if err != nil {
		return nil, err
	}
	matches := make([]*chat.Message, 0, limit)
	for _, msg := range all {
		if msg.IsDeleted {
			continue
		}
		if strings.Contains(strings.ToLower(msg.Text), query) {
			matches = append(matches, msg)
			if len(matches) >= limit {
				break
			}
		}
	}
	return matches, nil
}

// Versions lists the persisted revisions of a message, oldest first.
func (s *Store) Versions(id string) ([]*chat.Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not opened")
	}
	prefix := versionPrefix + id + ":"
	iter, err := s.db.NewIter(prefixBounds(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var versions []*chat.Message
	for iter.First(); iter.Valid(); iter.Next() {
		var msg chat.Message
		if err := json.Unmarshal(iter.Value(), &msg); err != nil {
			s.log.Warn("skipping undecodable version record", zap.String("id", id), zap.Error(err))
			continue
		}
		versions = append(versions, &msg)
	}
	return versions, iter.Error()
}

// Count reports how many messages are stored, including soft-deleted ones.
func (s *Store) Count() (int, error) {
	all, err := s.scanMessages()
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

func (s *Store) primaryKey(id string) (string, error) {
	value, closer, err := s.db.Get([]byte(idPrefix + id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	key := string(value)
	_ = closer.Close()
	return key, nil
}

func (s *Store) readMessage(key string) (*chat.Message, error) {
	value, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()

	var msg chat.Message
	if err := json.Unmarshal(value, &msg); err != nil {
		return nil, fmt.Errorf("decode message at %s: %w", key, err)
	}
	return &msg, nil
}

func (s *Store) scanMessages() ([]*chat.Message, error) {
	iter, err := s.db.NewIter(prefixBounds(msgPrefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var all []*chat.Message
	for iter.First(); iter.Valid(); iter.Next() {
		var msg chat.Message
		if err := json.Unmarshal(iter.Value(), &msg); err != nil {
			s.log.Warn("skipping undecodable message record", zap.Error(err))
			continue
		}
		all = append(all, &msg)
	}
	return all, iter.Error()
}

func prefixBounds(prefix string) *pebble.IterOptions {
	upper := []byte(prefix)
	upper = append(append([]byte(nil), upper...), 0xff)
	return &pebble.IterOptions{LowerBound: []byte(prefix), UpperBound: upper}
}
