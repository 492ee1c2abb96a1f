package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"pulsechat/broker/internal/chat"
	"pulsechat/broker/internal/logging"
	"pulsechat/broker/internal/store"
)

// Resyncer refetches the latest history page over REST and merges it into
// the engine. The live channel offers no delivery guarantee across a
// disconnect of any length, so resync runs on every reconnect.
type Resyncer struct {
	httpClient *http.Client
	baseURL    string
	pageSize   int
	engine     *Engine
	log        *zap.Logger
}

// NewResyncer constructs a resyncer against the REST base URL, e.g.
// "http://localhost:8137".
func NewResyncer(baseURL string, pageSize int, engine *Engine, logger *zap.Logger) *Resyncer {
	if pageSize <= 0 {
		pageSize = 50
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Resyncer{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		pageSize:   pageSize,
		engine:     engine,
		log:        logger,
	}
}

type historyPage struct {
	Messages   []*chat.Message  `json:"messages"`
	Pagination store.Pagination `json:"pagination"`
}

// Resync fetches page 1 of history and merges it through the engine's
// identifier-dedup rule.
func (r *Resyncer) Resync(ctx context.Context) error {
	if r == nil || r.engine == nil {
		return fmt.Errorf("resyncer not configured")
	}
	endpoint, err := url.Parse(r.baseURL + "/messages")
	if err != nil {
		return err
	}
	query := endpoint.Query()
	query.Set("page", "1")
	query.Set("limit", strconv.Itoa(r.pageSize))
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("history fetch returned status %d", resp.StatusCode)
	}

	var page historyPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return err
	}
	added := r.engine.MergeHistory(page.Messages)
	r.log.Debug("resync merged history",
		zap.Int("fetched", len(page.Messages)),
		zap.Int("added", added),
	)
	return nil
}

// Coordinator ties the offline queue and the resyncer together for the
// reconnect sequence.
type Coordinator struct {
	Queue   *Queue
	Resync  *Resyncer
	Send    SendFunc
	Backoff *Backoff
	log     *zap.Logger
}

// NewCoordinator constructs the reconnect coordinator.
func NewCoordinator(queue *Queue, resync *Resyncer, send SendFunc, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = logging.L()
	}
	return &Coordinator{
		Queue:   queue,
		Resync:  resync,
		Send:    send,
		Backoff: NewBackoff(500*time.Millisecond, 30*time.Second),
		log:     logger,
	}
}

// OnReconnect replays the offline queue in order, then resyncs history.
// The resync is unconditional: it runs even when the queue was empty.
func (c *Coordinator) OnReconnect(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("coordinator not configured")
	}
	if c.Queue != nil && c.Send != nil {
		replayed, err := c.Queue.Replay(c.Send)
		if err != nil {
			return fmt.Errorf("queue replay stopped after %d entries: %w", replayed, err)
		}
		if replayed > 0 {
			c.log.Info("offline queue replayed", zap.Int("entries", replayed))
		}
	}
	if c.Resync != nil {
		if err := c.Resync.Resync(ctx); err != nil {
			return err
		}
	}
	if c.Backoff != nil {
		c.Backoff.Reset()
	}
	return nil
}
