// Package queue retries mutating UI-originated requests (chat, support
// tickets, wallet top-ups) that failed while the backend was unreachable.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"primus-kiosk/internal/api"
	"primus-kiosk/internal/model"
	"primus-kiosk/internal/store"
)

// MaxItems caps the durable queue under sustained disconnection; the oldest
// items are dropped past it. The original client left this unbounded.
const MaxItems = 256

const requestTimeout = 15 * time.Second

// ErrQueued reports that the request could not be delivered and was parked
// for a later flush. Callers treat it as optimistic success.
var ErrQueued = errors.New("request queued for retry")

// Queue sends mutating requests and parks connectivity failures in the
// durable store. All read-modify-write access to the stored queue goes
// through the store's single lock.
type Queue struct {
	state      *store.Store
	httpClient *http.Client
}

func New(state *store.Store) *Queue {
	return &Queue{
		state:      state,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// PostWithQueue attempts an immediate POST of payload to url. On success the
// decoded JSON response is returned. Connectivity failures (transport errors,
// 5xx) enqueue the request and return ErrQueued; client errors (4xx) are
// returned to the caller and never queued, since replaying them would just
// fail again.
func (q *Queue) PostWithQueue(ctx context.Context, url string, payload any, headers map[string]string) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	result, err := q.send(ctx, url, raw, headers)
	if err == nil {
		return result, nil
	}
	if !api.IsConnectivity(err) {
		return nil, err
	}

	q.state.AppendOfflineItem(model.OfflineQueueItem{
		ID:      uuid.NewString(),
		URL:     url,
		Payload: raw,
		Headers: headers,
		AddedAt: time.Now().UnixMilli(),
	}, MaxItems)
	log.Printf("offline queue: backend unreachable, queued POST %s: %v", url, err)
	return nil, ErrQueued
}

// Flush walks the queue in order, sending each item with its original payload
// and headers byte for byte. Only items whose replay was confirmed are
// removed, by id under the store lock, so an enqueue racing the flush's
// network round trips is never lost. Failures stay queued in their original
// relative order for the next flush.
func (q *Queue) Flush(ctx context.Context) {
	items := q.state.OfflineQueue()
	if len(items) == 0 {
		return
	}

	sent := make([]string, 0, len(items))
	for _, item := range items {
		if _, err := q.send(ctx, item.URL, item.Payload, item.Headers); err != nil {
			continue
		}
		sent = append(sent, item.ID)
	}
	q.state.RemoveOfflineItems(sent)

	if len(sent) > 0 {
		log.Printf("offline queue: flushed %d item(s), %d remaining", len(sent), q.Len())
	}
}

// Len reports how many items are currently queued.
func (q *Queue) Len() int {
	return len(q.state.OfflineQueue())
}

func (q *Queue) send(ctx context.Context, url string, payload []byte, headers map[string]string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &api.StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	result := map[string]any{}
	if len(data) > 0 {
		// Some endpoints reply with an empty or non-object body; tolerate it.
		_ = json.Unmarshal(data, &result)
	}
	return result, nil
}
