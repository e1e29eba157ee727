package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/workspace-sync/pkg/protocol"
	"github.com/fruitsalade/workspace-sync/pkg/retry"
)

// Event kinds delivered by Watch.
const (
	EventChanged = "changed"
	EventRemoved = "removed"
)

// Event is one change received from a watch stream.
type Event struct {
	Kind string
	File protocol.UploadedFile
}

// Watch follows a workspace's change stream, reconnecting with backoff when
// the connection drops. Every (re)connect starts with one EventChanged per
// existing file. The events channel is closed when ctx is done or the watch
// fails permanently; in the latter case the error is sent on the error
// channel first.
func (c *Client) Watch(ctx context.Context, id string) (<-chan Event, <-chan error) {
	events := make(chan Event)
	errs := make(chan error, 1)

	go c.watchLoop(ctx, id, events, errs)

	return events, errs
}

func (c *Client) watchLoop(ctx context.Context, id string, events chan<- Event, errs chan<- error) {
	defer close(events)
	defer close(errs)

	backoff := retry.NewBackoff(c.watchConfig)
	for {
		connected, err := c.streamOnce(ctx, id, events)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff.Reset()
		}
		if !retry.IsRetryable(err) {
			errs <- err
			return
		}

		wait, ok := backoff.Next()
		if !ok {
			errs <- fmt.Errorf("watch %s: giving up after %d attempts: %w", id, backoff.Attempts(), err)
			return
		}
		c.log.Warn("watch disconnected, reconnecting",
			zap.String("workspace", id),
			zap.Duration("wait", wait),
			zap.Error(err))
		if retry.Sleep(ctx, wait) != nil {
			return
		}
	}
}

// streamOnce runs one watch connection until it ends. connected reports
// whether the server accepted the stream. The returned error is never nil.
func (c *Client) streamOnce(ctx context.Context, id string, events chan<- Event) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.workspaceURL(id, "watch"), nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	c.applyAuth(req)

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return false, retry.Retryable(fmt.Errorf("connect: %w", err))
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return false, err
	}

	c.log.Debug("watch connected", zap.String("workspace", id))

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var eventType string
	var data strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if data.Len() > 0 {
				ev, ok := decodeEvent(eventType, data.String())
				if ok {
					select {
					case events <- ev:
					case <-ctx.Done():
						return true, ctx.Err()
					}
				} else {
					c.log.Debug("ignoring watch event",
						zap.String("event", eventType),
						zap.String("data", data.String()))
				}
			}
			eventType = ""
			data.Reset()
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			eventType = value
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		}
	}

	if err := scanner.Err(); err != nil {
		return true, retry.Retryable(fmt.Errorf("read: %w", err))
	}
	return true, retry.Retryable(errors.New("stream closed by server"))
}

func decodeEvent(eventType, data string) (Event, bool) {
	var kind string
	switch eventType {
	case protocol.EventChanged, "message":
		kind = EventChanged
	case protocol.EventRemoved:
		kind = EventRemoved
	default:
		return Event{}, false
	}

	var f protocol.UploadedFile
	if err := json.Unmarshal([]byte(data), &f); err != nil || f.FileName == "" {
		return Event{}, false
	}
	return Event{Kind: kind, File: f}, true
}
