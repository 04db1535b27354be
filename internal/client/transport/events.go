package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// EventEntitiesChanged is sent after another device pushed changes.
const EventEntitiesChanged = "entities-changed"

// Event is one server-sent notification. Heartbeats are not delivered.
type Event struct {
	Type         string    `json:"-"`
	EntityKeys   []string  `json:"entityKeys"`
	OriginDevice string    `json:"originDevice,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Subscribe streams change notifications to handle until ctx ends or the
// connection drops. It does not retry; callers reconnect.
func (c *Client) Subscribe(ctx context.Context, handle func(Event)) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathEvents, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.decorate(request)
	request.Header.Set("Accept", "text/event-stream")

	response, err := c.streamClient.Do(request)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &TransportError{Err: err}
	}
	defer func() {
		_ = response.Body.Close()
	}()
	if response.StatusCode != http.StatusOK {
		var payload [512]byte
		read, _ := response.Body.Read(payload[:])
		return classifyStatus(response.StatusCode, payload[:read])
	}

	scanner := bufio.NewScanner(response.Body)
	var (
		eventType string
		data      strings.Builder
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventType == EventEntitiesChanged && data.Len() > 0 {
				event := Event{Type: eventType}
				if err := json.Unmarshal([]byte(data.String()), &event); err != nil {
					c.logger.Warn("discarding malformed sync event")
				} else {
					handle(event)
				}
			}
			eventType = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err := scanner.Err(); err != nil {
		return &TransportError{StatusCode: response.StatusCode, Err: err}
	}
	return &TransportError{StatusCode: response.StatusCode, Err: fmt.Errorf("event stream closed")}
}
