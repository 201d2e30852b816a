package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"interviewd/internal/api"
	"interviewd/pkg/types"
)

const waitFor = 3 * time.Second

// wsClient is a realtime test client that collects every envelope it reads.
type wsClient struct {
	subjectID string
	conn      *websocket.Conn
	inbox     chan types.Envelope

	mu     sync.Mutex
	closed bool
}

func dial(t *testing.T, serverURL, subjectID string) *wsClient {
	t.Helper()
	u, err := url.Parse(serverURL)
	require.NoError(t, err)
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws"
	u.RawQuery = url.Values{"subject_id": {subjectID}}.Encode()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	require.NoError(t, err)

	c := &wsClient{subjectID: subjectID, conn: conn, inbox: make(chan types.Envelope, 64)}
	go c.readLoop()
	t.Cleanup(c.close)
	return c
}

func (c *wsClient) readLoop() {
	defer close(c.inbox)
	for {
		var env types.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		c.inbox <- env
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		_ = c.conn.Close()
	}
}

func (c *wsClient) send(t *testing.T, event string, data interface{}) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NoError(t, c.conn.WriteJSON(types.NewEnvelope(event, data)))
}

// await skips envelopes until one with the given event arrives.
func (c *wsClient) await(t *testing.T, event string) types.Envelope {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case env, ok := <-c.inbox:
			require.True(t, ok, "%s: connection closed while waiting for %s", c.subjectID, event)
			if env.Event == event {
				return env
			}
		case <-deadline:
			t.Fatalf("%s: no %s event within %s", c.subjectID, event, waitFor)
		}
	}
}

func decodeData[T any](t *testing.T, env types.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func rest(t *testing.T, method, target, subjectID string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, target, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.SubjectHeader, subjectID)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}
