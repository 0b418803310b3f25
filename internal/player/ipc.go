package player

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ipcResult is delivered to the waiting sender when its response line arrives.
type ipcResult struct {
	data json.RawMessage
	err  error
}

// ipcResponse is one inbound line. Lines without a request_id are async
// events and are dropped.
type ipcResponse struct {
	RequestID int64           `json:"request_id"`
	Error     string          `json:"error"`
	Data      json.RawMessage `json:"data"`
}

// Channel multiplexes request/response exchanges over the player's
// newline-JSON control socket. Request ids are strictly increasing and unique
// among outstanding requests; id allocation, pending registration and the
// socket write happen under one lock so a response can never arrive for an
// id that is not yet registered.
type Channel struct {
	log zerolog.Logger

	mu      sync.Mutex
	conn    net.Conn
	nextID  int64
	pending map[int64]chan ipcResult

	readDone chan struct{}
}

// DialChannel connects to the unix control socket at path, retrying up to
// five times at 0.5s spacing, and starts the read loop.
func DialChannel(path string, log zerolog.Logger) (*Channel, error) {
	var conn net.Conn
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		conn, err = net.DialTimeout("unix", path, time.Second)
		if err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		return nil, err
	}
	c := &Channel{
		log:      log,
		conn:     conn,
		pending:  make(map[int64]chan ipcResult),
		readDone: make(chan struct{}),
	}
	go c.readLoop(conn)
	return c, nil
}

// Connected reports whether the channel has an active connection.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send issues a command and waits for its response up to timeout. The named
// args are merged into the request object alongside command and request_id.
// Returns ErrNotConnected when closed, ErrTimeout on deadline, and an ipc
// error when the player reports anything other than "success".
func (c *Channel) Send(timeout time.Duration, command []any, named map[string]any) (json.RawMessage, error) {
	name := commandName(command)

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected()
	}
	c.nextID++
	id := c.nextID

	req := map[string]any{"command": command, "request_id": id}
	for k, v := range named {
		req[k] = v
	}
	payload, err := json.Marshal(req)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	ch := make(chan ipcResult, 1)
	c.pending[id] = ch
	_, err = c.conn.Write(append(payload, '\n'))
	if err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.data, res.err
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ErrTimeout(name)
	}
}

// Close tears down the connection and rejects all pending requests.
func (c *Channel) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	for id, ch := range c.pending {
		ch <- ipcResult{err: ErrNotConnected()}
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
		<-c.readDone
	}
}

// readLoop parses inbound lines and resolves matching pending entries.
// Malformed lines and lines without a known request_id are dropped, never
// fatal.
func (c *Channel) readLoop(conn net.Conn) {
	defer close(c.readDone)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp ipcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		if resp.RequestID == 0 {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.RequestID]
		if ok {
			delete(c.pending, resp.RequestID)
		}
		c.mu.Unlock()
		if !ok {
			continue
		}
		if resp.Error == "success" {
			ch <- ipcResult{data: resp.Data}
		} else {
			ch <- ipcResult{err: ipcError{msg: resp.Error}}
		}
	}
	if err := scanner.Err(); err != nil {
		c.log.Debug().Err(err).Msg("ipc read loop ended")
	}
}

func commandName(command []any) string {
	if len(command) == 0 {
		return ""
	}
	if s, ok := command[0].(string); ok {
		return s
	}
	return ""
}
