// Package discord implements the local Rich Presence IPC protocol: a unix
// socket carrying length-prefixed JSON frames. Only the handshake and
// SET_ACTIVITY commands are needed to drive presence.
package discord

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	opHandshake = 0
	opFrame     = 1
	opClose     = 2
)

type Client struct {
	clientID string

	mu   sync.Mutex
	conn net.Conn

	// dial is swapped out in tests to avoid a real Discord client.
	dial func() (net.Conn, error)
}

func NewClient(clientID string) *Client {
	c := &Client{clientID: clientID}
	c.dial = dialSocket
	return c
}

// Connect dials the Discord IPC socket and performs the version handshake.
// Calling it while already connected is a no-op.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("dial discord ipc: %w", err)
	}

	handshake := map[string]any{"v": 1, "client_id": c.clientID}
	if err := writeFrame(conn, opHandshake, handshake); err != nil {
		conn.Close()
		return fmt.Errorf("ipc handshake: %w", err)
	}
	op, _, err := readFrame(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ipc handshake response: %w", err)
	}
	if op == opClose {
		conn.Close()
		return fmt.Errorf("ipc handshake rejected")
	}

	c.conn = conn
	return nil
}

// Disconnect closes the socket. Safe to call when not connected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// SetActivity publishes an activity. A nil activity clears presence.
func (c *Client) SetActivity(activity *Activity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected to discord")
	}

	payload := map[string]any{
		"cmd": "SET_ACTIVITY",
		"args": map[string]any{
			"pid":      os.Getpid(),
			"activity": activity,
		},
		"nonce": uuid.NewString(),
	}
	if err := writeFrame(c.conn, opFrame, payload); err != nil {
		c.conn.Close()
		c.conn = nil
		return fmt.Errorf("set activity: %w", err)
	}
	if _, _, err := readFrame(c.conn); err != nil {
		c.conn.Close()
		c.conn = nil
		return fmt.Errorf("set activity response: %w", err)
	}
	return nil
}

func (c *Client) ClearActivity() error {
	return c.SetActivity(nil)
}

// dialSocket probes the well known IPC socket locations. Discord opens
// discord-ipc-0 through discord-ipc-9 depending on how many clients run.
func dialSocket() (net.Conn, error) {
	var base string
	for _, env := range []string{"XDG_RUNTIME_DIR", "TMPDIR", "TMP", "TEMP"} {
		if v := os.Getenv(env); v != "" {
			base = v
			break
		}
	}
	if base == "" {
		base = "/tmp"
	}
	for i := 0; i < 10; i++ {
		path := filepath.Join(base, fmt.Sprintf("discord-ipc-%d", i))
		conn, err := net.DialTimeout("unix", path, 2*time.Second)
		if err == nil {
			return conn, nil
		}
	}
	return nil, fmt.Errorf("no discord ipc socket found under %s", base)
}

// Frames are a little-endian opcode and payload length followed by JSON.
func writeFrame(w io.Writer, op uint32, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], op)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func readFrame(r io.Reader) (uint32, []byte, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	op := binary.LittleEndian.Uint32(header[0:4])
	length := binary.LittleEndian.Uint32(header[4:8])
	if length > 1<<20 {
		return op, nil, fmt.Errorf("ipc frame too large: %d bytes", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return op, nil, err
	}
	return op, data, nil
}
