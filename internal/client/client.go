// Package client implements the chat client: it turns user intents into
// frames and frames from the server into events.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/jpillora/sizestr"
	"github.com/rs/zerolog"

	"github.com/omochice/toy-secure-chat/internal/config"
	"github.com/omochice/toy-secure-chat/internal/transport"
	"github.com/omochice/toy-secure-chat/pkg/protocol"
)

var (
	ErrNotConnected     = errors.New("client: not connected")
	ErrAttachmentTooBig = errors.New("client: attachment exceeds size limit")
	ErrAlreadyConnected = errors.New("client: already connected")
	ErrClientClosed     = errors.New("client: connection already ended")
	errNegativeSize     = errors.New("client: negative attachment size")
)

const eventBuffer = 256

// Client represents a chat client connected over TLS or WebSocket-over-TLS
type Client struct {
	cfg       config.Client
	tlsConfig *tls.Config
	log       zerolog.Logger

	mu      sync.RWMutex
	conn    transport.Conn
	name    string
	dialing bool
	// started is set once a connection was established. A Client carries
	// a single connection; its events channel closes when that one ends.
	started bool

	// sendMu keeps each frame, attachment header and payload together, whole
	// on the wire.
	sendMu sync.Mutex
	enc    *protocol.Encoder

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a new Client instance
func New(cfg config.Client, log zerolog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tlsConfig, err := transport.ClientTLSConfig(transport.ClientTLS{
		ServerName:         cfg.ServerName,
		CAFile:             cfg.CAFile,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	})
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:       cfg,
		tlsConfig: tlsConfig,
		log:       log,
		events:    make(chan Event, eventBuffer),
		done:      make(chan struct{}),
	}, nil
}

// Connect dials the server, retrying with backoff up to the configured
// number of attempts, and starts receiving. A failed dial may be retried,
// but once a connection has been established and ended the Client cannot
// connect again; ErrClientClosed is returned.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.beginDial(); err != nil {
		return err
	}
	conn, err := c.dialWithRetry(ctx)
	if err != nil {
		c.mu.Lock()
		c.dialing = false
		c.mu.Unlock()
		return err
	}

	c.sendMu.Lock()
	c.enc = protocol.NewEncoder(conn)
	c.sendMu.Unlock()

	c.mu.Lock()
	c.dialing = false
	select {
	case <-c.done:
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClientClosed
	default:
	}
	c.conn = conn
	c.started = true
	c.mu.Unlock()
	c.log.Info().Str("server", c.cfg.Server).Str("transport", string(c.cfg.Transport)).Msg("Connected")

	c.wg.Add(1)
	go c.receive(conn)
	return nil
}

func (c *Client) beginDial() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.conn != nil || c.dialing:
		return ErrAlreadyConnected
	case c.started:
		return ErrClientClosed
	}
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	c.dialing = true
	return nil
}

func (c *Client) dialWithRetry(ctx context.Context) (transport.Conn, error) {
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true}
	var conn transport.Conn
	for {
		var err error
		conn, err = c.dial(ctx)
		if err == nil {
			break
		}
		attempt := int(b.Attempt()) + 1
		if attempt >= c.cfg.DialAttempts || ctx.Err() != nil {
			return nil, fmt.Errorf("failed to connect to server after %d attempts: %w", attempt, err)
		}
		d := b.Duration()
		c.log.Warn().Err(err).Int("attempt", attempt).Int("max", c.cfg.DialAttempts).Dur("retry_in", d).Msg("Connection failed")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}
	return conn, nil
}

func (c *Client) dial(ctx context.Context) (transport.Conn, error) {
	if c.cfg.Transport == config.TransportWebSocket {
		return transport.DialWebSocket(ctx, c.cfg.Server, c.tlsConfig, c.cfg.DialTimeout)
	}
	conn, err := transport.DialTLS(ctx, c.cfg.Server, c.tlsConfig, c.cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	return transport.NewStreamConn(conn, nil), nil
}

// Disconnect closes the connection and waits for the receiver to finish.
// The events channel is closed afterwards.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Events returns the channel of received events. It is closed when the
// connection ends.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Name returns the last name requested with Rename.
func (c *Client) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// Rename asks the server to change the display name.
func (c *Client) Rename(name string) error {
	name = sanitizeLine(name)
	c.mu.Lock()
	c.name = strings.TrimSpace(name)
	c.mu.Unlock()
	return c.sendFrame(protocol.Rename(name))
}

// SendText sends a chat message. Line breaks become spaces.
func (c *Client) SendText(content string) error {
	sender := strings.ReplaceAll(c.Name(), "|", "_")
	return c.sendFrame(protocol.Text(uuid.NewString(), sender, sanitizeLine(content)))
}

// Recall asks the server to retract message id.
func (c *Client) Recall(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("client: empty message id")
	}
	return c.sendFrame(protocol.RecallRequest(id))
}

// SendAttachment uploads the file at path. The MIME type is detected from
// its content.
func (c *Client) SendAttachment(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open attachment: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat attachment: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("client: %s is a directory", path)
	}
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return fmt.Errorf("failed to detect attachment type: %w", err)
	}
	return c.SendAttachmentData(filepath.Base(path), mtype.String(), f, info.Size())
}

// SendAttachmentData uploads size bytes read from r under name.
func (c *Client) SendAttachmentData(name, mime string, r io.Reader, size int64) error {
	if size < 0 {
		return errNegativeSize
	}
	if c.cfg.MaxAttachmentBytes > 0 && size > c.cfg.MaxAttachmentBytes {
		return fmt.Errorf("%w: %s > %s", ErrAttachmentTooBig, sizestr.ToString(size), sizestr.ToString(c.cfg.MaxAttachmentBytes))
	}
	name = sanitizeLine(name)
	mime = sanitizeLine(mime)
	if mime == "" {
		mime = "application/octet-stream"
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := c.enc.WriteFrame(protocol.AttachmentStart(name, size, mime)); err != nil {
		return err
	}
	if err := c.enc.CopyBinary(r, size); err != nil {
		// The server now expects bytes that will never come.
		c.log.Error().Err(err).Str("file", name).Msg("Attachment upload aborted, closing connection")
		c.closeConn()
		return err
	}
	c.log.Debug().Str("file", name).Str("size", sizestr.ToString(size)).Str("mime", mime).Msg("Attachment sent")
	return nil
}

func (c *Client) sendFrame(f protocol.Frame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return c.enc.WriteFrame(f)
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func sanitizeLine(s string) string {
	return strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ").Replace(s)
}

// receive decodes frames until the connection ends.
func (c *Client) receive(conn transport.Conn) {
	defer c.wg.Done()
	defer close(c.events)
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	limits := protocol.DefaultLimits()
	limits.MaxPayloadBytes = c.cfg.MaxAttachmentBytes
	dec := protocol.NewDecoder(conn, limits)

	c.emit(Event{Kind: EventStatus, Text: "connected"})
	for {
		f, err := dec.Next()
		if err != nil {
			c.finish(err)
			return
		}
		ev, err := c.toEvent(f, dec)
		if err != nil {
			c.finish(err)
			return
		}
		if ev != nil && !c.emit(*ev) {
			return
		}
	}
}

func (c *Client) finish(err error) {
	select {
	case <-c.done:
		c.emit(Event{Kind: EventStatus, Text: "disconnected"})
		return
	default:
	}
	if errors.Is(err, io.EOF) {
		c.emit(Event{Kind: EventStatus, Text: "server closed the connection"})
		return
	}
	c.log.Warn().Err(err).Msg("Connection lost")
	c.emit(Event{Kind: EventStatus, Text: "connection lost", Err: err})
}

// toEvent maps a frame to an event. Frames that mean nothing to a client
// are shown as raw text rather than dropped.
func (c *Client) toEvent(f protocol.Frame, dec *protocol.Decoder) (*Event, error) {
	switch f.Kind {
	case protocol.KindText:
		return &Event{Kind: EventMessage, ID: f.ID, Sender: f.Sender, Text: f.Content}, nil
	case protocol.KindRecall:
		return &Event{Kind: EventRecall, ID: f.ID}, nil
	case protocol.KindRoster:
		return &Event{Kind: EventPresence, Names: f.Names}, nil
	case protocol.KindNotice:
		return &Event{Kind: EventNotice, Text: f.Content}, nil
	case protocol.KindError:
		return &Event{Kind: EventError, Text: f.Content}, nil
	case protocol.KindAttachment:
		data, err := dec.ReadPayload()
		if err != nil {
			return nil, err
		}
		return &Event{
			Kind:       EventAttachment,
			Attachment: &Attachment{Name: f.Name, MIME: f.MIME, Data: data},
		}, nil
	case protocol.KindAttachmentEnd:
		return nil, nil
	case protocol.KindUnknown,
		protocol.KindRename,
		protocol.KindRecallRequest,
		protocol.KindAttachmentStart:
		// An unexpected upload header's payload is discarded by the decoder.
		return &Event{Kind: EventRaw, Text: f.String()}, nil
	}
	return &Event{Kind: EventRaw, Text: f.Raw}, nil
}

// emit delivers ev unless the client is shutting down.
func (c *Client) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		select {
		case c.events <- ev:
			return true
		default:
			return false
		}
	}
}
