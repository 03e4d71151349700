package client_test

import (
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/toy-secure-chat/internal/client"
	"github.com/omochice/toy-secure-chat/internal/config"
	"github.com/omochice/toy-secure-chat/internal/testutil/tlstest"
	"github.com/omochice/toy-secure-chat/internal/transport"
	"github.com/omochice/toy-secure-chat/pkg/protocol"
)

// scriptedServer accepts one TLS connection and hands it to script.
func scriptedServer(t *testing.T, script func(conn net.Conn)) (string, tlstest.Files) {
	t.Helper()
	files := tlstest.Localhost(t)
	cfg, err := transport.ServerTLSConfig(files.Cert, files.Key)
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}()
	return ln.Addr().String(), files
}

func newClient(t *testing.T, addr string, files tlstest.Files) *client.Client {
	t.Helper()
	cfg := config.DefaultClient()
	cfg.Server = addr
	cfg.CAFile = files.CA
	cfg.DialAttempts = 1
	cfg.DialTimeout = 5 * time.Second

	c, err := client.New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)
	return c
}

func nextEvent(t *testing.T, c *client.Client) client.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return client.Event{}
	}
}

func TestClient_ReceiveMapsFramesToEvents(t *testing.T) {
	attachment, err := protocol.EncodeAttachment(protocol.Attachment("a.txt", 0, "text/plain"), []byte("abc"))
	require.NoError(t, err)

	addr, files := scriptedServer(t, func(conn net.Conn) {
		conn.Write([]byte("hello there\n"))
		conn.Write([]byte("[MSG]:m1|bob|hi\n"))
		conn.Write([]byte("[USERS]:alice,bob\n"))
		conn.Write([]byte("[RECALL]:m1\n"))
		conn.Write([]byte("[INFO] bob joined the chat\n"))
		conn.Write([]byte("[ERROR] message x not found\n"))
		conn.Write(attachment)
		conn.Write([]byte("[SET_NAME]:odd\n"))
	})
	c := newClient(t, addr, files)

	ev := nextEvent(t, c)
	assert.Equal(t, client.EventStatus, ev.Kind)
	assert.Equal(t, "connected", ev.Text)

	ev = nextEvent(t, c)
	assert.Equal(t, client.EventRaw, ev.Kind)
	assert.Equal(t, "hello there", ev.Text)

	ev = nextEvent(t, c)
	assert.Equal(t, client.Event{Kind: client.EventMessage, ID: "m1", Sender: "bob", Text: "hi"}, ev)

	ev = nextEvent(t, c)
	assert.Equal(t, client.EventPresence, ev.Kind)
	assert.Equal(t, []string{"alice", "bob"}, ev.Names)

	ev = nextEvent(t, c)
	assert.Equal(t, client.Event{Kind: client.EventRecall, ID: "m1"}, ev)

	ev = nextEvent(t, c)
	assert.Equal(t, client.Event{Kind: client.EventNotice, Text: "bob joined the chat"}, ev)

	ev = nextEvent(t, c)
	assert.Equal(t, client.Event{Kind: client.EventError, Text: "message x not found"}, ev)

	ev = nextEvent(t, c)
	require.Equal(t, client.EventAttachment, ev.Kind)
	assert.Equal(t, &client.Attachment{Name: "a.txt", MIME: "text/plain", Data: []byte("abc")}, ev.Attachment)

	ev = nextEvent(t, c)
	assert.Equal(t, client.EventRaw, ev.Kind)
	assert.Equal(t, "[SET_NAME]:odd", ev.Text)

	ev = nextEvent(t, c)
	assert.Equal(t, client.EventStatus, ev.Kind)
	assert.NoError(t, ev.Err)

	_, ok := <-c.Events()
	assert.False(t, ok)
	assert.False(t, c.IsConnected())
}

func TestClient_MalformedAttachmentEndsConnection(t *testing.T) {
	addr, files := scriptedServer(t, func(conn net.Conn) {
		conn.Write([]byte("[FILE_BROADCAST]:a.txt|lots|text/plain\n"))
		time.Sleep(time.Second)
	})
	c := newClient(t, addr, files)

	assert.Equal(t, client.EventStatus, nextEvent(t, c).Kind)
	ev := nextEvent(t, c)
	assert.Equal(t, client.EventStatus, ev.Kind)
	assert.True(t, protocol.IsViolation(ev.Err))
}

func TestClient_ConnectAfterServerCloseIsRefused(t *testing.T) {
	addr, files := scriptedServer(t, func(conn net.Conn) {
		conn.Write([]byte("[INFO] hi\n"))
	})
	c := newClient(t, addr, files)

	for range c.Events() {
	}
	assert.False(t, c.IsConnected())

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, client.ErrClientClosed)
	assert.False(t, c.IsConnected())
}

func TestClient_ConnectAfterDisconnectIsRefused(t *testing.T) {
	addr, files := scriptedServer(t, func(conn net.Conn) { time.Sleep(time.Second) })
	c := newClient(t, addr, files)

	assert.ErrorIs(t, c.Connect(context.Background()), client.ErrAlreadyConnected)

	c.Disconnect()
	assert.ErrorIs(t, c.Connect(context.Background()), client.ErrClientClosed)
}

func TestClient_SendPaths(t *testing.T) {
	received := make(chan protocol.Frame, 8)
	payload := make(chan []byte, 1)
	addr, files := scriptedServer(t, func(conn net.Conn) {
		dec := protocol.NewDecoder(conn, protocol.DefaultLimits())
		for {
			f, err := dec.Next()
			if err != nil {
				close(received)
				return
			}
			if f.Kind == protocol.KindAttachmentStart {
				data, err := dec.ReadPayload()
				if err != nil {
					close(received)
					return
				}
				payload <- data
			}
			received <- f
		}
	})
	c := newClient(t, addr, files)

	require.NoError(t, c.Rename("ali\nce"))
	require.NoError(t, c.SendText("line one\r\nline two"))
	require.NoError(t, c.Recall(" m-42 "))
	require.NoError(t, c.SendAttachmentData("notes.bin", "", bytes.NewReader([]byte{0, 1, 2}), 3))
	require.NoError(t, c.SendText("after"))

	f := <-received
	assert.Equal(t, protocol.KindRename, f.Kind)
	assert.Equal(t, "ali ce", f.Name)
	assert.Equal(t, "ali ce", c.Name())

	f = <-received
	assert.Equal(t, protocol.KindText, f.Kind)
	assert.NotEmpty(t, f.ID)
	assert.Equal(t, "ali ce", f.Sender)
	assert.Equal(t, "line one line two", f.Content)

	f = <-received
	assert.Equal(t, protocol.RecallRequest("m-42").String(), f.String())

	f = <-received
	assert.Equal(t, protocol.KindAttachmentStart, f.Kind)
	assert.Equal(t, "notes.bin", f.Name)
	assert.EqualValues(t, 3, f.Size)
	assert.Equal(t, "application/octet-stream", f.MIME)
	assert.Equal(t, []byte{0, 1, 2}, <-payload)

	f = <-received
	assert.Equal(t, "after", f.Content)
}

func TestClient_SendAttachmentDetectsType(t *testing.T) {
	received := make(chan protocol.Frame, 1)
	addr, files := scriptedServer(t, func(conn net.Conn) {
		dec := protocol.NewDecoder(conn, protocol.DefaultLimits())
		f, err := dec.Next()
		if err == nil {
			_, _ = dec.ReadPayload()
			received <- f
		}
	})
	c := newClient(t, addr, files)

	path := filepath.Join(t.TempDir(), "readme.txt")
	require.NoError(t, os.WriteFile(path, []byte("plain words\n"), 0o644))
	require.NoError(t, c.SendAttachment(path))

	select {
	case f := <-received:
		assert.Equal(t, "readme.txt", f.Name)
		assert.EqualValues(t, 12, f.Size)
		assert.True(t, strings.HasPrefix(f.MIME, "text/plain"), f.MIME)
	case <-time.After(5 * time.Second):
		t.Fatal("attachment not received")
	}
}

func TestClient_AttachmentLimits(t *testing.T) {
	addr, files := scriptedServer(t, func(conn net.Conn) { time.Sleep(time.Second) })
	c := newClient(t, addr, files)

	err := c.SendAttachmentData("big", "", bytes.NewReader(nil), 64<<20)
	assert.ErrorIs(t, err, client.ErrAttachmentTooBig)

	err = c.SendAttachment(t.TempDir())
	assert.Error(t, err)
}

func TestClient_SendBeforeConnect(t *testing.T) {
	c, err := client.New(config.DefaultClient(), zerolog.Nop())
	require.NoError(t, err)

	assert.ErrorIs(t, c.SendText("hi"), client.ErrNotConnected)
	assert.ErrorIs(t, c.Rename("x"), client.ErrNotConnected)
	assert.ErrorIs(t, c.Recall("m1"), client.ErrNotConnected)
	assert.Error(t, c.Recall("  "))
}

func TestClient_ConnectGivesUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	cfg := config.DefaultClient()
	cfg.Server = addr
	cfg.DialAttempts = 2
	cfg.DialTimeout = time.Second
	c, err := client.New(cfg, zerolog.Nop())
	require.NoError(t, err)

	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.False(t, c.IsConnected())
}

func TestClient_RejectsUnknownAuthority(t *testing.T) {
	addr, _ := scriptedServer(t, func(conn net.Conn) {})

	cfg := config.DefaultClient()
	cfg.Server = addr
	cfg.DialAttempts = 1
	c, err := client.New(cfg, zerolog.Nop())
	require.NoError(t, err)

	assert.Error(t, c.Connect(context.Background()))
}

func TestNew_InsecureRequiresDevelopmentMode(t *testing.T) {
	cfg := config.DefaultClient()
	cfg.InsecureSkipVerify = true

	_, err := client.New(cfg, zerolog.Nop())
	assert.ErrorIs(t, err, config.ErrInsecureInProd)

	cfg.SecurityMode = config.SecurityModeDevelopment
	_, err = client.New(cfg, zerolog.Nop())
	assert.NoError(t, err)
}

func TestEventKind_String(t *testing.T) {
	assert.Equal(t, "message", client.EventMessage.String())
	assert.Equal(t, "presence", client.EventPresence.String())
	assert.Equal(t, "raw", client.EventRaw.String())
	assert.Equal(t, "unknown", client.EventKind(99).String())
}
