package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/jpillora/sizestr"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/omochice/toy-secure-chat/internal/chat"
	"github.com/omochice/toy-secure-chat/internal/metrics"
	"github.com/omochice/toy-secure-chat/internal/storage"
	"github.com/omochice/toy-secure-chat/pkg/protocol"
)

// Options tunes a Dispatcher.
type Options struct {
	Session chat.SessionOptions
	Limits  protocol.Limits
	// RateLimit is the per-session allowance of text, rename and recall
	// frames per second. Zero disables limiting.
	RateLimit float64
	RateBurst int
}

// Dispatcher runs the per-session protocol against the shared state.
type Dispatcher struct {
	state   *chat.State
	opts    Options
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewDispatcher creates a Dispatcher. m may be nil.
func NewDispatcher(state *chat.State, opts Options, m *metrics.Metrics, log zerolog.Logger) *Dispatcher {
	if m == nil {
		m = metrics.New()
	}
	return &Dispatcher{state: state, opts: opts, metrics: m, log: log}
}

// DefaultName is the display name a session starts with.
func DefaultName(id string) string {
	if len(id) > 4 {
		id = id[:4]
	}
	return "Guest_" + id
}

// Handle runs one connection to completion: it registers a session,
// serves its frames, and tears it down. The returned error is the reason
// the session ended, nil for a clean end of stream.
func (d *Dispatcher) Handle(conn chat.Conn) error {
	id := uuid.NewString()
	s := chat.NewSession(id, DefaultName(id), conn, d.opts.Session)
	log := d.log.With().Str("session", id).Str("remote", conn.RemoteAddr()).Logger()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := s.WriteLoop(); err != nil {
			log.Debug().Err(err).Msg("Writer stopped")
		}
	}()

	d.join(s, log)
	err := d.serve(s, protocol.NewDecoder(conn, d.opts.Limits), log)
	d.leave(s, err, log)

	<-writerDone
	return err
}

func (d *Dispatcher) join(s *chat.Session, log zerolog.Logger) {
	d.state.Registry.Add(s.ID, s)
	s.Activate()
	d.metrics.Sessions.Inc()
	log.Info().Str("name", s.Name()).Int("sessions", d.state.Registry.Count()).Msg("Session joined")

	d.broadcast(protocol.Notice(s.Name()+" joined the chat"), s.ID)
	d.broadcastRoster()
}

func (d *Dispatcher) leave(s *chat.Session, cause error, log zerolog.Logger) {
	_ = s.Close()
	if !d.state.Registry.Remove(s.ID) {
		return
	}
	d.metrics.Sessions.Dec()
	d.metrics.Disconnects.WithLabelValues(disconnectReason(cause)).Inc()

	event := log.Info()
	if cause != nil {
		event = log.Warn().Err(cause)
	}
	event.Str("name", s.Name()).Msg("Session left")

	d.broadcast(protocol.Notice(s.Name()+" left the chat"), s.ID)
	d.broadcastRoster()
}

func disconnectReason(err error) string {
	switch {
	case err == nil:
		return "eof"
	case protocol.IsViolation(err):
		return "violation"
	default:
		return "error"
	}
}

func (d *Dispatcher) serve(s *chat.Session, dec *protocol.Decoder, log zerolog.Logger) error {
	var limiter *rate.Limiter
	if d.opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(d.opts.RateLimit), d.opts.RateBurst)
	}

	for {
		f, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		d.metrics.Frames.WithLabelValues(f.Kind.String()).Inc()

		switch f.Kind {
		case protocol.KindRename:
			if d.allow(s, limiter) {
				d.rename(s, f.Name, log)
			}
		case protocol.KindText:
			if d.allow(s, limiter) {
				d.text(s, f.Content, log)
			}
		case protocol.KindRecallRequest:
			if d.allow(s, limiter) {
				d.recall(s, f.ID, log)
			}
		case protocol.KindAttachmentStart:
			if err := d.upload(s, f, dec, log); err != nil {
				return err
			}
		case protocol.KindUnknown,
			protocol.KindRecall,
			protocol.KindAttachment,
			protocol.KindAttachmentEnd,
			protocol.KindNotice,
			protocol.KindError,
			protocol.KindRoster:
			// Server-to-client kinds and untagged lines are not requests.
			log.Debug().Str("kind", f.Kind.String()).Str("line", f.Raw).Msg("Ignoring frame")
		}
	}
}

func (d *Dispatcher) allow(s *chat.Session, limiter *rate.Limiter) bool {
	if limiter == nil || limiter.Allow() {
		return true
	}
	d.reply(s, protocol.Error("rate limit exceeded, message dropped"))
	return false
}

// SanitizeName trims a requested display name and replaces the characters
// that delimit fields in text and roster frames.
func SanitizeName(name string) string {
	return strings.NewReplacer("|", "_", ",", "_").Replace(strings.TrimSpace(stripControl(name)))
}

// stripControl turns control characters into spaces. A CR inside a line
// survives decoding but can never be encoded into a frame again.
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
}

func (d *Dispatcher) rename(s *chat.Session, requested string, log zerolog.Logger) {
	name := SanitizeName(requested)
	if name == "" {
		d.reply(s, protocol.Error("name must not be empty"))
		return
	}
	if name == s.Name() {
		return
	}

	old, ok := d.state.Registry.Rename(s.ID, name)
	if !ok {
		return
	}
	log.Info().Str("old", old).Str("name", name).Msg("Session renamed")

	d.broadcast(protocol.Notice(old+" is now known as "+name), s.ID)
	d.broadcastRoster()
}

func (d *Dispatcher) text(s *chat.Session, content string, log zerolog.Logger) {
	m := chat.ChatMessage{
		ID:        uuid.NewString(),
		Sender:    s.Name(),
		Content:   stripControl(content),
		CreatedAt: time.Now(),
	}
	d.state.Store.Put(m)
	log.Debug().Str("message", m.ID).Int("bytes", len(m.Content)).Msg("Text message")

	// The sender gets the echo too; it carries the id needed to recall.
	d.broadcast(protocol.Text(m.ID, m.Sender, m.Content), "")
}

func (d *Dispatcher) recall(s *chat.Session, id string, log zerolog.Logger) {
	m, err := d.state.Store.TryRemove(id)
	if err != nil {
		d.metrics.Recalls.WithLabelValues("not_found").Inc()
		d.reply(s, protocol.Error(fmt.Sprintf("message %s not found", stripControl(id))))
		return
	}
	d.metrics.Recalls.WithLabelValues("ok").Inc()
	log.Info().Str("message", m.ID).Str("sender", m.Sender).Msg("Message recalled")

	d.broadcast(protocol.Recall(m.ID), "")
}

const maxPrealloc = 4 << 20

// payloadSource records read failures so that they can be told apart from
// failures of the file being written.
type payloadSource struct {
	r   io.Reader
	err error
}

func (p *payloadSource) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if err != nil && !errors.Is(err, io.EOF) && p.err == nil {
		p.err = err
	}
	return n, err
}

// upload stores an attachment and relays it to every other session. An error
// is returned only when the stream itself failed; storage failures are
// reported to the sender and the session continues.
func (d *Dispatcher) upload(s *chat.Session, f protocol.Frame, dec *protocol.Decoder, log zerolog.Logger) error {
	name := storage.SanitizeName(stripControl(f.Name))
	mime := strings.TrimSpace(stripControl(f.MIME))
	log = log.With().Str("file", name).Str("size", sizestr.ToString(f.Size)).Str("mime", mime).Logger()

	src := &payloadSource{r: dec.Payload()}
	var buf bytes.Buffer
	if f.Size <= maxPrealloc {
		buf.Grow(int(f.Size))
	}

	path, err := d.state.Uploads.Save(name, io.TeeReader(src, &buf))
	if src.err != nil {
		d.metrics.Uploads.WithLabelValues("short").Inc()
		return fmt.Errorf("attachment %q: %w", name, src.err)
	}
	if err != nil {
		if _, derr := io.Copy(io.Discard, dec.Payload()); derr != nil {
			return fmt.Errorf("attachment %q: %w", name, derr)
		}
		d.metrics.Uploads.WithLabelValues("failed").Inc()
		log.Error().Err(err).Msg("Failed to store attachment")
		d.reply(s, protocol.Error("failed to store "+name))
		return nil
	}
	d.metrics.Uploads.WithLabelValues("ok").Inc()
	d.metrics.UploadBytes.Add(float64(buf.Len()))
	log.Info().Str("path", path).Str("sender", s.Name()).Msg("Attachment stored")

	packet, err := protocol.EncodeAttachment(protocol.Attachment(name, f.Size, mime), buf.Bytes())
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode attachment")
		return nil
	}
	d.broadcastPacket(packet, s.ID)
	return nil
}

func (d *Dispatcher) reply(s *chat.Session, f protocol.Frame) {
	packet, err := protocol.EncodeFrame(f)
	if err != nil {
		d.log.Error().Err(err).Str("kind", f.Kind.String()).Msg("Failed to encode frame")
		return
	}
	if err := s.Send(packet); err != nil {
		d.metrics.Deliveries.WithLabelValues("dropped").Inc()
		d.log.Warn().Err(err).Str("session", s.ID).Msg("Reply dropped")
		return
	}
	d.metrics.Deliveries.WithLabelValues("queued").Inc()
}

func (d *Dispatcher) broadcast(f protocol.Frame, excludeID string) {
	packet, err := protocol.EncodeFrame(f)
	if err != nil {
		d.log.Error().Err(err).Str("kind", f.Kind.String()).Msg("Failed to encode frame")
		return
	}
	d.broadcastPacket(packet, excludeID)
}

func (d *Dispatcher) broadcastPacket(packet []byte, excludeID string) {
	d.state.Registry.ForEach(func(target *chat.Session) error {
		if err := target.Send(packet); err != nil {
			d.metrics.Deliveries.WithLabelValues("dropped").Inc()
			return err
		}
		d.metrics.Deliveries.WithLabelValues("queued").Inc()
		return nil
	}, excludeID)
}

func (d *Dispatcher) broadcastRoster() {
	d.broadcast(protocol.Roster(d.state.Registry.Names()), "")
}
