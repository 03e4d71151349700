package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

const readerSize = 4096

// attachmentTrailer follows every relayed attachment payload. The leading
// newline lets line-only readers resynchronise after the raw bytes.
const attachmentTrailer = "\n" + TagAttachmentEnd + "\n"

// Limits constrains decoder memory use.
type Limits struct {
	// MaxLineBytes bounds a single control line. Zero means unbounded.
	MaxLineBytes int
	// MaxPayloadBytes bounds an announced binary payload. Zero means unbounded.
	MaxPayloadBytes int64
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxLineBytes:    64 * 1024,
		MaxPayloadBytes: 32 * 1024 * 1024,
	}
}

// Decoder reads frames from a stream. Control lines and binary payloads are
// read through the same buffered reader, so no bytes are ever stranded in a
// second buffer when the decoder switches modes.
type Decoder struct {
	r      *bufio.Reader
	limits Limits

	// remaining counts undrained payload bytes of the last announcing frame.
	remaining int64
	// skipBlank drops the blank line that precedes the attachment trailer.
	skipBlank bool
}

// NewDecoder returns a Decoder reading from r. If r is already a
// *bufio.Reader it is used directly and keeps any bytes it has buffered.
func NewDecoder(r io.Reader, limits Limits) *Decoder {
	return &Decoder{
		r:      bufio.NewReaderSize(r, readerSize),
		limits: limits,
	}
}

// Next returns the next control frame, or io.EOF at end of stream. Payload
// bytes left undrained from a previous frame are discarded first.
func (d *Decoder) Next() (Frame, error) {
	if d.remaining > 0 {
		n, err := io.CopyN(io.Discard, d.r, d.remaining)
		d.remaining -= n
		if err != nil {
			return Frame{}, wrapShort(err)
		}
	}

	for {
		line, err := d.readLine()
		if err != nil {
			return Frame{}, err
		}
		if d.skipBlank {
			d.skipBlank = false
			if line == "" {
				continue
			}
		}

		f, err := Parse(line)
		if err != nil {
			return Frame{}, err
		}
		if f.Kind.AnnouncesPayload() {
			if d.limits.MaxPayloadBytes > 0 && f.Size > d.limits.MaxPayloadBytes {
				return Frame{}, fmt.Errorf("%w: %d bytes announced, limit %d", ErrPayloadTooLarge, f.Size, d.limits.MaxPayloadBytes)
			}
			d.remaining = f.Size
			d.skipBlank = f.Kind == KindAttachment
		}
		return f, nil
	}
}

// Remaining returns the number of payload bytes not yet read.
func (d *Decoder) Remaining() int64 {
	return d.remaining
}

// Payload returns a reader over the payload announced by the last frame.
// It returns io.EOF once the announced length has been consumed and
// ErrShortPayload if the stream ends first.
func (d *Decoder) Payload() io.Reader {
	return payloadReader{d: d}
}

// ReadPayload reads the whole announced payload into memory.
func (d *Decoder) ReadPayload() ([]byte, error) {
	buf := make([]byte, d.remaining)
	if _, err := io.ReadFull(d.Payload(), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// readLine returns one line without its terminator. A trailing line that is
// not terminated before end of stream is dropped and io.EOF returned.
func (d *Decoder) readLine() (string, error) {
	var buf []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		if d.limits.MaxLineBytes > 0 && len(buf)+len(chunk) > d.limits.MaxLineBytes+1 {
			return "", ErrLineTooLong
		}
		buf = append(buf, chunk...)

		switch {
		case err == nil:
			line := bytes.TrimSuffix(buf[:len(buf)-1], []byte("\r"))
			return string(line), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return "", err
		}
	}
}

type payloadReader struct {
	d *Decoder
}

func (p payloadReader) Read(b []byte) (int, error) {
	d := p.d
	if d.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(b)) > d.remaining {
		b = b[:d.remaining]
	}

	n, err := d.r.Read(b)
	d.remaining -= int64(n)
	if err != nil {
		if errors.Is(err, io.EOF) {
			if d.remaining > 0 {
				return n, wrapShort(io.ErrUnexpectedEOF)
			}
			return n, nil
		}
		return n, err
	}
	return n, nil
}

// EncodeControl returns text as a wire control frame.
func EncodeControl(text string) ([]byte, error) {
	if strings.ContainsAny(text, "\r\n") {
		return nil, ErrControlChars
	}
	b := make([]byte, 0, len(text)+1)
	b = append(b, text...)
	return append(b, '\n'), nil
}

// EncodeFrame returns the control frame encoding of f.
func EncodeFrame(f Frame) ([]byte, error) {
	return EncodeControl(f.String())
}

// EncodeAttachment returns the header of f followed by data. Relayed
// attachments (KindAttachment) also get the end marker. Size is taken from
// data.
func EncodeAttachment(f Frame, data []byte) ([]byte, error) {
	if !f.Kind.AnnouncesPayload() {
		return nil, fmt.Errorf("protocol: %s does not carry a payload", f.Kind)
	}
	f.Size = int64(len(data))
	header, err := EncodeFrame(f)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(header)+len(data)+len(attachmentTrailer))
	out = append(out, header...)
	out = append(out, data...)
	if f.Kind == KindAttachment {
		out = append(out, attachmentTrailer...)
	}
	return out, nil
}

// Encoder writes frames to a stream. It does no locking; callers sharing a
// connection must serialise whole frames, header and payload together.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteFrame writes one control frame.
func (e *Encoder) WriteFrame(f Frame) error {
	b, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	if _, err := e.w.Write(b); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", f.Kind, err)
	}
	return nil
}

// WriteBinary writes raw payload bytes with no framing of their own.
func (e *Encoder) WriteBinary(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if _, err := e.w.Write(p); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}
	return nil
}

// CopyBinary copies exactly n payload bytes from r. If r ends early the
// stream no longer matches its announcement and must be closed.
func (e *Encoder) CopyBinary(r io.Reader, n int64) error {
	written, err := io.CopyN(e.w, r, n)
	if err != nil {
		return fmt.Errorf("failed to write payload (%d of %d bytes): %w", written, n, err)
	}
	return nil
}
