package daemon

import (
	"encoding/binary"
	"errors"
	"io"
)

// Stream identifies which multiplexed channel a frame belongs to.
type Stream int

const (
	StreamStdout Stream = 1
	StreamStderr Stream = 2
)

const frameHeaderSize = 8

// FrameSink receives demultiplexed payload bytes tagged by stream.
type FrameSink func(stream Stream, payload []byte)

// FrameDecoder parses the daemon's multiplexed exec attach stream:
// an 8-byte header ([type:1][reserved:3][size:4-BE]) followed by that many
// payload bytes, repeated until the underlying reader is exhausted. A short
// read at the end of the stream flushes whatever partial payload was read to
// the best-guess sink (the stream type named by the partial header, or stdout
// if even the header itself was truncated) rather than being discarded.
type FrameDecoder struct {
	r   io.Reader
	buf []byte
}

// NewFrameDecoder wraps r.
func NewFrameDecoder(r io.Reader) *FrameDecoder {
	return &FrameDecoder{r: r, buf: make([]byte, 32*1024)}
}

// Decode reads frames until EOF, invoking sink for each complete or partial payload.
func (d *FrameDecoder) Decode(sink FrameSink) error {
	header := make([]byte, frameHeaderSize)
	for {
		n, err := io.ReadFull(d.r, header)
		if n > 0 && n < frameHeaderSize {
			// Header itself was truncated; best guess is stdout for whatever bytes arrived.
			sink(StreamStdout, header[:n])
			return nil
		}
		if isStreamEnd(err) {
			return nil
		}
		if err != nil {
			return err
		}

		streamType := Stream(header[0])
		size := binary.BigEndian.Uint32(header[4:8])
		payload, err := d.readPayload(size)
		if len(payload) > 0 {
			sink(streamType, payload)
		}
		if isStreamEnd(err) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func isStreamEnd(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func (d *FrameDecoder) readPayload(size uint32) ([]byte, error) {
	if cap(d.buf) < int(size) {
		d.buf = make([]byte, size)
	}
	buf := d.buf[:size]
	n, err := io.ReadFull(d.r, buf)
	if n > 0 {
		out := make([]byte, n)
		copy(out, buf[:n])
		return out, err
	}
	return nil, err
}
