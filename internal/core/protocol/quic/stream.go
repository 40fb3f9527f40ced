// Package quic carries the sync protocol over one bidirectional QUIC stream.
// Frames are length-prefixed: an 8-byte big-endian size followed by the
// encoded envelope.
package quic

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/zeusync/tasksync/internal/core/protocol"
	"github.com/zeusync/tasksync/internal/core/transport"
)

const frameHeaderSize = 8

// Stream is the part of a QUIC stream the channel needs. net.Conn satisfies
// it too.
type Stream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

var _ transport.Channel = (*StreamChannel)(nil)

// StreamChannel frames messages over a Stream.
type StreamChannel struct {
	stream  Stream
	config  protocol.Config
	onClose func() error
	closed  int32

	writeMu sync.Mutex
	readMu  sync.Mutex
	header  [frameHeaderSize]byte
}

// NewStreamChannel wraps stream. onClose, when set, runs after the stream is
// closed and tears down the owning connection.
func NewStreamChannel(stream Stream, config protocol.Config, onClose func() error) *StreamChannel {
	return &StreamChannel{stream: stream, config: config, onClose: onClose}
}

func (s *StreamChannel) Send(ctx context.Context, frame []byte) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return protocol.ErrConnectionClosed
	}
	if s.config.MaxMessageSize > 0 && len(frame) > s.config.MaxMessageSize {
		return errors.Wrapf(protocol.ErrMessageTooLarge, "frame size %d exceeds limit %d", len(frame), s.config.MaxMessageSize)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Time{}
	if s.config.WriteTimeout > 0 {
		deadline = time.Now().Add(s.config.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = s.stream.SetWriteDeadline(deadline)

	buf := make([]byte, frameHeaderSize+len(frame))
	binary.BigEndian.PutUint64(buf, uint64(len(frame)))
	copy(buf[frameHeaderSize:], frame)
	if _, err := s.stream.Write(buf); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	return nil
}

func (s *StreamChannel) Receive(ctx context.Context) ([]byte, error) {
	if atomic.LoadInt32(&s.closed) == 1 {
		return nil, protocol.ErrConnectionClosed
	}

	s.readMu.Lock()
	defer s.readMu.Unlock()

	if s.config.ReadTimeout > 0 {
		_ = s.stream.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	} else {
		_ = s.stream.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.stream.SetReadDeadline(time.Now())
	})
	defer stop()

	frame, err := s.readFrame()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return frame, nil
}

func (s *StreamChannel) readFrame() ([]byte, error) {
	if _, err := io.ReadFull(s.stream, s.header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.Wrap(protocol.ErrConnectionClosed, "stream reached EOF")
		}
		return nil, errors.Wrap(err, "failed to read frame header")
	}

	size := binary.BigEndian.Uint64(s.header[:])
	if s.config.MaxMessageSize > 0 && size > uint64(s.config.MaxMessageSize) {
		return nil, errors.Wrapf(protocol.ErrMessageTooLarge, "frame size %d exceeds limit %d", size, s.config.MaxMessageSize)
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(s.stream, frame); err != nil {
		return nil, errors.Wrapf(err, "failed to read frame of %d bytes", size)
	}
	return frame, nil
}

func (s *StreamChannel) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	err := s.stream.Close()
	if s.onClose != nil {
		if cerr := s.onClose(); err == nil {
			err = cerr
		}
	}
	return err
}
