package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	"hearth/internal/logging"
)

var tlog = logging.For("transport")

var (
	// ErrInvalidBuffer reports a nil or empty caller buffer. It is
	// returned before any socket I/O happens.
	ErrInvalidBuffer = errors.New("transport: nil or empty buffer")

	// ErrNoKeys reports an attempt to secure a session without a key
	// store. This is a contract violation by the pairing collaborator,
	// not a runtime condition to retry.
	ErrNoKeys = errors.New("transport: secure requested without session keys")
)

// Session wraps one accessory connection and implements net.Conn. It
// starts insecure, passing reads and writes straight through to the
// socket. Once the pairing collaborator installs session keys via Secure,
// every outbound payload is chunked into encrypted frames and every
// inbound read is decrypted and reassembled, transparently to the upper
// request server. There is no way back to insecure.
//
// A session belongs to the single worker serving its connection and does
// no internal locking; concurrent callers must serialize externally.
type Session struct {
	conn net.Conn

	secure    bool
	keys      *KeyStore
	sendCount uint64 // frames encrypted, accessory to controller
	recvCount uint64 // frames decrypted, controller to accessory

	pending    []byte // decrypted but not yet delivered plaintext
	pendingOff int    // how much of pending the caller has consumed
	carry      []byte // raw bytes of an incomplete trailing frame

	onClose   func()
	closeOnce sync.Once
}

// NewSession wraps a freshly accepted connection in an insecure session.
func NewSession(conn net.Conn) *Session {
	return &Session{conn: conn}
}

// Secure switches the session into encrypted mode. The first call
// installs the key store and must happen before any encrypted traffic;
// calling Secure again is a no-op and leaves the frame counters alone.
// Securing without keys fails loudly.
func (s *Session) Secure(ks *KeyStore) error {
	if s.secure {
		return nil
	}
	if ks == nil {
		return ErrNoKeys
	}
	s.keys = ks
	s.secure = true
	tlog.Debug("session secured", "remote", s.conn.RemoteAddr())
	return nil
}

// IsSecure reports whether the session has been switched into encrypted
// mode.
func (s *Session) IsSecure() bool {
	return s.secure
}

// Read fills p with plaintext. Insecure sessions read straight from the
// socket. Secure sessions serve from the reassembled plaintext of the
// most recent physical read, refilling with a new read only once that
// buffer is drained — so the first Read after exhaustion may block on the
// network while subsequent Reads return buffered data immediately.
func (s *Session) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, ErrInvalidBuffer
	}
	if !s.secure {
		return s.conn.Read(p)
	}

	for s.pendingOff >= len(s.pending) {
		if err := s.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, s.pending[s.pendingOff:])
	s.pendingOff += n
	return n, nil
}

// fill performs one physical read and decrypts every complete frame in
// it into the pending buffer, advancing the receive counter once per
// frame. A sender may coalesce several frames into one segment; equally,
// a frame may arrive split across reads, in which case its bytes are
// carried over and prepended to the next read. A single failed frame
// poisons the whole read: nothing from it is released.
func (s *Session) fill() error {
	buf := make([]byte, MaxFrameSize)
	n, err := s.conn.Read(buf)
	if err != nil {
		return err
	}

	raw := buf[:n]
	if len(s.carry) > 0 {
		raw = append(s.carry, raw...)
		s.carry = nil
	}

	s.pending = s.pending[:0]
	s.pendingOff = 0
	for len(raw) > 0 {
		chunk, consumed, err := DecryptFrame(s.keys.RequestKey[:], s.recvCount, raw)
		if errors.Is(err, ErrShortFrame) {
			s.carry = append(s.carry, raw...)
			break
		}
		if err != nil {
			s.pending = s.pending[:0]
			tlog.Error("dropping connection: bad frame", "remote", s.conn.RemoteAddr(), "err", err)
			return err
		}
		s.recvCount++
		s.pending = append(s.pending, chunk...)
		raw = raw[consumed:]
	}
	return nil
}

// Write sends p. Insecure sessions write straight to the socket. Secure
// sessions split p into frame-sized chunks, encrypt each with the current
// send counter, and write the frames in order. On success the full
// plaintext length is returned; a failed write aborts immediately with no
// resend of chunks already on the wire.
func (s *Session) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, ErrInvalidBuffer
	}
	if !s.secure {
		return s.conn.Write(p)
	}

	var written int
	for written < len(p) {
		chunk := p[written:]
		if len(chunk) > MaxChunkSize {
			chunk = chunk[:MaxChunkSize]
		}
		frame, err := EncryptFrame(s.keys.ResponseKey[:], s.sendCount, chunk)
		if err != nil {
			return written, err
		}
		s.sendCount++
		if _, err := s.conn.Write(frame); err != nil {
			return written, err
		}
		written += len(chunk)
	}
	return written, nil
}

// Close tears the session down and closes the underlying connection.
// Safe to call from either state and more than once; the deregistration
// hook runs exactly once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
		err = s.conn.Close()
	})
	return err
}

func (s *Session) LocalAddr() net.Addr                { return s.conn.LocalAddr() }
func (s *Session) RemoteAddr() net.Addr               { return s.conn.RemoteAddr() }
func (s *Session) SetDeadline(t time.Time) error      { return s.conn.SetDeadline(t) }
func (s *Session) SetReadDeadline(t time.Time) error  { return s.conn.SetReadDeadline(t) }
func (s *Session) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }
