package transport

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

// scriptConn is a net.Conn whose reads are scripted: each element of
// reads is served by exactly one Read call, so tests control physical
// read boundaries precisely. Writes are recorded per call.
type scriptConn struct {
	reads  [][]byte
	readN  int // physical reads performed
	writes [][]byte
	closed bool
}

func (c *scriptConn) Read(p []byte) (int, error) {
	if len(c.reads) == 0 {
		return 0, io.EOF
	}
	c.readN++
	chunk := c.reads[0]
	c.reads = c.reads[1:]
	n := copy(p, chunk)
	if n < len(chunk) {
		// Session always reads with a MaxFrameSize buffer; a scripted
		// chunk must never exceed it.
		panic("scriptConn: read buffer smaller than scripted chunk")
	}
	return n, nil
}

func (c *scriptConn) Write(p []byte) (int, error) {
	c.writes = append(c.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (c *scriptConn) Close() error                       { c.closed = true; return nil }
func (c *scriptConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (c *scriptConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (c *scriptConn) SetDeadline(t time.Time) error      { return nil }
func (c *scriptConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *scriptConn) SetWriteDeadline(t time.Time) error { return nil }

func testKeyStore(t *testing.T) *KeyStore {
	t.Helper()
	ks, err := DeriveKeyStore([]byte("test shared secret"))
	if err != nil {
		t.Fatal(err)
	}
	return ks
}

// controllerFrames encrypts plaintext the way a controller would: chunked
// into request-key frames with counters starting at from.
func controllerFrames(t *testing.T, ks *KeyStore, from uint64, plaintext []byte) [][]byte {
	t.Helper()
	var frames [][]byte
	counter := from
	for len(plaintext) > 0 || counter == from {
		chunk := plaintext
		if len(chunk) > MaxChunkSize {
			chunk = chunk[:MaxChunkSize]
		}
		frame, err := EncryptFrame(ks.RequestKey[:], counter, chunk)
		if err != nil {
			t.Fatal(err)
		}
		frames = append(frames, frame)
		counter++
		plaintext = plaintext[len(chunk):]
		if len(plaintext) == 0 {
			break
		}
	}
	return frames
}

func concat(bufs [][]byte) []byte {
	var out []byte
	for _, b := range bufs {
		out = append(out, b...)
	}
	return out
}

func securedSession(t *testing.T, conn net.Conn) *Session {
	t.Helper()
	s := NewSession(conn)
	if err := s.Secure(testKeyStore(t)); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestInsecurePassthrough(t *testing.T) {
	conn := &scriptConn{reads: [][]byte{[]byte("raw inbound")}}
	s := NewSession(conn)

	if s.IsSecure() {
		t.Fatal("fresh session should be insecure")
	}

	buf := make([]byte, 64)
	n, err := s.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "raw inbound" {
		t.Errorf("read: got %q", buf[:n])
	}

	if _, err := s.Write([]byte("raw outbound")); err != nil {
		t.Fatal(err)
	}
	if len(conn.writes) != 1 || string(conn.writes[0]) != "raw outbound" {
		t.Errorf("write should pass through unmodified: %q", conn.writes)
	}
}

func TestSecureWriteReadRoundTrip(t *testing.T) {
	sizes := []int{1, 2, 100, MaxChunkSize - 1, MaxChunkSize, MaxChunkSize + 1, 2*MaxChunkSize + 37, 10000}
	for _, size := range sizes {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i * 7)
		}

		conn := &scriptConn{}
		s := securedSession(t, conn)

		n, err := s.Write(payload)
		if err != nil {
			t.Fatalf("size %d: %v", size, err)
		}
		if n != size {
			t.Fatalf("size %d: wrote %d", size, n)
		}

		// Decrypt the emitted frames as the controller would and check
		// the payload reassembles exactly.
		ks := testKeyStore(t)
		var got []byte
		var counter uint64
		for i, frame := range conn.writes {
			if len(frame) > MaxFrameSize {
				t.Fatalf("size %d: frame %d is %d bytes, exceeds %d", size, i, len(frame), MaxFrameSize)
			}
			chunk, consumed, err := DecryptFrame(ks.ResponseKey[:], counter, frame)
			if err != nil {
				t.Fatalf("size %d: frame %d: %v", size, i, err)
			}
			if consumed != len(frame) {
				t.Fatalf("size %d: frame %d has trailing bytes", size, i)
			}
			if len(chunk) > MaxChunkSize {
				t.Fatalf("size %d: frame %d plaintext is %d bytes", size, i, len(chunk))
			}
			counter++
			got = append(got, chunk...)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("size %d: payload mismatch after round trip", size)
		}

		wantFrames := (size + MaxChunkSize - 1) / MaxChunkSize
		if len(conn.writes) != wantFrames {
			t.Fatalf("size %d: got %d frames, want %d", size, len(conn.writes), wantFrames)
		}
	}
}

func TestSecureReadRoundTrip(t *testing.T) {
	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte(i)
	}

	ks := testKeyStore(t)
	frames := controllerFrames(t, ks, 0, payload)
	reads := make([][]byte, len(frames))
	copy(reads, frames)

	s := securedSession(t, &scriptConn{reads: reads})

	got := make([]byte, 0, len(payload))
	buf := make([]byte, 333) // deliberately misaligned with frame boundaries
	for len(got) < len(payload) {
		n, err := s.Read(buf)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload mismatch after decrypt")
	}
}

func TestNonceMonotonicity(t *testing.T) {
	conn := &scriptConn{}
	s := securedSession(t, conn)

	const writes = 5
	for i := 0; i < writes; i++ {
		if _, err := s.Write([]byte("tick")); err != nil {
			t.Fatal(err)
		}
	}
	if s.sendCount != writes {
		t.Fatalf("send counter: got %d, want %d", s.sendCount, writes)
	}

	ks := testKeyStore(t)
	frames := controllerFrames(t, ks, 0, []byte("a"))
	frames = append(frames, controllerFrames(t, ks, 1, []byte("b"))...)
	s2 := securedSession(t, &scriptConn{reads: frames})
	buf := make([]byte, 8)
	for i := 0; i < 2; i++ {
		if _, err := s2.Read(buf); err != nil {
			t.Fatal(err)
		}
	}
	if s2.recvCount != 2 {
		t.Fatalf("recv counter: got %d, want 2", s2.recvCount)
	}
}

func TestMultiFrameReassembly(t *testing.T) {
	ks := testKeyStore(t)
	frameAB, err := EncryptFrame(ks.RequestKey[:], 0, []byte("AB"))
	if err != nil {
		t.Fatal(err)
	}
	frameCD, err := EncryptFrame(ks.RequestKey[:], 1, []byte("CD"))
	if err != nil {
		t.Fatal(err)
	}
	frameE, err := EncryptFrame(ks.RequestKey[:], 2, []byte("E"))
	if err != nil {
		t.Fatal(err)
	}

	// First physical read delivers both frames coalesced; the second
	// holds a third frame.
	conn := &scriptConn{reads: [][]byte{
		concat([][]byte{frameAB, frameCD}),
		frameE,
	}}
	s := securedSession(t, conn)

	buf := make([]byte, 1)
	var got []byte
	for i := 0; i < 4; i++ {
		n, err := s.Read(buf)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != "ABCD" {
		t.Fatalf("reassembled: got %q, want ABCD", got)
	}
	if conn.readN != 1 {
		t.Fatalf("draining both frames should take one physical read, got %d", conn.readN)
	}

	// Only a drained buffer triggers the next physical read.
	if _, err := s.Read(buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "E" {
		t.Fatalf("got %q, want E", buf)
	}
	if conn.readN != 2 {
		t.Fatalf("expected second physical read, got %d", conn.readN)
	}
}

func TestSplitFrameAcrossReads(t *testing.T) {
	ks := testKeyStore(t)
	frame, err := EncryptFrame(ks.RequestKey[:], 0, []byte("split payload"))
	if err != nil {
		t.Fatal(err)
	}

	// The frame arrives in three fragments, none aligned to frame
	// boundaries; TCP is allowed to do this.
	conn := &scriptConn{reads: [][]byte{
		frame[:1],
		frame[1:7],
		frame[7:],
	}}
	s := securedSession(t, conn)

	buf := make([]byte, 64)
	n, err := s.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "split payload" {
		t.Fatalf("got %q", buf[:n])
	}
	if conn.readN != 3 {
		t.Fatalf("expected 3 physical reads, got %d", conn.readN)
	}
}

func TestTamperedFrameFatal(t *testing.T) {
	ks := testKeyStore(t)
	good, err := EncryptFrame(ks.RequestKey[:], 0, []byte("ok"))
	if err != nil {
		t.Fatal(err)
	}
	bad, err := EncryptFrame(ks.RequestKey[:], 1, []byte("evil"))
	if err != nil {
		t.Fatal(err)
	}
	bad[len(bad)-1] ^= 0x80

	conn := &scriptConn{reads: [][]byte{good, bad}}
	s := securedSession(t, conn)

	// The first frame is intact and unaffected by later tampering.
	buf := make([]byte, 8)
	n, err := s.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "ok" {
		t.Fatalf("got %q", buf[:n])
	}

	_, err = s.Read(buf)
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestNoPartialPlaintextOnFailure(t *testing.T) {
	ks := testKeyStore(t)
	good, err := EncryptFrame(ks.RequestKey[:], 0, []byte("leak?"))
	if err != nil {
		t.Fatal(err)
	}
	bad, err := EncryptFrame(ks.RequestKey[:], 1, []byte("nope"))
	if err != nil {
		t.Fatal(err)
	}
	bad[3] ^= 0x01

	// Both frames land in one physical read; the second fails, so the
	// whole read is poisoned and the first frame's plaintext must not be
	// released.
	conn := &scriptConn{reads: [][]byte{concat([][]byte{good, bad})}}
	s := securedSession(t, conn)

	buf := make([]byte, 16)
	_, err = s.Read(buf)
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if len(s.pending) != 0 {
		t.Fatalf("pending plaintext should be empty after failure, got %d bytes", len(s.pending))
	}
}

func TestSecureIdempotent(t *testing.T) {
	conn := &scriptConn{}
	s := NewSession(conn)
	ks := testKeyStore(t)

	if err := s.Secure(ks); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	if s.sendCount != 1 {
		t.Fatalf("send counter: got %d", s.sendCount)
	}

	// Second call is a no-op: counters and keys untouched.
	other, err := DeriveKeyStore([]byte("different secret"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Secure(other); err != nil {
		t.Fatal(err)
	}
	if s.sendCount != 1 {
		t.Fatalf("second Secure changed counter: %d", s.sendCount)
	}
	if s.keys != ks {
		t.Fatal("second Secure replaced the key store")
	}
}

func TestSecureWithoutKeys(t *testing.T) {
	s := NewSession(&scriptConn{})
	err := s.Secure(nil)
	if !errors.Is(err, ErrNoKeys) {
		t.Fatalf("expected ErrNoKeys, got %v", err)
	}
	if s.IsSecure() {
		t.Fatal("session must stay insecure after failed transition")
	}
}

func TestInvalidBuffers(t *testing.T) {
	s := NewSession(&scriptConn{})

	if _, err := s.Read(nil); !errors.Is(err, ErrInvalidBuffer) {
		t.Errorf("Read(nil): got %v", err)
	}
	if _, err := s.Read([]byte{}); !errors.Is(err, ErrInvalidBuffer) {
		t.Errorf("Read(empty): got %v", err)
	}
	if _, err := s.Write(nil); !errors.Is(err, ErrInvalidBuffer) {
		t.Errorf("Write(nil): got %v", err)
	}
}

func TestReadErrorPassthrough(t *testing.T) {
	// Socket errors surface unchanged so the caller can classify them as
	// it would for a raw connection.
	s := securedSession(t, &scriptConn{})
	_, err := s.Read(make([]byte, 8))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	conn := &scriptConn{}
	s := NewSession(conn)

	calls := 0
	s.onClose = func() { calls++ }

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("onClose ran %d times, want 1", calls)
	}
	if !conn.closed {
		t.Fatal("underlying conn not closed")
	}
}
