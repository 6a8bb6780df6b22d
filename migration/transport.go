// Package migration moves vCPU state and guest memory between two VMs.
//
// Wire format for each message:
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload bytes]
//
// A stream is MsgSnapshot, MsgMemory, MsgDone from the source, answered by
// MsgReady once the destination has restored everything.
package migration

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
)

// MsgType identifies a migration protocol message.
type MsgType uint32

const (
	MsgSnapshot MsgType = 1 // gob-encoded Snapshot (no memory)
	MsgMemory   MsgType = 2 // raw guest memory (full copy)
	MsgDone     MsgType = 4 // source signals end-of-migration
	MsgReady    MsgType = 5 // destination confirms it is running
)

func (t MsgType) String() string {
	switch t {
	case MsgSnapshot:
		return "snapshot"
	case MsgMemory:
		return "memory"
	case MsgDone:
		return "done"
	case MsgReady:
		return "ready"
	}

	return fmt.Sprintf("MsgType(%d)", uint32(t))
}

const headerSize = 12

// MaxPayload bounds a single message; guest memory is the largest one.
const MaxPayload = 1 << 36

var (
	ErrUnexpectedMessage = errors.New("unexpected migration message")
	ErrPayloadTooLarge   = errors.New("migration payload too large")
	ErrMemorySize        = errors.New("guest memory size mismatch")
)

// Sender writes framed messages to an underlying writer.
type Sender struct {
	w io.Writer
}

// NewSender wraps w as a migration Sender.
func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

func (s *Sender) send(t MsgType, payload []byte) error {
	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))

	if _, err := s.w.Write(hdr); err != nil {
		return fmt.Errorf("send %v header: %w", t, err)
	}

	if len(payload) > 0 {
		if _, err := s.w.Write(payload); err != nil {
			return fmt.Errorf("send %v payload: %w", t, err)
		}
	}

	return nil
}

// SendSnapshot encodes snap with gob and sends it as a MsgSnapshot.
// Released vCPU states are refused.
func (s *Sender) SendSnapshot(snap *Snapshot) error {
	for i := range snap.VCPUs {
		if err := snap.VCPUs[i].Check(); err != nil {
			return fmt.Errorf("vcpu %d: %w", i, err)
		}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	return s.send(MsgSnapshot, buf.Bytes())
}

// SendMemory sends the raw guest memory.
func (s *Sender) SendMemory(mem []byte) error {
	return s.send(MsgMemory, mem)
}

// SendDone signals the end of the migration stream.
func (s *Sender) SendDone() error { return s.send(MsgDone, nil) }

// SendReady signals that the destination VM is running.
func (s *Sender) SendReady() error { return s.send(MsgReady, nil) }

// Send writes a complete migration stream.
func (s *Sender) Send(snap *Snapshot, mem []byte) error {
	if snap.MemSize != len(mem) {
		return fmt.Errorf("%w: snapshot says %d, memory is %d", ErrMemorySize, snap.MemSize, len(mem))
	}

	if err := s.SendSnapshot(snap); err != nil {
		return err
	}

	if err := s.SendMemory(mem); err != nil {
		return err
	}

	return s.SendDone()
}

// Receiver reads framed messages from an underlying reader.
type Receiver struct {
	r io.Reader
}

// NewReceiver wraps r as a migration Receiver.
func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Next reads the next message header and returns the type and full payload.
func (r *Receiver) Next() (MsgType, []byte, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	t := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint64(hdr[4:12])

	if length == 0 {
		return t, nil, nil
	}

	if length > MaxPayload {
		return 0, nil, fmt.Errorf("%w: %v with %d bytes", ErrPayloadTooLarge, t, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return 0, nil, fmt.Errorf("read payload (type=%v len=%d): %w", t, length, err)
	}

	return t, payload, nil
}

// Expect reads the next message and fails unless it has type want.
func (r *Receiver) Expect(want MsgType) ([]byte, error) {
	t, payload, err := r.Next()
	if err != nil {
		return nil, err
	}

	if t != want {
		return nil, fmt.Errorf("%w: got %v, want %v", ErrUnexpectedMessage, t, want)
	}

	return payload, nil
}

// Receive reads a complete migration stream written by Sender.Send.
func (r *Receiver) Receive() (*Snapshot, []byte, error) {
	payload, err := r.Expect(MsgSnapshot)
	if err != nil {
		return nil, nil, err
	}

	snap, err := DecodeSnapshot(payload)
	if err != nil {
		return nil, nil, err
	}

	mem, err := r.Expect(MsgMemory)
	if err != nil {
		return nil, nil, err
	}

	if len(mem) != snap.MemSize {
		return nil, nil, fmt.Errorf("%w: snapshot says %d, received %d", ErrMemorySize, snap.MemSize, len(mem))
	}

	if _, err := r.Expect(MsgDone); err != nil {
		return nil, nil, err
	}

	return snap, mem, nil
}

// DecodeSnapshot decodes a gob-encoded Snapshot from payload bytes.
func DecodeSnapshot(payload []byte) (*Snapshot, error) {
	snap := &Snapshot{}

	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	return snap, nil
}
