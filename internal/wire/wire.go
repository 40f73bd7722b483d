// Copyright (C) 2026 phurth
// License: AGPL-3.0-only

// Package wire implements the ADB transport-layer message framing used when
// talking directly to a device's adbd, over USB or TCP.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	// HeaderLen is the fixed size of an ADB message header.
	HeaderLen = 24
	// MaxPayload is the largest payload this side is willing to receive.
	MaxPayload = 1024 * 1024

	// ConnectVersion is the protocol version sent in CNXN.
	ConnectVersion uint32 = 0x01000001

	// HostBanner identifies this side during the connect handshake.
	HostBanner = "host::features=shell_v2,cmd,stat_v2,fixed_push_mkdir"
)

// Command words, little-endian ASCII.
const (
	CmdConnect  uint32 = 0x4e584e43 // CNXN
	CmdAuth     uint32 = 0x48545541 // AUTH
	CmdOpen     uint32 = 0x4e45504f // OPEN
	CmdOkay     uint32 = 0x59414b4f // OKAY
	CmdWrite    uint32 = 0x45545257 // WRTE
	CmdClose    uint32 = 0x45534c43 // CLSE
	CmdSync     uint32 = 0x434e5953 // SYNC
	CmdStartTLS uint32 = 0x534c5453 // STLS
)

// AUTH message subtypes (arg0).
const (
	AuthToken        uint32 = 1
	AuthSignature    uint32 = 2
	AuthRSAPublicKey uint32 = 3
)

// Sync sub-protocol request/response ids.
const (
	SyncSend = "SEND"
	SyncData = "DATA"
	SyncDone = "DONE"
	SyncOkay = "OKAY"
	SyncFail = "FAIL"
	SyncQuit = "QUIT"
)

var (
	ErrBadMagic    = errors.New("wire: header magic does not match command")
	ErrBadChecksum = errors.New("wire: payload checksum mismatch")
	ErrTooLarge    = errors.New("wire: payload exceeds maximum size")
)

// Conn is the byte stream a Message travels over. Both net.Conn and the USB
// endpoint pair satisfy it.
type Conn interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
}

// Message is one ADB protocol unit: a 24-byte header plus optional payload.
type Message struct {
	Command uint32
	Arg0    uint32
	Arg1    uint32
	Payload []byte
}

// Checksum is the ADB payload checksum: a plain byte sum.
func Checksum(data []byte) uint32 {
	var sum uint32
	for _, b := range data {
		sum += uint32(b)
	}
	return sum
}

// Encode serializes the message for the wire.
func (m Message) Encode() []byte {
	buf := make([]byte, HeaderLen+len(m.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], m.Command)
	binary.LittleEndian.PutUint32(buf[4:8], m.Arg0)
	binary.LittleEndian.PutUint32(buf[8:12], m.Arg1)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(m.Payload)))
	binary.LittleEndian.PutUint32(buf[16:20], Checksum(m.Payload))
	binary.LittleEndian.PutUint32(buf[20:24], ^m.Command)
	copy(buf[HeaderLen:], m.Payload)
	return buf
}

// WriteMessage sends one message on w.
func WriteMessage(w io.Writer, m Message) error {
	if _, err := w.Write(m.Encode()); err != nil {
		return fmt.Errorf("wire: write %s: %w", CommandString(m.Command), err)
	}
	return nil
}

// ReadMessage reads and validates one message from r.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, fmt.Errorf("wire: read header: %w", err)
	}
	m := Message{
		Command: binary.LittleEndian.Uint32(hdr[0:4]),
		Arg0:    binary.LittleEndian.Uint32(hdr[4:8]),
		Arg1:    binary.LittleEndian.Uint32(hdr[8:12]),
	}
	length := binary.LittleEndian.Uint32(hdr[12:16])
	check := binary.LittleEndian.Uint32(hdr[16:20])
	magic := binary.LittleEndian.Uint32(hdr[20:24])
	if magic != ^m.Command {
		return Message{}, ErrBadMagic
	}
	if length > MaxPayload {
		return Message{}, ErrTooLarge
	}
	if length > 0 {
		m.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return Message{}, fmt.Errorf("wire: read payload: %w", err)
		}
		if Checksum(m.Payload) != check {
			return Message{}, ErrBadChecksum
		}
	}
	return m, nil
}

// SyncRequest builds an 8-byte sync sub-protocol header (id + LE length).
func SyncRequest(id string, n uint32) []byte {
	buf := make([]byte, 8)
	copy(buf[0:4], id)
	binary.LittleEndian.PutUint32(buf[4:8], n)
	return buf
}

// CommandString renders a command word for logs and errors.
func CommandString(cmd uint32) string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], cmd)
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%08x", cmd)
		}
	}
	return string(b[:])
}
