package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MsgType is the frame discriminant, written as a little-endian u32.
type MsgType uint32

const (
	MsgLeaderRequest MsgType = iota
	MsgLeaderAccepted
	MsgFollowerAck
	MsgFollowerRegisterRequest
	MsgFollowerRegisterReply
	MsgClientRequest
	MsgRecoveryRequest
	MsgRecoveryReply
)

func (t MsgType) String() string {
	switch t {
	case MsgLeaderRequest:
		return "LeaderRequest"
	case MsgLeaderAccepted:
		return "LeaderAccepted"
	case MsgFollowerAck:
		return "FollowerAck"
	case MsgFollowerRegisterRequest:
		return "FollowerRegisterRequest"
	case MsgFollowerRegisterReply:
		return "FollowerRegisterReply"
	case MsgClientRequest:
		return "ClientRequest"
	case MsgRecoveryRequest:
		return "RecoveryRequest"
	case MsgRecoveryReply:
		return "RecoveryReply"
	default:
		return fmt.Sprintf("MsgType(%d)", uint32(t))
	}
}

// Message is the datagram frame union. Type selects the variant; only the
// fields of that variant are meaningful:
//
//	LeaderRequest           RequestID
//	LeaderAccepted          RequestID, Operation
//	FollowerAck             RequestID
//	FollowerRegisterRequest FollowerAddr
//	FollowerRegisterReply   Roster, Index
//	ClientRequest           RequestID, Payload
//	RecoveryRequest         Key
//	RecoveryReply           Index, Payload
type Message struct {
	Type         MsgType
	RequestID    uint64
	Operation    Operation
	FollowerAddr string
	Roster       []string
	Index        uint64
	Payload      []byte
	Key          string
}

// maxChunk bounds any single length-prefixed field while decoding. Frames
// travel in single UDP datagrams, so anything near this is already corrupt.
const maxChunk = 1 << 20

// Marshal serializes the frame.
func (m *Message) Marshal() []byte {
	var buf bytes.Buffer
	writeU32(&buf, uint32(m.Type))

	switch m.Type {
	case MsgLeaderRequest, MsgFollowerAck:
		writeU64(&buf, m.RequestID)
	case MsgLeaderAccepted:
		writeU64(&buf, m.RequestID)
		writeU32(&buf, uint32(m.Operation.Type))
		WriteBinKV(&buf, m.Operation.KV)
	case MsgFollowerRegisterRequest:
		writeString(&buf, m.FollowerAddr)
	case MsgFollowerRegisterReply:
		writeU64(&buf, uint64(len(m.Roster)))
		for _, addr := range m.Roster {
			writeString(&buf, addr)
		}
		writeU64(&buf, m.Index)
	case MsgClientRequest:
		writeU64(&buf, m.RequestID)
		writeBytes(&buf, m.Payload)
	case MsgRecoveryRequest:
		writeString(&buf, m.Key)
	case MsgRecoveryReply:
		writeU64(&buf, m.Index)
		writeBytes(&buf, m.Payload)
	}
	return buf.Bytes()
}

// UnmarshalMessage decodes a frame received from the socket.
func UnmarshalMessage(data []byte) (Message, error) {
	r := bytes.NewReader(data)

	tag, err := readU32(r)
	if err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}

	m := Message{Type: MsgType(tag)}
	switch m.Type {
	case MsgLeaderRequest, MsgFollowerAck:
		m.RequestID, err = readU64(r)
	case MsgLeaderAccepted:
		if m.RequestID, err = readU64(r); err != nil {
			break
		}
		var opTag uint32
		if opTag, err = readU32(r); err != nil {
			break
		}
		m.Operation.Type = OpType(opTag)
		m.Operation.KV, err = ReadBinKV(r)
	case MsgFollowerRegisterRequest:
		m.FollowerAddr, err = readString(r)
	case MsgFollowerRegisterReply:
		var count uint64
		if count, err = readU64(r); err != nil {
			break
		}
		if count > maxChunk {
			err = fmt.Errorf("roster count %d exceeds limit", count)
			break
		}
		m.Roster = make([]string, 0, count)
		for i := uint64(0); i < count; i++ {
			var addr string
			if addr, err = readString(r); err != nil {
				break
			}
			m.Roster = append(m.Roster, addr)
		}
		if err == nil {
			m.Index, err = readU64(r)
		}
	case MsgClientRequest:
		if m.RequestID, err = readU64(r); err != nil {
			break
		}
		m.Payload, err = readBytes(r)
	case MsgRecoveryRequest:
		m.Key, err = readString(r)
	case MsgRecoveryReply:
		if m.Index, err = readU64(r); err != nil {
			break
		}
		m.Payload, err = readBytes(r)
	default:
		err = fmt.Errorf("unknown frame type %d", tag)
	}
	if err != nil {
		return Message{}, fmt.Errorf("decode %s frame: %w", m.Type, err)
	}
	return m, nil
}

// WriteBinKV appends the BinKV layout: u64 key length, key bytes, u64 value
// length, value bytes, all lengths little endian. The same layout is used
// inside LeaderAccepted frames and in WAL records.
func WriteBinKV(w io.Writer, kv BinKV) error {
	var buf bytes.Buffer
	writeString(&buf, kv.Key)
	writeBytes(&buf, kv.Value)
	_, err := w.Write(buf.Bytes())
	return err
}

// ReadBinKV decodes one BinKV from r. A short read surfaces as
// io.ErrUnexpectedEOF (or io.EOF when nothing was read), which WAL scanning
// treats as end-of-log.
func ReadBinKV(r io.Reader) (BinKV, error) {
	key, err := readString(r)
	if err != nil {
		return BinKV{}, err
	}
	value, err := readBytes(r)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return BinKV{}, err
	}
	return BinKV{Key: key, Value: value}, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, p []byte) {
	writeU64(buf, uint64(len(p)))
	buf.Write(p)
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readU64(r)
	if err != nil {
		return nil, err
	}
	if n > maxChunk {
		return nil, fmt.Errorf("field length %d exceeds limit", n)
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(r, p); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return p, nil
}

func readString(r io.Reader) (string, error) {
	p, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(p), nil
}
