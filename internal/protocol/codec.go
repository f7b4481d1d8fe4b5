package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldKind     protowire.Number = 1
	fieldStatus   protowire.Number = 2
	fieldFileName protowire.Number = 3
	fieldFileSize protowire.Number = 4
	fieldPort     protowire.Number = 5
	fieldName     protowire.Number = 6

	frameHeaderSize = 4
)

// Codec turns messages into a small tagged envelope. Datagrams carry one
// envelope as is; streams prefix each envelope with its big-endian length.
type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) Encode(w io.Writer, msg Message) error {
	body, err := c.EncodeToBytes(msg)
	if err != nil {
		return err
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds %d", len(body), MaxFrameSize)
	}

	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	frame = append(frame, body...)

	_, err = w.Write(frame)
	return err
}

// Decode reads one length-prefixed envelope. Errors wrapping ErrDecodeFailed
// leave the stream positioned at the next frame; any other error means the
// stream is unusable.
func (c *Codec) Decode(r io.Reader) (Message, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d", size, MaxFrameSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	return c.DecodeFromBytes(body)
}

func (c *Codec) EncodeToBytes(msg Message) ([]byte, error) {
	b := make([]byte, 0, 32)
	b = append(b, magic[0], magic[1], Version)
	b = appendVarint(b, fieldKind, uint64(msg.Type()))

	switch m := msg.(type) {
	case *FileSendReq:
		b = appendString(b, fieldFileName, m.FileName)
		b = appendVarint(b, fieldFileSize, m.FileSize)
	case *FileSendRes:
		b = appendVarint(b, fieldStatus, uint64(m.Status))
		b = appendVarint(b, fieldPort, uint64(m.Port))
	case *ServiceDiscoverRes:
		b = appendVarint(b, fieldStatus, uint64(m.Status))
		b = appendVarint(b, fieldPort, uint64(m.ControlPort))
		b = appendString(b, fieldName, m.Name)
	case *Ping, *Pong, *ServiceDiscoverReq:
	default:
		return nil, fmt.Errorf("%w: cannot encode %T", ErrUnknownMessage, msg)
	}

	return b, nil
}

func (c *Codec) DecodeFromBytes(data []byte) (Message, error) {
	if len(data) < 3 || data[0] != magic[0] || data[1] != magic[1] {
		return nil, fmt.Errorf("%w: bad header", ErrDecodeFailed)
	}
	if data[2] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrDecodeFailed, data[2])
	}

	f, err := parseFields(data[3:])
	if err != nil {
		return nil, err
	}
	if !f.hasKind {
		return nil, fmt.Errorf("%w: missing message kind", ErrDecodeFailed)
	}
	if f.port > math.MaxUint16 || f.status > math.MaxUint16 {
		return nil, fmt.Errorf("%w: field out of range", ErrDecodeFailed)
	}

	switch MessageType(f.kind) {
	case MsgPing:
		return &Ping{}, nil
	case MsgPong:
		return &Pong{}, nil
	case MsgServiceDiscoverReq:
		return &ServiceDiscoverReq{}, nil
	case MsgServiceDiscoverRes:
		return &ServiceDiscoverRes{
			ControlPort: uint16(f.port),
			Name:        f.name,
			Status:      ErrorCode(f.status),
		}, nil
	case MsgFileSendReq:
		if f.fileName == "" {
			return nil, fmt.Errorf("%w: file send request without file name", ErrDecodeFailed)
		}
		return &FileSendReq{FileName: f.fileName, FileSize: f.fileSize}, nil
	case MsgFileSendRes:
		return &FileSendRes{Port: uint16(f.port), Status: ErrorCode(f.status)}, nil
	default:
		return nil, fmt.Errorf("%w: %w: kind 0x%04x", ErrDecodeFailed, ErrUnknownMessage, f.kind)
	}
}

type fields struct {
	fileName string
	fileSize uint64
	hasKind  bool
	kind     uint64
	name     string
	port     uint64
	status   uint64
}

func parseFields(b []byte) (fields, error) {
	var f fields
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, fmt.Errorf("%w: %v", ErrDecodeFailed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && isVarintField(num):
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return f, fmt.Errorf("%w: %v", ErrDecodeFailed, protowire.ParseError(m))
			}
			f.setVarint(num, v)
			n = m
		case typ == protowire.BytesType && (num == fieldFileName || num == fieldName):
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return f, fmt.Errorf("%w: %v", ErrDecodeFailed, protowire.ParseError(m))
			}
			if num == fieldFileName {
				f.fileName = v
			} else {
				f.name = v
			}
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return f, fmt.Errorf("%w: %v", ErrDecodeFailed, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	return f, nil
}

func isVarintField(num protowire.Number) bool {
	switch num {
	case fieldKind, fieldStatus, fieldFileSize, fieldPort:
		return true
	}
	return false
}

func (f *fields) setVarint(num protowire.Number, v uint64) {
	switch num {
	case fieldKind:
		f.kind = v
		f.hasKind = true
	case fieldStatus:
		f.status = v
	case fieldFileSize:
		f.fileSize = v
	case fieldPort:
		f.port = v
	}
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}
