package transport

// Wire encoding: a compact, self-describing binary format (spec §9).
// Frame layout:
//
//	uint8   tag length
//	[]byte  tag (ASCII)
//	uint16  field count
//	field*  one per payload value:
//	  uint8  kind
//	  <kind-specific body>
//
// Timestamps are encoded as UTC-epoch-nanoseconds (int64) so they can
// never be confused with a bare integer payload field; durations are
// encoded as seconds (int64) + nanoseconds (int32), per spec §9.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// Encode serializes m into the wire format.
func Encode(m Message) ([]byte, error) {
	var buf bytes.Buffer

	if len(m.Tag) > 255 {
		return nil, fmt.Errorf("transport: tag %q too long", m.Tag)
	}
	buf.WriteByte(byte(len(m.Tag)))
	buf.WriteString(m.Tag)

	if len(m.Payload) > 0xFFFF {
		return nil, fmt.Errorf("transport: too many payload fields (%d)", len(m.Payload))
	}
	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(len(m.Payload)))
	buf.Write(countBuf[:])

	for _, v := range m.Payload {
		if err := encodeValue(&buf, v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v Value) error {
	buf.WriteByte(byte(v.Kind))
	switch v.Kind {
	case KindBool:
		if v.Bool {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case KindInt:
		writeInt64(buf, v.Int)
	case KindString:
		if err := writeBytes(buf, []byte(v.Str)); err != nil {
			return err
		}
	case KindTimestamp:
		writeInt64(buf, v.Time.UTC().UnixNano())
	case KindDuration:
		sec := int64(v.Dur / time.Second)
		nsec := int32(v.Dur % time.Second)
		writeInt64(buf, sec)
		var nb [4]byte
		binary.BigEndian.PutUint32(nb[:], uint32(nsec))
		buf.Write(nb[:])
	case KindBytes:
		if err := writeBytes(buf, v.Bytes); err != nil {
			return err
		}
	case KindArray:
		if len(v.Array) > 0xFFFF {
			return fmt.Errorf("transport: array too long (%d)", len(v.Array))
		}
		var cb [2]byte
		binary.BigEndian.PutUint16(cb[:], uint16(len(v.Array)))
		buf.Write(cb[:])
		for _, elem := range v.Array {
			if err := encodeValue(buf, elem); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("transport: unknown value kind %d", v.Kind)
	}
	return nil
}

func writeInt64(buf *bytes.Buffer, i int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(i))
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, b []byte) error {
	if len(b) > 0xFFFFFF {
		return fmt.Errorf("transport: byte string too long (%d)", len(b))
	}
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(b)))
	buf.Write(lb[:4])
	buf.Write(b)
	return nil
}

// Decode parses the wire format back into a Message. It does not
// validate against a Registry; callers pass the result to
// Registry.Validate separately, matching spec §4.1's "validated on
// both send and receive" wording (decode can fail with a malformed
// frame independent of schema validation).
func Decode(data []byte) (Message, error) {
	r := &reader{buf: data}

	tagLen, err := r.byte()
	if err != nil {
		return Message{}, err
	}
	tag, err := r.take(int(tagLen))
	if err != nil {
		return Message{}, err
	}

	count, err := r.uint16()
	if err != nil {
		return Message{}, err
	}

	payload := make([]Value, 0, count)
	for i := 0; i < int(count); i++ {
		v, err := decodeValue(r)
		if err != nil {
			return Message{}, fmt.Errorf("transport: decode field %d: %w", i, err)
		}
		payload = append(payload, v)
	}
	if r.remaining() != 0 {
		return Message{}, fmt.Errorf("transport: %d trailing bytes", r.remaining())
	}
	return Message{Tag: string(tag), Payload: payload}, nil
}

func decodeValue(r *reader) (Value, error) {
	kindByte, err := r.byte()
	if err != nil {
		return Value{}, err
	}
	kind := Kind(kindByte)
	switch kind {
	case KindBool:
		b, err := r.byte()
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindBool, Bool: b != 0}, nil
	case KindInt:
		i, err := r.int64()
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindInt, Int: i}, nil
	case KindString:
		b, err := r.bytes()
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindString, Str: string(b)}, nil
	case KindTimestamp:
		i, err := r.int64()
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindTimestamp, Time: time.Unix(0, i).UTC()}, nil
	case KindDuration:
		sec, err := r.int64()
		if err != nil {
			return Value{}, err
		}
		nb, err := r.uint32()
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindDuration, Dur: time.Duration(sec)*time.Second + time.Duration(int32(nb))}, nil
	case KindBytes:
		b, err := r.bytes()
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindBytes, Bytes: b}, nil
	case KindArray:
		n, err := r.uint16()
		if err != nil {
			return Value{}, err
		}
		arr := make([]Value, 0, n)
		for i := 0; i < int(n); i++ {
			elem, err := decodeValue(r)
			if err != nil {
				return Value{}, err
			}
			arr = append(arr, elem)
		}
		return Value{Kind: KindArray, Array: arr}, nil
	default:
		return Value{}, fmt.Errorf("unknown wire kind %d", kind)
	}
}

// reader is a minimal bounds-checked cursor over a byte slice.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) byte() (byte, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("transport: truncated frame")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) take(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, fmt.Errorf("transport: truncated frame")
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) int64() (int64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	return r.take(int(n))
}
