package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// BinaryCodec emits a fixed-order record: messageId (u32), type
// (length-prefixed string), topic (length-prefixed string), payload
// (length-prefixed bytes), reliability (bool as one byte). A raw publish's
// PayloadRaw is written to the same payload field as a text publish's
// Payload — the two are mutually exclusive on one Message — with a leading
// flag byte recording which one it was so Deserialize reconstructs the
// right field.
type BinaryCodec struct{}

const (
	rawFlagText byte = 0
	rawFlagRaw  byte = 1
)

func (BinaryCodec) Serialize(m Message) ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.BigEndian, m.MessageID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodec, err)
	}
	if err := writeString(&buf, string(m.Type)); err != nil {
		return nil, err
	}
	if err := writeString(&buf, m.Topic); err != nil {
		return nil, err
	}

	if m.IsRaw() {
		buf.WriteByte(rawFlagRaw)
		if err := writeBytes(&buf, m.PayloadRaw); err != nil {
			return nil, err
		}
	} else {
		buf.WriteByte(rawFlagText)
		if err := writeBytes(&buf, []byte(m.Payload)); err != nil {
			return nil, err
		}
	}

	reliability := byte(0)
	if m.Reliability {
		reliability = 1
	}
	buf.WriteByte(reliability)

	return buf.Bytes(), nil
}

func (BinaryCodec) Deserialize(data []byte) (Message, error) {
	r := bytes.NewReader(data)
	var m Message

	if err := binary.Read(r, binary.BigEndian, &m.MessageID); err != nil {
		return Message{}, fmt.Errorf("%w: messageId: %v", ErrCodec, err)
	}

	typ, err := readString(r)
	if err != nil {
		return Message{}, fmt.Errorf("%w: type: %v", ErrCodec, err)
	}
	m.Type = Type(typ)

	m.Topic, err = readString(r)
	if err != nil {
		return Message{}, fmt.Errorf("%w: topic: %v", ErrCodec, err)
	}

	flag, err := r.ReadByte()
	if err != nil {
		return Message{}, fmt.Errorf("%w: raw flag: %v", ErrCodec, err)
	}
	payload, err := readBytes(r)
	if err != nil {
		return Message{}, fmt.Errorf("%w: payload: %v", ErrCodec, err)
	}
	if flag == rawFlagRaw {
		m.PayloadRaw = payload
	} else {
		m.Payload = string(payload)
	}

	reliability, err := r.ReadByte()
	if err != nil {
		return Message{}, fmt.Errorf("%w: reliability: %v", ErrCodec, err)
	}
	m.Reliability = reliability != 0

	return m, nil
}

func writeString(w io.Writer, s string) error {
	return writeBytes(w, []byte(s))
}

func writeBytes(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(b))); err != nil {
		return fmt.Errorf("%w: %v", ErrCodec, err)
	}
	if len(b) == 0 {
		return nil
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("%w: %v", ErrCodec, err)
	}
	return nil
}

func readString(r io.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readBytes(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

var _ Codec = BinaryCodec{}
