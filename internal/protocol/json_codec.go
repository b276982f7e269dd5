package protocol

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// JSONCodec emits a textual record with keys messageId (decimal string),
// type, topic, payload. A binary publish is carried with payload hex-encoded
// so the whole record stays valid UTF-8/JSON. Decoding tolerates missing
// optional fields, defaulting them to empty/zero.
type JSONCodec struct{}

type jsonRecord struct {
	MessageID   string `json:"messageId"`
	Type        string `json:"type"`
	Topic       string `json:"topic"`
	Payload     string `json:"payload"`
	Reliability bool   `json:"reliability"`
	Raw         bool   `json:"raw,omitempty"`
}

func (JSONCodec) Serialize(m Message) ([]byte, error) {
	rec := jsonRecord{
		MessageID:   strconv.FormatUint(uint64(m.MessageID), 10),
		Type:        string(m.Type),
		Topic:       m.Topic,
		Reliability: m.Reliability,
	}
	if m.IsRaw() {
		rec.Payload = hex.EncodeToString(m.PayloadRaw)
		rec.Raw = true
	} else {
		rec.Payload = m.Payload
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodec, err)
	}
	return data, nil
}

func (JSONCodec) Deserialize(data []byte) (Message, error) {
	var rec jsonRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrCodec, err)
	}

	var messageID uint64
	if rec.MessageID != "" {
		var err error
		messageID, err = strconv.ParseUint(rec.MessageID, 10, 32)
		if err != nil {
			return Message{}, fmt.Errorf("%w: messageId %q: %v", ErrCodec, rec.MessageID, err)
		}
	}

	m := Message{
		MessageID:   uint32(messageID),
		Type:        Type(rec.Type),
		Topic:       rec.Topic,
		Reliability: rec.Reliability,
	}

	if rec.Raw {
		raw, err := hex.DecodeString(rec.Payload)
		if err != nil {
			return Message{}, fmt.Errorf("%w: payload hex: %v", ErrCodec, err)
		}
		m.PayloadRaw = raw
	} else {
		m.Payload = rec.Payload
	}

	return m, nil
}

var _ Codec = JSONCodec{}
