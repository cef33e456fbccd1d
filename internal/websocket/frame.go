package websocket

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Frame is one push or inbound event. On the wire it is a protobuf Struct
// {"event": ..., "payload": {...}, "ts": unix millis}; binary frames use the protobuf
// encoding and text frames the canonical JSON mapping of the same Struct.
type Frame struct {
	Event   string
	Payload map[string]any
	SentAt  time.Time
}

var ErrMalformedFrame = errors.New("malformed frame")

func toStruct(event string, payload map[string]any, at time.Time) (*structpb.Struct, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	return structpb.NewStruct(map[string]any{
		"event":   event,
		"payload": payload,
		"ts":      float64(at.UnixMilli()),
	})
}

// EncodeFrame marshals a push frame to its binary form. Payload values must be
// representable as structpb values: use []any, not []string, for lists.
func EncodeFrame(event string, payload map[string]any) ([]byte, error) {
	s, err := toStruct(event, payload, time.Now())
	if err != nil {
		return nil, fmt.Errorf("encode frame %s: %w", event, err)
	}
	return proto.Marshal(s)
}

// EncodeFrameJSON is EncodeFrame for text clients and debugging tools.
func EncodeFrameJSON(event string, payload map[string]any) ([]byte, error) {
	s, err := toStruct(event, payload, time.Now())
	if err != nil {
		return nil, fmt.Errorf("encode frame %s: %w", event, err)
	}
	return protojson.Marshal(s)
}

func DecodeFrame(data []byte) (*Frame, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return fromStruct(&s)
}

func DecodeFrameJSON(data []byte) (*Frame, error) {
	var s structpb.Struct
	if err := protojson.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return fromStruct(&s)
}

func fromStruct(s *structpb.Struct) (*Frame, error) {
	m := s.AsMap()
	event, _ := m["event"].(string)
	if event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrMalformedFrame)
	}
	f := &Frame{Event: event}
	if p, ok := m["payload"].(map[string]any); ok {
		f.Payload = p
	} else {
		f.Payload = map[string]any{}
	}
	if ts, ok := m["ts"].(float64); ok {
		f.SentAt = time.UnixMilli(int64(ts))
	}
	return f, nil
}

// StringList adapts ids for a frame payload.
func StringList(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
