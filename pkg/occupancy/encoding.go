package occupancy

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Content types of the supported response encodings.
const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
)

// EncodeJSON renders the snapshot with the upstream's camelCase field names.
func EncodeJSON(s *Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// EncodeProto renders the snapshot as a serialized google.protobuf.Struct
// carrying the same field names as the JSON encoding.
func EncodeProto(s *Snapshot) ([]byte, error) {
	st, err := toStruct(s)
	if err != nil {
		return nil, fmt.Errorf("convert snapshot: %w", err)
	}

	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// DecodeProto is the inverse of EncodeProto.
func DecodeProto(data []byte) (*Snapshot, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	// Struct numbers are doubles; round-tripping through JSON maps them back
	// onto the typed fields.
	raw, err := json.Marshal(st.AsMap())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return &s, nil
}

func toStruct(s *Snapshot) (*structpb.Struct, error) {
	items := make([]interface{}, 0, len(s.Items))
	for _, item := range s.Items {
		items = append(items, map[string]interface{}{
			"startTime":  item.StartTime,
			"endTime":    item.EndTime,
			"percentage": item.Percentage,
			"level":      string(item.Level),
			"isCurrent":  item.IsCurrent,
		})
	}

	return structpb.NewStruct(map[string]interface{}{
		"startTime": s.StartTime,
		"endTime":   s.EndTime,
		"items":     items,
	})
}
