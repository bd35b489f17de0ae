package input

import (
	"errors"
	"fmt"

	"github.com/BaSui01/vtubeflow/types"
)

// Normalization errors.
var (
	ErrEmptyText          = errors.New("normalized text is empty")
	ErrUnsupportedPayload = errors.New("unsupported raw payload")
)

// Normalize converts one RawData into a NormalizedMessage. It is pure:
// no side effects, no shared state, same input same output.
func Normalize(raw types.RawData) (*types.NormalizedMessage, error) {
	content, err := deduceContent(raw)
	if err != nil {
		return nil, err
	}
	text := content.DisplayText()
	if text == "" {
		return nil, fmt.Errorf("%w (source %s)", ErrEmptyText, raw.Source)
	}
	return &types.NormalizedMessage{
		Text:       text,
		Content:    content,
		Source:     raw.Source,
		DataType:   raw.DataType,
		Importance: content.Importance(),
		Metadata:   raw.Metadata,
		Timestamp:  raw.Timestamp,
	}, nil
}

// deduceContent picks the structured variant from the data type and the
// payload's shape.
func deduceContent(raw types.RawData) (types.StructuredContent, error) {
	switch payload := raw.Content.(type) {
	case types.StructuredContent:
		// Providers that already build a variant pass it through.
		return payload, nil
	case string:
		return types.TextContent{Text: payload, User: metaString(raw.Metadata, "user_id")}, nil
	case map[string]any:
		return contentFromMap(payload)
	default:
		return nil, fmt.Errorf("%w: %T from %s", ErrUnsupportedPayload, raw.Content, raw.Source)
	}
}

func contentFromMap(m map[string]any) (types.StructuredContent, error) {
	switch metaString(m, "type") {
	case "gift":
		return types.GiftContent{
			GiftName: metaString(m, "gift_name"),
			Count:    metaInt(m, "count"),
			Price:    metaFloat(m, "price"),
			User:     metaString(m, "user_id"),
			UserName: metaString(m, "user_name"),
		}, nil
	case "superchat", "super_chat":
		return types.SuperChatContent{
			Text:     metaString(m, "text"),
			Price:    metaFloat(m, "price"),
			User:     metaString(m, "user_id"),
			UserName: metaString(m, "user_name"),
		}, nil
	case "membership":
		return types.MembershipContent{
			Level:    metaString(m, "level"),
			Months:   metaInt(m, "months"),
			User:     metaString(m, "user_id"),
			UserName: metaString(m, "user_name"),
		}, nil
	default:
		// A bare map with a text field is plain chat.
		if text := metaString(m, "text"); text != "" {
			return types.TextContent{Text: text, User: metaString(m, "user_id")}, nil
		}
		return nil, fmt.Errorf("%w: map with type %q", ErrUnsupportedPayload, metaString(m, "type"))
	}
}

func metaString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func metaInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func metaFloat(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
