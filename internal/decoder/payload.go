package decoder

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mitchellh/mapstructure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"firestige.xyz/wstap/pkg/schema"
)

const (
	maxEndpointLen = 80
	rawPrefixLen   = 32
)

// body is the outcome of decoding a message body: either a clean decode or
// a salvage of the raw prefix.
type body struct {
	payload any
	partial bool
}

func decoded(payload any) body { return body{payload: payload} }

func partialRaw(data []byte, err error) body {
	n := min(len(data), rawPrefixLen)
	return body{
		payload: map[string]any{
			"rawPrefixHex": hex.EncodeToString(data[:n]),
			"rawLength":    len(data),
			"error":        err.Error(),
		},
		partial: true,
	}
}

// decodeBody runs codec and normalizes its result into plain values.
func decodeBody(codec schema.MessageCodec, data []byte) (b body) {
	defer func() {
		if r := recover(); r != nil {
			b = partialRaw(data, fmt.Errorf("codec panic: %v", r))
		}
	}()
	v, err := codec.Decode(data)
	if err != nil {
		return partialRaw(data, err)
	}
	plain, err := normalize(v)
	if err != nil {
		return partialRaw(data, err)
	}
	return decoded(plain)
}

// normalize converts a codec result into maps, slices and scalars so no
// value owned by the codec outlives the decode.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	var raw []byte
	var err error
	if m, ok := v.(proto.Message); ok {
		raw, err = protojson.Marshal(m)
	} else {
		raw, err = json.Marshal(v)
	}
	if err != nil {
		return nil, fmt.Errorf("normalize payload: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("normalize payload: %w", err)
	}
	return out, nil
}

type roomFields struct {
	RoomID    string `mapstructure:"roomId"`
	RoomIDAlt string `mapstructure:"room_id"`
}

// roomID extracts a room identifier from a normalized payload. Numeric ids
// are accepted and rendered as strings.
func roomID(payload any) string {
	m, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	var rf roomFields
	if err := mapstructure.WeakDecode(m, &rf); err != nil {
		return ""
	}
	if rf.RoomID != "" {
		return rf.RoomID
	}
	return rf.RoomIDAlt
}

// sanitizeEndpoint strips query and fragment and caps the length. The
// result is a display key only.
func sanitizeEndpoint(addr string) string {
	if i := strings.IndexAny(addr, "?#"); i >= 0 {
		addr = addr[:i]
	}
	if len(addr) > maxEndpointLen {
		cut := maxEndpointLen
		for cut > 0 && !utf8.RuneStart(addr[cut]) {
			cut--
		}
		addr = addr[:cut]
	}
	return addr
}
