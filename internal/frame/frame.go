package frame

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Binary frame layout: 4 bytes request id in little endian, 4 reserved bytes,
// then the payload. The reserved bytes are ignored on decode. A binary frame
// with an empty payload marks end-of-stream for its request id.
const HeaderLength = 8

var ErrTooShort = errors.New("binary frame shorter than its header")
var errNoID = errors.New("structured frame carries no id field")

// A Frame is one decoded inbound message. Structured frames carry Fields,
// binary frames carry Payload. Both share the same request id namespace:
// a download request first receives a structured acknowledgement and then
// binary chunks under the same id.
type Frame struct {
	ID     uint32
	Binary bool

	// Payload is the chunk data of a binary frame. May be empty.
	Payload []byte

	// Fields is the decoded body of a structured frame, id included.
	Fields map[string]interface{}
}

// EndOfStream reports whether f is the zero-length binary frame that
// terminates a chunk stream.
func (f Frame) EndOfStream() bool {
	return f.Binary && len(f.Payload) == 0
}

// Success reports the top-level success indicator of a structured response.
func (f Frame) Success() bool {
	ok, _ := f.Fields["success"].(bool)
	return ok
}

// ErrorText extracts the error field of a failed structured response. The
// agent usually reports a plain string but some operations wrap the cause in
// an object, so anything non-string is reserialised verbatim.
func (f Frame) ErrorText() string {
	raw, ok := f.Fields["error"]
	if !ok {
		return "request failed"
	}
	if s, ok := raw.(string); ok {
		return s
	}
	enc, err := json.Marshal(raw)
	if err != nil {
		return fmt.Sprintf("%v", raw)
	}
	return string(enc)
}

// EncodeStructured serialises fields as a UTF-8 text frame with the request
// id injected under the "id" key. The input map is not modified.
func EncodeStructured(id uint32, fields map[string]interface{}) ([]byte, error) {
	body := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["id"] = id
	return json.Marshal(body)
}

// EncodeBinary prepends the 8-byte header to payload. A nil or empty payload
// produces the end-of-stream marker for id.
func EncodeBinary(id uint32, payload []byte) []byte {
	data := make([]byte, HeaderLength+len(payload))
	binary.LittleEndian.PutUint32(data[:4], id)
	copy(data[HeaderLength:], payload)
	return data
}

// Decode turns one inbound message into a Frame, picking the decoder by the
// transport-level message kind.
func Decode(data []byte, isBinary bool) (Frame, error) {
	if isBinary {
		return DecodeBinary(data)
	}
	return DecodeStructured(data)
}

func DecodeBinary(data []byte) (Frame, error) {
	if len(data) < HeaderLength {
		return Frame{}, fmt.Errorf("%w: %v bytes", ErrTooShort, len(data))
	}
	return Frame{
		ID:      binary.LittleEndian.Uint32(data[:4]),
		Binary:  true,
		Payload: data[HeaderLength:],
	}, nil
}

func DecodeStructured(data []byte) (Frame, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return Frame{}, fmt.Errorf("undecodable structured frame: %w", err)
	}
	rawID, ok := fields["id"]
	if !ok {
		return Frame{}, errNoID
	}
	// encoding/json decodes every number into a float64
	id, ok := rawID.(float64)
	if !ok {
		return Frame{}, fmt.Errorf("structured frame id is %T, not a number", rawID)
	}
	if id != math.Trunc(id) || id < 0 || id > math.MaxUint32 {
		return Frame{}, fmt.Errorf("structured frame id %v is not a uint32", id)
	}
	return Frame{
		ID:     uint32(id),
		Fields: fields,
	}, nil
}
