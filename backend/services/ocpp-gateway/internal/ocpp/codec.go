package ocpp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"evgateway/backend/services/ocpp-gateway/internal/ocpp/protocol"
)

// Decode failures. Callers log and drop the frame; none of them should close the connection.
var (
	ErrMalformedPayload   = errors.New("ocpp: malformed payload")
	ErrMalformedFrame     = errors.New("ocpp: malformed frame")
	ErrUnknownMessageType = errors.New("ocpp: unknown message type")
)

// Frame is one decoded OCPP-J message: Call, CallResult or CallError.
type Frame interface {
	MessageTypeID() int
	MessageID() string
}

// Call is a request expecting exactly one CallResult.
type Call struct {
	UniqueID string
	Action   string
	Payload  json.RawMessage
}

// CallResult answers a Call.
type CallResult struct {
	UniqueID string
	Payload  json.RawMessage
}

// CallError reports that a Call could not be handled.
type CallError struct {
	UniqueID         string
	ErrorCode        string
	ErrorDescription string
	Details          json.RawMessage
}

func (Call) MessageTypeID() int { return protocol.MessageTypeCall }

func (c Call) MessageID() string { return c.UniqueID }

func (CallResult) MessageTypeID() int { return protocol.MessageTypeCallResult }

func (c CallResult) MessageID() string { return c.UniqueID }

func (CallError) MessageTypeID() int { return protocol.MessageTypeCallError }

func (c CallError) MessageID() string { return c.UniqueID }

var emptyObject = json.RawMessage(`{}`)

// Decode parses raw bytes into a Frame. It never panics on hostile input.
func Decode(data []byte) (Frame, error) {
	var array []json.RawMessage
	if err := json.Unmarshal(data, &array); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, fmt.Errorf("%w: expected array, got %s", ErrMalformedFrame, typeErr.Value)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if len(array) < 3 {
		return nil, fmt.Errorf("%w: %d elements, need at least 3", ErrMalformedFrame, len(array))
	}

	var msgType int
	if err := json.Unmarshal(array[0], &msgType); err != nil {
		return nil, fmt.Errorf("%w: message type id: %v", ErrMalformedFrame, err)
	}

	var uniqueID string
	if err := json.Unmarshal(array[1], &uniqueID); err != nil {
		return nil, fmt.Errorf("%w: unique id: %v", ErrMalformedFrame, err)
	}

	switch msgType {
	case protocol.MessageTypeCall:
		call := Call{UniqueID: uniqueID, Payload: emptyObject}
		if err := json.Unmarshal(array[2], &call.Action); err != nil {
			return nil, fmt.Errorf("%w: action: %v", ErrMalformedFrame, err)
		}
		if len(array) > 3 && !isNull(array[3]) {
			call.Payload = array[3]
		}
		return call, nil
	case protocol.MessageTypeCallResult:
		return CallResult{UniqueID: uniqueID, Payload: array[2]}, nil
	case protocol.MessageTypeCallError:
		callErr := CallError{UniqueID: uniqueID, Details: emptyObject}
		if err := json.Unmarshal(array[2], &callErr.ErrorCode); err != nil {
			return nil, fmt.Errorf("%w: error code: %v", ErrMalformedFrame, err)
		}
		if len(array) > 3 {
			_ = json.Unmarshal(array[3], &callErr.ErrorDescription)
		}
		if len(array) > 4 {
			callErr.Details = array[4]
		}
		return callErr, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, msgType)
	}
}

// EncodeCallResult builds [3, uniqueId, payload]. The payload is not validated.
// The id is re-encoded from its decoded value, so a decoded id round-trips by value but
// not byte for byte when the charger used escapes: "id\/1" comes back as "id/1".
func EncodeCallResult(uniqueID string, payload interface{}) ([]byte, error) {
	body, err := marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ocpp: encode payload: %w", err)
	}
	return marshal([]interface{}{protocol.MessageTypeCallResult, uniqueID, json.RawMessage(body)})
}

// marshal keeps '<', '>' and '&' verbatim so ids echo byte-for-byte.
func marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
