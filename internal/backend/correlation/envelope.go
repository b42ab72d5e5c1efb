// ABOUTME: Wire envelope for asynchronous backends carrying correlation fields beside the payload
// ABOUTME: Stamps outbound requests and parses inbound replies and user pushes

package correlation

import (
	"encoding/json"
	"fmt"

	"github.com/2389/relaygate/internal/routing"
)

// Correlation fields, merged into the top level of every JSON message
// exchanged with an asynchronous backend.
const (
	FieldRequestID    = "_relay_request_id"
	FieldConnectionID = "_relay_connection_id"
	FieldInstance     = "_relay_instance"
	FieldUserID       = "_relay_user_id"

	// FieldData wraps payloads that are not JSON objects.
	FieldData = "data"
)

// Envelope is a parsed inbound message.
type Envelope struct {
	RequestID    string
	ConnectionID string
	Instance     string
	UserID       string
	// Payload is the message with the correlation fields removed.
	Payload routing.Payload
}

// Stamp encodes req for a backend, adding the request id, connection id,
// user id (when authenticated) and the gateway instance id.
func Stamp(req *routing.Request, instanceID string) ([]byte, error) {
	body := make(map[string]any)
	if m, ok := req.Payload.Map(); ok {
		for k, v := range m {
			body[k] = v
		}
	} else if !req.Payload.IsEmpty() {
		body[FieldData] = req.Payload.Value()
	}

	body[FieldRequestID] = req.ID
	body[FieldConnectionID] = req.Connection.ID()
	body[FieldInstance] = instanceID
	if userID := req.Connection.UserID(); userID != "" {
		body[FieldUserID] = userID
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return data, nil
}

// Parse decodes an inbound message. It must be a JSON object.
func Parse(data []byte) (Envelope, error) {
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if body == nil {
		return Envelope{}, fmt.Errorf("decoding envelope: not an object")
	}

	env := Envelope{
		RequestID:    stringField(body, FieldRequestID),
		ConnectionID: stringField(body, FieldConnectionID),
		Instance:     stringField(body, FieldInstance),
		UserID:       stringField(body, FieldUserID),
	}
	for _, k := range []string{FieldRequestID, FieldConnectionID, FieldInstance, FieldUserID} {
		delete(body, k)
	}

	p, err := routing.NewPayloadValue(body)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = p
	return env, nil
}

func stringField(body map[string]any, key string) string {
	switch v := body[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
