package ocpp

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"

	"evgateway/backend/services/ocpp-gateway/internal/ocpp/protocol"
)

// Respond computes the CALLRESULT payload owed for a CALL. It never refuses an action:
// anything it does not recognise is acknowledged with an empty object.
func Respond(action string, now time.Time) interface{} {
	now = now.UTC()

	switch action {
	case protocol.ActionBootNotification:
		return core.NewBootNotificationConfirmation(types.NewDateTime(now), protocol.HeartbeatIntervalSeconds, core.RegistrationStatusAccepted)
	case protocol.ActionHeartbeat:
		return core.NewHeartbeatConfirmation(types.NewDateTime(now))
	case protocol.ActionStatusNotification:
		return core.NewStatusNotificationConfirmation()
	default:
		return struct{}{}
	}
}

// BootIdentity returns the most specific vendor identifier in a BootNotification payload,
// or "" when the payload carries none.
func BootIdentity(payload json.RawMessage) string {
	req, err := DecodePayload[protocol.BootNotificationRequest](payload)
	if err != nil {
		return ""
	}
	for _, candidate := range req.IdentityCandidates() {
		if id := strings.TrimSpace(candidate); id != "" {
			return id
		}
	}
	return ""
}

// DecodePayload unmarshals a CALL payload into its typed request.
func DecodePayload[T any](payload json.RawMessage) (T, error) {
	var target T
	if err := json.Unmarshal(payload, &target); err != nil {
		var zero T
		return zero, err
	}
	return target, nil
}
