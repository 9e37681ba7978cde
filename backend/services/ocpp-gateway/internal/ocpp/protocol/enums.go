package protocol

import "github.com/lorenzodonini/ocpp-go/ocpp1.6/core"

// MessageType values as per OCPP-J.
const (
	MessageTypeCall       = 2
	MessageTypeCallResult = 3
	MessageTypeCallError  = 4
)

// Subprotocol16 is the only WebSocket sub-protocol the gateway negotiates.
const Subprotocol16 = "ocpp1.6"

// Actions answered with a specific payload; everything else gets an empty ack.
const (
	ActionBootNotification   = core.BootNotificationFeatureName
	ActionHeartbeat          = core.HeartbeatFeatureName
	ActionStatusNotification = core.StatusNotificationFeatureName
)

// HeartbeatIntervalSeconds is handed to chargers in every accepted BootNotification.
const HeartbeatIntervalSeconds = 300

// MessageTypeName is used as a metrics label.
func MessageTypeName(id int) string {
	switch id {
	case MessageTypeCall:
		return "call"
	case MessageTypeCallResult:
		return "call_result"
	case MessageTypeCallError:
		return "call_error"
	default:
		return "unknown"
	}
}
