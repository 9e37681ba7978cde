package protocol

import "github.com/lorenzodonini/ocpp-go/ocpp1.6/core"

// BootNotificationRequest accepts both the flat OCPP 1.6 fields and the nested
// OCPP 2.0.1 chargingStation object, since chargers in the field send either.
type BootNotificationRequest struct {
	core.BootNotificationRequest
	ChargingStation *ChargingStation `json:"chargingStation,omitempty"`
}

// ChargingStation is the 2.0.1 device descriptor inside BootNotification.
type ChargingStation struct {
	SerialNumber    string `json:"serialNumber"`
	Model           string `json:"model"`
	VendorName      string `json:"vendorName"`
	FirmwareVersion string `json:"firmwareVersion"`
}

// IdentityCandidates lists vendor identifiers in promotion preference order:
// serial number, box serial number, model, vendor name.
func (r BootNotificationRequest) IdentityCandidates() []string {
	var station ChargingStation
	if r.ChargingStation != nil {
		station = *r.ChargingStation
	}
	return []string{
		r.ChargePointSerialNumber,
		station.SerialNumber,
		r.ChargeBoxSerialNumber,
		r.ChargePointModel,
		station.Model,
		r.ChargePointVendor,
		station.VendorName,
	}
}
