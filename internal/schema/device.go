package schema

import (
	"time"

	"github.com/google/uuid"
)

// Device identity. Owned and mutated by the device-management service;
// this subsystem only refreshes status/IP from discovery messages and
// reads addresses for resolution.
type Device struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	IPAddress  string    `json:"ip_address"`
	MACAddress string    `json:"mac_address" validate:"required,max=64"`
	Status     string    `json:"status"`
	Discovered bool      `json:"discovered"`
	CreatedAt  time.Time `json:"created_at"`
}

// DeviceLink joins a device to an owning user. Read-only here: fan-out and
// traffic-stream authorization look links up, nothing in this subsystem
// writes them.
type DeviceLink struct {
	DeviceID uuid.UUID `json:"device_id"`
	UserID   uuid.UUID `json:"user_id"`
}

// DeviceStatusConnect is the default status for discovery payloads that
// omit one.
const DeviceStatusConnect = "connect"
