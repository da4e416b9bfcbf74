package models

import "time"

// DeviceType is the role a client declares when it registers.
type DeviceType string

// Device roles.
const (
	DeviceTypeTablet DeviceType = "tablet"
	DeviceTypePhone  DeviceType = "phone"
)

// Valid reports whether t is a recognized role.
func (t DeviceType) Valid() bool {
	return t == DeviceTypeTablet || t == DeviceTypePhone
}

// Device is one registered browser client bound to a live connection.
type Device struct {
	ID           string     `json:"device_id"`
	Type         DeviceType `json:"device_type"`
	Handle       string     `json:"-"`
	RegisteredAt time.Time  `json:"registered_at"`
	LastSeen     time.Time  `json:"last_seen"`
}
