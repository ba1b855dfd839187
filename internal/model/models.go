// Package model defines the shared entity types mirrored from the Client
// System and the local reading outbox rows.
package model

import (
	"fmt"
	"time"
)

// Tenant is the single local tenant row mirrored from the remote.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Street    string    `json:"street"`
	City      string    `json:"city"`
	ZipCode   string    `json:"zip_code"`
	Country   string    `json:"country"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeviceModel describes a meter hardware model. Immutable from this agent's
// point of view; mirrored during the register sync phase.
type DeviceModel struct {
	ID           string `json:"id"`
	Manufacturer string `json:"manufacturer"`
	ModelNumber  string `json:"model_number"`
	Type         string `json:"type"`
}

// RegisterDefinition maps one readable data point of a device model onto a
// BACnet object/property. Keyed uniquely by (DeviceModelID, RegisterNumber).
type RegisterDefinition struct {
	ID               string `json:"id"`
	DeviceModelID    string `json:"device_model_id"`
	RegisterNumber   int    `json:"register_number"`
	FieldName        string `json:"field_name"`
	Unit             string `json:"unit"`
	DataType         string `json:"data_type"`
	BACnetObjectType uint16 `json:"bacnet_object_type"`
	BACnetInstance   uint32 `json:"bacnet_instance"`
	Property         uint32 `json:"property"`
	Active           bool   `json:"active"`
}

// DeviceRegister associates a register definition with a device model in the
// remote's separate join table.
type DeviceRegister struct {
	DeviceModelID string `json:"device_model_id"`
	RegisterID    string `json:"register_id"`
	Active        bool   `json:"active"`
}

// MeterKey is the composite identity of one meter element in the local
// mirror. A physical meter may carry multiple elements.
type MeterKey struct {
	MeterID   string `json:"meter_id"`
	ElementID string `json:"element_id"`
}

func (k MeterKey) String() string {
	return k.MeterID + "/" + k.ElementID
}

// Meter is one meter element as mirrored from the remote.
type Meter struct {
	MeterID       string `json:"meter_id"`
	ElementID     string `json:"meter_element_id"`
	Name          string `json:"name"`
	IP            string `json:"ip"`
	Port          int    `json:"port"`
	Active        bool   `json:"active"`
	DeviceModelID string `json:"device_model_id"`
	TenantID      string `json:"tenant_id"`
	LocationID    string `json:"location_id,omitempty"`
}

// Key returns the composite mirror key of the meter element.
func (m Meter) Key() MeterKey {
	return MeterKey{MeterID: m.MeterID, ElementID: m.ElementID}
}

// PendingReading is an in-memory reading produced by a collection cycle,
// not yet persisted to the outbox.
type PendingReading struct {
	MeterID    string    `json:"meter_id"`
	ElementID  string    `json:"element_id"`
	Timestamp  time.Time `json:"timestamp"`
	DataPoint  string    `json:"data_point"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit"`
	RegisterID string    `json:"register_id"`
}

// Key returns the dedup identity of the reading. The outbox enforces at most
// one row per key via a unique constraint.
func (r PendingReading) Key() ReadingKey {
	return ReadingKey{
		MeterID:   r.MeterID,
		ElementID: r.ElementID,
		Timestamp: r.Timestamp.UnixNano(),
		DataPoint: r.DataPoint,
	}
}

// ReadingKey identifies a reading for dedup purposes.
type ReadingKey struct {
	MeterID   string
	ElementID string
	Timestamp int64 // UnixNano; readings carry UTC cycle-start timestamps
	DataPoint string
}

func (k ReadingKey) String() string {
	return fmt.Sprintf("%s/%s/%d/%s", k.MeterID, k.ElementID, k.Timestamp, k.DataPoint)
}

// SyncStatus is the upload lifecycle state of an outbox row.
type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncInFlight SyncStatus = "in_flight"
	SyncDone     SyncStatus = "done"
	SyncFailed   SyncStatus = "failed"
)

// MeterReading is a persistent outbox row awaiting (or past) upload.
type MeterReading struct {
	ID             int64      `json:"id"`
	MeterID        string     `json:"meter_id"`
	ElementID      string     `json:"element_id"`
	Timestamp      time.Time  `json:"timestamp"`
	DataPoint      string     `json:"data_point"`
	Value          float64    `json:"value"`
	Unit           string     `json:"unit"`
	IsSynchronized bool       `json:"is_synchronized"`
	SyncStatus     SyncStatus `json:"sync_status"`
	RetryCount     int        `json:"retry_count"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Operation categorizes where a collection error occurred.
type Operation string

const (
	OpRead    Operation = "read"
	OpPersist Operation = "persist"
	OpUpload  Operation = "upload"
	OpSync    Operation = "sync"
)

// CollectionError is a diagnostic record kept in memory (ring buffer) and
// surfaced through the control API.
type CollectionError struct {
	MeterID    string    `json:"meter_id,omitempty"`
	RegisterID string    `json:"register_id,omitempty"`
	Operation  Operation `json:"operation"`
	Error      string    `json:"error"`
	Timestamp  time.Time `json:"timestamp"`
}

// ConnectivityStatus is the read-only snapshot published by the
// connectivity monitor.
type ConnectivityStatus struct {
	IsConnected          bool      `json:"is_connected"`
	LastCheckTime        time.Time `json:"last_check_time"`
	LastSuccessful       time.Time `json:"last_successful_connection,omitempty"`
	LastFailed           time.Time `json:"last_failed_connection,omitempty"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
}
