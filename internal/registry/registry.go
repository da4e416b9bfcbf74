package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/aura-kiosk/backend/internal/models"
)

var (
	ErrEmptyDeviceID     = errors.New("device id required")
	ErrUnknownDeviceType = errors.New("unknown device type")
)

type entry struct {
	device models.Device
	seq    uint64
}

// Registry maps deviceId -> Device for every registered client (thread-safe).
// Re-registering a deviceId replaces the previous entry.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*entry
	seq     uint64
	now     func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{devices: make(map[string]*entry), now: time.Now}
}

// Register inserts or replaces the device keyed by deviceID.
func (r *Registry) Register(deviceID string, deviceType models.DeviceType, handle string) (models.Device, error) {
	if deviceID == "" {
		return models.Device{}, ErrEmptyDeviceID
	}
	if !deviceType.Valid() {
		return models.Device{}, ErrUnknownDeviceType
	}
	now := r.now()
	d := models.Device{ID: deviceID, Type: deviceType, Handle: handle, RegisteredAt: now, LastSeen: now}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.devices[deviceID] = &entry{device: d, seq: r.seq}
	return d, nil
}

// Get returns the device registered under deviceID.
func (r *Registry) Get(deviceID string) (models.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[deviceID]
	if !ok {
		return models.Device{}, false
	}
	return e.device, true
}

// FindByType returns the most recently registered device of the given type.
func (r *Registry) FindByType(deviceType models.DeviceType) (models.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *entry
	for _, e := range r.devices {
		if e.device.Type != deviceType {
			continue
		}
		if best == nil || e.seq > best.seq {
			best = e
		}
	}
	if best == nil {
		return models.Device{}, false
	}
	return best.device, true
}

// RemoveByConnection deletes every device owned by handle and returns them.
func (r *Registry) RemoveByConnection(handle string) []models.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []models.Device
	for id, e := range r.devices {
		if e.device.Handle == handle {
			removed = append(removed, e.device)
			delete(r.devices, id)
		}
	}
	return removed
}

// Touch refreshes LastSeen for every device owned by handle.
func (r *Registry) Touch(handle string) []models.Device {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	var touched []models.Device
	for _, e := range r.devices {
		if e.device.Handle == handle {
			e.device.LastSeen = now
			touched = append(touched, e.device)
		}
	}
	return touched
}

// Devices returns a snapshot ordered by registration (oldest first).
func (r *Registry) Devices() []models.Device {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.devices))
	for _, e := range r.devices {
		entries = append(entries, e)
	}
	r.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]models.Device, len(entries))
	for i, e := range entries {
		out[i] = e.device
	}
	return out
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
