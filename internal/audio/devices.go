package audio

import (
	"errors"
	"sync"
)

// ErrAlreadyRunning is returned when Start is called on a live pipeline.
var ErrAlreadyRunning = errors.New("audio pipeline already running")

// ErrUnknownDevice is returned when selecting a device that was not listed.
var ErrUnknownDevice = errors.New("unknown capture device")

// StaticDevices is a DeviceLister over a fixed set, for hosts where
// enumeration comes from configuration rather than hardware probing.
type StaticDevices struct {
	mu      sync.Mutex
	devices []Device
	active  string
}

func NewStaticDevices(devices []Device) *StaticDevices {
	active := ""
	if len(devices) > 0 {
		active = devices[0].ID
	}
	return &StaticDevices{devices: devices, active: active}
}

func (s *StaticDevices) Devices() ([]Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Device, len(s.devices))
	copy(out, s.devices)
	return out, nil
}

func (s *StaticDevices) Use(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.ID == deviceID {
			s.active = deviceID
			return nil
		}
	}
	return ErrUnknownDevice
}

// Active returns the currently selected device id.
func (s *StaticDevices) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
