package radio

import (
	"context"
	"errors"
	"strings"
)

// Lens GATT identifiers
const (
	ServiceUUID = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"
	VideoUUID   = "beb5483e-36e1-4688-b7f5-ea07361b26a8"
	ControlUUID = "2a56b1fa-c676-4471-95a2-6c3e15a8e063"
	StatusUUID  = "7f118b4c-9d1e-4f63-8cd6-9143f9b4a2e8"
	ConfigUUID  = "d8d4c94e-f45b-4b2d-8ffa-02c3e7e04331"

	DefaultNamePattern = "HEARTNEYES"
)

// RequiredCharacteristics must all be present for a link to become ready.
var RequiredCharacteristics = []string{VideoUUID, ControlUUID, StatusUUID, ConfigUUID}

var (
	ErrPeripheralClosed = errors.New("peripheral closed")
	ErrNoCharacteristic = errors.New("characteristic not found")
)

// Advertisement is one scan result.
type Advertisement struct {
	Address  string   `json:"address"`
	Name     string   `json:"name"`
	Services []string `json:"services"`
	RSSI     int      `json:"rssi"`
}

// ScanFilter selects lenses by name substring or advertised service.
type ScanFilter struct {
	NamePattern string
	ServiceUUID string
}

// DefaultScanFilter matches any lens.
func DefaultScanFilter() ScanFilter {
	return ScanFilter{NamePattern: DefaultNamePattern, ServiceUUID: ServiceUUID}
}

// Match reports whether a is a candidate. An empty filter matches everything.
func (f ScanFilter) Match(a Advertisement) bool {
	if f.NamePattern == "" && f.ServiceUUID == "" {
		return true
	}
	if f.NamePattern != "" && strings.Contains(strings.ToUpper(a.Name), strings.ToUpper(f.NamePattern)) {
		return true
	}
	if f.ServiceUUID != "" {
		for _, s := range a.Services {
			if strings.EqualFold(s, f.ServiceUUID) {
				return true
			}
		}
	}
	return false
}

// Radio finds and connects to peripherals.
type Radio interface {
	// Scan reports matching advertisements until ctx ends or the scan
	// completes, then closes the channel.
	Scan(ctx context.Context, filter ScanFilter) (<-chan Advertisement, error)
	Connect(ctx context.Context, address string) (Peripheral, error)
}

// Peripheral is a connected lens.
type Peripheral interface {
	Address() string
	// Discover lists the characteristics of the lens service.
	Discover(ctx context.Context) ([]string, error)
	// Subscribe returns notifications for a characteristic in arrival order.
	// The channel is closed when the link goes away.
	Subscribe(ctx context.Context, uuid string) (<-chan []byte, error)
	Write(ctx context.Context, uuid string, data []byte) error
	// Disconnected is closed when the link is lost or closed.
	Disconnected() <-chan struct{}
	Close() error
}
