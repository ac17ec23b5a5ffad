package ble

import "fmt"

// Profile UUIDs.
const (
	HelloServiceUUID = "12345678-90ab-cdef-1234-567890abcdef"
	HelloCharUUID    = "fedcba98-7654-3210-fedc-ba9876543210"

	// Nordic UART Service.
	NUSServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	NUSRXCharUUID  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	NUSTXCharUUID  = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// Profile names accepted by ProfileDescriptor.
const (
	ProfileHello = "hello"
	ProfileNUS   = "nus"
	ProfileSPP   = "spp"
)

// ProfileDescriptor returns the service layout for a named profile.
// onWrite receives RX writes for profiles with a writable characteristic;
// it may be nil.
func ProfileDescriptor(name string, onWrite WriteHandler) (ServiceDescriptor, error) {
	switch name {
	case ProfileHello, ProfileSPP:
		return ServiceDescriptor{
			UUID: MustParseUUID(HelloServiceUUID),
			Characteristics: []Characteristic{{
				UUID:  MustParseUUID(HelloCharUUID),
				Flags: FlagRead | FlagNotify,
				Value: []byte("Initial Hello"),
			}},
		}, nil
	case ProfileNUS:
		return ServiceDescriptor{
			UUID: MustParseUUID(NUSServiceUUID),
			Characteristics: []Characteristic{
				{
					UUID:    MustParseUUID(NUSRXCharUUID),
					Flags:   FlagWrite | FlagWriteNoResponse,
					OnWrite: onWrite,
				},
				{
					UUID:  MustParseUUID(NUSTXCharUUID),
					Flags: FlagNotify,
				},
			},
		}, nil
	}
	return ServiceDescriptor{}, fmt.Errorf("ble: unknown profile %q: %w", name, ErrInvalidDescriptor)
}

// ProfileLocalName is the advertised name each profile uses by default.
func ProfileLocalName(name string) string {
	switch name {
	case ProfileNUS:
		return "ESP32S3_NUS"
	case ProfileSPP:
		return "nimble-ble-spp-srv"
	}
	return "ESP32S3_HELLO"
}
