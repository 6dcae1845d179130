package registry

// Guidance is the advisory operation vocabulary for a device type. The
// registry accepts arbitrary operation names; this only helps a caller pick
// sensible ones and a sensible capture order.
type Guidance struct {
	DeviceType   string
	Required     []string
	Suggested    []string
	ExampleOrder []string
	Notes        string
}

var guidanceByType = map[string]Guidance{
	"fan": {
		DeviceType:   "fan",
		Required:     []string{"power_on", "power_off"},
		Suggested:    []string{"speed_up", "speed_down", "oscillate", "timer"},
		ExampleOrder: []string{"power_on", "power_off", "speed_up", "speed_down", "oscillate"},
		Notes:        "Power control is essential for fans; speed and oscillation are common optional features.",
	},
	"ac": {
		DeviceType:   "ac",
		Required:     []string{"power_on", "power_off"},
		Suggested:    []string{"temp_up", "temp_down", "mode", "fan_speed", "swing"},
		ExampleOrder: []string{"power_on", "power_off", "temp_up", "temp_down", "mode"},
		Notes:        "Many AC remotes send full state per press; capture each setting from the state you want.",
	},
	"tv": {
		DeviceType:   "tv",
		Required:     []string{"power_on", "power_off"},
		Suggested:    []string{"volume_up", "volume_down", "mute", "input", "channel_up", "channel_down"},
		ExampleOrder: []string{"power_on", "power_off", "volume_up", "volume_down", "mute"},
		Notes:        "Some TVs share one power toggle for on and off; capture it twice if so.",
	},
	"air_purifier": {
		DeviceType:   "air_purifier",
		Required:     []string{"power_on", "power_off"},
		Suggested:    []string{"speed_up", "speed_down", "mode", "timer"},
		ExampleOrder: []string{"power_on", "power_off", "speed_up", "speed_down"},
		Notes:        "Purifier remotes are usually simple NEC devices; the defaults transmit well.",
	},
}

var genericGuidance = Guidance{
	DeviceType:   "generic",
	Required:     []string{"power_on", "power_off"},
	Suggested:    []string{"mode", "up", "down"},
	ExampleOrder: []string{"power_on", "power_off"},
	Notes:        "Capture one button per operation in the order you will submit the names.",
}

// GuidanceFor returns the vocabulary for a device type, falling back to the
// generic advice for unknown types.
func GuidanceFor(deviceType string) Guidance {
	if g, ok := guidanceByType[deviceType]; ok {
		return g
	}
	return genericGuidance
}

// GuidanceTypes lists the device types with dedicated guidance.
func GuidanceTypes() []string {
	return []string{"fan", "ac", "tv", "air_purifier", "generic"}
}
