package camera

// Preset names for common capture configurations
const (
	PresetDefault  = "default"
	PresetVGA      = "vga"
	Preset720p     = "720p"
	Preset1080p    = "1080p"
	PresetPortrait = "portrait"
)

// Presets returns all available preset constraints.
func Presets() map[string]Constraints {
	return map[string]Constraints{
		PresetDefault:  DefaultConstraints(),
		PresetVGA:      DefaultConstraints(),
		Preset720p:     HD720Constraints(),
		Preset1080p:    HD1080Constraints(),
		PresetPortrait: PortraitConstraints(),
	}
}

// PresetNames returns the list of available preset names.
func PresetNames() []string {
	return []string{
		PresetDefault,
		PresetVGA,
		Preset720p,
		Preset1080p,
		PresetPortrait,
	}
}

// GetPreset returns a preset by name, or nil if not found.
func GetPreset(name string) *Constraints {
	if c, ok := Presets()[name]; ok {
		return &c
	}
	return nil
}

// HD720Constraints returns 720p HD constraints.
// Good balance of quality and pose latency.
func HD720Constraints() Constraints {
	c := DefaultConstraints()
	c.Width = 1280
	c.Height = 720
	return c
}

// HD1080Constraints returns 1080p constraints.
// Sharper exports, higher per-tick filter cost.
func HD1080Constraints() Constraints {
	c := DefaultConstraints()
	c.Width = 1920
	c.Height = 1080
	c.Framerate = 24
	return c
}

// PortraitConstraints returns a 9:16 mirror orientation.
func PortraitConstraints() Constraints {
	c := DefaultConstraints()
	c.Width = 720
	c.Height = 1280
	return c
}
