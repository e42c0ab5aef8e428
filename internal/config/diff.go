package config

import "reflect"

// ConfigDiff describes what changed between two configs. Hot-reloadable
// fields are reported individually; everything else lands in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged is set when any detector threshold or timer changed.
	VADChanged bool
	NewVAD     VADConfig

	// SleepTextChanged is set when the idle display texts changed.
	SleepTextChanged bool
	NewSleepUpper    string
	NewSleepLower    string

	// RestartRequired names changed sections that only take effect after a
	// restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.VADChanged || d.SleepTextChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	if old.Device.VAD != new.Device.VAD {
		d.VADChanged = true
		d.NewVAD = new.Device.VAD
	}

	if old.Device.UI.SleepUpper != new.Device.UI.SleepUpper || old.Device.UI.SleepLower != new.Device.UI.SleepLower {
		d.SleepTextChanged = true
		d.NewSleepUpper = new.Device.UI.SleepUpper
		d.NewSleepLower = new.Device.UI.SleepLower
	}

	od, nd := old.Device, new.Device
	restart := []struct {
		name    string
		changed bool
	}{
		{"telemetry", old.Telemetry != new.Telemetry},
		{"device.endpoint", od.Endpoint != nd.Endpoint},
		{"device.audio", od.Audio != nd.Audio},
		{"device.session", od.Session != nd.Session},
		{"device.volume", od.Volume != nd.Volume},
		{"device.queues", od.Queues != nd.Queues},
		{"device.ui.sink", od.UI.Sink != nd.UI.Sink || od.UI.Width != nd.UI.Width},
		{"device.reconnect", od.Reconnect != nd.Reconnect},
		{"server", !reflect.DeepEqual(old.Server, new.Server)},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartRequired = append(d.RestartRequired, r.name)
		}
	}
	return d
}
