package config

import "multivol/internal/volume"

// FileSource reads the volume section from the YAML config file each time
// it is asked, so edits on disk take effect on the next reload.
type FileSource struct {
	Path string
}

// ReadVolumeSettings implements volume.SettingsSource.
func (s FileSource) ReadVolumeSettings() (volume.Settings, error) {
	cfg, err := LoadConfigFile(s.Path)
	if err != nil {
		return volume.Settings{}, err
	}
	return cfg.Volume.Settings(), nil
}

// StaticSource serves fixed settings. It backs a daemon started without a
// config file.
type StaticSource volume.Settings

// ReadVolumeSettings implements volume.SettingsSource.
func (s StaticSource) ReadVolumeSettings() (volume.Settings, error) {
	return volume.Settings(s), nil
}
