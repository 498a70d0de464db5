package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Paths stores resolved runtime file locations for user config, history and logs.
type Paths struct {
	RootDir    string
	ConfigFile string
	DBFile     string
	LogFile    string
}

// ResolvePaths places everything under the user config dir. A non-empty configFile
// replaces the default config location; the other files stay in the app dir.
func ResolvePaths(configFile string) (Paths, error) {
	cfgRoot, err := os.UserConfigDir()
	if err != nil {
		return Paths{}, fmt.Errorf("resolve config dir: %w", err)
	}

	root := filepath.Join(cfgRoot, Name)
	if err := os.MkdirAll(root, 0o750); err != nil {
		return Paths{}, fmt.Errorf("create app config dir: %w", err)
	}

	paths := Paths{
		RootDir:    root,
		ConfigFile: filepath.Join(root, ConfigFilename),
		DBFile:     filepath.Join(root, DBFilename),
		LogFile:    filepath.Join(root, LogFilename),
	}
	if configFile = strings.TrimSpace(configFile); configFile != "" {
		paths.ConfigFile = filepath.Clean(configFile)
	}

	return paths, nil
}

// HistoryFile returns the database path, honouring the config override.
func (p Paths) HistoryFile(override string) string {
	if override = strings.TrimSpace(override); override != "" {
		return filepath.Clean(override)
	}

	return p.DBFile
}
