package log

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "hark"

func getDefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("LOCALAPPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Local")
		}
		return filepath.Join(base, appName, "logs"), nil
	case "darwin":
		return filepath.Join(home, "Library", "Logs", appName), nil
	default:
		// XDG puts logs under state, not config
		state := os.Getenv("XDG_STATE_HOME")
		if state == "" {
			state = filepath.Join(home, ".local", "state")
		}
		return filepath.Join(state, appName, "logs"), nil
	}
}
