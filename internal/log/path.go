package log

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const appName = "xswitch"

var (
	logDir     string
	logDirOnce sync.Once
)

// GetLogDir returns the directory for the log and stats files, creating it
// on first use: /var/log/xswitch on Linux when writable, ~/.xswitch
// otherwise, the temp directory as a last resort.
func GetLogDir() string {
	logDirOnce.Do(func() {
		logDir = determineLogDir()
		if err := os.MkdirAll(logDir, 0755); err != nil {
			logDir = filepath.Join(os.TempDir(), appName)
			_ = os.MkdirAll(logDir, 0755)
		}
	})
	return logDir
}

func determineLogDir() string {
	if runtime.GOOS == "linux" {
		dir := filepath.Join("/var/log", appName)
		if writable(dir) {
			return dir
		}
	}
	return userDir()
}

func writable(dir string) bool {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false
	}
	f, err := os.CreateTemp(dir, ".write_test")
	if err != nil {
		return false
	}
	_ = f.Close()
	_ = os.Remove(f.Name())
	return true
}

func userDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		dir := filepath.Join(home, "."+appName)
		if err := os.MkdirAll(dir, 0755); err == nil {
			return dir
		}
	}
	return filepath.Join(os.TempDir(), appName)
}

func GetLogFilePath() string {
	return filepath.Join(GetLogDir(), appName+".log")
}

// GetStatsFilePath returns name inside the log directory unless name is
// already absolute.
func GetStatsFilePath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(GetLogDir(), name)
}
