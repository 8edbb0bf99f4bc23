package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xswitch/xswitch/internal/config"
)

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLogConf installs the default logger. Lines go to stdout, to a rotated
// file (GetLogFilePath when file is empty) and to lb when it is non-nil.
// The returned closer releases the log file.
func SetLogConf(level, file string, lb *Broadcaster) io.Closer {
	if file == "" {
		file = GetLogFilePath()
	}
	rotated := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    5, // megabytes
		MaxBackups: 5,
		MaxAge:     7, // days
		LocalTime:  true,
		Compress:   true,
	}

	writers := []io.Writer{os.Stdout, rotated}
	if lb != nil {
		writers = append(writers, lb)
	}
	slog.SetDefault(slog.New(NewHandler(io.MultiWriter(writers...), ParseLevel(level))))
	return rotated
}

// NewHandler returns the text handler used by SetLogConf, with timestamps
// rendered in the host's local zone.
func NewHandler(w io.Writer, level slog.Level) slog.Handler {
	loc := LoadLocalLocation()
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				t := a.Value.Time().In(loc)
				return slog.String(slog.TimeKey, t.Format("2006-01-02 15:04:05"))
			}
			return a
		},
	})
}

func LogHeader(version string, cfg *config.Config) {
	slog.Info("xswitch started", slog.String("version", version), slog.Any("config", cfg))
	slog.Info("Host", HostInfo()...)
}

// LoadLocalLocation returns the system zone from /etc/localtime, or the
// OpenWrt style /etc/TZ, falling back to UTC.
func LoadLocalLocation() *time.Location {
	if _, err := os.Stat("/etc/localtime"); err == nil {
		if loc, _ := time.LoadLocation("Local"); loc != nil {
			return loc
		}
	}
	if data, err := os.ReadFile("/etc/TZ"); err == nil {
		tz := strings.TrimSpace(string(data))
		switch {
		case strings.HasPrefix(tz, "CST-8"):
			return time.FixedZone("CST", 8*3600)
		case strings.HasPrefix(tz, "UTC"):
			return time.UTC
		}
	}
	return time.UTC
}
