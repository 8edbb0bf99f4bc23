//go:build unix

package log

import (
	"log/slog"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

// HostInfo describes the running host for the startup header.
func HostInfo() []any {
	attrs := []any{
		slog.String("goos", runtime.GOOS),
		slog.String("goarch", runtime.GOARCH),
		slog.String("go", runtime.Version()),
	}
	if hostname, err := os.Hostname(); err == nil {
		attrs = append(attrs, slog.String("hostname", hostname))
	}

	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return append(attrs, slog.Any("uname_error", err))
	}
	return append(attrs,
		slog.String("sysname", unix.ByteSliceToString(uname.Sysname[:])),
		slog.String("release", unix.ByteSliceToString(uname.Release[:])),
		slog.String("machine", unix.ByteSliceToString(uname.Machine[:])),
	)
}
