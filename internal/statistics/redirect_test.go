package statistics

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomain(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://cdn.example.com/app.js", "example.com"},
		{"https://a.b.example.co.uk/x", "example.co.uk"},
		{"http://localhost:3000/app.js", "localhost"},
		{"http://127.0.0.1/app.js", "127.0.0.1"},
		{"not a url", "not a url"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, Domain(tt.url))
		})
	}
}

func TestRedirectRecordListAddAndSnapshot(t *testing.T) {
	l := NewRedirectRecordList("")
	l.Add(&RedirectRecord{URL: "https://a.example.com/1.js", Target: "http://localhost/1.js", ConfigName: "Dev"})
	l.Add(&RedirectRecord{URL: "https://b.example.com/2.js", Target: "http://localhost/2.js", ConfigName: "Dev"})
	l.Add(&RedirectRecord{URL: "https://other.org/x.js", Target: "http://localhost/x.js", ConfigName: "Other"})

	got := l.Snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "example.com", got[0].Domain)
	assert.Equal(t, 2, got[0].Count)
	assert.Equal(t, "https://b.example.com/2.js", got[0].URL)
	assert.Equal(t, "other.org", got[1].Domain)
	assert.False(t, got[1].LastSeen.IsZero())
}

func TestRedirectRecordListDump(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redirects")
	l := NewRedirectRecordList(path)
	l.Add(&RedirectRecord{URL: "https://other.org/x.js", Target: "http://localhost/x.js", ConfigName: "Other"})
	l.Add(&RedirectRecord{URL: "https://a.example.com/1.js", Target: "http://localhost/1.js", ConfigName: "Dev"})
	l.Add(&RedirectRecord{URL: "https://a.example.com/1.js", Target: "http://localhost/1.js", ConfigName: "Dev"})
	l.Dump()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "example.com 2 Dev https://a.example.com/1.js http://localhost/1.js", lines[0])
	assert.Equal(t, "other.org 1 Other https://other.org/x.js http://localhost/x.js", lines[1])
}

func TestRedirectRecordListRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redirects")
	l := NewRedirectRecordList(path)
	ctx, cancel := context.WithCancel(context.Background())
	done := l.Run(ctx, 20*time.Millisecond)

	l.Record("https://cdn.example.com/app.js", "http://localhost/app.js", "Dev")

	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && strings.HasPrefix(string(data), "example.com 1 Dev")
	}, 2*time.Second, 20*time.Millisecond)
	cancel()
	<-done
}
