package statistics

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// RedirectRecordList aggregates would-redirect events per registrable
// domain and periodically dumps them to a file, most frequent first.
type RedirectRecordList struct {
	recordAddChan chan *RedirectRecord
	records       map[string]*RedirectRecord
	mu            sync.RWMutex

	dumpRecords []*RedirectRecord
	dumpFile    string
	dumpWriter  *bufio.Writer
}

type RedirectRecord struct {
	Domain     string    `json:"domain"`
	Count      int       `json:"count"`
	URL        string    `json:"url"`
	Target     string    `json:"target"`
	ConfigName string    `json:"config_name"`
	LastSeen   time.Time `json:"last_seen"`
}

func NewRedirectRecordList(dumpFile string) *RedirectRecordList {
	return &RedirectRecordList{
		recordAddChan: make(chan *RedirectRecord, 100),
		records:       make(map[string]*RedirectRecord, 100),
		dumpRecords:   make([]*RedirectRecord, 0, 100),
		dumpFile:      dumpFile,
		dumpWriter:    bufio.NewWriter(nil),
	}
}

// Run drains queued records and dumps every interval until ctx is done.
// A final dump is written on the way out, after which the returned channel
// is closed.
func (l *RedirectRecordList) Run(ctx context.Context, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case record := <-l.recordAddChan:
				l.Add(record)
			case <-ticker.C:
				l.Dump()
			case <-ctx.Done():
				l.Dump()
				return
			}
		}
	}()
	return done
}

// Record queues a would-redirect event without blocking; events are
// dropped when the queue is full.
func (l *RedirectRecordList) Record(rawURL, target, configName string) {
	record := &RedirectRecord{
		URL:        rawURL,
		Target:     target,
		ConfigName: configName,
		LastSeen:   time.Now(),
	}
	select {
	case l.recordAddChan <- record:
	default:
		slog.Debug("Redirect record dropped", slog.String("url", rawURL))
	}
}

func (l *RedirectRecordList) Add(record *RedirectRecord) {
	domain := record.Domain
	if domain == "" {
		domain = Domain(record.URL)
	}
	seen := record.LastSeen
	if seen.IsZero() {
		seen = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if r, exists := l.records[domain]; exists {
		r.Count++
		r.URL = record.URL
		r.Target = record.Target
		r.ConfigName = record.ConfigName
		r.LastSeen = seen
	} else {
		l.records[domain] = &RedirectRecord{
			Domain:     domain,
			Count:      1,
			URL:        record.URL,
			Target:     record.Target,
			ConfigName: record.ConfigName,
			LastSeen:   seen,
		}
	}
}

// Snapshot returns copies of all records sorted by count, then domain.
func (l *RedirectRecordList) Snapshot() []RedirectRecord {
	l.mu.RLock()
	out := make([]RedirectRecord, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, *r)
	}
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Domain < out[j].Domain
	})
	return out
}

func (l *RedirectRecordList) Dump() {
	if l.dumpFile == "" {
		return
	}
	f, err := os.Create(l.dumpFile)
	if err != nil {
		slog.Error("os.Create", slog.Any("error", err))
		return
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Error("os.File.Close", slog.Any("error", err))
		}
	}()

	l.dumpRecords = l.dumpRecords[:0]
	for _, record := range l.Snapshot() {
		record := record
		l.dumpRecords = append(l.dumpRecords, &record)
	}

	l.dumpWriter.Reset(f)
	defer func() {
		if err := l.dumpWriter.Flush(); err != nil {
			slog.Error("bufio.Writer.Flush", slog.Any("error", err))
		}
	}()

	for _, record := range l.dumpRecords {
		_, err := fmt.Fprintf(l.dumpWriter, "%s %d %s %s %s\n",
			record.Domain, record.Count, record.ConfigName, record.URL, record.Target)
		if err != nil {
			slog.Error("Dump fmt.Fprintf", slog.Any("error", err))
		}
	}
}

// Domain reduces a URL to its registrable domain (eTLD+1). Hosts without
// one, such as IP addresses or localhost, are returned as-is.
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return rawURL
	}
	host := u.Hostname()
	if net.ParseIP(host) != nil {
		return host
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}
