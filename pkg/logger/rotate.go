package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Audit entries are small JSON lines; the defaults favour long retention
// over large individual files.
const (
	defaultAuditMaxSizeMB  = 64
	defaultAuditMaxBackups = 10
	defaultAuditMaxAgeDays = 90

	auditArchiveStamp = "20060102T150405.000000000"
)

// auditFile is the sink behind the audit logger. When the active file would
// exceed the size limit it is renamed to a timestamped archive next to it
// (audit.log -> audit-20060102T150405.000000000.log) and a fresh file is
// opened; archives beyond the backup count or retention window are removed.
type auditFile struct {
	mu      sync.Mutex
	out     *os.File
	written int64

	path   string
	limit  int64
	keep   int
	retain time.Duration
}

func openAuditFile(cfg AuditConfig) (*auditFile, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path is required")
	}
	sizeMB := cfg.MaxSizeMB
	if sizeMB <= 0 {
		sizeMB = defaultAuditMaxSizeMB
	}
	keep := cfg.MaxBackups
	if keep <= 0 {
		keep = defaultAuditMaxBackups
	}
	ageDays := cfg.MaxAgeDays
	if ageDays <= 0 {
		ageDays = defaultAuditMaxAgeDays
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &auditFile{
		path:   cfg.Path,
		limit:  int64(sizeMB) * 1024 * 1024,
		keep:   keep,
		retain: time.Duration(ageDays) * 24 * time.Hour,
	}, nil
}

func (f *auditFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.out == nil {
		if err := f.open(); err != nil {
			return 0, err
		}
	}
	if f.written > 0 && f.written+int64(len(p)) > f.limit {
		if err := f.archive(); err != nil {
			return 0, err
		}
		if err := f.open(); err != nil {
			return 0, err
		}
	}
	n, err := f.out.Write(p)
	f.written += int64(n)
	return n, err
}

func (f *auditFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.out == nil {
		return nil
	}
	err := f.out.Close()
	f.out = nil
	f.written = 0
	return err
}

func (f *auditFile) open() error {
	out, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := out.Stat()
	if err != nil {
		out.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	f.out = out
	f.written = info.Size()
	return nil
}

// archive closes the active file, renames it to a timestamped sibling and
// prunes old archives. Must be called with f.mu held.
func (f *auditFile) archive() error {
	if f.out != nil {
		_ = f.out.Close()
		f.out = nil
	}
	f.written = 0

	name := f.archiveName(time.Now().UTC())
	if err := os.Rename(f.path, name); err != nil {
		return fmt.Errorf("archive audit log: %w", err)
	}
	f.prune()
	return nil
}

func (f *auditFile) archiveName(at time.Time) string {
	ext := filepath.Ext(f.path)
	base := strings.TrimSuffix(f.path, ext)
	return fmt.Sprintf("%s-%s%s", base, at.Format(auditArchiveStamp), ext)
}

// prune drops archives beyond the backup count and any older than the
// retention window. The timestamp in the name sorts lexically, newest last.
func (f *auditFile) prune() {
	ext := filepath.Ext(f.path)
	base := strings.TrimSuffix(f.path, ext)
	archives, err := filepath.Glob(base + "-*" + ext)
	if err != nil || len(archives) == 0 {
		return
	}
	sort.Strings(archives)

	excess := len(archives) - f.keep
	for i := 0; i < excess; i++ {
		_ = os.Remove(archives[i])
		archives[i] = ""
	}
	if f.retain <= 0 {
		return
	}
	cutoff := time.Now().Add(-f.retain)
	for _, archive := range archives {
		if archive == "" {
			continue
		}
		info, err := os.Stat(archive)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(archive)
		}
	}
}
