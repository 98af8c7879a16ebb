package sshconfig

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/zpdzap/redock/internal/errors"
	"github.com/zpdzap/redock/internal/logging"
)

// DefaultMode is used when the config file does not exist yet.
const DefaultMode fs.FileMode = 0600

// Synchronizer owns the fragment set and the managed region of one ssh
// config file. It is safe for concurrent use.
type Synchronizer struct {
	mu        sync.Mutex
	path      string
	fragments map[string]Fragment

	backedUp   bool
	backupPath string

	now    func() time.Time
	rename func(oldpath, newpath string) error
}

// DefaultPath returns ~/.ssh/config.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ssh", "config"), nil
}

// Open reads path and parses an existing managed region back into the
// fragment set. A missing file is an empty set.
func Open(path string) (*Synchronizer, error) {
	s := &Synchronizer{
		path:      path,
		fragments: make(map[string]Fragment),
		now:       time.Now,
		rename:    os.Rename,
	}

	content, _, err := readConfig(path)
	if err != nil {
		return nil, errors.ConfigError("reading ssh config "+path, err)
	}
	layout, err := splitRegion(content)
	if err != nil {
		return nil, errors.ConfigError("parsing ssh config "+path, err)
	}
	if layout.found {
		frags, err := parseRegion(layout.body)
		if err != nil {
			return nil, errors.ConfigError("parsing managed region of "+path, err)
		}
		s.fragments = frags
	}
	logging.Debug("opened ssh config", "path", path, "fragments", len(s.fragments))
	return s, nil
}

// Path returns the config file this synchronizer rewrites.
func (s *Synchronizer) Path() string {
	return s.path
}

// BackupPath returns the backup taken by this process, if any.
func (s *Synchronizer) BackupPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backupPath
}

// Lookup returns the fragment registered under alias.
func (s *Synchronizer) Lookup(alias string) (Fragment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.fragments[alias]
	return f, ok
}

// Fragments returns the fragment set sorted by alias.
func (s *Synchronizer) Fragments() []Fragment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Fragment, 0, len(s.fragments))
	for _, f := range s.fragments {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out
}

// Render returns the managed region for the current set, markers included.
func (s *Synchronizer) Render() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return renderRegion(s.fragments)
}

// Upsert adds or replaces the fragment for f.Alias and rewrites the file.
func (s *Synchronizer) Upsert(f Fragment) error {
	if err := f.Validate(); err != nil {
		return errors.ConfigError("invalid ssh config fragment", err)
	}
	return s.mutate(func(m map[string]Fragment) {
		m[f.Alias] = f
	})
}

// Remove drops the fragment for alias and rewrites the file. Removing an
// unknown alias is not an error.
func (s *Synchronizer) Remove(alias string) error {
	return s.mutate(func(m map[string]Fragment) {
		delete(m, alias)
	})
}

// mutate re-reads the managed region from disk, applies fn to it and
// rewrites the file. Fragments written by other processes since the last
// read are kept. The in-memory set only changes once the rewrite succeeds.
func (s *Synchronizer) mutate(fn func(map[string]Fragment)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, mode, err := readConfig(s.path)
	if err != nil {
		return errors.ConfigWrite(s.path, err)
	}
	layout, err := splitRegion(content)
	if err != nil {
		return errors.ConfigWrite(s.path, err)
	}
	frags := make(map[string]Fragment)
	if layout.found {
		if frags, err = parseRegion(layout.body); err != nil {
			return errors.ConfigWrite(s.path, err)
		}
	}
	fn(frags)

	if err := s.writeLocked(content, mode, layout, frags); err != nil {
		return err
	}
	s.fragments = frags
	return nil
}

func (s *Synchronizer) writeLocked(content string, mode fs.FileMode, l layout, frags map[string]Fragment) error {
	if content == "" && len(frags) == 0 {
		return nil
	}
	updated := l.assemble(renderRegion(frags))
	if updated == content {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return errors.ConfigWrite(s.path, err)
	}
	if !s.backedUp && content != "" {
		if err := s.backupLocked(content, mode); err != nil {
			return errors.ConfigWrite(s.path, err)
		}
	}
	if err := writeAtomic(s.path, []byte(updated), mode, s.rename); err != nil {
		return errors.ConfigWrite(s.path, err)
	}
	logging.Debug("rewrote ssh config", "path", s.path, "fragments", len(frags))
	return nil
}

func (s *Synchronizer) backupLocked(content string, mode fs.FileMode) error {
	name := fmt.Sprintf("%s.redock-backup-%s", filepath.Base(s.path), s.now().Format("20060102-150405"))
	backup, err := securejoin.SecureJoin(filepath.Dir(s.path), name)
	if err != nil {
		return err
	}
	if err := os.WriteFile(backup, []byte(content), mode); err != nil {
		return fmt.Errorf("writing backup: %w", err)
	}
	s.backedUp = true
	s.backupPath = backup
	logging.Info("backed up ssh config", "path", s.path, "backup", backup)
	return nil
}

// readConfig returns the file contents and permission bits. A missing
// file reads as empty with DefaultMode.
func readConfig(path string) (string, fs.FileMode, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return "", DefaultMode, nil
	}
	if err != nil {
		return "", 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, err
	}
	return string(data), info.Mode().Perm(), nil
}

// layout is a config file cut around the managed region.
type layout struct {
	before string
	body   string
	after  string
	found  bool
}

func splitRegion(content string) (layout, error) {
	begin, beginEnd := findLine(content, 0, BeginMarker)
	if begin < 0 {
		if end, _ := findLine(content, 0, EndMarker); end >= 0 {
			return layout{}, fmt.Errorf("%q without %q", EndMarker, BeginMarker)
		}
		return layout{before: content}, nil
	}
	end, endEnd := findLine(content, beginEnd, EndMarker)
	if end < 0 {
		return layout{}, fmt.Errorf("%q without %q", BeginMarker, EndMarker)
	}
	return layout{
		before: content[:begin],
		body:   content[beginEnd:end],
		after:  content[endEnd:],
		found:  true,
	}, nil
}

// assemble puts region in place of the old one. A new region goes at the
// top of the file, followed by a blank line: ssh uses the first value it
// finds for each option, so a "Host *" block further down must not shadow
// the sandbox entries.
func (l layout) assemble(region string) string {
	if l.found {
		return l.before + region + l.after
	}
	if l.before == "" {
		return region
	}
	return region + "\n" + l.before
}

// findLine returns the byte offsets of the first line at or after from
// whose trimmed text equals want: its start, and the start of the next
// line. It returns -1 when there is none.
func findLine(content string, from int, want string) (int, int) {
	for pos := from; pos < len(content); {
		next := strings.IndexByte(content[pos:], '\n')
		end := len(content)
		if next >= 0 {
			end = pos + next + 1
		}
		if strings.TrimSpace(content[pos:end]) == want {
			return pos, end
		}
		pos = end
	}
	return -1, -1
}
