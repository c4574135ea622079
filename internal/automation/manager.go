//go:build !no_automation

package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// ErrScriptNotFound is returned for unknown or invalid script ids.
var ErrScriptNotFound = errors.New("script not found")

const (
	scriptExt  = ".lua"
	metaPrefix = "-- {"
)

// Script ids double as file names, so they are limited to a safe alphabet.
var scriptIDPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)

func validScriptID(id string) bool {
	return scriptIDPattern.MatchString(id) && !strings.Contains(id, "..")
}

// Manager reads scripts from a directory. Files are read on every call so
// edits on disk show up without a restart.
type Manager struct {
	dir    string
	logger *slog.Logger
}

// NewManager creates the directory if needed.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Manager{dir: dir, logger: logger.With("component", "scripts")}, nil
}

// List returns the scripts sorted by id. Unreadable files are logged and
// left out.
func (m *Manager) List() ([]*Script, error) {
	paths, err := filepath.Glob(filepath.Join(m.dir, "*"+scriptExt))
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}

	scripts := make([]*Script, 0, len(paths))
	for _, path := range paths {
		id := strings.TrimSuffix(filepath.Base(path), scriptExt)
		if !validScriptID(id) {
			m.logger.Warn("skip script with unsupported name", "file", filepath.Base(path))
			continue
		}
		s, err := m.load(id)
		if err != nil {
			m.logger.Warn("skip unreadable script", "file", filepath.Base(path), "err", err)
			continue
		}
		scripts = append(scripts, s)
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].ID < scripts[j].ID })
	return scripts, nil
}

// Get loads one script.
func (m *Manager) Get(id string) (*Script, error) {
	if !validScriptID(id) {
		return nil, fmt.Errorf("%w: invalid id %q", ErrScriptNotFound, id)
	}
	s, err := m.load(id)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, id)
	}
	return s, err
}

func (m *Manager) load(id string) (*Script, error) {
	path := filepath.Join(m.dir, id+scriptExt)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s := &Script{ID: id, FilePath: path}
	header, code := splitHeader(string(data))
	if header != "" {
		if err := json.Unmarshal([]byte(header), &s.Meta); err != nil {
			m.logger.Warn("bad script metadata", "id", id, "err", err)
		}
	}
	if s.Meta.Name == "" {
		s.Meta.Name = id
	}
	s.LuaCode = code
	return s, nil
}

// splitHeader separates the optional JSON metadata comment on the first line
// from the Lua source.
func splitHeader(content string) (header, code string) {
	first, rest, _ := strings.Cut(content, "\n")
	if !strings.HasPrefix(first, metaPrefix) {
		return "", content
	}
	return strings.TrimSpace(strings.TrimPrefix(first, "--")), strings.TrimLeft(rest, "\r\n")
}
