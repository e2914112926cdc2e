package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"

	lru "github.com/hashicorp/golang-lru"

	"github.com/rexliu/porthole/pkg/transport"
)

const (
	// FileName is the session file each host writes into its own directory.
	FileName = "session.json"
	// DirName is the per-user directory holding one subdirectory per host.
	DirName = "emacs-porthole"
	// DefaultCacheSize bounds how many resolved sessions are kept.
	DefaultCacheSize = 32

	loopback = "127.0.0.1"
)

var (
	// ErrInvalidServerName rejects names that cannot map to a session directory.
	ErrInvalidServerName = errors.New("invalid server name")
	// ErrNotRunning means no usable session information was found.
	ErrNotRunning = errors.New("server not running")
)

var serverNameRE = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// ValidateServerName accepts non-empty names of letters, digits and dashes.
func ValidateServerName(name string) error {
	if !serverNameRE.MatchString(name) {
		return fmt.Errorf("%w %q: only alphanumeric characters and dashes are allowed", ErrInvalidServerName, name)
	}
	return nil
}

// Info is the content of a session file.
type Info struct {
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Endpoint turns the session into a transport address on the loopback interface.
func (i Info) Endpoint() transport.Endpoint {
	return transport.Endpoint{
		Address:  net.JoinHostPort(loopback, strconv.Itoa(i.Port)),
		Username: i.Username,
		Password: i.Password,
	}
}

// DefaultDir returns the directory hosts publish their sessions in.
func DefaultDir() (string, error) {
	base, err := tempFolder(runtime.GOOS)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, DirName), nil
}

func tempFolder(goos string) (string, error) {
	switch goos {
	case "windows":
		if dir := os.Getenv("TEMP"); dir != "" {
			return dir, nil
		}
		return "", errors.New("TEMP is not set")
	case "darwin":
		if home := os.Getenv("HOME"); home != "" {
			return filepath.Join(home, "Library"), nil
		}
		return "", errors.New("HOME is not set")
	default:
		if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
			return dir, nil
		}
		if home := os.Getenv("HOME"); home != "" {
			return filepath.Join(home, "tmp"), nil
		}
		return "", errors.New("neither XDG_RUNTIME_DIR nor HOME is set")
	}
}

// Registry resolves server names through session files and caches the result.
// It is safe for concurrent use.
type Registry struct {
	dir   string
	cache *lru.Cache
}

// NewRegistry reads sessions below dir. An empty dir means DefaultDir.
func NewRegistry(dir string, cacheSize int) (*Registry, error) {
	if dir == "" {
		var err error
		if dir, err = DefaultDir(); err != nil {
			return nil, fmt.Errorf("session dir: %w", err)
		}
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Registry{dir: dir, cache: cache}, nil
}

// Dir returns the directory sessions are read from.
func (r *Registry) Dir() string {
	return r.dir
}

// Path returns the session file path for name.
func (r *Registry) Path(name string) string {
	return filepath.Join(r.dir, name, FileName)
}

// Resolve returns the endpoint for name, reading the session file on a cache miss.
func (r *Registry) Resolve(ctx context.Context, name string) (transport.Endpoint, error) {
	if err := ValidateServerName(name); err != nil {
		return transport.Endpoint{}, err
	}
	if v, ok := r.cache.Get(name); ok {
		return v.(Info).Endpoint(), nil
	}
	if err := ctx.Err(); err != nil {
		return transport.Endpoint{}, err
	}
	info, err := r.Read(name)
	if err != nil {
		return transport.Endpoint{}, err
	}
	r.cache.Add(name, info)
	return info.Endpoint(), nil
}

// Invalidate drops any cached session for name so the next Resolve re-reads it.
func (r *Registry) Invalidate(name string) {
	r.cache.Remove(name)
}

// Read loads the session file for name, bypassing the cache. The file may be
// stale if the host died without cleaning up; callers find out when they post.
func (r *Registry) Read(name string) (Info, error) {
	path := r.Path(name)
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("%w: session file %s could not be read: %v", ErrNotRunning, path, err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("%w: session file %s is not valid json: %v", ErrNotRunning, path, err)
	}
	if info.Port <= 0 || info.Port > 65535 {
		return Info{}, fmt.Errorf("%w: session file %s has no usable port", ErrNotRunning, path)
	}
	return info, nil
}

// Write publishes info for name, the way a host announces itself.
func (r *Registry) Write(name string, info Info) error {
	if err := ValidateServerName(name); err != nil {
		return err
	}
	path := r.Path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// List returns the names of hosts with a session file, sorted.
func (r *Registry) List() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || ValidateServerName(entry.Name()) != nil {
			continue
		}
		if _, err := os.Stat(r.Path(entry.Name())); err == nil {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
