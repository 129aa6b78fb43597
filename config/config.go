// Package config loads the optional configs.conf key=value file and
// resolves the executable-relative cache/downloads paths.
//
// Grounded on the teacher's alice.Config/DefaultConfig/NewConfig
// (_examples/niyazisuleymanov-alice/alice/config.go) for the struct
// shape and validation idiom, and on
// _examples/original_source/src/config.cpp's load_configs (executable-
// relative config.conf, blank-tolerant key=value parsing) and
// create_cache_dir/create_downloads_dir/get_path_to_* for the Paths
// half — adapted from package-level globals set once at startup into
// a Paths value threaded explicitly by the caller.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds the recognised configs.conf keys, per SPEC_FULL.md §6.2.
// Unknown keys are ignored.
type Config struct {
	MaxPeers             int
	MaxPending           int
	ListenPort           uint16
	NumWant              int
	ShowDownloadProgress bool
}

// Default mirrors the teacher's DefaultConfig: sane values used when
// configs.conf is absent or a key is missing from it.
var Default = Config{
	MaxPeers:             10,
	MaxPending:           4,
	ListenPort:           6881,
	NumWant:              50,
	ShowDownloadProgress: true,
}

// Validate rejects configurations the engine cannot run with, mirroring
// the teacher's NewConfig guard (there: at least one discovery method;
// here: at least one peer slot and one outstanding request).
func (c Config) Validate() error {
	if c.MaxPeers <= 0 {
		return fmt.Errorf("config: max_peers must be positive, got %d", c.MaxPeers)
	}
	if c.MaxPending <= 0 {
		return fmt.Errorf("config: max_pending must be positive, got %d", c.MaxPending)
	}
	return nil
}

// Load reads path (configs.conf), applying any recognised keys on top
// of Default. A missing file is not an error: Default is returned
// unchanged, matching load_configs' early return when the file is
// absent.
func Load(path string) (Config, error) {
	cfg := Default

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}
		applyKey(&cfg, key, value)
	}
	if err := scanner.Err(); err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	return cfg, nil
}

// parseLine strips whitespace from both sides of a "key = value" (or
// "key=value") line. A line with no '=' is skipped, same as the
// original's silent continue.
func parseLine(line string) (key, value string, ok bool) {
	i := strings.IndexByte(line, '=')
	if i < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:i])
	value = strings.TrimSpace(line[i+1:])
	if key == "" {
		return "", "", false
	}
	return key, value, true
}

func applyKey(cfg *Config, key, value string) {
	switch key {
	case "max_peers":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.MaxPeers = n
		}
	case "max_pending":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.MaxPending = n
		}
	case "listen_port":
		if n, err := strconv.ParseUint(value, 10, 16); err == nil {
			cfg.ListenPort = uint16(n)
		}
	case "numwant":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.NumWant = n
		}
	case "show_download_progress":
		if b, err := strconv.ParseBool(value); err == nil {
			cfg.ShowDownloadProgress = b
		}
	}
}

// Paths holds the executable-relative filesystem layout from
// spec.md §6: cache/ (metainfo copy), downloads/ (download root) and
// configs.conf.
type Paths struct {
	Root      string
	Cache     string
	Downloads string
	ConfFile  string
}

// NewPaths resolves Paths relative to the running executable's
// directory, mirroring load_configs' use of /proc/self/exe.
func NewPaths() (Paths, error) {
	exe, err := os.Executable()
	if err != nil {
		return Paths{}, fmt.Errorf("config: locate executable: %w", err)
	}
	root, err := filepath.EvalSymlinks(filepath.Dir(exe))
	if err != nil {
		return Paths{}, fmt.Errorf("config: resolve executable dir: %w", err)
	}
	return Paths{
		Root:      root,
		Cache:     filepath.Join(root, "cache"),
		Downloads: filepath.Join(root, "downloads"),
		ConfFile:  filepath.Join(root, "configs.conf"),
	}, nil
}

// EnsureDirs creates the cache/ and downloads/ directories if absent,
// mirroring create_cache_dir/create_downloads_dir.
func (p Paths) EnsureDirs() error {
	if err := os.MkdirAll(p.Cache, 0o755); err != nil {
		return fmt.Errorf("config: create cache dir: %w", err)
	}
	if err := os.MkdirAll(p.Downloads, 0o755); err != nil {
		return fmt.Errorf("config: create downloads dir: %w", err)
	}
	return nil
}
