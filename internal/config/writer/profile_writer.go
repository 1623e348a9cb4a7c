package writer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ProfileYAML represents the structure of profiles.yaml
type ProfileYAML struct {
	Profiles map[string]ProfileEntry `yaml:"profiles"`
}

// ProfileEntry is a named scan preset: which symbols to scan, on which
// interval, and with which detector parameters. Zero fields fall back to
// the main config when the profile is resolved.
type ProfileEntry struct {
	Symbols     []string `yaml:"symbols,omitempty"`
	Interval    string   `yaml:"interval,omitempty"`
	Bars        int      `yaml:"bars,omitempty"`
	Oscillators []string `yaml:"oscillators,omitempty"`
	PivotLeft   int      `yaml:"pivot_left,omitempty"`
	PivotRight  int      `yaml:"pivot_right,omitempty"`
	RangeLower  int      `yaml:"range_lower,omitempty"`
	RangeUpper  int      `yaml:"range_upper,omitempty"`
	MinCount    int      `yaml:"min_count,omitempty"`
	WarmupBars  int      `yaml:"warmup_bars,omitempty"`
	Types       []string `yaml:"types,omitempty"`
	Default     bool     `yaml:"default,omitempty"`
}

// ProfileWriter handles reading and writing profiles.yaml
type ProfileWriter struct {
	path string
	mu   sync.RWMutex
}

// NewProfileWriter creates a new ProfileWriter for the given path
func NewProfileWriter(path string) *ProfileWriter {
	return &ProfileWriter{path: path}
}

// Read reads the current profiles.yaml content. A missing file is not an
// error: the first Write creates it.
func (w *ProfileWriter) Read() (*ProfileYAML, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	data, err := os.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ProfileYAML{Profiles: make(map[string]ProfileEntry)}, nil
		}
		return nil, fmt.Errorf("读取 profiles.yaml 失败: %w", err)
	}

	var cfg ProfileYAML
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析 profiles.yaml 失败: %w", err)
	}

	if cfg.Profiles == nil {
		cfg.Profiles = make(map[string]ProfileEntry)
	}

	return &cfg, nil
}

// Write writes the profiles to profiles.yaml with backup
func (w *ProfileWriter) Write(cfg *ProfileYAML) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Create backup first
	if err := w.backup(); err != nil {
		return fmt.Errorf("备份失败: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("序列化 profiles 失败: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(w.path), 0755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}

	// Write to temp file first, then rename for atomic write
	tmpPath := w.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("写入临时文件失败: %w", err)
	}

	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("替换配置文件失败: %w", err)
	}

	return nil
}

// backup creates a backup of the current profiles.yaml
func (w *ProfileWriter) backup() error {
	src, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // No file to backup
		}
		return err
	}
	defer src.Close()

	backupDir := filepath.Join(filepath.Dir(w.path), "backups")
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return err
	}

	timestamp := time.Now().Format("20060102_150405")
	backupPath := filepath.Join(backupDir, fmt.Sprintf("profiles_%s.yaml", timestamp))

	dst, err := os.Create(backupPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	if err != nil {
		return err
	}

	// Clean old backups, keep last 10
	w.cleanOldBackups(backupDir, 10)

	return nil
}

func (w *ProfileWriter) cleanOldBackups(dir string, keep int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var backups []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "profiles_") && strings.HasSuffix(e.Name(), ".yaml") {
			backups = append(backups, filepath.Join(dir, e.Name()))
		}
	}

	if len(backups) <= keep {
		return
	}

	// Remove oldest backups
	for i := 0; i < len(backups)-keep; i++ {
		os.Remove(backups[i])
	}
}

// GetProfile returns a single profile by name
func (w *ProfileWriter) GetProfile(name string) (*ProfileEntry, error) {
	cfg, err := w.Read()
	if err != nil {
		return nil, err
	}

	profile, ok := cfg.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("profile '%s' 不存在", name)
	}

	return &profile, nil
}

// UpdateProfile updates or creates a profile
func (w *ProfileWriter) UpdateProfile(name string, profile ProfileEntry) error {
	cfg, err := w.Read()
	if err != nil {
		return err
	}

	cfg.Profiles[name] = profile

	return w.Write(cfg)
}

// DeleteProfile deletes a profile by name
func (w *ProfileWriter) DeleteProfile(name string) error {
	cfg, err := w.Read()
	if err != nil {
		return err
	}

	if _, ok := cfg.Profiles[name]; !ok {
		return fmt.Errorf("profile '%s' 不存在", name)
	}

	if len(cfg.Profiles) <= 1 {
		return fmt.Errorf("不能删除唯一的 profile")
	}

	delete(cfg.Profiles, name)

	return w.Write(cfg)
}

// Path returns the path to profiles.yaml
func (w *ProfileWriter) Path() string {
	return w.path
}
