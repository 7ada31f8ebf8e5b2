package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"pubsched/internal/eventbus"
	logx "pubsched/pkg/logx"
)

// ConfigManager holds the committed configuration and republishes it when the file changes.
type ConfigManager struct {
	path     string
	debounce time.Duration

	log       logx.Logger
	bus       eventbus.Bus
	validator func(ctx context.Context, cfg *Config) error

	mu     sync.RWMutex
	cfg    *Config
	digest [sha256.Size]byte

	subsMu sync.Mutex
	subs   []chan *Config
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop(), debounce: 250 * time.Millisecond}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetBus makes every published reload also emit eventbus.TypeConfigChanged.
func (m *ConfigManager) SetBus(bus eventbus.Bus) { m.bus = bus }

// SetValidator installs an extra check that a reloaded config must pass before it is committed.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads and decodes the file without validating or committing it.
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, b)
}

var errTrailingData = errors.New("invalid config: trailing data")

// Decode parses data as JSON, or as YAML when path ends in .yaml/.yml. Unknown keys are errors.
func Decode(path string, data []byte) (*Config, error) {
	if isYAML(path) {
		var err error
		if data, err = yamlToJSON(data); err != nil {
			return nil, err
		}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	cfg := new(Config)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	switch err := dec.Decode(new(json.RawMessage)); {
	case err == nil:
		return nil, errTrailingData
	case !errors.Is(err, io.EOF):
		return nil, err
	}
	return cfg, nil
}

func digestOf(cfg *Config) [sha256.Size]byte {
	b, _ := json.Marshal(cfg)
	return sha256.Sum256(b)
}

// Commit makes cfg current without notifying subscribers.
func (m *ConfigManager) Commit(cfg *Config) {
	d := digestOf(cfg)
	m.mu.Lock()
	m.cfg, m.digest = cfg, d
	m.mu.Unlock()
}

// Load parses, validates and commits the file.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel that receives every committed reload. A slow subscriber only
// misses intermediate configs, never the latest one.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if i := slices.Index(m.subs, ch); i >= 0 {
		m.subs = slices.Delete(m.subs, i, i+1)
		close(ch)
	}
}

func (m *ConfigManager) broadcast(cfg *Config) {
	m.subsMu.Lock()
	for _, ch := range m.subs {
		for !offer(ch, cfg) {
			// Full: discard the stalest pending config and try again.
			select {
			case <-ch:
			default:
			}
		}
	}
	m.subsMu.Unlock()

	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigChanged, Time: time.Now(), Data: m.path})
	}
}

func offer(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}

// reload re-reads the file and publishes it when it parses, validates and differs from the
// committed config.
func (m *ConfigManager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}

	d := digestOf(cfg)
	m.mu.RLock()
	same := d == m.digest
	m.mu.RUnlock()
	if same {
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}

	m.Commit(cfg)
	m.broadcast(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("digest", fmt.Sprintf("%x", d[:6])))
}
