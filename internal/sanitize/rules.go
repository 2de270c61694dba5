package sanitize

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	. "github.com/tablesage/tablesage/internal/logging"
)

// Rules is the operator-editable redaction policy, stored as TOML.
type Rules struct {
	Categories CategoryToggles `toml:"categories"`
	Names      NameRules       `toml:"names"`
	Allow      AllowRules      `toml:"allow"`
	Patterns   []CustomPattern `toml:"patterns"`
}

// CategoryToggles switches built-in redaction categories. All default on;
// turning one off is an explicit operator decision.
type CategoryToggles struct {
	Email  bool `toml:"email"`
	Phone  bool `toml:"phone"`
	Name   bool `toml:"name"`
	Number bool `toml:"number"`
}

// NameRules configures the dictionary name detector.
type NameRules struct {
	Dictionary []string `toml:"dictionary"`
}

// AllowRules lists terms that are never redacted, such as product names
// that happen to contain digits.
type AllowRules struct {
	Terms []string `toml:"terms"`
}

// CustomPattern is an operator-defined redaction. Replace must be a
// bracketed ALL-CAPS placeholder like [ORDER_ID] and is used verbatim.
type CustomPattern struct {
	Name    string `toml:"name"`
	Pattern string `toml:"pattern"`
	Replace string `toml:"replace"`
}

// DefaultRules returns the policy a fresh install runs with: every built-in
// category on, no names, no exceptions.
func DefaultRules() *Rules {
	return &Rules{
		Categories: CategoryToggles{Email: true, Phone: true, Name: true, Number: true},
	}
}

// LoadRules reads a TOML rules file. Values in the file are applied over the
// defaults, so a file that only lists names keeps every category enabled. A
// missing file yields the defaults unchanged.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultRules(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	rules := DefaultRules()
	if err := toml.Unmarshal(data, rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}
	return rules, nil
}

// RulesWatcher hot-reloads the rules file into a Sanitizer when it changes
// on disk. Reload failures keep the previous rule set active.
type RulesWatcher struct {
	watcher      *fsnotify.Watcher
	path         string
	target       *Sanitizer
	debounce     time.Duration
	stopCh       chan struct{}
	mu           sync.Mutex
	pendingTimer *time.Timer
}

// NewRulesWatcher watches the directory holding path, since editors tend to
// replace files rather than write them in place.
func NewRulesWatcher(path string, target *Sanitizer) (*RulesWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch rules directory: %w", err)
	}
	return &RulesWatcher{
		watcher:  fsWatcher,
		path:     filepath.Clean(path),
		target:   target,
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start begins watching for file changes.
// This spawns a goroutine internally.
func (w *RulesWatcher) Start() {
	go w.run()
}

func (w *RulesWatcher) run() {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			L_warn("sanitize: rules watcher error", "error", err)
		}
	}
}

func (w *RulesWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	isRelevant := event.Op&fsnotify.Write != 0 ||
		event.Op&fsnotify.Create != 0 ||
		event.Op&fsnotify.Rename != 0 ||
		event.Op&fsnotify.Remove != 0
	if !isRelevant {
		return
	}

	L_debug("sanitize: rules file changed", "path", event.Name, "op", event.Op.String())
	w.triggerReload()
}

// triggerReload schedules a reload with debouncing.
func (w *RulesWatcher) triggerReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pendingTimer != nil {
		w.pendingTimer.Stop()
	}
	w.pendingTimer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		w.pendingTimer = nil
		w.mu.Unlock()
		w.reload()
	})
}

func (w *RulesWatcher) reload() {
	rules, err := LoadRules(w.path)
	if err != nil {
		L_warn("sanitize: rules reload failed, keeping previous rules", "path", w.path, "error", err)
		return
	}
	if err := w.target.SetRules(rules); err != nil {
		L_warn("sanitize: new rules rejected, keeping previous rules", "path", w.path, "error", err)
		return
	}
	L_info("sanitize: redaction rules reloaded", "path", w.path)
}

// Stop stops watching for changes.
func (w *RulesWatcher) Stop() error {
	close(w.stopCh)

	w.mu.Lock()
	if w.pendingTimer != nil {
		w.pendingTimer.Stop()
	}
	w.mu.Unlock()

	return w.watcher.Close()
}
