package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"phoneme-recognizer/pkg/errors"
	"phoneme-recognizer/pkg/phoneme"
)

// AnalysisCallback receives a validated analysis config that differs from the
// previous one
type AnalysisCallback func(oldConfig, newConfig AnalysisConfig) error

// ProfileCallback receives a freshly loaded profile document
type ProfileCallback func(profile *phoneme.Profile) error

// ReloadEvent represents a configuration reload event
type ReloadEvent struct {
	Timestamp   time.Time           `json:"timestamp"`
	Path        string              `json:"path"`
	Kind        string              `json:"kind"` // "analysis", "profile"
	Success     bool                `json:"success"`
	Skipped     bool                `json:"skipped,omitempty"`
	Changes     []ConfigChange      `json:"changes,omitempty"`
	Errors      []ValidationError   `json:"errors,omitempty"`
	Warnings    []ValidationWarning `json:"warnings,omitempty"`
	ReloadTime  time.Duration       `json:"reload_time"`
	TriggerType string              `json:"trigger_type"` // "file", "api"
}

// ConfigChange represents a change in configuration
type ConfigChange struct {
	Field    string      `json:"field"`
	OldValue interface{} `json:"old_value"`
	NewValue interface{} `json:"new_value"`
}

// Watcher reloads the analysis config file and the profile document when
// they change on disk
type Watcher struct {
	configPath  string
	profilePath string
	logger      *logrus.Entry
	validator   *ConfigValidator
	watcher     *fsnotify.Watcher

	mutex      sync.RWMutex
	analysis   AnalysisConfig
	digests    map[string][sha256.Size]byte
	onAnalysis []AnalysisCallback
	onProfile  []ProfileCallback
	enabled    bool

	ctx          context.Context
	cancel       context.CancelFunc
	reloadChan   chan string
	debounceTime time.Duration
	wg           sync.WaitGroup
}

// NewWatcher creates a watcher for configPath and profilePath. Either path may
// be empty. current is the analysis config in effect.
func NewWatcher(configPath, profilePath string, current AnalysisConfig, debounce time.Duration, logger *logrus.Logger) (*Watcher, error) {
	if configPath == "" && profilePath == "" {
		return nil, errors.NewInvalidInput("nothing to watch")
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file watcher")
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		configPath:   cleanPath(configPath),
		profilePath:  cleanPath(profilePath),
		logger:       logger.WithField("component", "config_watcher"),
		validator:    NewConfigValidator(logger),
		watcher:      fw,
		analysis:     current,
		digests:      make(map[string][sha256.Size]byte),
		ctx:          ctx,
		cancel:       cancel,
		reloadChan:   make(chan string, 16),
		debounceTime: debounce,
	}

	for _, path := range w.paths() {
		w.Remember(path)
	}
	return w, nil
}

func cleanPath(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Clean(path)
}

func (w *Watcher) paths() []string {
	var paths []string
	if w.configPath != "" {
		paths = append(paths, w.configPath)
	}
	if w.profilePath != "" {
		paths = append(paths, w.profilePath)
	}
	return paths
}

// OnAnalysisChange registers a callback for analysis config changes
func (w *Watcher) OnAnalysisChange(callback AnalysisCallback) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.onAnalysis = append(w.onAnalysis, callback)
}

// OnProfileChange registers a callback for profile document changes
func (w *Watcher) OnProfileChange(callback ProfileCallback) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.onProfile = append(w.onProfile, callback)
}

// Start begins watching. The parent directories are watched so editors that
// replace files by rename are noticed.
func (w *Watcher) Start() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.enabled {
		return errors.New("config watcher already started").WithCode("FAILED_PRECONDITION")
	}

	dirs := make(map[string]bool)
	for _, path := range w.paths() {
		dirs[filepath.Dir(path)] = true
	}
	for dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			return errors.Wrap(err, "failed to watch directory", map[string]interface{}{"dir": dir})
		}
	}

	w.enabled = true
	w.wg.Add(2)
	go w.watchFiles()
	go w.handleReloads()

	w.logger.WithFields(logrus.Fields{
		"config_path":  w.configPath,
		"profile_path": w.profilePath,
	}).Info("Configuration watcher started")

	return nil
}

// Stop stops watching and waits for pending reloads to finish
func (w *Watcher) Stop() error {
	w.mutex.Lock()
	if !w.enabled {
		w.mutex.Unlock()
		w.watcher.Close()
		return nil
	}
	w.enabled = false
	w.mutex.Unlock()

	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()

	w.logger.Info("Configuration watcher stopped")
	if err != nil {
		return errors.Wrap(err, "failed to close file watcher")
	}
	return nil
}

// Analysis returns the analysis config currently in effect
func (w *Watcher) Analysis() AnalysisConfig {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.analysis
}

// Remember records the current content of path so that a change event
// carrying the same bytes, such as one caused by our own save, is ignored
func (w *Watcher) Remember(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	w.mutex.Lock()
	w.digests[cleanPath(path)] = sha256.Sum256(data)
	w.mutex.Unlock()
}

// TriggerReload reloads path immediately
func (w *Watcher) TriggerReload(path string) (*ReloadEvent, error) {
	return w.performReload(cleanPath(path), "api")
}

// watchFiles watches for file system events
func (w *Watcher) watchFiles() {
	defer w.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			w.logger.WithField("panic", r).Error("File watcher panic recovered")
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			name := filepath.Clean(event.Name)
			if name != w.configPath && name != w.profilePath {
				continue
			}

			w.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  event.Name,
			}).Debug("File system event received")

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			select {
			case w.reloadChan <- name:
			default:
				w.logger.Debug("Configuration reload already pending")
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("File watcher error")
		}
	}
}

// handleReloads debounces change notifications and reloads each changed file once
func (w *Watcher) handleReloads() {
	defer w.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			w.logger.WithField("panic", r).Error("Reload handler panic recovered")
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			return

		case path := <-w.reloadChan:
			pending := map[string]bool{path: true}

			timer := time.NewTimer(w.debounceTime)
			select {
			case <-w.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

		drainLoop:
			for {
				select {
				case p := <-w.reloadChan:
					pending[p] = true
				default:
					break drainLoop
				}
			}

			for _, p := range w.paths() {
				if !pending[p] {
					continue
				}
				event, err := w.performReload(p, "file")
				if err != nil {
					w.logger.WithError(err).WithField("path", p).Error("Configuration reload failed")
				} else if event.Success && !event.Skipped {
					w.logger.WithFields(logrus.Fields{
						"path":        p,
						"kind":        event.Kind,
						"changes":     len(event.Changes),
						"reload_time": event.ReloadTime,
					}).Info("Configuration reloaded successfully")
				}
			}
		}
	}
}

// performReload reloads the file at path and fans the result out to callbacks
func (w *Watcher) performReload(path, triggerType string) (*ReloadEvent, error) {
	startTime := time.Now()
	event := &ReloadEvent{
		Timestamp:   startTime,
		Path:        path,
		TriggerType: triggerType,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		event.ReloadTime = time.Since(startTime)
		return event, errors.Wrap(err, "failed to read changed file", map[string]interface{}{"path": path})
	}
	digest := sha256.Sum256(data)

	w.mutex.Lock()
	if last, ok := w.digests[path]; ok && last == digest && triggerType == "file" {
		w.mutex.Unlock()
		event.Success = true
		event.Skipped = true
		event.ReloadTime = time.Since(startTime)
		w.logger.WithField("path", path).Debug("File content unchanged, skipping reload")
		return event, nil
	}
	w.digests[path] = digest
	w.mutex.Unlock()

	switch path {
	case w.configPath:
		event.Kind = "analysis"
		err = w.reloadAnalysis(data, event)
	case w.profilePath:
		event.Kind = "profile"
		err = w.reloadProfile(path, event)
	default:
		err = errors.NewInvalidInput("path is not watched", map[string]interface{}{"path": path})
	}

	event.Success = err == nil
	event.ReloadTime = time.Since(startTime)
	return event, err
}

func (w *Watcher) reloadAnalysis(data []byte, event *ReloadEvent) error {
	next, err := ParseAnalysisYAML(data, DefaultAnalysisConfig())
	if err != nil {
		return err
	}
	// environment overrides keep precedence over the file, as at startup
	if err := loadAnalysisConfig(w.logger.Logger, &next); err != nil {
		return err
	}

	result := w.validator.ValidateAnalysis(next)
	event.Errors = result.Errors
	event.Warnings = result.Warnings
	if !result.Valid {
		return errors.New(fmt.Sprintf("analysis configuration validation failed: %s", result.Summary)).WithCode("INVALID_CONFIG")
	}

	w.mutex.Lock()
	old := w.analysis
	event.Changes = DiffAnalysis(old, next)
	if len(event.Changes) == 0 {
		w.mutex.Unlock()
		event.Skipped = true
		return nil
	}
	w.analysis = next
	callbacks := append([]AnalysisCallback(nil), w.onAnalysis...)
	w.mutex.Unlock()

	var failed int
	for _, callback := range callbacks {
		if err := callback(old, next); err != nil {
			failed++
			w.logger.WithError(err).Error("Analysis reload callback failed")
		}
	}
	if failed > 0 {
		return errors.New("some reload callbacks failed", map[string]interface{}{"failed": failed})
	}
	return nil
}

func (w *Watcher) reloadProfile(path string, event *ReloadEvent) error {
	profile, err := phoneme.LoadFile(path)
	if err != nil {
		return err
	}

	w.mutex.RLock()
	callbacks := append([]ProfileCallback(nil), w.onProfile...)
	w.mutex.RUnlock()

	var failed int
	for _, callback := range callbacks {
		if err := callback(profile); err != nil {
			failed++
			w.logger.WithError(err).Error("Profile reload callback failed")
		}
	}
	if failed > 0 {
		return errors.New("some reload callbacks failed", map[string]interface{}{"failed": failed})
	}
	return nil
}

// DiffAnalysis lists the fields that differ between two analysis configs,
// keyed by their YAML names
func DiffAnalysis(oldConfig, newConfig AnalysisConfig) []ConfigChange {
	var changes []ConfigChange

	ov := reflect.ValueOf(oldConfig)
	nv := reflect.ValueOf(newConfig)
	t := ov.Type()
	for i := 0; i < t.NumField(); i++ {
		a := ov.Field(i).Interface()
		b := nv.Field(i).Interface()
		if a == b {
			continue
		}
		name := t.Field(i).Tag.Get("yaml")
		if name == "" {
			name = t.Field(i).Name
		}
		changes = append(changes, ConfigChange{Field: name, OldValue: a, NewValue: b})
	}
	return changes
}
