package policy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay debounces bursts of file events into one reload.
const DefaultReloadDelay = 500 * time.Millisecond

// Loader reads denylist policies from .rego and .json files. Parsed files
// are cached by path until they change under Watch or ClearCache is called.
type Loader struct {
	logger      zerolog.Logger
	reloadDelay time.Duration

	mu      sync.Mutex
	cache   map[string]*Policy
	watcher *fsnotify.Watcher
}

func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:      logger.With().Str("component", "policy-loader").Logger(),
		reloadDelay: DefaultReloadDelay,
		cache:       make(map[string]*Policy),
	}
}

// LoadFromPaths loads every policy file named by paths. Directories are
// walked recursively; a file inside a directory that fails to parse is
// skipped, while an explicitly named file that fails is an error.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, root := range paths {
		files, err := policyFiles(root)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", root, err)
		}
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			p, err := l.loadFromFile(ctx, f)
			if err != nil && f == root {
				return nil, fmt.Errorf("failed to load from path %s: %w", root, err)
			}
			if err != nil {
				l.logger.Warn().Err(err).Str("path", f).Msg("Skipping policy file")
				continue
			}
			out = append(out, *p)
		}
	}
	l.logger.Debug().Int("total", len(out)).Int("sources", len(paths)).Msg("Policies loaded")
	return out, nil
}

// policyFiles returns root itself when it is a file, or the policy files
// below it when it is a directory.
func policyFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{root}, nil
	}
	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isPolicyFile(path) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json":
		return true
	}
	return false
}

func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	l.mu.Lock()
	p, ok := l.cache[path]
	l.mu.Unlock()
	if ok {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	if p, err = parsePolicy(path, data); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[path] = p
	l.mu.Unlock()
	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy parsed")
	return p, nil
}

// parsePolicy reads a bare Rego module, named after its file and described
// by its leading comment, or a JSON document carrying name, description and
// rego fields.
func parsePolicy(path string, data []byte) (*Policy, error) {
	ext := filepath.Ext(path)
	p := &Policy{
		Name:     strings.TrimSuffix(filepath.Base(path), ext),
		Source:   path,
		LoadedAt: time.Now(),
	}
	switch ext {
	case ".rego":
		p.Rego = string(data)
		p.Description = leadingComment(p.Rego)
	case ".json":
		var doc Policy
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse JSON policy %s: %w", path, err)
		}
		if doc.Rego == "" {
			return nil, fmt.Errorf("JSON policy %s has no rego", path)
		}
		if doc.Name != "" {
			p.Name = doc.Name
		}
		p.Description = doc.Description
		p.Rego = doc.Rego
	default:
		return nil, fmt.Errorf("unsupported policy file: %s", path)
	}
	return p, nil
}

// leadingComment joins the lines of the first # comment block.
func leadingComment(rego string) string {
	var words []string
	sc := bufio.NewScanner(strings.NewReader(rego))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "#") {
			if line != "" && len(words) > 0 {
				break
			}
			continue
		}
		if c := strings.TrimSpace(strings.TrimPrefix(line, "#")); c != "" {
			words = append(words, c)
		}
	}
	return strings.Join(words, " ")
}

// ClearCache drops every parsed policy.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]*Policy)
	l.mu.Unlock()
}

func (l *Loader) forget(path string) {
	l.mu.Lock()
	delete(l.cache, path)
	l.mu.Unlock()
}

// Watch reloads paths after every burst of policy file changes and hands
// the result to apply. It returns once the watches are set up; watching
// ends when ctx is done or StopWatching is called. Failed reloads are
// logged and the previous policies stay in effect.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	for _, root := range paths {
		if err := addWatches(w, root); err != nil {
			l.logger.Warn().Err(err).Str("path", root).Msg("Not watching policy path")
		}
	}

	l.mu.Lock()
	l.watcher = w
	l.mu.Unlock()

	go l.watch(ctx, w, paths, apply)
	l.logger.Info().Strs("paths", paths).Msg("Watching policies")
	return nil
}

// addWatches watches a file, or a directory and all of its subdirectories.
func addWatches(w *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename

func (l *Loader) watch(ctx context.Context, w *fsnotify.Watcher, paths []string, apply func([]Policy) error) {
	debounce := time.NewTimer(l.reloadDelay)
	debounce.Stop()
	defer debounce.Stop()
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&relevantOps == 0 || !isPolicyFile(ev.Name) {
				continue
			}
			l.logger.Debug().Str("file", ev.Name).Stringer("op", ev.Op).Msg("Policy file changed")
			l.forget(ev.Name)
			debounce.Reset(l.reloadDelay)
		case <-debounce.C:
			if err := l.reload(ctx, paths, apply); err != nil {
				l.logger.Error().Err(err).Msg("Failed to reload policies")
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, apply func([]Policy) error) error {
	ps, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	if err := apply(ps); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}
	l.logger.Info().Int("count", len(ps)).Msg("Policies reloaded")
	return nil
}

// StopWatching closes the watcher started by Watch, if any.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	w := l.watcher
	l.watcher = nil
	l.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}
