package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dop251/goja"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/evalworker/internal/addon"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/bindings"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/format"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/sandbox"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/scope"
)

// Synthetic module paths.
const (
	AddonsModule = "koishi/addons"
	UtilsModule  = "koishi/utils"
)

// Path rule identifiers.
const (
	AddonsIdentifier = "addons/"
	SetupIdentifier  = "setup/"
)

var (
	ErrAlreadyPrepared = errors.New("loader already prepared")
	ErrModuleNotFound  = errors.New("module not found")
	ErrNotAFunction    = errors.New("addon handler is not a function")
	ErrNotText         = errors.New("module source is not text")
	ErrOutsideRoot     = errors.New("module is outside the addon and setup directories")
)

// Config describes what Prepare loads.
type Config struct {
	// Root is the addon directory.
	Root string
	// Names are addon modules under Root, loaded in order.
	Names []string
	// SetupFiles are doublestar patterns of scripts run before the addons.
	SetupFiles []string
	// CacheFile optionally persists prepared sources.
	CacheFile string
}

type synthetic struct {
	exports map[string]any
	object  *goja.Object
}

// Loader turns addon and setup sources into registry entries. Module state
// is only touched inside the sandbox execution slot.
type Loader struct {
	config   Config
	runtime  *sandbox.Runtime
	registry *addon.Registry
	format   *format.Formatter
	logger   *zap.Logger
	cache    *Cache

	mu        sync.Mutex
	synthetic map[string]*synthetic
	modules   map[string]*goja.Object
	roots     []string
	prepared  bool
}

// New creates a loader.
func New(config Config, runtime *sandbox.Runtime, registry *addon.Registry, formatter *format.Formatter, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		config:    config,
		runtime:   runtime,
		registry:  registry,
		format:    formatter,
		logger:    logger,
		synthetic: make(map[string]*synthetic),
		modules:   make(map[string]*goja.Object),
	}
}

// Synthetize makes exports importable under virtualPath and every alias.
// Synthetic modules are visible to addon and setup sources only.
func (l *Loader) Synthetize(virtualPath string, exports map[string]any, alias ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m := &synthetic{exports: exports}
	l.synthetic[virtualPath] = m
	for _, a := range alias {
		l.synthetic[a] = m
	}
}

// Prepare loads setup files and addons, then freezes the registry. It may
// run once.
func (l *Loader) Prepare(ctx context.Context) error {
	l.mu.Lock()
	if l.prepared {
		l.mu.Unlock()
		return ErrAlreadyPrepared
	}
	l.prepared = true
	l.mu.Unlock()

	if l.config.CacheFile != "" {
		cache, err := OpenCache(l.config.CacheFile)
		if err != nil {
			l.logger.Warn("Ignoring unreadable source cache", zap.String("path", l.config.CacheFile), zap.Error(err))
		}
		l.cache = cache
	}

	l.Synthetize(AddonsModule, map[string]any{"registerAddon": l.registerAddon})
	l.Synthetize(UtilsModule, l.utilsExports())

	root, err := filepath.Abs(l.config.Root)
	if err != nil {
		return fmt.Errorf("addon root: %w", err)
	}
	l.format.RegisterPathRule(AddonsIdentifier, root+string(filepath.Separator))

	setup, err := l.setupFiles()
	if err != nil {
		return err
	}
	roots := []string{root}
	for i, dir := range uniqueDirs(setup) {
		identifier := SetupIdentifier
		if i > 0 {
			identifier = fmt.Sprintf("setup%d/", i+1)
		}
		l.format.RegisterPathRule(identifier, dir+string(filepath.Separator))
		roots = append(roots, dir)
	}
	l.mu.Lock()
	l.roots = roots
	l.mu.Unlock()

	for _, path := range setup {
		if _, err := l.loadFile(ctx, path); err != nil {
			return fmt.Errorf("setup %s: %s", path, l.format.FormatError(err))
		}
		l.logger.Debug("Loaded setup file", zap.String("path", path))
	}

	for _, name := range l.config.Names {
		if err := l.loadAddon(ctx, root, name); err != nil {
			return fmt.Errorf("addon %s: %s", name, l.format.FormatError(err))
		}
		l.logger.Debug("Loaded addon", zap.String("name", name))
	}

	if err := l.cache.Save(); err != nil {
		l.logger.Warn("Failed to save source cache", zap.Error(err))
	}

	l.registry.Freeze()
	l.logger.Info("Addons prepared",
		zap.Int("setup_files", len(setup)),
		zap.Strings("commands", l.registry.Names()),
	)
	return nil
}

// setupFiles expands the setup patterns into absolute, sorted, unique
// paths.
func (l *Loader) setupFiles() ([]string, error) {
	seen := make(map[string]struct{})
	var files []string
	for _, pattern := range l.config.SetupFiles {
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("setup pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			l.logger.Warn("Setup pattern matched nothing", zap.String("pattern", pattern))
		}
		for _, m := range matches {
			abs, err := filepath.Abs(m)
			if err != nil {
				return nil, err
			}
			if _, ok := seen[abs]; ok {
				continue
			}
			seen[abs] = struct{}{}
			files = append(files, abs)
		}
	}
	sort.Strings(files)
	return files, nil
}

func uniqueDirs(files []string) []string {
	seen := make(map[string]struct{})
	var dirs []string
	for _, f := range files {
		dir := filepath.Dir(f)
		if _, ok := seen[dir]; ok {
			continue
		}
		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

// loadAddon runs <root>/<name>.js or <root>/<name>/index.js. A module that
// exports a function registers it under name.
func (l *Loader) loadAddon(ctx context.Context, root, name string) error {
	path, err := resolveFile(filepath.Join(root, name))
	if err != nil {
		return err
	}
	_, err = l.runtime.Do(ctx, func(vm *goja.Runtime) (goja.Value, error) {
		exports, err := l.load(vm, path)
		if err != nil {
			return nil, err
		}
		if fn, ok := goja.AssertFunction(exports); ok {
			if err := l.registry.Register(name, l.wrap(fn)); err != nil {
				return nil, err
			}
		}
		return exports, nil
	})
	return err
}

func (l *Loader) loadFile(ctx context.Context, path string) (goja.Value, error) {
	return l.runtime.Do(ctx, func(vm *goja.Runtime) (goja.Value, error) {
		return l.load(vm, path)
	})
}

// registerAddon backs koishi/addons.registerAddon(name, handler).
func (l *Loader) registerAddon(name string, handler goja.Value) error {
	fn, ok := goja.AssertFunction(handler)
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNotAFunction)
	}
	return l.registry.Register(name, l.wrap(fn))
}

// wrap adapts a JavaScript handler to the registry. The handler receives
// the addon scope object and may return a string, any other value (which
// is formatted) or a promise of either.
func (l *Loader) wrap(fn goja.Callable) addon.Handler {
	return func(ctx context.Context, as *scope.AddonScope) (string, error) {
		var out string
		_, err := l.runtime.Do(ctx, func(vm *goja.Runtime) (goja.Value, error) {
			res, err := fn(goja.Undefined(), bindings.Addon(ctx, vm, as))
			if err != nil {
				return nil, err
			}
			if res, err = sandbox.Settle(vm, res); err != nil {
				return nil, err
			}
			if res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
				return res, nil
			}
			if s, ok := res.Export().(string); ok {
				out = s
			} else {
				out = l.format.FormatResult(res)
			}
			return res, nil
		})
		return out, err
	}
}

// resolveFile finds path, path.js or path/index.js.
func resolveFile(path string) (string, error) {
	for _, candidate := range []string{path, path + ".js", filepath.Join(path, "index.js")} {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s: %w", path, ErrModuleNotFound)
}

// requireFunc returns the module-local require for files in dir.
func (l *Loader) requireFunc(vm *goja.Runtime, dir string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		v, err := l.require(vm, dir, call.Argument(0).String())
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return v
	}
}

func (l *Loader) require(vm *goja.Runtime, dir, name string) (goja.Value, error) {
	l.mu.Lock()
	m, ok := l.synthetic[name]
	l.mu.Unlock()
	if ok {
		if m.object == nil {
			obj := vm.NewObject()
			for key, value := range m.exports {
				if err := obj.Set(key, value); err != nil {
					return nil, err
				}
			}
			m.object = obj
		}
		return m.object, nil
	}

	if !strings.HasPrefix(name, "./") && !strings.HasPrefix(name, "../") && !filepath.IsAbs(name) {
		return nil, fmt.Errorf("%q: %w", name, ErrModuleNotFound)
	}
	target := name
	if !filepath.IsAbs(target) {
		target = filepath.Join(dir, name)
	}
	if !l.allowed(target) {
		return nil, fmt.Errorf("%q: %w", name, ErrOutsideRoot)
	}
	path, err := resolveFile(target)
	if err != nil {
		return nil, err
	}
	return l.load(vm, path)
}

// allowed reports whether path lies under the addon root or a setup file
// directory.
func (l *Loader) allowed(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	path = filepath.Clean(path)
	for _, root := range l.roots {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			continue
		}
		if rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// load runs a CommonJS module once and returns its exports.
func (l *Loader) load(vm *goja.Runtime, path string) (goja.Value, error) {
	if module, ok := l.modules[path]; ok {
		return module.Get("exports"), nil
	}

	src, err := l.source(path)
	if err != nil {
		return nil, err
	}
	program, err := goja.Compile(path, src, false)
	if err != nil {
		return nil, err
	}
	wrapper, err := vm.RunProgram(program)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(wrapper)
	if !ok {
		return nil, fmt.Errorf("%s: module wrapper is not callable", path)
	}

	module := vm.NewObject()
	exports := vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, err
	}
	// Registered before running so require cycles see partial exports.
	l.modules[path] = module

	dir := filepath.Dir(path)
	_, err = fn(exports,
		exports,
		vm.ToValue(l.requireFunc(vm, dir)),
		module,
		vm.ToValue(path),
		vm.ToValue(dir),
	)
	if err != nil {
		delete(l.modules, path)
		return nil, err
	}
	return module.Get("exports"), nil
}

// source reads path and returns the prepared module source.
func (l *Loader) source(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if src, ok := l.cache.Get(path, raw); ok {
		return src, nil
	}
	if mtype := mimetype.Detect(raw); !isText(mtype) {
		return "", fmt.Errorf("%w: %s is %s", ErrNotText, filepath.Base(path), mtype.String())
	}
	src := prepare(raw)
	l.cache.Put(path, raw, src)
	return src, nil
}

func isText(mtype *mimetype.MIME) bool {
	return strings.HasPrefix(mtype.String(), "text/") ||
		mtype.Is("application/json") ||
		mtype.Is("application/javascript")
}

// prepare wraps module source in a CommonJS function. The wrapper opens on
// the first line so reported line numbers match the file.
func prepare(raw []byte) string {
	src := strings.TrimPrefix(string(raw), "\ufeff")
	src = strings.ReplaceAll(src, "\r\n", "\n")
	if strings.HasPrefix(src, "#!") {
		// keep the line so numbering is unchanged
		src = "//" + src
	}
	return "(function (exports, require, module, __filename, __dirname) {" + src + "\n})"
}
