package assets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/spaghettifunk/prism/engine/core"
)

var ErrAssetNotFound = errors.New("asset not found")

type AssetInfo struct {
	Name       string
	Path       string
	Type       AssetType
	LastLoaded time.Time
}

// ChangeFunc is called on the engine thread after a watched asset changed.
type ChangeFunc func(name string)

// AssetManager indexes the files under a root directory, loads them as
// opaque blobs and, when watching, collects change notifications from
// fsnotify. Notifications are queued by the watcher goroutine and delivered
// by DispatchChanges so game code only ever runs on the engine thread.
type AssetManager struct {
	root    string
	events  *core.EventBus
	assets  map[string]AssetInfo
	loaders map[AssetType]Loader

	mutex     sync.RWMutex
	listeners map[string][]ChangeFunc
	changed   map[string]struct{}

	done     chan struct{}
	stopped  chan struct{}
	fsnotify *fsnotify.Watcher
	isClosed bool
}

func NewAssetManager(root string, events *core.EventBus) (*AssetManager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	am := &AssetManager{
		root:      abs,
		events:    events,
		assets:    make(map[string]AssetInfo),
		loaders:   make(map[AssetType]Loader),
		listeners: make(map[string][]ChangeFunc),
		changed:   make(map[string]struct{}),
	}
	am.registerLoader(AssetTypeShader, shaderLoader{})
	am.registerLoader(AssetTypeConfig, blobLoader{})
	am.registerLoader(AssetTypeBlob, blobLoader{})
	return am, nil
}

// Initialize indexes the root directory and, if watch is set, starts
// watching it recursively. A missing root is not an error.
func (am *AssetManager) Initialize(watch bool) error {
	if _, err := os.Stat(am.root); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			core.LogWarn("assets directory `%s` does not exist", am.root)
			return nil
		}
		return err
	}
	if !watch {
		return am.index()
	}

	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	am.fsnotify = fsWatch
	am.done = make(chan struct{})
	am.stopped = make(chan struct{})
	go am.start()

	if err := am.addRecursive(am.root); err != nil {
		am.Shutdown()
		return err
	}
	core.LogDebug("Watching assets under `%s`", am.root)
	return nil
}

func (am *AssetManager) Root() string {
	return am.root
}

// index records every file under root without watching.
func (am *AssetManager) index() error {
	return filepath.Walk(am.root, func(walkPath string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			am.handleFileEvent(walkPath)
		}
		return nil
	})
}

// AddRecursive starts watching the named directory and all sub-directories.
func (am *AssetManager) addRecursive(name string) error {
	if am.isClosed {
		return errors.New("asset watcher already closed")
	}
	return am.watchRecursive(name)
}

func (am *AssetManager) registerLoader(assetType AssetType, loader Loader) {
	am.loaders[assetType] = loader
}

// name returns the slash separated name of path relative to the root.
func (am *AssetManager) name(path string) (string, bool) {
	rel, err := filepath.Rel(am.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// Load reads the named asset. Names are relative to the root. Assets that
// are not indexed yet are still loaded when the file exists.
func (am *AssetManager) Load(name string) (*Asset, error) {
	path := filepath.Join(am.root, filepath.FromSlash(name))

	am.mutex.Lock()
	asset, exists := am.assets[name]
	if !exists {
		if _, err := os.Stat(path); err != nil {
			am.mutex.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, name)
		}
		asset = AssetInfo{Name: name, Path: path, Type: determineAssetType(path)}
	}
	asset.LastLoaded = time.Now()
	am.assets[name] = asset
	am.mutex.Unlock()

	loader, loaderExists := am.loaders[asset.Type]
	if !loaderExists {
		loader = am.loaders[AssetTypeBlob]
	}
	return loader.Load(name, path, asset.Type)
}

func (am *AssetManager) UnloadAsset(asset *Asset) error {
	loader, ok := am.loaders[asset.Type]
	if !ok {
		loader = am.loaders[AssetTypeBlob]
	}
	return loader.Unload(asset)
}

func (am *AssetManager) Info(name string) (AssetInfo, bool) {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	info, ok := am.assets[name]
	return info, ok
}

// Names lists the indexed assets in lexical order.
func (am *AssetManager) Names() []string {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	names := make([]string, 0, len(am.assets))
	for n := range am.assets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// OnChange registers fn for changes of the named asset.
func (am *AssetManager) OnChange(name string, fn ChangeFunc) {
	am.mutex.Lock()
	defer am.mutex.Unlock()
	am.listeners[name] = append(am.listeners[name], fn)
}

// DispatchChanges delivers the changes collected since the last call. Each
// changed asset is reported once, in name order, to its listeners and then
// as an EVENT_CODE_ASSET_CHANGED event. It returns the number of changes.
func (am *AssetManager) DispatchChanges() int {
	am.mutex.Lock()
	if len(am.changed) == 0 {
		am.mutex.Unlock()
		return 0
	}
	names := make([]string, 0, len(am.changed))
	for n := range am.changed {
		names = append(names, n)
	}
	am.changed = make(map[string]struct{})
	listeners := make(map[string][]ChangeFunc, len(names))
	for _, n := range names {
		listeners[n] = append([]ChangeFunc(nil), am.listeners[n]...)
	}
	am.mutex.Unlock()

	sort.Strings(names)
	for _, n := range names {
		core.LogDebug("Asset `%s` changed", n)
		for _, fn := range listeners[n] {
			fn(n)
		}
		if am.events != nil {
			am.events.Fire(core.EventContext{
				Type: core.EVENT_CODE_ASSET_CHANGED,
				Data: &core.AssetEvent{Name: n, Path: filepath.Join(am.root, filepath.FromSlash(n))},
			})
		}
	}
	return len(names)
}

func (am *AssetManager) Shutdown() {
	if am.isClosed || am.done == nil {
		am.isClosed = true
		return
	}
	am.isClosed = true
	close(am.done)
	<-am.stopped
}

func (am *AssetManager) start() {
	defer close(am.stopped)
	for {
		select {

		case e, ok := <-am.fsnotify.Events:
			if !ok {
				return
			}
			s, err := os.Stat(e.Name)
			if err == nil && s != nil && s.IsDir() {
				if e.Op&fsnotify.Create != 0 {
					if err := am.watchRecursive(e.Name); err != nil {
						core.LogWarn("failed to watch `%s`: %s", e.Name, err)
					}
				}
				continue
			}
			// Handle create or modify events
			if e.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				if name, ok := am.handleFileEvent(e.Name); ok {
					am.markChanged(name)
				}
			}
			// Can't stat a deleted path, so removal is attempted whether or not
			// it was a directory.
			if e.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				am.removeAsset(e.Name)
				_ = am.fsnotify.Remove(e.Name)
			}

		case err, ok := <-am.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError("asset watcher: %s", err)

		case <-am.done:
			am.fsnotify.Close()
			return
		}
	}
}

// watchRecursive adds all directories under the given one to the watch list
// and indexes the files found on the way.
func (am *AssetManager) watchRecursive(path string) error {
	return filepath.Walk(path, func(walkPath string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return am.fsnotify.Add(walkPath)
		}
		am.handleFileEvent(walkPath)
		return nil
	})
}

// Handle the creation or modification of a file
func (am *AssetManager) handleFileEvent(path string) (string, bool) {
	name, ok := am.name(path)
	if !ok {
		return "", false
	}
	assetType := determineAssetType(path)
	if assetType == AssetTypeNone {
		return "", false
	}

	am.mutex.Lock()
	defer am.mutex.Unlock()
	info := am.assets[name]
	info.Name = name
	info.Path = path
	info.Type = assetType
	am.assets[name] = info
	return name, true
}

func (am *AssetManager) markChanged(name string) {
	am.mutex.Lock()
	defer am.mutex.Unlock()
	am.changed[name] = struct{}{}
}

// Remove the asset from the index if it was deleted
func (am *AssetManager) removeAsset(path string) {
	name, ok := am.name(path)
	if !ok {
		return
	}
	am.mutex.Lock()
	defer am.mutex.Unlock()
	delete(am.assets, name)
}

func determineAssetType(path string) AssetType {
	switch filepath.Ext(path) {
	case ".hlsl", ".glsl", ".vert", ".frag", ".comp", ".rgen", ".rmiss", ".rchit", ".spv", ".cso":
		return AssetTypeShader
	case ".toml":
		return AssetTypeConfig
	case "":
		return AssetTypeNone
	default:
		if strings.HasPrefix(filepath.Base(path), ".") {
			return AssetTypeNone
		}
		return AssetTypeBlob
	}
}
