package verify

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"luminara.dev/orchestrator/internal/intent"
	"luminara.dev/orchestrator/internal/logging"
)

// ScriptAsset is one managed script: source plus the lifecycle hooks and
// host-API capability set its source declares via directive comments.
type ScriptAsset struct {
	ID           string
	Path         string
	Language     intent.ScriptLanguage
	Source       []byte
	Hooks        []string
	Capabilities map[string]bool
}

// Directive comments scripts carry at the top of their source:
//
//	//luminara:hook on_spawn
//	//luminara:api world.SpawnEntity
//
// Hooks name exported functions the engine calls on lifecycle events; api
// lines declare the host calls the script is allowed to make. Static
// analysis rejects calls outside the declared set.
var (
	hookDirective = regexp.MustCompile(`(?m)^//luminara:hook\s+(\S+)`)
	apiDirective  = regexp.MustCompile(`(?m)^//luminara:api\s+(\S+)`)
)

// ErrScriptNotFound is returned for operations on unknown script IDs.
type ErrScriptNotFound struct {
	ID string
}

func (e ErrScriptNotFound) Error() string {
	return fmt.Sprintf("verify: script %q not found", e.ID)
}

// ScriptManager is the keyed script store the commit path mutates. It
// implements intent.ScriptStore, and forwards loads/reloads to whatever
// runtime is registered for each language so committed scripts stay live.
type ScriptManager struct {
	mu       sync.RWMutex
	scripts  map[string]*ScriptAsset
	runtimes map[intent.ScriptLanguage]ScriptRuntime
	loaded   map[string]string // script ID -> runtime handle
}

// NewScriptManager constructs a ScriptManager. runtimes may be nil or
// partial; scripts in languages without a runtime are stored but not
// executable.
func NewScriptManager(runtimes map[intent.ScriptLanguage]ScriptRuntime) *ScriptManager {
	return &ScriptManager{
		scripts:  make(map[string]*ScriptAsset),
		runtimes: runtimes,
		loaded:   make(map[string]string),
	}
}

func (m *ScriptManager) CreateScript(id, path string, language intent.ScriptLanguage, source []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.scripts[id]; exists {
		return fmt.Errorf("verify: script %q already exists", id)
	}
	asset := &ScriptAsset{
		ID:           id,
		Path:         path,
		Language:     language,
		Source:       append([]byte(nil), source...),
		Hooks:        ParseHooks(source),
		Capabilities: ParseCapabilities(source),
	}
	m.scripts[id] = asset

	if rt, ok := m.runtimes[language]; ok {
		handle, err := rt.Load(source, language)
		if err != nil {
			delete(m.scripts, id)
			return fmt.Errorf("verify: loading script %q: %w", id, err)
		}
		m.loaded[id] = handle
	}
	logging.VerifyDebug("created script %s (%s, %d bytes, hooks=%v)", id, language, len(source), asset.Hooks)
	return nil
}

func (m *ScriptManager) ModifyScript(id string, source []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	asset, ok := m.scripts[id]
	if !ok {
		return ErrScriptNotFound{ID: id}
	}
	asset.Source = append([]byte(nil), source...)
	asset.Hooks = ParseHooks(source)
	asset.Capabilities = ParseCapabilities(source)

	if rt, ok := m.runtimes[asset.Language]; ok {
		if handle, loaded := m.loaded[id]; loaded {
			if err := rt.Reload(handle, source); err != nil {
				return fmt.Errorf("verify: reloading script %q: %w", id, err)
			}
		}
	}
	logging.VerifyDebug("modified script %s (%d bytes)", id, len(source))
	return nil
}

func (m *ScriptManager) DeleteScript(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	asset, ok := m.scripts[id]
	if !ok {
		return ErrScriptNotFound{ID: id}
	}
	if rt, rtOK := m.runtimes[asset.Language]; rtOK {
		if handle, loaded := m.loaded[id]; loaded {
			_ = rt.Abort(handle)
		}
	}
	delete(m.scripts, id)
	delete(m.loaded, id)
	logging.VerifyDebug("deleted script %s", id)
	return nil
}

func (m *ScriptManager) GetScript(id string) (string, intent.ScriptLanguage, []byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	asset, ok := m.scripts[id]
	if !ok {
		return "", "", nil, ErrScriptNotFound{ID: id}
	}
	return asset.Path, asset.Language, append([]byte(nil), asset.Source...), nil
}

// Asset returns the full ScriptAsset for id.
func (m *ScriptManager) Asset(id string) (*ScriptAsset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	asset, ok := m.scripts[id]
	if !ok {
		return nil, ErrScriptNotFound{ID: id}
	}
	copied := *asset
	return &copied, nil
}

// IDs returns every stored script ID, sorted.
func (m *ScriptManager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.scripts))
	for id := range m.scripts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ParseHooks extracts the lifecycle hooks declared in source.
func ParseHooks(source []byte) []string {
	var hooks []string
	for _, m := range hookDirective.FindAllSubmatch(source, -1) {
		hooks = append(hooks, string(m[1]))
	}
	return hooks
}

// ParseCapabilities extracts the declared host-API capability set. Names
// are stored as written (e.g. "world.SpawnEntity") and also under their
// bare call name so static analysis can match either form.
func ParseCapabilities(source []byte) map[string]bool {
	caps := make(map[string]bool)
	for _, m := range apiDirective.FindAllSubmatch(source, -1) {
		name := string(m[1])
		caps[name] = true
		if idx := strings.LastIndex(name, "."); idx >= 0 {
			caps[name[idx+1:]] = true
		}
	}
	return caps
}

var _ intent.ScriptStore = (*ScriptManager)(nil)
