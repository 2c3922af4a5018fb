package verify

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"luminara.dev/orchestrator/internal/intent"
	"luminara.dev/orchestrator/internal/logging"
)

// allowedScriptPackages is the stdlib import allowlist for interpreted
// scripts. Filesystem, network, exec, and unsafe packages are deliberately
// absent; "world" is the injected host-API package.
var allowedScriptPackages = map[string]bool{
	"strings": true, "strconv": true, "fmt": true, "math": true,
	"math/rand": true, "regexp": true, "encoding/json": true,
	"sort": true, "bytes": true, "errors": true, "time": true,
	"world": true,
}

// YaegiRuntime is the in-tree ScriptRuntime for the portable-binary script
// variant: generated Go-flavored source interpreted in-process with an
// import allowlist, wall-clock and memory bounds, and a counting host API.
// The instruction bound is the bytecode VM runtime's concern; this
// interpreter does not meter instructions.
type YaegiRuntime struct {
	mu      sync.Mutex
	seq     uint64
	scripts map[string]*yaegiScript
	host    SandboxHost
}

type yaegiScript struct {
	source  []byte
	limits  Limits
	aborted chan struct{}
}

// NewYaegiRuntime constructs a runtime whose scripts see host as the
// "world" package. host may be nil; scripts then have no world access.
func NewYaegiRuntime(host SandboxHost) *YaegiRuntime {
	return &YaegiRuntime{scripts: make(map[string]*yaegiScript), host: host}
}

// SetHost swaps the host API surface, used by the sandbox stage to point
// scripts at a disposable world per execution.
func (r *YaegiRuntime) SetHost(host SandboxHost) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.host = host
}

func (r *YaegiRuntime) Load(source []byte, language intent.ScriptLanguage) (string, error) {
	if language != intent.LanguagePortableBinary {
		return "", fmt.Errorf("verify: yaegi runtime only handles %s, got %s", intent.LanguagePortableBinary, language)
	}
	if err := validateImports(source); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	id := fmt.Sprintf("yaegi-%d", r.seq)
	r.scripts[id] = &yaegiScript{
		source:  append([]byte(nil), source...),
		limits:  DefaultLimits(),
		aborted: make(chan struct{}),
	}
	logging.VerifyDebug("yaegi: loaded script %s (%d bytes)", id, len(source))
	return id, nil
}

func (r *YaegiRuntime) Reload(id string, source []byte) error {
	if err := validateImports(source); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scripts[id]
	if !ok {
		return ErrScriptNotFound{ID: id}
	}
	s.source = append([]byte(nil), source...)
	return nil
}

func (r *YaegiRuntime) SetLimits(id string, limits Limits) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scripts[id]
	if !ok {
		return ErrScriptNotFound{ID: id}
	}
	s.limits = limits
	return nil
}

func (r *YaegiRuntime) Abort(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scripts[id]
	if !ok {
		return ErrScriptNotFound{ID: id}
	}
	select {
	case <-s.aborted:
	default:
		close(s.aborted)
	}
	return nil
}

// Call interprets the script fresh (one interpreter per call, nothing
// shared between executions) and invokes its exported function, which must
// have the shape func(input string) (string, error). The first argument, if
// any, is passed as input.
func (r *YaegiRuntime) Call(ctx context.Context, id, function string, args ...interface{}) (interface{}, error) {
	r.mu.Lock()
	s, ok := r.scripts[id]
	host := r.host
	r.mu.Unlock()
	if !ok {
		return nil, ErrScriptNotFound{ID: id}
	}

	input := ""
	if len(args) > 0 {
		if str, isStr := args[0].(string); isStr {
			input = str
		}
	}

	limits := s.limits
	if limits.WallClock > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limits.WallClock)
		defer cancel()
	}

	meter := &resourceMeter{limits: limits}
	countedHost := &countingHost{inner: host, meter: meter}

	resultCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		out, err := interpret(s.source, function, input, countedHost)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- out
	}()

	memExceeded := watchMemory(ctx, limits.MemoryBytes)

	select {
	case out := <-resultCh:
		if v := meter.violation(); v != nil {
			return nil, *v
		}
		return out, nil
	case err := <-errCh:
		if v := meter.violation(); v != nil {
			return nil, *v
		}
		var limitErr LimitExceeded
		if errors.As(err, &limitErr) {
			return nil, limitErr
		}
		return nil, fmt.Errorf("verify: script %s crashed: %w", id, err)
	case <-memExceeded:
		return nil, LimitExceeded{Limit: LimitMemory}
	case <-s.aborted:
		return nil, fmt.Errorf("verify: script %s aborted", id)
	case <-ctx.Done():
		return nil, LimitExceeded{Limit: LimitTime}
	}
}

func interpret(source []byte, function, input string, host *countingHost) (string, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return "", fmt.Errorf("loading stdlib symbols: %w", err)
	}
	if err := i.Use(hostExports(host)); err != nil {
		return "", fmt.Errorf("loading host symbols: %w", err)
	}

	code := string(source)
	if !strings.Contains(code, "package ") {
		code = "package main\n\n" + code
	}
	if _, err := i.Eval(code); err != nil {
		return "", fmt.Errorf("evaluating script: %w", err)
	}

	v, err := i.Eval("main." + function)
	if err != nil {
		return "", fmt.Errorf("function %s not found: %w", function, err)
	}
	fn, ok := v.Interface().(func(string) (string, error))
	if !ok {
		return "", fmt.Errorf("function %s has wrong signature (want func(string) (string, error))", function)
	}
	return fn(input)
}

// hostExports builds the "world" package scripts import, bound to one
// counting host instance.
func hostExports(host *countingHost) interp.Exports {
	return interp.Exports{
		"world/world": {
			"SpawnEntity":  reflect.ValueOf(host.SpawnEntity),
			"SetComponent": reflect.ValueOf(host.SetComponent),
			"GetComponent": reflect.ValueOf(host.GetComponent),
			"DestroyEntity": reflect.ValueOf(host.DestroyEntity),
		},
	}
}

// watchMemory polls heap growth against budget and signals when crossed.
// A non-positive budget disables the watchdog.
func watchMemory(ctx context.Context, budget int64) <-chan struct{} {
	exceeded := make(chan struct{})
	if budget <= 0 {
		return exceeded
	}

	var base runtime.MemStats
	runtime.ReadMemStats(&base)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				var now runtime.MemStats
				runtime.ReadMemStats(&now)
				if now.HeapAlloc > base.HeapAlloc && int64(now.HeapAlloc-base.HeapAlloc) > budget {
					close(exceeded)
					return
				}
			}
		}
	}()
	return exceeded
}

// resourceMeter counts host-API usage during one sandbox execution and
// records the first limit violated.
type resourceMeter struct {
	mu       sync.Mutex
	limits   Limits
	apiCalls int
	spawned  int
	violated *LimitExceeded
}

func (m *resourceMeter) countAPI() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.violated != nil {
		return *m.violated
	}
	m.apiCalls++
	if m.limits.APICalls > 0 && m.apiCalls > m.limits.APICalls {
		return m.recordLocked(LimitAPICalls)
	}
	return nil
}

func (m *resourceMeter) countSpawn() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spawned++
	if m.limits.SpawnedEntities > 0 && m.spawned > m.limits.SpawnedEntities {
		return m.recordLocked(LimitSpawnedEntities)
	}
	return nil
}

func (m *resourceMeter) recordLocked(kind LimitKind) error {
	if m.violated == nil {
		m.violated = &LimitExceeded{Limit: kind}
	}
	return *m.violated
}

func (m *resourceMeter) violation() *LimitExceeded {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.violated
}

// countingHost wraps a SandboxHost with resource metering. Once a limit is
// violated every further call fails, so a script cannot keep mutating the
// sandbox past its budget.
type countingHost struct {
	inner SandboxHost
	meter *resourceMeter
}

func (h *countingHost) SpawnEntity(name string) (string, error) {
	if err := h.meter.countAPI(); err != nil {
		return "", err
	}
	if err := h.meter.countSpawn(); err != nil {
		return "", err
	}
	if h.inner == nil {
		return "", fmt.Errorf("no world attached")
	}
	return h.inner.SpawnEntity(name)
}

func (h *countingHost) SetComponent(entity, typeTag, valueJSON string) error {
	if err := h.meter.countAPI(); err != nil {
		return err
	}
	if h.inner == nil {
		return fmt.Errorf("no world attached")
	}
	return h.inner.SetComponent(entity, typeTag, valueJSON)
}

func (h *countingHost) GetComponent(entity, typeTag string) (string, error) {
	if err := h.meter.countAPI(); err != nil {
		return "", err
	}
	if h.inner == nil {
		return "", fmt.Errorf("no world attached")
	}
	return h.inner.GetComponent(entity, typeTag)
}

func (h *countingHost) DestroyEntity(entity string) error {
	if err := h.meter.countAPI(); err != nil {
		return err
	}
	if h.inner == nil {
		return fmt.Errorf("no world attached")
	}
	return h.inner.DestroyEntity(entity)
}

// validateImports rejects source importing anything outside the script
// allowlist, the same pre-execution gate the interpreter's own import
// handling would hit later but with a clearer error.
func validateImports(source []byte) error {
	var forbidden []string
	inBlock := false
	for _, line := range strings.Split(string(source), "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock && trimmed != "":
			if pkg := strings.Trim(trimmed, `"`); !allowedScriptPackages[pkg] {
				forbidden = append(forbidden, pkg)
			}
		case strings.HasPrefix(trimmed, "import "):
			pkg := strings.Trim(strings.TrimPrefix(trimmed, "import "), `"`)
			if !allowedScriptPackages[pkg] {
				forbidden = append(forbidden, pkg)
			}
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("verify: forbidden script imports: %v", forbidden)
	}
	return nil
}

var _ ScriptRuntime = (*YaegiRuntime)(nil)
