// Package registry materializes a workspace's compiled tools for reads and
// rebuilds them when the underlying tool source set changes. A build is
// published transactionally: readers observe either the previous ready build
// or the finished new one, never a partial write. The current ready snapshot
// is held behind an atomic pointer so reads are lock-free.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/execbroker/execbroker/persistence"
	"github.com/execbroker/execbroker/toolsource"
)

// signatureVersion prefixes every registry signature so a change to the
// signature scheme itself invalidates all cached builds.
const signatureVersion = "v1"

// Warning texts surfaced by the read contract when the registry is stale.
const (
	WarnRefreshing = "showing previous results while refreshing"
	WarnLoading    = "inventory still loading"
)

const (
	defaultSourceBudget = 20 * time.Second
	toolsBatchSize      = 100
)

type (
	// Registry serves workspace tool reads and owns rebuild orchestration.
	Registry struct {
		store    persistence.Store
		compiler *toolsource.Compiler
		base     []toolsource.Definition
		budget   time.Duration
		obs      *observability

		// snapshots maps workspaceID to *atomic.Pointer[Snapshot].
		snapshots sync.Map
		// rebuilds maps workspaceID to *sync.Mutex so overlapping rebuild
		// attempts for one workspace join by waiting.
		rebuilds sync.Map
	}

	// Options configures New.
	Options struct {
		// Store is the persistence port. Required.
		Store persistence.Store
		// Compiler compiles tool sources. Required.
		Compiler *toolsource.Compiler
		// ExtraBaseTools are system-registered built-ins merged after the
		// standard base tools.
		ExtraBaseTools []toolsource.Definition
		// SourceBudget bounds each source's compile time during a rebuild.
		// Defaults to 20s.
		SourceBudget time.Duration
	}

	// Snapshot is one consistent view of a workspace's tools.
	Snapshot struct {
		Signature string
		BuildID   string
		// Tools indexes definitions by path.
		Tools map[string]toolsource.Definition
		// Order lists paths in build order for deterministic listings.
		Order      []string
		Namespaces []string
		Warnings   []string
	}

	// ReadResult is what GetTools returns: the freshest available snapshot
	// plus staleness warnings per the read contract.
	ReadResult struct {
		Snapshot *Snapshot
		Warnings []string
		// Fresh reports whether the snapshot's signature matches the
		// current source set.
		Fresh bool
	}
)

// New constructs a Registry.
func New(opts Options) *Registry {
	budget := opts.SourceBudget
	if budget <= 0 {
		budget = defaultSourceBudget
	}
	base := BaseTools()
	base = append(base, opts.ExtraBaseTools...)
	return &Registry{
		store:    opts.Store,
		compiler: opts.Compiler,
		base:     base,
		budget:   budget,
		obs:      newObservability(),
	}
}

// Signature derives the workspace registry signature from its enabled
// sources. Any change to an enabled source's config hash, auth fingerprint,
// update time, or enable flag changes the signature.
func Signature(sources []*persistence.ToolSource) string {
	entries := make([]string, 0, len(sources))
	for _, s := range sources {
		if !s.Enabled {
			continue
		}
		entries = append(entries, strings.Join([]string{
			s.ID, s.SpecHash, s.AuthFingerprint,
			strconv.FormatInt(s.UpdatedAt.UTC().UnixNano(), 10),
			strconv.FormatBool(s.Enabled),
		}, ":"))
	}
	sort.Strings(entries)
	return signatureVersion + "|" + strings.Join(entries, "|")
}

// GetTools implements the read contract: return the ready build when its
// signature matches the current source set; otherwise serve the previous
// ready build (or an empty inventory) with a staleness warning while a
// rebuild proceeds in the background.
func (r *Registry) GetTools(ctx context.Context, workspaceID string) (ReadResult, error) {
	sources, err := r.store.ListToolSources(ctx, workspaceID)
	if err != nil {
		return ReadResult{}, fmt.Errorf("registry: list sources: %w", err)
	}
	expected := Signature(sources)

	if snap := r.loadSnapshot(workspaceID); snap != nil && snap.Signature == expected {
		return ReadResult{Snapshot: snap, Warnings: snap.Warnings, Fresh: true}, nil
	}

	state, err := r.store.GetRegistryState(ctx, workspaceID)
	if err != nil {
		return ReadResult{}, fmt.Errorf("registry: read state: %w", err)
	}
	if state.ReadyBuildID != "" && state.ReadySignature == expected {
		snap, err := snapshotFromState(state)
		if err != nil {
			return ReadResult{}, err
		}
		r.storeSnapshot(workspaceID, snap)
		return ReadResult{Snapshot: snap, Warnings: snap.Warnings, Fresh: true}, nil
	}

	// Stale or missing: kick an idempotent background rebuild and serve
	// what we have.
	go func() {
		bctx := context.WithoutCancel(ctx)
		if _, err := r.Rebuild(bctx, workspaceID); err != nil {
			log.Error(bctx, err, log.KV{K: "workspace", V: workspaceID}, log.KV{K: "msg", V: "background rebuild failed"})
		}
	}()

	if state.ReadyBuildID != "" {
		snap, err := snapshotFromState(state)
		if err != nil {
			return ReadResult{}, err
		}
		warnings := append([]string{WarnRefreshing}, snap.Warnings...)
		return ReadResult{Snapshot: snap, Warnings: warnings}, nil
	}
	empty := &Snapshot{Signature: "", Tools: map[string]toolsource.Definition{}}
	return ReadResult{Snapshot: empty, Warnings: []string{WarnLoading}}, nil
}

// Tools returns a fresh snapshot for workspaceID, rebuilding synchronously
// when the cached or persisted build is stale. The invocation pipeline uses
// this path: a tool call must resolve against the current source set, never
// against a previous build.
func (r *Registry) Tools(ctx context.Context, workspaceID string) (*Snapshot, error) {
	sources, err := r.store.ListToolSources(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("registry: list sources: %w", err)
	}
	if snap := r.loadSnapshot(workspaceID); snap != nil && snap.Signature == Signature(sources) {
		return snap, nil
	}
	return r.Rebuild(ctx, workspaceID)
}

// Rebuild compiles every enabled source and publishes a new ready build.
// Overlapping rebuilds for one workspace serialize; a rebuild that finds the
// registry already fresh returns the current snapshot without building.
func (r *Registry) Rebuild(ctx context.Context, workspaceID string) (*Snapshot, error) {
	muAny, _ := r.rebuilds.LoadOrStore(workspaceID, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	sources, err := r.store.ListToolSources(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("registry: list sources: %w", err)
	}
	expected := Signature(sources)
	if snap := r.loadSnapshot(workspaceID); snap != nil && snap.Signature == expected {
		return snap, nil
	}
	state, err := r.store.GetRegistryState(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("registry: read state: %w", err)
	}
	if state.ReadyBuildID != "" && state.ReadySignature == expected {
		snap, err := snapshotFromState(state)
		if err != nil {
			return nil, err
		}
		r.storeSnapshot(workspaceID, snap)
		return snap, nil
	}

	buildID := uuid.NewString()
	started := time.Now()
	ctx, span := r.obs.startRebuild(ctx, workspaceID, buildID)
	log.Debugf(ctx, "registry rebuild start workspace=%s build=%s", workspaceID, buildID)
	if err := r.store.BeginBuild(ctx, workspaceID, expected, buildID); err != nil {
		err = fmt.Errorf("registry: begin build: %w", err)
		r.obs.endRebuild(ctx, span, workspaceID, started, nil, err)
		return nil, err
	}

	snap, err := r.build(ctx, workspaceID, expected, buildID, sources)
	r.obs.endRebuild(ctx, span, workspaceID, started, snap, err)
	if err != nil {
		if ferr := r.store.FailBuild(ctx, workspaceID, buildID); ferr != nil {
			log.Error(ctx, ferr, log.KV{K: "workspace", V: workspaceID}, log.KV{K: "msg", V: "fail build"})
		}
		return nil, err
	}
	r.storeSnapshot(workspaceID, snap)
	log.Debugf(ctx, "registry rebuild done workspace=%s build=%s tools=%d warnings=%d",
		workspaceID, buildID, len(snap.Order), len(snap.Warnings))
	return snap, nil
}

// build compiles sources in parallel under the per-source time budget,
// merges base tools last, and publishes batches under buildID.
func (r *Registry) build(ctx context.Context, workspaceID, signature, buildID string, sources []*persistence.ToolSource) (*Snapshot, error) {
	enabled := make([]*persistence.ToolSource, 0, len(sources))
	for _, s := range sources {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}
	sort.Slice(enabled, func(i, j int) bool { return enabled[i].Name < enabled[j].Name })

	results := make([]toolsource.Result, len(enabled))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range enabled {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, r.budget)
			defer cancel()
			cctx, span := r.obs.startCompile(cctx, src.Name, string(src.Type))
			res, err := r.compiler.Compile(cctx, src)
			if err != nil {
				// A source that cannot compile at all contributes a
				// warning and zero tools; the build itself proceeds.
				res = toolsource.Result{Warnings: []string{fmt.Sprintf("source %s: %v", src.Name, err)}}
			} else if cctx.Err() == context.DeadlineExceeded {
				res = toolsource.Result{Warnings: []string{fmt.Sprintf("source %s: compile exceeded %s budget", src.Name, r.budget)}}
			}
			r.obs.endCompile(span, len(res.Tools), res.Warnings)
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("registry: compile sources: %w", err)
	}

	var warnings []string
	merged := make(map[string]toolsource.Definition)
	var order []string
	add := func(def toolsource.Definition) {
		if _, exists := merged[def.Path]; !exists {
			order = append(order, def.Path)
		}
		merged[def.Path] = def
	}
	for _, res := range results {
		warnings = append(warnings, res.Warnings...)
		for _, def := range res.Tools {
			add(def)
		}
	}
	// Base tools merge after externals; later entries win on collision.
	for _, def := range r.base {
		add(def)
	}
	warnings = append(warnings, validateSchemas(merged, order)...)

	entries := make([]persistence.ToolEntry, 0, len(order))
	nsSeen := make(map[string]struct{})
	var namespaces []string
	for _, path := range order {
		def := merged[path]
		entry, err := def.Entry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
		if ns := def.Namespace(); ns != "" {
			if _, ok := nsSeen[ns]; !ok {
				nsSeen[ns] = struct{}{}
				namespaces = append(namespaces, ns)
			}
		}
	}
	for start := 0; start < len(entries); start += toolsBatchSize {
		end := min(start+toolsBatchSize, len(entries))
		if err := r.store.PutToolsBatch(ctx, workspaceID, buildID, entries[start:end]); err != nil {
			return nil, fmt.Errorf("registry: put tools batch: %w", err)
		}
	}
	if len(namespaces) > 0 {
		if err := r.store.PutNamespacesBatch(ctx, workspaceID, buildID, namespaces); err != nil {
			return nil, fmt.Errorf("registry: put namespaces: %w", err)
		}
	}
	if err := r.store.FinishBuild(ctx, workspaceID, buildID, warnings); err != nil {
		return nil, fmt.Errorf("registry: finish build: %w", err)
	}

	return &Snapshot{
		Signature:  signature,
		BuildID:    buildID,
		Tools:      merged,
		Order:      order,
		Namespaces: namespaces,
		Warnings:   warnings,
	}, nil
}

// validateSchemas compiles each tool's input schema hint, downgrading
// malformed schemas to build warnings.
func validateSchemas(tools map[string]toolsource.Definition, order []string) []string {
	var warnings []string
	for _, path := range order {
		def := tools[path]
		if def.InputSchema == nil {
			continue
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("schema.json", def.InputSchema); err != nil {
			warnings = append(warnings, fmt.Sprintf("tool %s: invalid input schema: %v", path, err))
			continue
		}
		if _, err := compiler.Compile("schema.json"); err != nil {
			warnings = append(warnings, fmt.Sprintf("tool %s: invalid input schema: %v", path, err))
		}
	}
	return warnings
}

func (r *Registry) loadSnapshot(workspaceID string) *Snapshot {
	ptrAny, ok := r.snapshots.Load(workspaceID)
	if !ok {
		return nil
	}
	return ptrAny.(*atomic.Pointer[Snapshot]).Load()
}

func (r *Registry) storeSnapshot(workspaceID string, snap *Snapshot) {
	ptrAny, _ := r.snapshots.LoadOrStore(workspaceID, &atomic.Pointer[Snapshot]{})
	ptrAny.(*atomic.Pointer[Snapshot]).Store(snap)
}

func snapshotFromState(state *persistence.RegistryBuild) (*Snapshot, error) {
	tools := make(map[string]toolsource.Definition, len(state.Tools))
	order := make([]string, 0, len(state.Tools))
	for _, entry := range state.Tools {
		def, err := toolsource.FromEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("registry: decode build %s: %w", state.ReadyBuildID, err)
		}
		if _, exists := tools[def.Path]; !exists {
			order = append(order, def.Path)
		}
		tools[def.Path] = def
	}
	return &Snapshot{
		Signature:  state.ReadySignature,
		BuildID:    state.ReadyBuildID,
		Tools:      tools,
		Order:      order,
		Namespaces: state.Namespaces,
		Warnings:   state.Warnings,
	}, nil
}
