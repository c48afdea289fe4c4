package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/statesync/statesync/internal/manager"
	"github.com/statesync/statesync/internal/merge"
	"github.com/statesync/statesync/internal/remote"
	"github.com/statesync/statesync/internal/schema"
	"github.com/statesync/statesync/internal/store"
)

// Config carries the collaborators an Extensions synchronizer needs.
type Config struct {
	Remote  remote.Client
	Store   *store.Store
	Manager manager.Manager
	Catalog manager.Catalog

	// Ignored lists extension IDs excluded from sync in both
	// directions.
	Ignored []string

	Logger *log.Logger
}

// Extensions synchronizes the installed-extension state.
type Extensions struct {
	remote    remote.Client
	store     *store.Store
	manager   manager.Manager
	catalog   manager.Catalog
	ignored   []string
	machineID string
	logger    *log.Logger

	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
}

// NewExtensions builds the extensions synchronizer.
func NewExtensions(cfg Config) (*Extensions, error) {
	if cfg.Remote == nil || cfg.Store == nil || cfg.Manager == nil || cfg.Catalog == nil {
		return nil, errors.New("remote, store, manager and catalog are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}

	machineID, err := cfg.Store.MachineID()
	if err != nil {
		return nil, fmt.Errorf("failed to load machine id: %w", err)
	}

	return &Extensions{
		remote:    cfg.Remote,
		store:     cfg.Store,
		manager:   cfg.Manager,
		catalog:   cfg.Catalog,
		ignored:   cfg.Ignored,
		machineID: machineID,
		logger:    logger,
	}, nil
}

// Kind implements Synchronizer.
func (s *Extensions) Kind() schema.Kind {
	return schema.KindExtensions
}

// Status implements Synchronizer.
func (s *Extensions) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Stop implements Synchronizer.
func (s *Extensions) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Extensions) begin(ctx context.Context) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == Syncing {
		return nil, ErrSyncInProgress
	}
	s.status = Syncing
	ctx, s.cancel = context.WithCancel(ctx)
	return ctx, nil
}

func (s *Extensions) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = Idle
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Sync implements Synchronizer.
func (s *Extensions) Sync(ctx context.Context, reason string) error {
	ctx, err := s.begin(ctx)
	if err != nil {
		return Classify(s.Kind(), err)
	}
	defer s.end()

	s.logger.Printf("syncing extensions (%s)", reason)
	if err := s.sync(ctx); err != nil {
		cerr := Classify(s.Kind(), err)
		s.logger.Printf("sync failed: %v", cerr)
		return cerr
	}
	return nil
}

func (s *Extensions) sync(ctx context.Context) error {
	last, err := s.store.LastSync(s.Kind())
	if err != nil {
		return err
	}
	lastRef := ""
	if last != nil {
		lastRef = last.Ref
	}

	snap, err := s.remote.Read(ctx, s.Kind(), lastRef)
	if err != nil {
		return err
	}
	if snap.NotModified {
		snap.Data = last.Data
	}

	local, installed, builtin, err := s.localState(ctx)
	if err != nil {
		return err
	}

	remoteData, err := schema.MigrateExtensions(snap.Data, builtin)
	if err != nil {
		return err
	}

	var lastData *schema.SyncData
	if last != nil {
		lastData, err = schema.MigrateExtensions(last.Data, builtin)
		if err != nil {
			return err
		}
	}

	// First sync on a machine that has written before: adopt the
	// remote payload as the base instead of merging blind.
	recovered := false
	if last == nil && remoteData != nil && remoteData.MachineID == s.machineID {
		lastData = remoteData
		last = &schema.LastSyncState{Kind: s.Kind(), Ref: snap.Ref, Data: remoteData}
		recovered = true
	}

	var remoteItems, lastItems, skipped []schema.Extension
	if remoteData != nil {
		if remoteItems, err = schema.ParseExtensions(remoteData.Content); err != nil {
			return err
		}
		if remoteItems == nil {
			remoteItems = []schema.Extension{}
		}
	}
	if lastData != nil {
		if lastItems, err = schema.ParseExtensions(lastData.Content); err != nil {
			return err
		}
	}
	if last != nil {
		skipped = last.Skipped
	}

	res := merge.Extensions(local, remoteItems, lastItems, skipped, s.ignored)

	var newSkipped []schema.Extension
	localChanged := res.HasLocalChanges()
	if localChanged {
		s.backupLocal(local)
		newSkipped = s.applyLocal(ctx, res, installed, builtin)
	}

	newRef, newData := snap.Ref, remoteData
	remoteChanged := res.Remote != nil
	if remoteChanged {
		content, err := schema.SerializeExtensions(res.Remote)
		if err != nil {
			return err
		}
		newData = &schema.SyncData{Version: schema.Version, MachineID: s.machineID, Content: content}
		if newRef, err = s.remote.Write(ctx, s.Kind(), newData, snap.Ref); err != nil {
			return err
		}
	}

	skippedChanged := !sameSkipped(skipped, newSkipped)
	if newData != nil && (localChanged || remoteChanged || skippedChanged || recovered || last == nil) {
		return s.store.SaveLastSync(&schema.LastSyncState{
			Kind:    s.Kind(),
			Ref:     newRef,
			Data:    newData,
			Skipped: newSkipped,
		})
	}
	return nil
}

// Pull implements Synchronizer: local state is overwritten from the
// remote and nothing is pushed.
func (s *Extensions) Pull(ctx context.Context) error {
	ctx, err := s.begin(ctx)
	if err != nil {
		return Classify(s.Kind(), err)
	}
	defer s.end()

	snap, err := s.remote.Read(ctx, s.Kind(), "")
	if err != nil {
		return Classify(s.Kind(), err)
	}
	if snap.Data == nil {
		s.logger.Printf("pull: extensions never synced, nothing to do")
		return nil
	}

	local, installed, builtin, err := s.localState(ctx)
	if err != nil {
		return Classify(s.Kind(), err)
	}
	remoteData, err := schema.MigrateExtensions(snap.Data, builtin)
	if err != nil {
		return Classify(s.Kind(), err)
	}
	remoteItems, err := schema.ParseExtensions(remoteData.Content)
	if err != nil {
		return Classify(s.Kind(), err)
	}
	if remoteItems == nil {
		remoteItems = []schema.Extension{}
	}

	// Merging with the local state as the base makes every remote
	// difference win.
	res := merge.Extensions(local, remoteItems, local, nil, s.ignored)

	var newSkipped []schema.Extension
	if res.HasLocalChanges() {
		s.backupLocal(local)
		newSkipped = s.applyLocal(ctx, res, installed, builtin)
	}

	return s.persist(snap.Ref, remoteData, newSkipped)
}

// Push implements Synchronizer: the remote is overwritten from the
// local state unconditionally.
func (s *Extensions) Push(ctx context.Context) error {
	ctx, err := s.begin(ctx)
	if err != nil {
		return Classify(s.Kind(), err)
	}
	defer s.end()

	local, _, _, err := s.localState(ctx)
	if err != nil {
		return Classify(s.Kind(), err)
	}

	res := merge.Extensions(local, nil, nil, nil, s.ignored)
	content, err := schema.SerializeExtensions(res.Remote)
	if err != nil {
		return Classify(s.Kind(), err)
	}

	data := &schema.SyncData{Version: schema.Version, MachineID: s.machineID, Content: content}
	ref, err := s.remote.Write(ctx, s.Kind(), data, "")
	if err != nil {
		return Classify(s.Kind(), err)
	}
	return s.persist(ref, data, nil)
}

// Replace implements Synchronizer: data becomes the new remote state,
// merged over the local state so local-only items survive.
func (s *Extensions) Replace(ctx context.Context, data *schema.SyncData) error {
	if data == nil {
		return Classify(s.Kind(), errors.New("replace requires a payload"))
	}
	ctx, err := s.begin(ctx)
	if err != nil {
		return Classify(s.Kind(), err)
	}
	defer s.end()

	snap, err := s.remote.Read(ctx, s.Kind(), "")
	if err != nil {
		return Classify(s.Kind(), err)
	}

	local, installed, builtin, err := s.localState(ctx)
	if err != nil {
		return Classify(s.Kind(), err)
	}
	payload, err := schema.MigrateExtensions(data, builtin)
	if err != nil {
		return Classify(s.Kind(), err)
	}
	items, err := schema.ParseExtensions(payload.Content)
	if err != nil {
		return Classify(s.Kind(), err)
	}
	if items == nil {
		items = []schema.Extension{}
	}

	last, err := s.store.LastSync(s.Kind())
	if err != nil {
		return Classify(s.Kind(), err)
	}
	var lastItems, skipped []schema.Extension
	if last != nil {
		lastData, err := schema.MigrateExtensions(last.Data, builtin)
		if err != nil {
			return Classify(s.Kind(), err)
		}
		if lastItems, err = schema.ParseExtensions(lastData.Content); err != nil {
			return Classify(s.Kind(), err)
		}
		skipped = last.Skipped
	}

	res := merge.Extensions(local, items, lastItems, skipped, s.ignored)

	var newSkipped []schema.Extension
	if res.HasLocalChanges() {
		s.backupLocal(local)
		newSkipped = s.applyLocal(ctx, res, installed, builtin)
	}

	out := res.Remote
	if out == nil {
		out = items
	}
	content, err := schema.SerializeExtensions(out)
	if err != nil {
		return Classify(s.Kind(), err)
	}
	newData := &schema.SyncData{Version: schema.Version, MachineID: s.machineID, Content: content}
	ref, err := s.remote.Write(ctx, s.Kind(), newData, snap.Ref)
	if err != nil {
		return Classify(s.Kind(), err)
	}
	return s.persist(ref, newData, newSkipped)
}

// ResolveContent implements Synchronizer.
func (s *Extensions) ResolveContent(ref string) (string, error) {
	last, err := s.store.LastSync(s.Kind())
	if err != nil {
		return "", err
	}
	if last == nil || last.Ref != ref {
		return "", fmt.Errorf("extensions ref %q: %w", ref, ErrUnknownRef)
	}
	return last.Data.Content, nil
}

// HasLocalData implements Synchronizer.
func (s *Extensions) HasLocalData(ctx context.Context) (bool, error) {
	items, err := s.manager.Installed(ctx)
	if err != nil {
		return false, err
	}
	return len(items) > 0, nil
}

// Reset implements Synchronizer.
func (s *Extensions) Reset() error {
	return s.store.Reset(s.Kind())
}

func (s *Extensions) persist(ref string, data *schema.SyncData, skipped []schema.Extension) error {
	err := s.store.SaveLastSync(&schema.LastSyncState{
		Kind:    s.Kind(),
		Ref:     ref,
		Data:    data,
		Skipped: skipped,
	})
	if err != nil {
		return Classify(s.Kind(), err)
	}
	return nil
}

// localState reads the installed set and splits it into the mergeable
// item list, a lookup by key, and the builtin key set. Builtins sync
// enablement only.
func (s *Extensions) localState(ctx context.Context) ([]schema.Extension, map[string]manager.Installed, map[string]bool, error) {
	items, err := s.manager.Installed(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to read installed extensions: %w", err)
	}

	local := make([]schema.Extension, 0, len(items))
	installed := make(map[string]manager.Installed, len(items))
	builtin := make(map[string]bool)

	for _, item := range items {
		key := item.Identity.Key()
		installed[key] = item
		if item.Builtin {
			builtin[key] = true
			local = append(local, schema.Extension{
				Identity: item.Identity,
				Disabled: item.Disabled,
			})
			continue
		}
		local = append(local, schema.Extension{
			Identity:  item.Identity,
			Version:   item.Version,
			Disabled:  item.Disabled,
			Installed: true,
		})
	}
	return local, installed, builtin, nil
}

// sameSkipped compares two skip lists by identity membership.
func sameSkipped(a, b []schema.Extension) bool {
	if len(a) != len(b) {
		return false
	}
	keys := make(map[string]bool, len(a))
	for _, e := range a {
		keys[e.Identity.Key()] = true
	}
	for _, e := range b {
		if !keys[e.Identity.Key()] {
			return false
		}
	}
	return true
}

func (s *Extensions) backupLocal(local []schema.Extension) {
	content, err := schema.SerializeExtensions(local)
	if err != nil {
		s.logger.Printf("backup skipped: %v", err)
		return
	}
	if err := s.store.BackupLocal(s.Kind(), content); err != nil {
		s.logger.Printf("backup failed: %v", err)
	}
}

// applyLocal applies the merge result to the local extension set and
// returns the items that failed and should be retried next cycle.
func (s *Extensions) applyLocal(ctx context.Context, res merge.Result, installed map[string]manager.Installed, builtin map[string]bool) []schema.Extension {
	var skipped []schema.Extension
	seen := make(map[string]bool)

	for _, item := range res.Removed {
		if builtin[item.Identity.Key()] {
			continue
		}
		if err := s.manager.Uninstall(ctx, item.Identity); err != nil {
			s.logger.Printf("failed to uninstall %s: %v", item.Identity.ID, err)
		}
	}

	for _, item := range append(res.Added, res.Updated...) {
		if err := s.applyItem(ctx, item, installed, builtin); err != nil {
			s.logger.Printf("failed to apply %s, will retry: %v", item.Identity.ID, err)
			if !seen[item.Identity.Key()] {
				seen[item.Identity.Key()] = true
				skipped = append(skipped, item)
			}
		}
	}
	return skipped
}

func (s *Extensions) applyItem(ctx context.Context, item schema.Extension, installed map[string]manager.Installed, builtin map[string]bool) error {
	key := item.Identity.Key()
	cur, isInstalled := installed[key]

	if builtin[key] {
		if cur.Disabled == item.Disabled {
			return nil
		}
		return s.manager.SetEnabled(ctx, item.Identity, !item.Disabled)
	}

	// Enablement-only records carry state for an extension the remote
	// machine did not install through sync.
	if !item.Installed {
		if isInstalled && cur.Disabled == item.Disabled {
			return nil
		}
		return s.manager.SetEnabled(ctx, item.Identity, !item.Disabled)
	}

	version, err := s.catalog.Resolve(ctx, item.Identity, item.Version)
	if err != nil {
		return err
	}

	// Enablement lands before the install, so a disabled extension is
	// never briefly live.
	if isInstalled {
		if cur.Disabled != item.Disabled {
			if err := s.manager.SetEnabled(ctx, item.Identity, !item.Disabled); err != nil {
				return err
			}
		}
	} else if item.Disabled {
		if err := s.manager.SetEnabled(ctx, item.Identity, false); err != nil {
			return err
		}
	}

	if !isInstalled || cur.Version != version {
		return s.manager.Install(ctx, item.Identity, version)
	}
	return nil
}
