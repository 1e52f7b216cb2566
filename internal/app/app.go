package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"passfiles/internal/config"
	"passfiles/internal/database"
	"passfiles/internal/encryption"
	"passfiles/internal/pf"
	"passfiles/internal/remote"
	"passfiles/internal/storage"
)

var (
	// ErrRecordNotFound is returned for ids that are not in the local list.
	ErrRecordNotFound = errors.New("record not found")

	// ErrPassphraseMismatch is returned when a new passphrase was not
	// repeated correctly.
	ErrPassphraseMismatch = errors.New("passphrases do not match")
)

// Sync run statuses stored in the history.
const (
	RunOK        = "ok"
	RunOffline   = "offline"
	RunError     = "error"
	RunCancelled = "cancelled"
)

// PFApp is the application layer between the CLI and the record core.
// It constructs all dependencies from config, exposes high-level operations
// addressed by record type and id, and releases resources on Close.
type PFApp struct {
	cfg     *config.Config
	op      *Operation
	session *pf.Session
	db      *database.SQLiteStore
	sealer  *encryption.ArchiveSealer
	logger  pf.Logger

	mu       sync.Mutex
	services map[pf.Type]*pf.SyncService
}

// NewPFApp creates a fully wired PFApp from the given config.
// operation names the CLI command being run (e.g. "sync", "add").
// The caller must call Close when done.
func NewPFApp(ctx context.Context, cfg *config.Config, operation string, prompt pf.Prompt, notifier pf.Notifier) (*PFApp, error) {
	if cfg.UserID == "" {
		return nil, fmt.Errorf("no user_id configured")
	}
	op := NewOperation(operation)

	slogger, logCloser, err := newLogger(cfg.Log, op.ShortID())
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}
	clock := pf.RealClock{}

	// Resources are released in reverse order by the session; until it
	// exists, fail closes what has been opened so far.
	closers := []func() error{logCloser.Close}
	fail := func(err error) (*PFApp, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		return nil, err
	}

	store, err := storage.NewStorageFromConfig(cfg.Storage, cfg.UserID, logger, clock)
	if err != nil {
		return fail(fmt.Errorf("creating storage: %w", err))
	}

	db, err := database.NewStoreFromConfig(cfg.Counter)
	if err != nil {
		return fail(fmt.Errorf("opening database: %w", err))
	}
	closers = append(closers, db.Close)
	if err := db.CheckMigrations(); err != nil {
		return fail(fmt.Errorf("database schema out of date: %w", err))
	}

	contentCipher, err := encryption.NewContentCipherFromConfig(cfg.Encryption)
	if err != nil {
		return fail(fmt.Errorf("creating content cipher: %w", err))
	}

	api, err := remote.NewRemoteFromConfig(ctx, cfg.Remote, clock, logger)
	if err != nil {
		return fail(fmt.Errorf("creating remote: %w", err))
	}
	var transportCipher pf.Cipher
	if api != nil {
		if cfg.Remote.TransportKey == "" {
			return fail(fmt.Errorf("remote %q requires transport_key", cfg.Remote.Type))
		}
		transportCipher, err = encryption.NewTransportCipherFromConfig(cfg.Encryption)
		if err != nil {
			return fail(fmt.Errorf("creating transport cipher: %w", err))
		}
	}

	session, err := pf.NewSession(&pf.Session{
		Identity:        pf.StaticIdentity(cfg.UserID),
		Storage:         store,
		Remote:          api,
		ContentCipher:   contentCipher,
		TransportCipher: transportCipher,
		Counter:         db,
		Prompt:          prompt,
		Notifier:        notifier,
		Logger:          logger,
		Clock:           clock,
		TransportKey:    cfg.Remote.TransportKey,
		DeleteSecret:    cfg.Remote.DeleteSecret,
	})
	if err != nil {
		return fail(err)
	}
	for _, c := range closers {
		session.OnClose(c)
	}

	logger.Info("operation started", "operation", op.Name, "user", cfg.UserID,
		"storage", cfg.Storage.Type, "remote", cfg.Remote.Type)

	return newPFApp(cfg, op, session, db), nil
}

// newPFApp assembles an app around an existing session.
func newPFApp(cfg *config.Config, op *Operation, session *pf.Session, db *database.SQLiteStore) *PFApp {
	return &PFApp{
		cfg:      cfg,
		op:       op,
		session:  session,
		db:       db,
		sealer:   encryption.NewArchiveSealer(cfg.Export),
		logger:   session.Logger,
		services: make(map[pf.Type]*pf.SyncService),
	}
}

// Types returns the record types this app manages.
func (a *PFApp) Types() []pf.Type {
	return a.session.Registry.Types()
}

// service returns the sync service of t, loading its record list on first use.
func (a *PFApp) service(t pf.Type) (*pf.SyncService, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if svc, ok := a.services[t]; ok {
		return svc, nil
	}
	if _, err := a.session.Registry.Lookup(t); err != nil {
		return nil, err
	}
	rc := pf.NewRecordContext(a.session, t)
	if err := rc.LoadList(); err != nil {
		return nil, fmt.Errorf("loading %s list: %w", t, err)
	}
	svc := pf.NewSyncService(a.session, rc)
	a.services[t] = svc
	return svc, nil
}

func (a *PFApp) recordContext(t pf.Type) (*pf.RecordContext, error) {
	svc, err := a.service(t)
	if err != nil {
		return nil, err
	}
	return svc.Context(), nil
}

// record returns the live, not deleted record id of type t.
func (a *PFApp) record(t pf.Type, id int64) (*pf.RecordContext, *pf.Record, error) {
	rc, err := a.recordContext(t)
	if err != nil {
		return nil, nil, err
	}
	rec := rc.Get(id)
	if rec == nil || rec.IsDeleted() {
		return nil, nil, fmt.Errorf("%w: %s %d", ErrRecordNotFound, t, id)
	}
	return rc, rec, nil
}

// commit writes pending changes, discarding them if the write fails.
func (a *PFApp) commit(rc *pf.RecordContext) error {
	if err := rc.Commit(); err != nil {
		rc.Rollback()
		return fmt.Errorf("saving %s records: %w", rc.Type(), err)
	}
	return nil
}

// List returns the records of type t, soft-deleted ones included.
func (a *PFApp) List(t pf.Type) ([]*pf.Record, error) {
	rc, err := a.recordContext(t)
	if err != nil {
		return nil, err
	}
	return rc.List(), nil
}

// unlock decrypts rec, asking for the passphrase until it fits.
func (a *PFApp) unlock(ctx context.Context, rc *pf.RecordContext, rec *pf.Record) (pf.Value, string, error) {
	if v, pass, ok := pf.DecryptedValue(rec.Content); ok {
		return v, pass, nil
	}
	if err := rc.LoadContent(rec); err != nil {
		if errors.Is(err, pf.ErrVersionNotFound) {
			return nil, "", fmt.Errorf("content of %q is not available locally, run sync: %w", rec.Name, err)
		}
		return nil, "", err
	}
	if a.session.Prompt == nil {
		return nil, "", pf.ErrPassphraseRequired
	}

	var value pf.Value
	pass, ok := a.session.Prompt.AskLooped(ctx,
		fmt.Sprintf("Passphrase for %q: ", rec.Name),
		"Wrong passphrase, try again: ",
		func(p string) bool {
			v, err := rc.Decrypt(rec, p)
			if err != nil {
				return false
			}
			value = v
			return true
		})
	if !ok {
		return nil, "", pf.ErrPassphraseRequired
	}
	return value, pass, nil
}

// Show decrypts and returns the content of a record.
func (a *PFApp) Show(ctx context.Context, t pf.Type, id int64) (*pf.Record, pf.Value, error) {
	rc, rec, err := a.record(t, id)
	if err != nil {
		return nil, nil, err
	}
	v, _, err := a.unlock(ctx, rc, rec)
	if err != nil {
		return nil, nil, err
	}
	return rec, v, nil
}

// newPassphrase asks for a passphrase twice.
func (a *PFApp) newPassphrase(ctx context.Context, name string) (string, error) {
	if a.session.Prompt == nil {
		return "", pf.ErrPassphraseRequired
	}
	first, ok := a.session.Prompt.Ask(ctx, fmt.Sprintf("New passphrase for %q: ", name))
	if !ok {
		return "", pf.ErrPassphraseRequired
	}
	second, ok := a.session.Prompt.Ask(ctx, "Repeat passphrase: ")
	if !ok {
		return "", pf.ErrPassphraseRequired
	}
	if first != second {
		return "", ErrPassphraseMismatch
	}
	return first, nil
}

// Add creates a local record holding v, encrypted with a new passphrase.
func (a *PFApp) Add(ctx context.Context, name string, v pf.Value) (*pf.Record, error) {
	rc, err := a.recordContext(v.ContentType())
	if err != nil {
		return nil, err
	}
	pass, err := a.newPassphrase(ctx, name)
	if err != nil {
		return nil, err
	}

	rec, err := rc.Create(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := rc.SetValue(rec, v, pass); err != nil {
		rc.Rollback()
		return nil, err
	}
	if err := a.commit(rc); err != nil {
		return nil, err
	}
	a.logger.Info("record added", "type", rec.Type.String(), "id", rec.ID)
	return rec, nil
}

// Edit replaces the content of a record, keeping its passphrase.
func (a *PFApp) Edit(ctx context.Context, t pf.Type, id int64, v pf.Value) (*pf.Record, error) {
	rc, rec, err := a.record(t, id)
	if err != nil {
		return nil, err
	}
	_, pass, err := a.unlock(ctx, rc, rec)
	if err != nil {
		return nil, err
	}
	if err := rc.SetValue(rec, v, pass); err != nil {
		rc.Rollback()
		return nil, err
	}
	if err := a.commit(rc); err != nil {
		return nil, err
	}
	a.logger.Info("record edited", "type", t.String(), "id", id, "version", rec.Version)
	return rec, nil
}

// Rename changes the name and color of a record.
func (a *PFApp) Rename(t pf.Type, id int64, name, color string) error {
	rc, rec, err := a.record(t, id)
	if err != nil {
		return err
	}
	if err := rc.Rename(rec, name, color); err != nil {
		rc.Rollback()
		return err
	}
	return a.commit(rc)
}

// Delete removes a record locally. Records known to the server are removed
// there by the next sync.
func (a *PFApp) Delete(t pf.Type, id int64) error {
	rc, rec, err := a.record(t, id)
	if err != nil {
		return err
	}
	if err := rc.Delete(rec.ID, false); err != nil {
		rc.Rollback()
		return err
	}
	if err := a.commit(rc); err != nil {
		return err
	}
	a.logger.Info("record deleted", "type", t.String(), "id", id)
	return nil
}

// Versions lists the content versions kept locally for a record.
func (a *PFApp) Versions(t pf.Type, id int64) ([]int, error) {
	if _, _, err := a.record(t, id); err != nil {
		return nil, err
	}
	return a.session.Storage.GetVersions(t, id)
}

// RestoreVersion makes the content of an older local version current again,
// as a new edit on top of the latest one.
func (a *PFApp) RestoreVersion(ctx context.Context, t pf.Type, id int64, version int) (*pf.Record, error) {
	rc, rec, err := a.record(t, id)
	if err != nil {
		return nil, err
	}
	if version == rec.Version {
		return nil, fmt.Errorf("version %d is already current", version)
	}
	_, pass, err := a.unlock(ctx, rc, rec)
	if err != nil {
		return nil, err
	}

	v, err := rc.DecryptVersion(rec, version, pass)
	if errors.Is(err, pf.ErrDecryptionFailure) {
		pass, v, err = a.unlockVersion(ctx, rc, rec, version)
	}
	if err != nil {
		return nil, err
	}

	if err := rc.SetValue(rec, v, pass); err != nil {
		rc.Rollback()
		return nil, err
	}
	if err := a.commit(rc); err != nil {
		return nil, err
	}
	a.logger.Info("version restored", "type", t.String(), "id", id, "from", version, "version", rec.Version)
	return rec, nil
}

// unlockVersion asks for the passphrase of a version that was encrypted
// with a different one than the current content.
func (a *PFApp) unlockVersion(ctx context.Context, rc *pf.RecordContext, rec *pf.Record, version int) (string, pf.Value, error) {
	if a.session.Prompt == nil {
		return "", nil, pf.ErrPassphraseRequired
	}
	var value pf.Value
	pass, ok := a.session.Prompt.AskLooped(ctx,
		fmt.Sprintf("Passphrase for version %d of %q: ", version, rec.Name),
		"Wrong passphrase, try again: ",
		func(p string) bool {
			v, err := rc.DecryptVersion(rec, version, p)
			if err != nil {
				return false
			}
			value = v
			return true
		})
	if !ok {
		return "", nil, pf.ErrPassphraseRequired
	}
	return pass, value, nil
}

// Sync runs one sync pass for t and records it in the history.
func (a *PFApp) Sync(ctx context.Context, t pf.Type) (*pf.SyncResult, error) {
	svc, err := a.service(t)
	if err != nil {
		return nil, err
	}

	// The history is written even for passes cut short by ctx.
	dbCtx := context.WithoutCancel(ctx)
	runID, err := a.db.StartSyncRun(dbCtx, t.String(), a.session.Clock.Now())
	if err != nil {
		return nil, err
	}
	res, syncErr := svc.Sync(ctx)

	status := runStatus(res, syncErr)
	if err := a.db.FinishSyncRun(dbCtx, runID, a.session.Clock.Now(), status, res); err != nil {
		a.logger.Error("recording sync run failed", "run", runID, "error", err)
	}
	if syncErr != nil {
		return res, fmt.Errorf("syncing %s records: %w", t, syncErr)
	}
	return res, nil
}

func runStatus(res *pf.SyncResult, err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return RunCancelled
	case err != nil:
		return RunError
	case res != nil && res.Offline:
		return RunOffline
	default:
		return RunOK
	}
}

// SyncAll syncs every record type concurrently. Each type has its own
// context and sync service, so the passes do not share state.
func (a *PFApp) SyncAll(ctx context.Context) (map[pf.Type]*pf.SyncResult, error) {
	types := a.Types()
	for _, t := range types {
		if _, err := a.service(t); err != nil {
			return nil, err
		}
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[pf.Type]*pf.SyncResult, len(types))
		errs    []error
	)
	for _, t := range types {
		wg.Add(1)
		go func(t pf.Type) {
			defer wg.Done()
			res, err := a.Sync(ctx, t)
			mu.Lock()
			defer mu.Unlock()
			if res != nil {
				results[t] = res
			}
			if err != nil {
				errs = append(errs, err)
			}
		}(t)
	}
	wg.Wait()
	return results, errors.Join(errs...)
}

// PrepareMerge fetches the server copy of a record and diffs it with the
// local one.
func (a *PFApp) PrepareMerge(ctx context.Context, t pf.Type, id int64) (*pf.MergePlan, error) {
	if _, _, err := a.record(t, id); err != nil {
		return nil, err
	}
	if id < 0 {
		return nil, fmt.Errorf("record %d has never been uploaded, nothing to merge", id)
	}
	svc, err := a.service(t)
	if err != nil {
		return nil, err
	}
	return svc.PrepareMerge(ctx, id)
}

// ApplyMerge resolves plan with one choice per conflict and saves the result
// locally. The next sync uploads it.
func (a *PFApp) ApplyMerge(t pf.Type, plan *pf.MergePlan, choices []pf.Resolution) error {
	svc, err := a.service(t)
	if err != nil {
		return err
	}
	merged, err := plan.Resolve(choices, a.session.IDs)
	if err != nil {
		return err
	}
	if err := svc.ApplyMerge(plan, merged); err != nil {
		svc.Context().Rollback()
		return err
	}
	if err := a.commit(svc.Context()); err != nil {
		return err
	}
	a.logger.Info("merge applied", "type", t.String(), "id", plan.Local.ID, "remote_version", plan.Remote.Version)
	return nil
}

// ParseResolution parses a conflict choice as typed by the user.
func ParseResolution(s string) (pf.Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "l", "local":
		return pf.KeepLocal, nil
	case "r", "remote":
		return pf.KeepRemote, nil
	case "b", "both":
		return pf.KeepBoth, nil
	case "d", "drop":
		return pf.DropBoth, nil
	default:
		return 0, fmt.Errorf("unknown choice %q (use local, remote, both or drop)", s)
	}
}

// Purger returns a purger configured from the [purge] section.
func (a *PFApp) Purger() (*Purger, error) {
	maxAge, err := parseDuration(a.cfg.Purge.QuarantineMaxAge, 30*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("invalid quarantine_max_age: %w", err)
	}
	return NewPurger(a.session.Storage, a.Types(), a.cfg.Purge.KeepVersions, maxAge, a.logger), nil
}

// Purge prunes old content versions and stale quarantined manifests once.
func (a *PFApp) Purge(ctx context.Context) (PurgeStats, error) {
	p, err := a.Purger()
	if err != nil {
		return PurgeStats{}, err
	}
	return p.RunOnce(ctx)
}

// StorageDirs returns the directories holding the manifests of every record
// type, or nil when the storage is not on disk.
func (a *PFApp) StorageDirs() []string {
	fs, ok := a.session.Storage.(*storage.FileStorage)
	if !ok {
		return nil
	}
	var dirs []string
	for _, t := range a.Types() {
		dirs = append(dirs, filepath.Join(fs.Dir(), t.String()))
	}
	return dirs
}

// Watch syncs every record type periodically and after local changes until
// ctx is cancelled. Purges run in the same loop when an interval is set.
func (a *PFApp) Watch(ctx context.Context, onSync func(map[pf.Type]*pf.SyncResult, error)) error {
	interval, err := parseDuration(a.cfg.Watch.Interval, 5*time.Minute)
	if err != nil {
		return fmt.Errorf("invalid watch interval: %w", err)
	}
	debounce, err := parseDuration(a.cfg.Watch.Debounce, 2*time.Second)
	if err != nil {
		return fmt.Errorf("invalid watch debounce: %w", err)
	}

	// Loading every list first creates the manifests the watcher subscribes to.
	for _, t := range a.Types() {
		if _, err := a.service(t); err != nil {
			return err
		}
	}

	w := NewWatcher(a.StorageDirs(), interval, debounce, func(ctx context.Context) error {
		res, err := a.SyncAll(ctx)
		if onSync != nil {
			onSync(res, err)
		}
		return err
	}, a.logger)

	if a.cfg.Purge.Interval != "" {
		purgeEvery, err := time.ParseDuration(a.cfg.Purge.Interval)
		if err != nil {
			return fmt.Errorf("invalid purge interval: %w", err)
		}
		p, err := a.Purger()
		if err != nil {
			return err
		}
		w.WithPurge(purgeEvery, func(ctx context.Context) error {
			_, err := p.RunOnce(ctx)
			return err
		})
	}
	return w.Run(ctx)
}

// History returns the most recent sync runs.
func (a *PFApp) History(ctx context.Context, limit int) ([]*database.SyncRun, error) {
	return a.db.ListSyncRuns(ctx, limit)
}

// ExportConfigured reports whether the export key pair exists.
func (a *PFApp) ExportConfigured() bool {
	return a.sealer.IsConfigured()
}

// ExportSetup generates the export key pair, protecting the private key
// with passphrase.
func (a *PFApp) ExportSetup(passphrase string) error {
	return a.sealer.Setup(passphrase)
}

// Export writes a sealed archive of the local store to w.
func (a *PFApp) Export(w io.Writer) (ExportStats, error) {
	if !a.sealer.IsConfigured() {
		return ExportStats{}, fmt.Errorf("export keys not set up, run `pf export --setup` first")
	}
	stats, err := Export(w, a.sealer, a.session.Storage, a.Types(), a.session.Clock.Now())
	if err != nil {
		return stats, err
	}
	a.logger.Info("store exported", "records", stats.Records, "versions", stats.Versions)
	return stats, nil
}

// Import restores a sealed archive into the local store. Loaded record
// lists are dropped so later calls see the imported records.
func (a *PFApp) Import(r io.Reader, passphrase string, overwrite bool) (ExportStats, error) {
	opener, err := a.sealer.Unlock(passphrase)
	if err != nil {
		return ExportStats{}, err
	}

	a.mu.Lock()
	a.services = make(map[pf.Type]*pf.SyncService)
	a.mu.Unlock()

	stats, err := Import(r, opener, a.session.Storage, a.Types(), overwrite)
	if err != nil {
		return stats, err
	}
	a.logger.Info("store imported", "records", stats.Records, "versions", stats.Versions)
	return stats, nil
}

// Fail marks the operation as failed for the closing log line.
func (a *PFApp) Fail() {
	a.op.Fail()
}

// Close releases the session's resources.
func (a *PFApp) Close() error {
	a.logger.Info("operation finished", "operation", a.op.Name, "status", a.op.Status)
	return a.session.Close()
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}
