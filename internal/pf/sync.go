package pf

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// SyncResult summarizes one reconciliation pass.
type SyncResult struct {
	// Synchronized is true when anything was exchanged with the remote.
	Synchronized bool
	// Committed is true when local changes were written to storage.
	Committed bool
	// Offline is true when the remote could not be reached.
	Offline bool

	Downloaded    []int64
	Uploaded      []int64
	Restored      []int64
	DeletedRemote []int64
	RemovedLocal  []int64
	NeedsMerge    []int64
	Failed        []int64
}

// SyncService reconciles a RecordContext with the remote record API.
type SyncService struct {
	session *Session
	rc      *RecordContext
	merger  *Merger

	mu      sync.Mutex
	running bool
}

// NewSyncService creates a sync service for the records held by rc.
func NewSyncService(session *Session, rc *RecordContext) *SyncService {
	return &SyncService{
		session: session,
		rc:      rc,
		merger:  NewMerger(session, rc),
	}
}

// Context returns the record context this service synchronizes.
func (s *SyncService) Context() *RecordContext { return s.rc }

func (s *SyncService) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSyncInProgress
	}
	s.running = true
	return nil
}

func (s *SyncService) end() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Sync runs one reconciliation pass. Pending local changes are committed
// first; every record is then processed to completion before the next one.
// A failure on one record never stops the others. Cancellation is observed
// between records, and whatever was processed is still committed.
func (s *SyncService) Sync(ctx context.Context) (*SyncResult, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()

	res := &SyncResult{}
	log := s.session.Logger

	if s.rc.AnyChanged() {
		if err := s.rc.Commit(); err != nil {
			s.session.Notifier.Notify(LevelError, fmt.Sprintf("Saving local changes failed: %v", err))
			return res, fmt.Errorf("committing local changes: %w", err)
		}
		res.Committed = true
	}

	if s.session.Remote == nil {
		res.Offline = true
		return res, nil
	}

	p := &syncPass{svc: s, ctx: ctx, res: res}

	listing, err := s.session.Remote.ListRecords(ctx, s.rc.Type())
	if !p.checkList(err) {
		return res, nil
	}

	remote := make(map[int64]RemoteInfo, len(listing))
	for _, ri := range listing {
		remote[ri.ID] = ri
	}

	var cancelled error
	for _, rec := range s.rc.List() {
		if cancelled = ctx.Err(); cancelled != nil {
			break
		}
		if p.offline {
			break
		}
		ri, found := remote[rec.ID]
		delete(remote, rec.ID)
		p.reconcile(rec, ri, found)
	}

	if cancelled == nil && !p.offline {
		ids := make([]int64, 0, len(remote))
		for id := range remote {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			if cancelled = ctx.Err(); cancelled != nil {
				break
			}
			if p.offline {
				break
			}
			p.download(remote[id])
		}
	}

	if s.rc.AnyChanged() {
		if err := s.rc.Commit(); err != nil {
			s.session.Notifier.Notify(LevelError, fmt.Sprintf("Saving synchronized records failed: %v", err))
			return res, fmt.Errorf("committing sync results: %w", err)
		}
		res.Committed = true
	}

	log.Info("sync pass finished",
		"type", s.rc.Type().String(),
		"downloaded", len(res.Downloaded),
		"uploaded", len(res.Uploaded),
		"restored", len(res.Restored),
		"deleted_remote", len(res.DeletedRemote),
		"removed_local", len(res.RemovedLocal),
		"needs_merge", len(res.NeedsMerge),
		"failed", len(res.Failed),
		"offline", res.Offline,
	)

	if cancelled != nil {
		return res, fmt.Errorf("sync cancelled: %w", cancelled)
	}
	return res, nil
}

// syncPass holds the state of a single Sync call.
type syncPass struct {
	svc     *SyncService
	ctx     context.Context
	res     *SyncResult
	offline bool
}

func (p *syncPass) rc() *RecordContext { return p.svc.rc }
func (p *syncPass) session() *Session  { return p.svc.session }

// checkList maps the outcome of the listing call. It returns whether the
// pass may continue with per-record work.
func (p *syncPass) checkList(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, ErrOffline) {
		p.goOffline(err)
		return false
	}
	p.session().Logger.Error("listing remote records failed", "type", p.rc().Type().String(), "error", err)
	p.session().Notifier.Notify(LevelError, fmt.Sprintf("Fetching the %s list from the server failed: %v", p.rc().Type(), err))
	return false
}

// checkRemote maps the outcome of a remote call made for rec. A failure sets
// mark on rec and notifies the user once; offline stops remote work for the
// rest of the pass. It returns whether dependent steps may proceed.
func (p *syncPass) checkRemote(rec *Record, err error, mark Marks, action string) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, ErrOffline) {
		p.goOffline(err)
		return false
	}
	p.fail(rec, mark, action, err)
	return false
}

func (p *syncPass) fail(rec *Record, mark Marks, action string, err error) {
	if setErr := p.rc().SetMarks(rec, rec.Marks|mark); setErr != nil {
		p.session().Logger.Error("flagging record failed", "id", rec.ID, "error", setErr)
	}
	p.res.Failed = append(p.res.Failed, rec.ID)
	p.session().Logger.Error(action+" failed", "id", rec.ID, "name", rec.Name, "error", err)
	p.session().Notifier.Notify(LevelError, fmt.Sprintf("%s %q failed: %v", capitalize(action), rec.Name, err))
}

func (p *syncPass) goOffline(err error) {
	if p.offline {
		return
	}
	p.offline = true
	p.res.Offline = true
	p.session().Logger.Warn("remote offline, skipping remote steps", "error", err)
	p.session().Notifier.Notify(LevelWarning, "Server is not reachable; local changes are kept for the next sync.")
}

func (p *syncPass) synced(list *[]int64, id int64) {
	*list = append(*list, id)
	p.res.Synchronized = true
}

// reconcile decides and performs the action for one local record.
func (p *syncPass) reconcile(rec *Record, ri RemoteInfo, found bool) {
	if err := p.rc().SetMarks(rec, rec.Marks&^problemMarks); err != nil {
		p.session().Logger.Error("resetting marks failed", "id", rec.ID, "error", err)
		return
	}

	switch {
	case rec.IsLocalOnly():
		p.uploadNew(rec)
	case !found:
		p.removeLocal(rec)
	case rec.IsDeleted():
		p.reconcileDeleted(rec, ri)
	default:
		if !rec.InfoChangedOn.Equal(ri.InfoChangedOn) {
			if !p.reconcileInfo(rec, ri) {
				return
			}
		}
		if !rec.VersionChangedOn.Equal(ri.VersionChangedOn) {
			p.reconcileContent(rec, ri)
		}
	}
}

// download adds a record that exists only on the remote.
func (p *syncPass) download(ri RemoteInfo) {
	s := p.session()
	info, err := s.Remote.GetRecordInfo(p.ctx, ri.ID)
	if errors.Is(err, ErrOffline) {
		p.goOffline(err)
		return
	}
	if err != nil {
		p.res.Failed = append(p.res.Failed, ri.ID)
		s.Logger.Error("downloading record info failed", "id", ri.ID, "error", err)
		s.Notifier.Notify(LevelError, fmt.Sprintf("Downloading record %d failed: %v", ri.ID, err))
		return
	}

	rec := &Record{
		ID:               info.ID,
		Type:             p.rc().Type(),
		Name:             info.Name,
		Color:            info.Color,
		Version:          info.Version,
		CreatedOn:        info.CreatedOn,
		InfoChangedOn:    info.InfoChangedOn,
		VersionChangedOn: info.VersionChangedOn,
		Origin:           info.Stamps(),
		Content:          NoContent{},
	}

	data, err := p.fetchContent(info.ID, info.Version)
	if errors.Is(err, ErrOffline) {
		p.goOffline(err)
		return
	}
	if err != nil {
		// Keep the metadata so the record shows up flagged. The shifted content
		// timestamp makes the next pass fetch the content again.
		rec.Origin.VersionChangedOn = rec.Origin.VersionChangedOn.Add(-1)
		rec.VersionChangedOn = rec.Origin.VersionChangedOn
		if addErr := p.rc().Add(rec, nil); addErr != nil {
			s.Logger.Error("adding record failed", "id", rec.ID, "error", addErr)
			return
		}
		p.fail(rec, MarkDownloadError, "downloading", err)
		return
	}
	if data != nil {
		rec.Content = EncryptedContent{Data: data}
	}

	if err := p.rc().Add(rec, nil); err != nil {
		s.Logger.Error("adding record failed", "id", rec.ID, "error", err)
		return
	}
	s.Logger.Info("record downloaded", "id", rec.ID, "version", rec.Version)
	p.synced(&p.res.Downloaded, rec.ID)
}

// fetchContent downloads and unwraps a content version. A record without
// content (version 0) yields nil data.
func (p *syncPass) fetchContent(id int64, version int) ([]byte, error) {
	if version <= 0 {
		return nil, nil
	}
	s := p.session()
	wire, err := s.Remote.GetVersionContent(p.ctx, id, version)
	if err != nil {
		return nil, err
	}
	data, err := s.TransportCipher.Decrypt(wire, s.TransportKey)
	if err != nil {
		return nil, fmt.Errorf("unwrapping content: %w", err)
	}
	return data, nil
}

// wrap prepares local encrypted content for upload.
func (p *syncPass) wrap(data []byte) ([]byte, error) {
	s := p.session()
	wire, err := s.TransportCipher.Encrypt(data, s.TransportKey)
	if err != nil {
		return nil, fmt.Errorf("wrapping content: %w", err)
	}
	return wire, nil
}

// removeLocal hard-removes a record the remote no longer has.
func (p *syncPass) removeLocal(rec *Record) {
	if err := p.rc().Delete(rec.ID, true); err != nil {
		p.session().Logger.Error("removing record failed", "id", rec.ID, "error", err)
		return
	}
	p.session().Logger.Info("record removed, deleted on server", "id", rec.ID)
	p.synced(&p.res.RemovedLocal, rec.ID)
}

// reconcileDeleted handles a local soft-delete. A remote copy that changed
// after the local base cancels the deletion; otherwise the delete is pushed.
func (p *syncPass) reconcileDeleted(rec *Record, ri RemoteInfo) {
	s := p.session()
	remoteNewer := ri.InfoChangedOn.After(rec.Origin.InfoChangedOn) ||
		ri.VersionChangedOn.After(rec.Origin.VersionChangedOn)

	if !remoteNewer {
		err := s.Remote.Delete(p.ctx, rec.ID, s.DeleteSecret)
		if !p.checkRemote(rec, err, MarkDeleteError, "deleting") {
			return
		}
		if err := p.rc().Delete(rec.ID, true); err != nil {
			s.Logger.Error("removing deleted record failed", "id", rec.ID, "error", err)
			return
		}
		s.Logger.Info("record deleted on server", "id", rec.ID)
		p.synced(&p.res.DeletedRemote, rec.ID)
		return
	}

	info, err := s.Remote.GetRecordInfo(p.ctx, rec.ID)
	if !p.checkRemote(rec, err, MarkDownloadError, "restoring") {
		return
	}
	data, err := p.fetchContent(info.ID, info.Version)
	if !p.checkRemote(rec, err, MarkDownloadError, "restoring") {
		return
	}

	rec.DeletedOn = nil
	applyInfo(rec, info)
	applyVersion(rec, info, data)
	if err := p.rc().UpdateInfo(rec, true); err != nil {
		s.Logger.Error("restoring record failed", "id", rec.ID, "error", err)
		return
	}
	if err := p.rc().UpdateContent(rec, true); err != nil {
		s.Logger.Error("restoring record failed", "id", rec.ID, "error", err)
		return
	}
	s.Logger.Info("record restored, changed on server after local delete", "id", rec.ID)
	s.Notifier.Notify(LevelInfo, fmt.Sprintf("%q was changed on the server and has been restored.", rec.Name))
	p.synced(&p.res.Restored, rec.ID)
}

// reconcileInfo lets the side with the newer metadata win. It returns false
// when a remote step failed and the record should not be processed further.
func (p *syncPass) reconcileInfo(rec *Record, ri RemoteInfo) bool {
	s := p.session()
	if rec.InfoChangedOn.After(ri.InfoChangedOn) {
		confirmed, err := s.Remote.SaveInfo(p.ctx, rec.Info())
		if !p.checkRemote(rec, err, MarkUploadError, "uploading") {
			return false
		}
		applyInfo(rec, confirmed)
		if err := p.rc().UpdateInfo(rec, true); err != nil {
			s.Logger.Error("updating record failed", "id", rec.ID, "error", err)
			return false
		}
		s.Logger.Info("record info uploaded", "id", rec.ID)
		p.synced(&p.res.Uploaded, rec.ID)
		return true
	}

	info, err := s.Remote.GetRecordInfo(p.ctx, rec.ID)
	if !p.checkRemote(rec, err, MarkDownloadError, "downloading") {
		return false
	}
	applyInfo(rec, info)
	if err := p.rc().UpdateInfo(rec, true); err != nil {
		s.Logger.Error("updating record failed", "id", rec.ID, "error", err)
		return false
	}
	s.Logger.Info("record info downloaded", "id", rec.ID)
	p.synced(&p.res.Downloaded, rec.ID)
	return true
}

// reconcileContent handles differing content timestamps: download when there
// is no local edit, upload when the edit is based on the remote's current
// version (or came out of a merge), and flag a merge otherwise.
func (p *syncPass) reconcileContent(rec *Record, ri RemoteInfo) {
	s := p.session()

	if !rec.ContentChanged() {
		data, err := p.fetchContent(ri.ID, ri.Version)
		if !p.checkRemote(rec, err, MarkDownloadError, "downloading") {
			return
		}
		applyVersion(rec, ri, data)
		if err := p.rc().UpdateContent(rec, true); err != nil {
			s.Logger.Error("updating record failed", "id", rec.ID, "error", err)
			return
		}
		s.Logger.Info("record content downloaded", "id", rec.ID, "version", rec.Version)
		p.synced(&p.res.Downloaded, rec.ID)
		return
	}

	if rec.Origin.Version != ri.Version && !rec.Marks.Has(MarkMerged) {
		if err := p.rc().SetMarks(rec, rec.Marks|MarkNeedsMerge); err != nil {
			s.Logger.Error("flagging record failed", "id", rec.ID, "error", err)
		}
		p.res.NeedsMerge = append(p.res.NeedsMerge, rec.ID)
		s.Logger.Warn("record changed on both sides",
			"id", rec.ID, "base_version", rec.Origin.Version, "remote_version", ri.Version)
		s.Notifier.Notify(LevelWarning, fmt.Sprintf("%q was changed here and on the server; merge it to continue.", rec.Name))
		return
	}

	data, err := p.rc().encryptedData(rec)
	if err != nil {
		p.fail(rec, MarkUploadError, "uploading", err)
		return
	}
	wire, err := p.wrap(data)
	if err != nil {
		p.fail(rec, MarkUploadError, "uploading", err)
		return
	}
	confirmed, err := s.Remote.SaveContent(p.ctx, rec.ID, wire)
	if !p.checkRemote(rec, err, MarkUploadError, "uploading") {
		return
	}

	rec.Version = confirmed.Version
	rec.VersionChangedOn = confirmed.VersionChangedOn
	rec.Marks &^= MarkMerged
	if err := p.rc().UpdateContent(rec, true); err != nil {
		s.Logger.Error("updating record failed", "id", rec.ID, "error", err)
		return
	}
	s.Logger.Info("record content uploaded", "id", rec.ID, "version", rec.Version)
	p.synced(&p.res.Uploaded, rec.ID)
}

// uploadNew pushes a record created locally: metadata first, then content.
// On success the record takes its server identity.
func (p *syncPass) uploadNew(rec *Record) {
	s := p.session()

	data, err := p.rc().encryptedData(rec)
	if errors.Is(err, ErrVersionNotFound) {
		// Created without content; only the metadata goes up.
		data, err = nil, nil
	}
	if err != nil {
		p.fail(rec, MarkUploadError, "uploading", err)
		return
	}

	assigned, err := s.Remote.AddRecord(p.ctx, rec.Info())
	if !p.checkRemote(rec, err, MarkUploadError, "uploading") {
		return
	}

	created := rec.Clone()
	created.ID = assigned.ID
	applyInfo(created, assigned)
	created.Origin = assigned.Stamps()

	var contentErr error
	if data != nil {
		var confirmed RemoteInfo
		wire, err := p.wrap(data)
		if err == nil {
			confirmed, err = s.Remote.SaveContent(p.ctx, assigned.ID, wire)
		}
		if err == nil {
			created.Version = confirmed.Version
			created.VersionChangedOn = confirmed.VersionChangedOn
			created.Origin = confirmed.Stamps()
		} else {
			// The server knows the record now; the content goes up on a later
			// pass as a linear update from the assigned version.
			contentErr = err
		}
	} else {
		created.Version = assigned.Version
		created.VersionChangedOn = assigned.VersionChangedOn
	}

	if err := p.rc().Add(created, rec); err != nil {
		s.Logger.Error("assigning server id failed", "local_id", rec.ID, "id", assigned.ID, "error", err)
		return
	}
	s.Logger.Info("record uploaded", "local_id", rec.ID, "id", created.ID, "version", created.Version)
	p.synced(&p.res.Uploaded, created.ID)

	if contentErr != nil {
		p.checkRemote(created, contentErr, MarkUploadError, "uploading")
	}
}

func applyInfo(rec *Record, info RemoteInfo) {
	rec.Name = info.Name
	rec.Color = info.Color
	rec.InfoChangedOn = info.InfoChangedOn
}

func applyVersion(rec *Record, info RemoteInfo, data []byte) {
	rec.Version = info.Version
	rec.VersionChangedOn = info.VersionChangedOn
	if data != nil {
		rec.Content = EncryptedContent{Data: data}
	} else {
		rec.Content = NoContent{}
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// FetchRemote downloads the current server copy of a record: its metadata and
// its content, unwrapped from the transport cipher but still encrypted.
func (s *SyncService) FetchRemote(ctx context.Context, id int64) (RemoteInfo, []byte, error) {
	if s.session.Remote == nil {
		return RemoteInfo{}, nil, ErrOffline
	}
	info, err := s.session.Remote.GetRecordInfo(ctx, id)
	if err != nil {
		return RemoteInfo{}, nil, fmt.Errorf("fetching record %d: %w", id, err)
	}
	p := &syncPass{svc: s, ctx: ctx}
	data, err := p.fetchContent(info.ID, info.Version)
	if err != nil {
		return RemoteInfo{}, nil, fmt.Errorf("fetching content of record %d: %w", id, err)
	}
	return info, data, nil
}

// PrepareMerge fetches the server copy of a record and diffs it against the
// local one.
func (s *SyncService) PrepareMerge(ctx context.Context, id int64) (*MergePlan, error) {
	rec := s.rc.Get(id)
	if rec == nil {
		return nil, unexpected("no live record %d", id)
	}
	info, data, err := s.FetchRemote(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.merger.Prepare(ctx, rec, info, data)
}

// ApplyMerge stores the resolved sections as the record's new content. The
// next sync uploads it on top of the remote version the merge was made from.
func (s *SyncService) ApplyMerge(plan *MergePlan, merged Sections) error {
	rec := plan.Local
	if _, err := s.rc.lookup(rec); err != nil {
		return err
	}
	v, err := fromSections(rec.Type, merged)
	if err != nil {
		return err
	}
	if err := s.rc.SetValue(rec, v, plan.Passphrase); err != nil {
		return err
	}
	rec.Origin.Version = plan.Remote.Version
	return s.rc.SetMarks(rec, (rec.Marks|MarkMerged)&^MarkNeedsMerge)
}
