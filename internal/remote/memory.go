package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"passfiles/internal/pf"
)

type memoryRecord struct {
	info     pf.RemoteInfo
	versions map[int][]byte
}

// MemoryRemote is an in-memory implementation of the pf.RemoteAPI interface.
// It assigns ids and stamps changes the way a real server does, and can be
// switched offline or told to fail specific calls, which makes it the remote
// of choice for tests and for `pf serve` without a bucket.
// This implementation is safe for concurrent use.
type MemoryRemote struct {
	clock    pf.Clock
	secret   string
	records  map[int64]*memoryRecord
	nextID   int64
	offline  bool
	failures map[string]error
	calls    map[string]int
	mu       sync.Mutex
}

// NewMemoryRemote creates an empty remote. Deletions must present secret.
func NewMemoryRemote(clock pf.Clock, secret string) *MemoryRemote {
	if clock == nil {
		clock = pf.RealClock{}
	}
	return &MemoryRemote{
		clock:    clock,
		secret:   secret,
		records:  make(map[int64]*memoryRecord),
		nextID:   1,
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// SetOffline makes every call fail with pf.ErrOffline until reset.
func (m *MemoryRemote) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// FailOn makes every call of op (a method name such as "SaveContent") fail
// with err. A nil err clears the failure.
func (m *MemoryRemote) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Calls returns how many times op has been called.
func (m *MemoryRemote) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// enter records a call and returns the injected failure for it, if any.
// Callers hold m.mu.
func (m *MemoryRemote) enter(op string) error {
	m.calls[op]++
	if m.offline {
		return fmt.Errorf("%s: %w", op, pf.ErrOffline)
	}
	return m.failures[op]
}

func (m *MemoryRemote) get(op string, id int64) (*memoryRecord, error) {
	r, ok := m.records[id]
	if !ok {
		return nil, &pf.RemoteError{Op: op, Status: 404, Message: fmt.Sprintf("record %d not found", id)}
	}
	return r, nil
}

func (m *MemoryRemote) ListRecords(ctx context.Context, t pf.Type) ([]pf.RemoteInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListRecords"); err != nil {
		return nil, err
	}

	list := make([]pf.RemoteInfo, 0, len(m.records))
	for _, r := range m.records {
		if r.info.Type != t {
			continue
		}
		list = append(list, pf.RemoteInfo{
			ID:               r.info.ID,
			Type:             r.info.Type,
			Version:          r.info.Version,
			InfoChangedOn:    r.info.InfoChangedOn,
			VersionChangedOn: r.info.VersionChangedOn,
		})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (m *MemoryRemote) GetRecordInfo(ctx context.Context, id int64) (pf.RemoteInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetRecordInfo"); err != nil {
		return pf.RemoteInfo{}, err
	}
	r, err := m.get("get record info", id)
	if err != nil {
		return pf.RemoteInfo{}, err
	}
	return r.info, nil
}

func (m *MemoryRemote) GetVersionContent(ctx context.Context, id int64, version int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetVersionContent"); err != nil {
		return nil, err
	}
	r, err := m.get("get version content", id)
	if err != nil {
		return nil, err
	}
	data, ok := r.versions[version]
	if !ok {
		return nil, &pf.RemoteError{Op: "get version content", Status: 404, Message: fmt.Sprintf("record %d has no version %d", id, version)}
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryRemote) AddRecord(ctx context.Context, info pf.RemoteInfo) (pf.RemoteInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AddRecord"); err != nil {
		return pf.RemoteInfo{}, err
	}

	now := m.clock.Now()
	created := pf.RemoteInfo{
		ID:               m.nextID,
		Type:             info.Type,
		Name:             info.Name,
		Color:            info.Color,
		CreatedOn:        now,
		InfoChangedOn:    now,
		VersionChangedOn: now,
	}
	m.nextID++
	m.records[created.ID] = &memoryRecord{info: created, versions: make(map[int][]byte)}
	return created, nil
}

func (m *MemoryRemote) SaveInfo(ctx context.Context, info pf.RemoteInfo) (pf.RemoteInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SaveInfo"); err != nil {
		return pf.RemoteInfo{}, err
	}
	r, err := m.get("save info", info.ID)
	if err != nil {
		return pf.RemoteInfo{}, err
	}
	r.info.Name = info.Name
	r.info.Color = info.Color
	r.info.InfoChangedOn = m.clock.Now()
	return r.info, nil
}

func (m *MemoryRemote) SaveContent(ctx context.Context, id int64, data []byte) (pf.RemoteInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SaveContent"); err != nil {
		return pf.RemoteInfo{}, err
	}
	r, err := m.get("save content", id)
	if err != nil {
		return pf.RemoteInfo{}, err
	}
	r.info.Version++
	r.info.VersionChangedOn = m.clock.Now()
	r.versions[r.info.Version] = append([]byte(nil), data...)
	return r.info, nil
}

func (m *MemoryRemote) Delete(ctx context.Context, id int64, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Delete"); err != nil {
		return err
	}
	if _, err := m.get("delete", id); err != nil {
		return err
	}
	if secret != m.secret {
		return &pf.RemoteError{Op: "delete", Status: 403, Message: "delete secret does not match"}
	}
	delete(m.records, id)
	return nil
}

// Compile-time check that MemoryRemote implements pf.RemoteAPI interface
var _ pf.RemoteAPI = (*MemoryRemote)(nil)
