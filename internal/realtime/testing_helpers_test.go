package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cadenzalab/woodshed/backend/internal/store"
)

var errFakeStoreDown = errors.New("fake store down")

type watermarkCall struct {
	userID      string
	token       string
	deviceCount int
}

// fakeStore is an in-memory store.Store with failure injection.
type fakeStore struct {
	mu          sync.Mutex
	records     map[string]store.Record
	watermarks  []watermarkCall
	upsertCount int
	deleteCount int
	failWrites  bool
	failQueries bool
	now         time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records: make(map[string]store.Record),
		now:     time.Unix(1700000000, 0).UTC(),
	}
}

func recordKey(userID, entityType, entityID string) string {
	return fmt.Sprintf("%s|%s|%s", userID, entityType, entityID)
}

func (f *fakeStore) seed(record store.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[recordKey(record.UserID, record.EntityType, record.EntityID)] = record
}

func (f *fakeStore) Upsert(_ context.Context, userID, entityType, entityID string, data map[string]interface{}, deviceID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return 0, errFakeStoreDown
	}
	f.upsertCount++
	payload, err := json.Marshal(data)
	if err != nil {
		return 0, err
	}
	key := recordKey(userID, entityType, entityID)
	existing, ok := f.records[key]
	version := int64(1)
	if ok {
		version = existing.Version + 1
	}
	f.now = f.now.Add(time.Second)
	f.records[key] = store.Record{
		UserID:     userID,
		EntityType: entityType,
		EntityID:   entityID,
		Data:       string(payload),
		DeviceID:   deviceID,
		Version:    version,
		UpdatedAt:  f.now,
	}
	return version, nil
}

func (f *fakeStore) SoftDelete(_ context.Context, userID, entityType, entityID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return false, errFakeStoreDown
	}
	f.deleteCount++
	key := recordKey(userID, entityType, entityID)
	existing, ok := f.records[key]
	if !ok {
		return false, nil
	}
	if existing.DeletedAt == nil {
		f.now = f.now.Add(time.Second)
		deletedAt := f.now
		existing.DeletedAt = &deletedAt
		existing.UpdatedAt = f.now
		f.records[key] = existing
	}
	return true, nil
}

func (f *fakeStore) QueryNewerThan(_ context.Context, userID, entityType string, since time.Time, limit int) ([]store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failQueries {
		return nil, errFakeStoreDown
	}
	var matched []store.Record
	for _, record := range f.records {
		if record.UserID != userID || record.EntityType != entityType {
			continue
		}
		if !record.UpdatedAt.After(since) {
			continue
		}
		matched = append(matched, record)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (f *fakeStore) UpdateWatermark(_ context.Context, userID, token string, deviceCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watermarks = append(f.watermarks, watermarkCall{userID: userID, token: token, deviceCount: deviceCount})
	return nil
}

func (f *fakeStore) Get(_ context.Context, userID, entityType, entityID string) (*store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[recordKey(userID, entityType, entityID)]
	if !ok {
		return nil, nil
	}
	copied := record
	return &copied, nil
}

func (f *fakeStore) upserts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upsertCount
}

func (f *fakeStore) deletes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleteCount
}

func (f *fakeStore) watermarkCalls() []watermarkCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]watermarkCall(nil), f.watermarks...)
}

// fakePeer records every frame sent to a device.
type fakePeer struct {
	mu       sync.Mutex
	frames   []Message
	closed   bool
	failSend bool
}

func (p *fakePeer) Send(msg *Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSend {
		return errors.New("fake peer send failure")
	}
	p.frames = append(p.frames, *msg)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) framesOfType(messageType MessageType) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var matched []Message
	for _, frame := range p.frames {
		if frame.Type == messageType {
			matched = append(matched, frame)
		}
	}
	return matched
}

func (p *fakePeer) frameCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func (p *fakePeer) waitForType(t *testing.T, messageType MessageType) Message {
	t.Helper()
	waitFor(t, fmt.Sprintf("%s frame", messageType), func() bool {
		return len(p.framesOfType(messageType)) > 0
	})
	return p.framesOfType(messageType)[0]
}

func newTestHub(t *testing.T, fs *fakeStore) *Hub {
	t.Helper()
	hub, err := NewHub(HubConfig{Store: fs})
	if err != nil {
		t.Fatalf("failed to construct hub: %v", err)
	}
	return hub
}

func mustAttach(t *testing.T, hub *Hub, userID string, peer Peer) string {
	t.Helper()
	connID, err := hub.Attach(userID, peer)
	if err != nil {
		t.Fatalf("failed to attach connection: %v", err)
	}
	return connID
}
