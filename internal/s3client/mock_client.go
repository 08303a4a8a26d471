package s3client

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/s3fs-fuse/s3wofs-go/internal/upload"
)

// Operation names recorded by MockClient.
const (
	OpBegin    = "begin"
	OpSendPart = "send_part"
	OpComplete = "complete"
	OpAbort    = "abort"
)

// MockCall is one recorded store call.
type MockCall struct {
	Op         string
	Key        string
	UploadID   string
	PartNumber int32
	Data       []byte
	Parts      []upload.Part
	Err        error
}

// MockObject represents a completed mock S3 object
type MockObject struct {
	Key          string
	Data         []byte
	Size         int64
	Parts        int
	LastModified time.Time
}

type mockUpload struct {
	key   string
	parts map[int32][]byte
	etags map[int32]string
}

// MockClient is an in-memory implementation of the multipart store for unit
// tests. It records every call and can be told to fail upcoming calls.
type MockClient struct {
	bucket  string
	region  string
	mu      sync.RWMutex
	nextID  int
	uploads map[string]*mockUpload
	objects map[string]*MockObject
	calls   []MockCall
	fail    map[string][]error
	hook    func(op string)
}

var _ upload.Store = (*MockClient)(nil)

// NewMockClient creates a new mock S3 client
func NewMockClient(bucket, region string) *MockClient {
	return &MockClient{
		bucket:  bucket,
		region:  region,
		uploads: make(map[string]*mockUpload),
		objects: make(map[string]*MockObject),
		fail:    make(map[string][]error),
	}
}

// FailNext queues errors returned by the next calls of op, one per call.
func (m *MockClient) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[op] = append(m.fail[op], errs...)
}

// OnCall installs a hook run at the start of every call, outside the lock.
func (m *MockClient) OnCall(hook func(op string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = hook
}

func (m *MockClient) enter(op string) {
	m.mu.RLock()
	hook := m.hook
	m.mu.RUnlock()
	if hook != nil {
		hook(op)
	}
}

// takeFailure fails calls whose context is done, like the SDK does, and
// otherwise pops a queued error for op. Caller holds m.mu.
func (m *MockClient) takeFailure(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	queue := m.fail[op]
	if len(queue) == 0 {
		return nil
	}
	m.fail[op] = queue[1:]
	return queue[0]
}

// Begin starts a mock multipart upload
func (m *MockClient) Begin(ctx context.Context, key string) (string, error) {
	m.enter(OpBegin)
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(ctx, OpBegin); err != nil {
		m.calls = append(m.calls, MockCall{Op: OpBegin, Key: key, Err: err})
		return "", err
	}

	m.nextID++
	id := fmt.Sprintf("upload-%d", m.nextID)
	m.uploads[id] = &mockUpload{
		key:   key,
		parts: make(map[int32][]byte),
		etags: make(map[int32]string),
	}
	m.calls = append(m.calls, MockCall{Op: OpBegin, Key: key, UploadID: id})
	return id, nil
}

// SendPart stores one part
func (m *MockClient) SendPart(ctx context.Context, key, uploadID string, partNumber int32, data []byte) (string, error) {
	m.enter(OpSendPart)
	m.mu.Lock()
	defer m.mu.Unlock()

	// Copy data
	partData := make([]byte, len(data))
	copy(partData, data)
	call := MockCall{Op: OpSendPart, Key: key, UploadID: uploadID, PartNumber: partNumber, Data: partData}

	if err := m.takeFailure(ctx, OpSendPart); err != nil {
		call.Err = err
		m.calls = append(m.calls, call)
		return "", err
	}

	up, ok := m.uploads[uploadID]
	if !ok || up.key != key {
		call.Err = fmt.Errorf("no such upload: %s", uploadID)
		m.calls = append(m.calls, call)
		return "", call.Err
	}
	if partNumber < 1 || partNumber > 10000 {
		call.Err = fmt.Errorf("invalid part number %d", partNumber)
		m.calls = append(m.calls, call)
		return "", call.Err
	}

	sum := md5.Sum(partData)
	etag := `"` + hex.EncodeToString(sum[:]) + `"`
	up.parts[partNumber] = partData
	up.etags[partNumber] = etag
	m.calls = append(m.calls, call)
	return etag, nil
}

// Complete assembles the object from the listed parts
func (m *MockClient) Complete(ctx context.Context, key, uploadID string, parts []upload.Part) (string, error) {
	m.enter(OpComplete)
	m.mu.Lock()
	defer m.mu.Unlock()

	listed := make([]upload.Part, len(parts))
	copy(listed, parts)
	call := MockCall{Op: OpComplete, Key: key, UploadID: uploadID, Parts: listed}

	if err := m.takeFailure(ctx, OpComplete); err != nil {
		call.Err = err
		m.calls = append(m.calls, call)
		return "", err
	}

	up, ok := m.uploads[uploadID]
	if !ok || up.key != key {
		call.Err = fmt.Errorf("no such upload: %s", uploadID)
		m.calls = append(m.calls, call)
		return "", call.Err
	}
	if len(parts) == 0 {
		call.Err = fmt.Errorf("at least one part is required")
		m.calls = append(m.calls, call)
		return "", call.Err
	}

	var data []byte
	for i, p := range parts {
		if p.Number != int32(i+1) {
			call.Err = fmt.Errorf("invalid part order: position %d has part %d", i, p.Number)
			break
		}
		if up.etags[p.Number] != p.ETag {
			call.Err = fmt.Errorf("etag mismatch for part %d", p.Number)
			break
		}
		data = append(data, up.parts[p.Number]...)
	}
	if call.Err != nil {
		m.calls = append(m.calls, call)
		return "", call.Err
	}

	delete(m.uploads, uploadID)
	m.objects[key] = &MockObject{
		Key:          key,
		Data:         data,
		Size:         int64(len(data)),
		Parts:        len(parts),
		LastModified: time.Now(),
	}
	m.calls = append(m.calls, call)
	return "", nil
}

// Abort discards a mock upload. Unknown uploads are not an error.
func (m *MockClient) Abort(ctx context.Context, key, uploadID string) error {
	m.enter(OpAbort)
	m.mu.Lock()
	defer m.mu.Unlock()

	call := MockCall{Op: OpAbort, Key: key, UploadID: uploadID}
	if err := m.takeFailure(ctx, OpAbort); err != nil {
		call.Err = err
		m.calls = append(m.calls, call)
		return err
	}

	delete(m.uploads, uploadID)
	m.calls = append(m.calls, call)
	return nil
}

// Calls returns a copy of every recorded call.
func (m *MockClient) Calls() []MockCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	calls := make([]MockCall, len(m.calls))
	copy(calls, m.calls)
	return calls
}

// CallsFor returns the recorded calls of one operation for key. An empty key
// matches every key.
func (m *MockClient) CallsFor(op, key string) []MockCall {
	var out []MockCall
	for _, c := range m.Calls() {
		if c.Op == op && (key == "" || c.Key == key) {
			out = append(out, c)
		}
	}
	return out
}

// Object returns a completed object.
func (m *MockClient) Object(key string) (*MockObject, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	return obj, ok
}

// PendingUploads returns the number of uploads neither completed nor aborted.
func (m *MockClient) PendingUploads() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.uploads)
}
