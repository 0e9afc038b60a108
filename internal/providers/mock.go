package providers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const MockName = "mock"

// MockClient implements VisionClient and FileClient for tests. Behaviour is
// scripted per call via Responses/Errors queues; when the queue for a method
// empties, DefaultText is returned.
type MockClient struct {
	ProviderName string
	DefaultText  string
	Latency      time.Duration

	// FailFirst makes the first N calls of any kind fail with FailWith.
	FailFirst int
	FailWith  error

	// Scripted per-method responses, consumed in order.
	ExtractTexts []string
	BoostTexts   []string

	// Upload/file lifecycle controls.
	UploadState   FileState // state reported by Upload (default ACTIVE)
	NeverReady    bool      // AwaitReady always times out
	DeleteErr     error
	DeletedFiles  []string
	uploadCounter atomic.Int64

	callCount atomic.Int64
	mu        sync.Mutex
}

// NewMockClient creates a mock provider with sensible defaults.
func NewMockClient(name string) *MockClient {
	if name == "" {
		name = MockName
	}
	return &MockClient{
		ProviderName: name,
		DefaultText:  "mock text\nEXTRACTION_COMPLETE: done",
		UploadState:  FileStateActive,
	}
}

func (c *MockClient) Name() string { return c.ProviderName }

func (c *MockClient) MaxOutputTokens(role string) int { return 8192 }

// Calls returns the total number of extract/boost calls made.
func (c *MockClient) Calls() int {
	return int(c.callCount.Load())
}

func (c *MockClient) next(queue *[]string) (string, error) {
	count := c.callCount.Add(1)
	if c.FailFirst > 0 && count <= int64(c.FailFirst) {
		err := c.FailWith
		if err == nil {
			err = &Error{Kind: KindTransient, Provider: c.ProviderName, Message: "scripted failure"}
		}
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(*queue) > 0 {
		text := (*queue)[0]
		*queue = (*queue)[1:]
		return text, nil
	}
	return c.DefaultText, nil
}

func (c *MockClient) sleep(ctx context.Context) error {
	if c.Latency == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.Latency):
		return nil
	}
}

func (c *MockClient) ExtractImage(ctx context.Context, image []byte, mime, prompt string) (*Result, error) {
	if err := c.sleep(ctx); err != nil {
		return nil, err
	}
	text, err := c.next(&c.ExtractTexts)
	if err != nil {
		return nil, err
	}
	return &Result{Text: text, Provider: c.ProviderName, Model: "mock-model"}, nil
}

func (c *MockClient) Boost(ctx context.Context, text, prompt string) (*Result, error) {
	if err := c.sleep(ctx); err != nil {
		return nil, err
	}
	out, err := c.next(&c.BoostTexts)
	if err != nil {
		return nil, err
	}
	return &Result{Text: out, Provider: c.ProviderName, Model: "mock-model"}, nil
}

func (c *MockClient) Upload(ctx context.Context, pdf []byte, displayName string) (*FileRef, error) {
	n := c.uploadCounter.Add(1)
	return &FileRef{
		Name:  fmt.Sprintf("files/mock-%d", n),
		URI:   fmt.Sprintf("mock://files/mock-%d", n),
		State: c.UploadState,
	}, nil
}

func (c *MockClient) AwaitReady(ctx context.Context, ref *FileRef, timeout time.Duration) error {
	if c.NeverReady {
		return &Error{Kind: KindTransient, Provider: c.ProviderName, Message: "file never became ready"}
	}
	ref.State = FileStateActive
	return nil
}

func (c *MockClient) ExtractFile(ctx context.Context, ref *FileRef, prompt string) (*Result, error) {
	if err := c.sleep(ctx); err != nil {
		return nil, err
	}
	text, err := c.next(&c.ExtractTexts)
	if err != nil {
		return nil, err
	}
	return &Result{Text: text, Provider: c.ProviderName, Model: "mock-model"}, nil
}

func (c *MockClient) DeleteFile(ctx context.Context, ref *FileRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DeletedFiles = append(c.DeletedFiles, ref.Name)
	return c.DeleteErr
}
