package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/rest"
)

// fakeAPI implements API with overridable behavior per endpoint.
type fakeAPI struct {
	getCurrentUser     func(ctx context.Context) (models.RawUser, error)
	listChannels       func(ctx context.Context) ([]models.RawChannel, error)
	listMessages       func(ctx context.Context, channelID string, q rest.MessageQuery) ([]models.RawMessage, error)
	createMessage      func(ctx context.Context, channelID, content string, attachmentIDs []string) (models.RawMessage, error)
	createAttachments  func(ctx context.Context, channelID string, files []models.File) ([]rest.UploadSlot, error)
	uploadToStorage    func(ctx context.Context, uploadURL string, file models.File) error
	downloadAttachment func(ctx context.Context, url string) ([]byte, error)

	listChannelsCalls atomic.Int32
	listMessagesCalls atomic.Int32
	createCalls       atomic.Int32
	downloadCalls     atomic.Int32

	mu      sync.Mutex
	uploads []string
}

func (f *fakeAPI) GetCurrentUser(ctx context.Context) (models.RawUser, error) {
	if f.getCurrentUser == nil {
		return models.RawUser{ID: "u1", Username: "me"}, nil
	}

	return f.getCurrentUser(ctx)
}

func (f *fakeAPI) ListChannels(ctx context.Context) ([]models.RawChannel, error) {
	f.listChannelsCalls.Add(1)

	if f.listChannels == nil {
		return nil, nil
	}

	return f.listChannels(ctx)
}

func (f *fakeAPI) ListMessages(ctx context.Context, channelID string, q rest.MessageQuery) ([]models.RawMessage, error) {
	f.listMessagesCalls.Add(1)

	if f.listMessages == nil {
		return nil, nil
	}

	return f.listMessages(ctx, channelID, q)
}

func (f *fakeAPI) CreateMessage(ctx context.Context, channelID, content string, attachmentIDs []string) (models.RawMessage, error) {
	n := f.createCalls.Add(1)

	if f.createMessage == nil {
		return models.RawMessage{
			ID:        "srv-" + string(rune('0'+n)),
			Content:   content,
			ChannelID: channelID,
			Author:    models.RawMember{User: models.RawUser{ID: "u1", Username: "me"}},
			CreatedAt: models.Timestamp{Time: time.Now()},
		}, nil
	}

	return f.createMessage(ctx, channelID, content, attachmentIDs)
}

func (f *fakeAPI) CreateAttachments(ctx context.Context, channelID string, files []models.File) ([]rest.UploadSlot, error) {
	if f.createAttachments != nil {
		return f.createAttachments(ctx, channelID, files)
	}

	slots := make([]rest.UploadSlot, 0, len(files))
	for _, file := range files {
		slots = append(slots, rest.UploadSlot{
			ID:        "att-" + file.Name,
			Filename:  file.Name,
			UploadURL: "https://upload.test/" + file.Name,
			URL:       "https://cdn.test/" + file.Name,
		})
	}

	return slots, nil
}

func (f *fakeAPI) UploadToStorage(ctx context.Context, uploadURL string, file models.File) error {
	if f.uploadToStorage != nil {
		return f.uploadToStorage(ctx, uploadURL, file)
	}

	f.mu.Lock()
	f.uploads = append(f.uploads, uploadURL)
	f.mu.Unlock()

	return nil
}

func (f *fakeAPI) DownloadAttachment(ctx context.Context, url string) ([]byte, error) {
	f.downloadCalls.Add(1)

	if f.downloadAttachment == nil {
		return []byte("data"), nil
	}

	return f.downloadAttachment(ctx, url)
}

func (f *fakeAPI) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.uploads)
}
