package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	chaterr "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/rest"
)

// SendMessage posts content and files to the current channel. The
// message appears immediately with status sending and is reconciled in
// place once the server accepts it. A failed upload removes it; a
// failed create leaves it marked failed for RetryMessage.
func (s *Store) SendMessage(ctx context.Context, content string, files []models.File) (models.Message, error) {
	start := &startSendCmd{
		localID:   uuid.NewString(),
		content:   content,
		files:     files,
		createdAt: s.now(),
	}

	if err := s.exec(ctx, start); err != nil {
		return models.Message{}, err
	}

	if start.err != nil {
		return models.Message{}, start.err
	}

	return s.deliver(ctx, start.channelID, start.localID, content, files, false)
}

// RetryMessage resends a failed message in the current channel. Its
// attachments are downloaded again from their URLs; if that fails the
// failed entry is left as it is. Otherwise a new send is issued and the
// old entry removed.
func (s *Store) RetryMessage(ctx context.Context, messageID string) (models.Message, error) {
	prep := &prepareRetryCmd{messageID: messageID}
	if err := s.exec(ctx, prep); err != nil {
		return models.Message{}, err
	}

	if prep.err != nil {
		return models.Message{}, prep.err
	}

	files, err := s.downloadAttachments(ctx, prep.message.Attachments)
	if err != nil {
		err = fmt.Errorf("%w: re-fetching attachments of %s: %w", chaterr.ErrSendFailure, messageID, err)
		s.update(ctx, &setErrorCmd{err: err})

		return models.Message{}, err
	}

	start := &startSendCmd{
		localID:     uuid.NewString(),
		channelID:   prep.channelID,
		content:     prep.message.Content,
		files:       files,
		attachments: prep.message.Attachments,
		createdAt:   s.now(),
	}

	if err := s.exec(ctx, start); err != nil {
		return models.Message{}, err
	}

	if start.err != nil {
		return models.Message{}, start.err
	}

	s.update(ctx, &removeMessageCmd{channelID: prep.channelID, id: messageID})

	return s.deliver(ctx, start.channelID, start.localID, start.content, files, true)
}

// deliver uploads files and creates the message. retrying keeps the
// entry as failed when uploads fail, since the original is already gone.
func (s *Store) deliver(ctx context.Context, channelID, localID, content string, files []models.File, retrying bool) (models.Message, error) {
	ids, err := s.uploadAttachments(ctx, channelID, localID, files)
	if err != nil {
		err = fmt.Errorf("%w: uploading attachments: %w", chaterr.ErrSendFailure, err)

		if retrying {
			s.update(ctx, &failSendCmd{channelID: channelID, localID: localID, err: err})
		} else {
			s.update(ctx, &abortSendCmd{channelID: channelID, localID: localID, err: err})
		}

		return models.Message{}, err
	}

	msg, err := s.createWithRetry(ctx, channelID, localID, content, ids)
	if err != nil {
		err = fmt.Errorf("%w: %w", chaterr.ErrSendFailure, err)
		s.update(ctx, &failSendCmd{channelID: channelID, localID: localID, err: err})

		return models.Message{}, err
	}

	s.update(ctx, &completeSendCmd{channelID: channelID, localID: localID, message: msg})

	msg.LocalID = localID
	msg.Status = models.StatusSent

	return msg, nil
}

func (s *Store) uploadAttachments(ctx context.Context, channelID, localID string, files []models.File) ([]string, error) {
	if len(files) == 0 {
		return nil, nil
	}

	slots, err := s.api.CreateAttachments(ctx, channelID, files)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)

	for i, f := range files {
		g.Go(func() error {
			if err := s.api.UploadToStorage(gctx, slots[i].UploadURL, f); err != nil {
				return fmt.Errorf("uploading %s: %w", f.Name, err)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(slots))
	attachments := make([]models.Attachment, 0, len(slots))

	for i, slot := range slots {
		ids = append(ids, slot.ID)
		attachments = append(attachments, models.Attachment{
			ID:          slot.ID,
			Filename:    files[i].Name,
			URL:         slot.URL,
			ContentType: files[i].ContentType,
			Size:        int64(len(files[i].Data)),
		})
	}

	s.update(ctx, &uploadedCmd{channelID: channelID, localID: localID, attachments: attachments})

	return ids, nil
}

// createWithRetry posts the message, retrying transient failures with
// a linearly growing delay.
func (s *Store) createWithRetry(ctx context.Context, channelID, localID, content string, attachmentIDs []string) (models.Message, error) {
	for attempt := 1; ; attempt++ {
		s.update(ctx, &sendAttemptCmd{localID: localID, attempt: attempt})

		raw, err := s.api.CreateMessage(ctx, channelID, content, attachmentIDs)
		if err == nil {
			msg := raw.Normalize()
			if msg.ChannelID == "" {
				msg.ChannelID = channelID
			}

			return msg, nil
		}

		if !rest.IsTransient(err) || attempt >= s.cfg.SendMaxAttempts {
			return models.Message{}, err
		}

		s.logger.Warn("message create failed, retrying",
			slog.String("channel", channelID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(s.cfg.SendRetryDelay * time.Duration(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return models.Message{}, ctx.Err()
		}
	}
}

func (s *Store) downloadAttachments(ctx context.Context, attachments []models.Attachment) ([]models.File, error) {
	if len(attachments) == 0 {
		return nil, nil
	}

	files := make([]models.File, len(attachments))
	g, gctx := errgroup.WithContext(ctx)

	for i, a := range attachments {
		g.Go(func() error {
			if a.URL == "" {
				return fmt.Errorf("attachment %s: %w", a.Filename, errNoAttachmentURL)
			}

			data, err := s.api.DownloadAttachment(gctx, a.URL)
			if err != nil {
				return fmt.Errorf("downloading %s: %w", a.Filename, err)
			}

			files[i] = models.File{Name: a.Filename, ContentType: a.ContentType, Data: data}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return files, nil
}

var errNoAttachmentURL = errors.New("attachment has no url")
