// Package attach uploads large payload parts through the relay's
// presigned-URL flow: register the transfer, PUT the raw bytes to blob
// storage, confirm completion. A partially completed sequence cannot be
// resumed (the presigned URL may have expired), so the whole three-step
// sequence is retried as a unit.
package attach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/syncflowapp/syncflow-go/internal/errs"
	"github.com/syncflowapp/syncflow-go/internal/relay"
	"github.com/syncflowapp/syncflow-go/internal/store"
)

const (
	maxAttempts  = 3
	initialDelay = 500 * time.Millisecond
	maxDelay     = 4000 * time.Millisecond
)

// relayAPI is the slice of the relay client the pipeline uses.
type relayAPI interface {
	CreateFileTransfer(ctx context.Context, fileName, contentType string, size int64) (relay.FileTransferGrant, error)
	UploadPresigned(ctx context.Context, uploadURL string, data []byte, contentType string) error
	CompleteFileTransfer(ctx context.Context, id string, size int64, contentType string) error
}

// transferStore persists transfer status across retries and restarts.
type transferStore interface {
	SetTransfer(ft store.FileTransfer) error
}

// Pipeline uploads attachments through presigned URLs with bounded retries.
type Pipeline struct {
	relay  relayAPI
	store  transferStore
	logger *slog.Logger
}

// NewPipeline creates an attachment pipeline.
func NewPipeline(r relayAPI, st transferStore, logger *slog.Logger) *Pipeline {
	return &Pipeline{relay: r, store: st, logger: logger}
}

// Upload runs the presign/put/complete sequence for one attachment.
// Up to 3 attempts with delays of 500ms then 1000ms, capped at 4s. On
// exhaustion the transfer is marked failed and errs.ErrUploadFailed is
// returned; the caller drops only this attachment and continues with
// siblings and the message text body.
func (p *Pipeline) Upload(ctx context.Context, data []byte, contentType, fileName string) (*store.FileTransfer, error) {
	ft := store.FileTransfer{
		ID:          uuid.NewString(),
		FileName:    fileName,
		Size:        int64(len(data)),
		ContentType: contentType,
		Status:      store.TransferPending,
		Source:      "attachment",
	}

	if err := p.store.SetTransfer(ft); err != nil {
		return nil, fmt.Errorf("recording transfer: %w", err)
	}

	backoff := retry.WithMaxRetries(maxAttempts-1,
		retry.WithCappedDuration(maxDelay, retry.NewExponential(initialDelay)))

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++

		if err := p.attemptUpload(ctx, &ft, data); err != nil {
			p.logger.Warn("attachment upload attempt failed",
				slog.String("transfer_id", ft.ID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)

			return retry.RetryableError(err)
		}

		return nil
	})
	if err != nil {
		ft.Status = store.TransferFailed
		if serr := p.store.SetTransfer(ft); serr != nil {
			p.logger.Error("recording failed transfer", slog.String("error", serr.Error()))
		}

		return nil, fmt.Errorf("%w after %d attempts: %s", errs.ErrUploadFailed, attempt, err)
	}

	ft.Status = store.TransferUploaded
	if err := p.store.SetTransfer(ft); err != nil {
		p.logger.Error("recording uploaded transfer", slog.String("error", err.Error()))
	}

	p.logger.Info("attachment uploaded",
		slog.String("transfer_id", ft.ID),
		slog.String("file_key", ft.FileKey),
		slog.Int64("size", ft.Size),
	)

	return &ft, nil
}

// attemptUpload performs one full presign/put/complete sequence.
func (p *Pipeline) attemptUpload(ctx context.Context, ft *store.FileTransfer, data []byte) error {
	grant, err := p.relay.CreateFileTransfer(ctx, ft.FileName, ft.ContentType, ft.Size)
	if err != nil {
		return fmt.Errorf("requesting upload target: %w", err)
	}

	ft.FileKey = grant.FileKey
	ft.Status = store.TransferUploading
	if err := p.store.SetTransfer(*ft); err != nil {
		return fmt.Errorf("recording uploading transfer: %w", err)
	}

	if err := p.relay.UploadPresigned(ctx, grant.UploadURL, data, ft.ContentType); err != nil {
		return fmt.Errorf("uploading bytes: %w", err)
	}

	if err := p.relay.CompleteFileTransfer(ctx, grant.ID, ft.Size, ft.ContentType); err != nil {
		return fmt.Errorf("confirming upload: %w", err)
	}

	return nil
}

// UploadAll uploads a set of sibling attachments. A failed attachment is
// dropped (logged) without aborting the others; the returned refs cover
// only the attachments that made it.
func (p *Pipeline) UploadAll(ctx context.Context, parts []Part) []relay.AttachmentRef {
	var refs []relay.AttachmentRef

	for _, part := range parts {
		ft, err := p.Upload(ctx, part.Data, part.ContentType, part.FileName)
		if err != nil {
			if !errors.Is(err, errs.ErrUploadFailed) {
				p.logger.Error("attachment upload error",
					slog.String("file_name", part.FileName),
					slog.String("error", err.Error()),
				)
			} else {
				p.logger.Warn("dropping attachment after exhausted retries",
					slog.String("file_name", part.FileName),
				)
			}

			continue
		}

		refs = append(refs, relay.AttachmentRef{
			FileKey:     ft.FileKey,
			FileName:    ft.FileName,
			ContentType: ft.ContentType,
			Size:        ft.Size,
		})
	}

	return refs
}

// Part is one extracted attachment from a message.
type Part struct {
	Data        []byte
	ContentType string
	FileName    string
}
