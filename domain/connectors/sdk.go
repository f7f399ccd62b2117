package connectors

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/kbforge/kbforge/domain/documents"
	"github.com/kbforge/kbforge/domain/events"
	"github.com/kbforge/kbforge/domain/syncruns"
	"github.com/kbforge/kbforge/pkg/logger"
)

// SDK is the per-sync surface handed to a connector implementation. Every
// call forwards to the Manager; the connector never touches the pipeline's
// storage directly.
type SDK struct {
	manager   *ManagerClient
	syncRunID string
	sourceID  string
	cancelled *atomic.Bool
	log       *slog.Logger

	emitted atomic.Int64
	scanned atomic.Int64
}

// NewSDK builds the SDK for one sync run. The runtime calls it when a sync
// starts; connector tests call it directly against a stub Manager.
func NewSDK(manager *ManagerClient, syncRunID, sourceID string, cancelled *atomic.Bool, log *slog.Logger) *SDK {
	return &SDK{
		manager:   manager,
		syncRunID: syncRunID,
		sourceID:  sourceID,
		cancelled: cancelled,
		log:       log.With(logger.Scope("sdk"), slog.String("sync_run_id", syncRunID)),
	}
}

// Emit reports a newly discovered document.
func (s *SDK) Emit(ctx context.Context, doc Document) error {
	return s.emitDocument(ctx, events.TypeDocumentCreated, doc)
}

// EmitUpdated reports a changed document.
func (s *SDK) EmitUpdated(ctx context.Context, doc Document) error {
	return s.emitDocument(ctx, events.TypeDocumentUpdated, doc)
}

func (s *SDK) emitDocument(ctx context.Context, eventType string, doc Document) error {
	ev := events.Event{
		Type:       eventType,
		DocumentID: doc.ExternalID,
		ContentID:  doc.ContentID,
		Metadata: &events.Metadata{
			Title:       doc.Title,
			URL:         doc.URL,
			ContentType: doc.ContentType,
			CreatedAt:   doc.CreatedAt,
			UpdatedAt:   doc.UpdatedAt,
		},
		Permissions: &documents.Permissions{
			Public: doc.Public,
			Users:  doc.Users,
			Groups: doc.Groups,
		},
		Attributes: doc.Attributes,
	}

	if err := s.manager.AppendEvent(ctx, s.syncRunID, s.sourceID, ev); err != nil {
		return err
	}
	s.emitted.Add(1)
	return nil
}

// EmitDeleted reports an upstream tombstone.
func (s *SDK) EmitDeleted(ctx context.Context, externalID string) error {
	ev := events.Event{
		Type:       events.TypeDocumentDeleted,
		DocumentID: externalID,
	}
	if err := s.manager.AppendEvent(ctx, s.syncRunID, s.sourceID, ev); err != nil {
		return err
	}
	s.emitted.Add(1)
	return nil
}

// EmitError records a per-entity failure without stopping the sync. The
// wildcard external ID "*" marks a whole sub-resource as failed.
func (s *SDK) EmitError(ctx context.Context, externalID, message string) {
	ev := events.Event{
		Type:       events.TypeDocumentError,
		DocumentID: externalID,
		Error:      message,
	}
	if err := s.manager.AppendEvent(ctx, s.syncRunID, s.sourceID, ev); err != nil {
		s.log.Warn("emit error failed",
			slog.String("external_id", externalID),
			logger.Error(err),
		)
	}
}

// IncrementScanned bumps the run's scanned counter and heartbeats.
func (s *SDK) IncrementScanned(ctx context.Context) {
	if err := s.manager.IncrementScanned(ctx, s.syncRunID); err != nil {
		s.log.Warn("increment scanned failed", logger.Error(err))
		return
	}
	s.scanned.Add(1)
}

// SaveContent stores a document body and returns its content ID.
func (s *SDK) SaveContent(ctx context.Context, data []byte, contentType string) (string, error) {
	return s.manager.SaveContent(ctx, s.syncRunID, data, contentType)
}

// SaveState checkpoints connector state so a later run can resume.
func (s *SDK) SaveState(ctx context.Context, state map[string]any) error {
	return s.manager.SaveState(ctx, s.sourceID, state)
}

// Heartbeat marks the run alive without scanning anything.
func (s *SDK) Heartbeat(ctx context.Context) {
	if err := s.manager.Heartbeat(ctx, s.syncRunID); err != nil {
		s.log.Warn("heartbeat failed", logger.Error(err))
	}
}

// IsCancelled reports whether cancellation was requested. Connectors poll
// it at loop boundaries and before network calls.
func (s *SDK) IsCancelled() bool {
	return s.cancelled.Load()
}

// Complete reports a successful run with its final state.
func (s *SDK) Complete(ctx context.Context, newState map[string]any) error {
	return s.manager.Complete(ctx, s.syncRunID, syncruns.CompleteParams{
		DocumentsScanned: int(s.scanned.Load()),
		DocumentsUpdated: int(s.emitted.Load()),
		NewState:         newState,
	})
}

// Fail reports a failed run.
func (s *SDK) Fail(ctx context.Context, message string) error {
	return s.manager.Fail(ctx, s.syncRunID, message)
}

// Emitted returns how many events this run has emitted so far.
func (s *SDK) Emitted() int {
	return int(s.emitted.Load())
}
