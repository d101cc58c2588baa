package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayRecon/app/models"
)

// RetryBackoff is the delay before each replay attempt. The last value repeats.
var RetryBackoff = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	60 * time.Minute,
}

// RetryExpiry is the default time a failed event is retried before it is dead-lettered.
const RetryExpiry = 24 * time.Hour

// DeadLetterSink keeps the payload of a record that will not be retried again.
type DeadLetterSink interface {
	Archive(ctx context.Context, rec *models.WebhookRetryRecord) (string, error)
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Succeeded    int
	Rescheduled  int
	DeadLettered int
}

// BackoffFor returns the delay after the given number of failed replays.
func BackoffFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(RetryBackoff) {
		return RetryBackoff[len(RetryBackoff)-1]
	}
	return RetryBackoff[attempt]
}

// EnqueueRetry stores a verified event whose processing failed. The same
// event failing again refreshes the stored record instead of adding one.
func (s *Service) EnqueueRetry(ctx context.Context, gateway, eventType, externalEventID string, payload []byte, cause error) error {
	if externalEventID == "" {
		externalEventID = ExternalEventID(payload)
	}
	now := s.clock()
	rec := &models.WebhookRetryRecord{
		Gateway:         gateway,
		EventType:       eventType,
		ExternalEventID: externalEventID,
		RawPayload:      string(payload),
		AttemptCount:    0,
		NextAttemptAt:   now.Add(BackoffFor(0)),
		ExpiresAt:       now.Add(s.retryExpiry),
	}
	if cause != nil {
		rec.LastError = cause.Error()
	}
	return s.repo.Transaction(ctx, func(repo Repository) error {
		return repo.UpsertRetryRecord(rec)
	})
}

// SweepRetries replays every due record once. Records past their expiry are
// dead-lettered instead of replayed.
func (s *Service) SweepRetries(ctx context.Context, limit int) (SweepResult, error) {
	var result SweepResult
	now := s.clock()
	recs, err := s.repo.ListDueRetryRecords(now, limit)
	if err != nil {
		return result, err
	}

	for i := range recs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		rec := &recs[i]
		if !now.Before(rec.ExpiresAt) {
			if err := s.deadLetter(ctx, rec); err != nil {
				log.Errorf("[RetrySweeper] dead-letter record %d failed: %v", rec.ID, err)
				continue
			}
			result.DeadLettered++
			continue
		}

		if err := s.replay(ctx, rec); err != nil {
			rec.AttemptCount++
			rec.LastError = err.Error()
			rec.NextAttemptAt = now.Add(BackoffFor(rec.AttemptCount))
			if serr := s.repo.SaveRetryRecord(rec); serr != nil {
				log.Errorf("[RetrySweeper] reschedule record %d failed: %v", rec.ID, serr)
			}
			result.Rescheduled++
			continue
		}
		if err := s.repo.DeleteRetryRecord(rec.ID); err != nil {
			log.Errorf("[RetrySweeper] delete record %d failed: %v", rec.ID, err)
			continue
		}
		result.Succeeded++
	}
	return result, nil
}

// ReplayRetry replays one record immediately, dead-lettered ones included.
// On success the record is deleted.
func (s *Service) ReplayRetry(ctx context.Context, id uint) error {
	rec, err := s.repo.GetRetryRecord(id)
	if err != nil {
		return lookupError(err, "retry record %d", id)
	}
	if err := s.replay(ctx, rec); err != nil {
		rec.AttemptCount++
		rec.LastError = err.Error()
		if serr := s.repo.SaveRetryRecord(rec); serr != nil {
			log.Errorf("[RetrySweeper] update record %d failed: %v", rec.ID, serr)
		}
		return err
	}
	return s.repo.DeleteRetryRecord(rec.ID)
}

// ListRetries returns pending or dead-lettered records.
func (s *Service) ListRetries(ctx context.Context, deadLettered bool, limit int) ([]models.WebhookRetryRecord, error) {
	_ = ctx
	return s.repo.ListRetryRecords(deadLettered, limit)
}

// ArchiveDeadLetters pushes dead-lettered records that have no archive key yet
// to the sink and returns how many were archived.
func (s *Service) ArchiveDeadLetters(ctx context.Context, limit int) (int, error) {
	if s.sink == nil {
		return 0, errors.New("no dead-letter sink configured")
	}
	recs, err := s.repo.ListRetryRecords(true, limit)
	if err != nil {
		return 0, err
	}
	archived := 0
	for i := range recs {
		rec := &recs[i]
		if rec.ArchiveKey != "" {
			continue
		}
		key, err := s.sink.Archive(ctx, rec)
		if err != nil {
			return archived, fmt.Errorf("archive record %d: %w", rec.ID, err)
		}
		rec.ArchiveKey = key
		if err := s.repo.SaveRetryRecord(rec); err != nil {
			return archived, err
		}
		archived++
	}
	return archived, nil
}

// replay re-runs a stored payload through normalization and processing. The
// signature was verified when the payload was first received. Events that
// now classify as acknowledged count as done.
func (s *Service) replay(ctx context.Context, rec *models.WebhookRetryRecord) error {
	n, ok := s.normalizers[rec.Gateway]
	if !ok {
		return fmt.Errorf("no normalizer registered for gateway %q", rec.Gateway)
	}
	payload := []byte(rec.RawPayload)
	evt, err := n.Normalize(payload)
	if err != nil {
		if Classify(err) == DispositionAck {
			return nil
		}
		return err
	}
	if len(evt.Payload) == 0 {
		evt.Payload = payload
	}
	if evt.ExternalEventID == "" {
		evt.ExternalEventID = rec.ExternalEventID
	}
	_, err = s.Process(ctx, evt)
	if err != nil && Classify(err) != DispositionRetry {
		return nil
	}
	return err
}

func (s *Service) deadLetter(ctx context.Context, rec *models.WebhookRetryRecord) error {
	now := s.clock()
	rec.DeadLetteredAt = &now
	if s.sink != nil && rec.ArchiveKey == "" {
		key, err := s.sink.Archive(ctx, rec)
		if err != nil {
			log.Warnf("[RetrySweeper] archive record %d failed, keeping payload in DB: %v", rec.ID, err)
		} else {
			rec.ArchiveKey = key
		}
	}
	if err := s.repo.SaveRetryRecord(rec); err != nil {
		return err
	}
	evt := &Event{Gateway: rec.Gateway, RawType: rec.EventType, ExternalEventID: rec.ExternalEventID}
	s.auditEvent(ctx, evt, ActionRetryDeadLettered, errors.New(rec.LastError))
	log.Warnf("[RetrySweeper] %s event %s dead-lettered after %d attempts", rec.Gateway, rec.ExternalEventID, rec.AttemptCount)
	return nil
}

// RetryRecordExists reports whether a retry record is stored for the event.
func (s *Service) RetryRecordExists(gateway, externalEventID string) (bool, error) {
	_, err := s.repo.FindRetryRecord(gateway, externalEventID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return false, err
}
