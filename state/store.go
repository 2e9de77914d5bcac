package state

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"leadpilot/models"
	"leadpilot/utils"
)

// Store is the durable lead/sequence state keeper. It is the single source
// of truth for "must we stop this lead"; the CRM row's own stage and status
// columns may be stale and never override it.
//
// Writes are serialized through one mutex. Volume is human-paced sending,
// so a single writer is plenty and keeps concurrent dispatch workers and
// poll cycles from interleaving record updates.
type Store struct {
	db *gorm.DB
	mu sync.Mutex
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func leadKey(leadID string) string {
	return utils.NormalizeEmail(leadID)
}

// ShouldStopAll reports whether the lead's global record blocks sends.
func (s *Store) ShouldStopAll(leadID string) (bool, error) {
	var rec models.LeadState
	err := s.db.Where("lead_id = ? AND sequence_id = ?", leadKey(leadID), models.GlobalSequenceID).
		First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read lead state: %w", err)
	}
	return rec.MustStop(), nil
}

// MarkReplied flips the lead to REPLIED exactly once semantically: the
// global record gets responded/stop_all and every per-sequence record the
// lead has is stopped too. Safe to call again for the same lead.
func (s *Store) MarkReplied(leadID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := leadKey(leadID)
	rec := models.LeadState{
		LeadID:      key,
		SequenceID:  models.GlobalSequenceID,
		Status:      models.StatusReplied,
		Responded:   true,
		StopAll:     true,
		LastEventAt: utils.Pointer(at),
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "lead_id"}, {Name: "sequence_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"status":        models.StatusReplied,
			"responded":     true,
			"stop_all":      true,
			"last_event_at": at,
			"updated_at":    time.Now(),
		}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("mark replied: %w", err)
	}

	err = s.db.Model(&models.LeadState{}).
		Where("lead_id = ? AND sequence_id <> ?", key, models.GlobalSequenceID).
		Updates(map[string]interface{}{
			"status":    models.StatusReplied,
			"responded": true,
			"stop_all":  true,
		}).Error
	if err != nil {
		return fmt.Errorf("cascade replied: %w", err)
	}
	return nil
}

// ClearReplied reactivates a lead that was marked replied by mistake.
func (s *Store) ClearReplied(leadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Model(&models.LeadState{}).
		Where("lead_id = ?", leadKey(leadID)).
		Updates(map[string]interface{}{
			"status":    models.StatusActive,
			"responded": false,
			"stop_all":  false,
		}).Error
	if err != nil {
		return fmt.Errorf("clear replied: %w", err)
	}
	return nil
}

// SetStatus writes a status on the lead's global record. Terminal statuses
// imply stop_all.
func (s *Store) SetStatus(leadID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stop := status == models.StatusReplied || status == models.StatusStopped || status == models.StatusDone
	rec := models.LeadState{
		LeadID:     leadKey(leadID),
		SequenceID: models.GlobalSequenceID,
		Status:     status,
		StopAll:    stop,
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "lead_id"}, {Name: "sequence_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"status":     status,
			"stop_all":   stop,
			"updated_at": time.Now(),
		}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return nil
}

// EventSeen records an inbound event id and reports whether it was already
// recorded. The first caller for a given (provider, id) gets false and owns
// the side effects; everyone after gets true.
func (s *Store) EventSeen(provider, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec models.ProcessedEvent
	err := s.db.Where("provider = ? AND event_id = ?", provider, eventID).First(&rec).Error
	if err == nil {
		return true, nil
	}
	if err != gorm.ErrRecordNotFound {
		return false, fmt.Errorf("read processed event: %w", err)
	}
	err = s.db.Create(&models.ProcessedEvent{Provider: provider, EventID: eventID}).Error
	if err != nil {
		if isDuplicateErr(err) {
			return true, nil
		}
		return false, fmt.Errorf("record processed event: %w", err)
	}
	return false, nil
}

// AlreadySent reports whether this exact step content was committed before.
func (s *Store) AlreadySent(leadID, sequenceID, stepID, idemHash string) (bool, error) {
	var rec models.SentStep
	err := s.db.Where(
		"lead_id = ? AND sequence_id = ? AND step_id = ? AND idem_hash = ?",
		leadKey(leadID), sequenceID, stepID, idemHash,
	).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read sent step: %w", err)
	}
	return true, nil
}

// MarkSent commits a step send. Calling it again with the same key is a
// no-op, which is what makes retried sends safe.
func (s *Store) MarkSent(leadID, sequenceID, stepID, idemHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := models.SentStep{
		LeadID:     leadKey(leadID),
		SequenceID: sequenceID,
		StepID:     stepID,
		IdemHash:   idemHash,
		SentAt:     at,
	}
	err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
	if err != nil && !isDuplicateErr(err) {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

// Advance moves the lead's per-sequence pointer after a successful send.
func (s *Store) Advance(leadID, sequenceID, stage string, nextAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := models.LeadState{
		LeadID:       leadKey(leadID),
		SequenceID:   sequenceID,
		Status:       models.StatusActive,
		CurrentStep:  stage,
		NextActionAt: nextAt,
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "lead_id"}, {Name: "sequence_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"current_step":   stage,
			"next_action_at": nextAt,
			"updated_at":     time.Now(),
		}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("advance sequence: %w", err)
	}
	return nil
}

func isDuplicateErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
