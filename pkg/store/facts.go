package store

import (
	"context"
	"database/sql"
	"errors"

	pkgerrors "github.com/pkg/errors"

	factstypes "github.com/balakunbot/balakun/pkg/types/facts"
)

// dbFact represents the facts table structure
type dbFact struct {
	ID                   int64              `db:"id"`
	EntityType           string             `db:"entity_type"`
	EntityID             int64              `db:"entity_id"`
	ChatContext          *int64             `db:"chat_context"`
	FactCategory         string             `db:"fact_category"`
	FactKey              string             `db:"fact_key"`
	FactValue            string             `db:"fact_value"`
	FactDescription      *string            `db:"fact_description"`
	Confidence           float64            `db:"confidence"`
	EvidenceCount        int                `db:"evidence_count"`
	EvidenceText         *string            `db:"evidence_text"`
	SourceMessageID      *int64             `db:"source_message_id"`
	ParticipantConsensus *float64           `db:"participant_consensus"`
	ParticipantIDs       JSONField[[]int64] `db:"participant_ids"`
	FirstObserved        int64              `db:"first_observed"`
	LastReinforced       int64              `db:"last_reinforced"`
	IsActive             bool               `db:"is_active"`
	DecayRate            float64            `db:"decay_rate"`
	CreatedAt            int64              `db:"created_at"`
	UpdatedAt            int64              `db:"updated_at"`
	Embedding            Vector             `db:"embedding"`
}

func (df *dbFact) toFact() factstypes.Fact {
	f := factstypes.Fact{
		ID:                   df.ID,
		EntityType:           factstypes.EntityType(df.EntityType),
		EntityID:             df.EntityID,
		ChatContext:          df.ChatContext,
		Category:             factstypes.Category(df.FactCategory),
		Key:                  df.FactKey,
		Value:                df.FactValue,
		Confidence:           df.Confidence,
		EvidenceCount:        df.EvidenceCount,
		SourceMessageID:      df.SourceMessageID,
		ParticipantConsensus: df.ParticipantConsensus,
		ParticipantIDs:       df.ParticipantIDs.Data,
		FirstObserved:        df.FirstObserved,
		LastReinforced:       df.LastReinforced,
		IsActive:             df.IsActive,
		DecayRate:            df.DecayRate,
		CreatedAt:            df.CreatedAt,
		UpdatedAt:            df.UpdatedAt,
		Embedding:            df.Embedding,
	}
	if df.FactDescription != nil {
		f.Description = *df.FactDescription
	}
	if df.EvidenceText != nil {
		f.EvidenceText = *df.EvidenceText
	}
	return f
}

const factColumns = `
	id, entity_type, entity_id, chat_context, fact_category, fact_key,
	fact_value, fact_description, confidence, evidence_count, evidence_text,
	source_message_id, participant_consensus, participant_ids,
	first_observed, last_reinforced, is_active, decay_rate,
	created_at, updated_at, embedding
`

// UpsertFact inserts a fact or reinforces the existing row with the same
// identity. On reinforcement evidence_count increments and timestamps
// refresh; the value and confidence are replaced only when the new
// observation is at least as confident. Returns true when an existing row
// was reinforced.
func (s *Store) UpsertFact(ctx context.Context, f factstypes.Fact) (bool, error) {
	if !f.Category.Valid() {
		return false, pkgerrors.Errorf("invalid fact category %q", f.Category)
	}
	now := s.nowFn().Unix()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, pkgerrors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var existing struct {
		ID         int64   `db:"id"`
		Confidence float64 `db:"confidence"`
	}
	err = tx.GetContext(ctx, &existing, `
		SELECT id, confidence FROM facts
		WHERE entity_type = ? AND entity_id = ?
		  AND IFNULL(chat_context, 0) = IFNULL(?, 0)
		  AND fact_category = ? AND fact_key = ?
	`, string(f.EntityType), f.EntityID, f.ChatContext, string(f.Category), f.Key)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		evidenceCount := f.EvidenceCount
		if evidenceCount <= 0 {
			evidenceCount = 1
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO facts (
				entity_type, entity_id, chat_context, fact_category, fact_key,
				fact_value, fact_description, confidence, evidence_count,
				evidence_text, source_message_id, participant_consensus,
				participant_ids, first_observed, last_reinforced, is_active,
				decay_rate, created_at, updated_at, embedding
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)
		`,
			string(f.EntityType), f.EntityID, f.ChatContext, string(f.Category), f.Key,
			f.Value, nullableString(f.Description), f.Confidence, evidenceCount,
			nullableString(f.EvidenceText), f.SourceMessageID, f.ParticipantConsensus,
			JSONField[[]int64]{Data: f.ParticipantIDs}, now, now,
			f.DecayRate, now, now, Vector(f.Embedding))
		if err != nil {
			return false, pkgerrors.Wrapf(err, "failed to insert fact (%s %d, %s/%s)", f.EntityType, f.EntityID, f.Category, f.Key)
		}
		return false, tx.Commit()

	case err != nil:
		return false, pkgerrors.Wrap(err, "failed to look up fact")
	}

	if f.Confidence >= existing.Confidence {
		_, err = tx.ExecContext(ctx, `
			UPDATE facts SET
				fact_value = ?, confidence = ?, fact_description = ?,
				evidence_text = ?, source_message_id = ?,
				evidence_count = evidence_count + 1,
				last_reinforced = ?, updated_at = ?, is_active = 1
			WHERE id = ?
		`, f.Value, f.Confidence, nullableString(f.Description),
			nullableString(f.EvidenceText), f.SourceMessageID, now, now, existing.ID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE facts SET
				evidence_count = evidence_count + 1,
				last_reinforced = ?, updated_at = ?
			WHERE id = ?
		`, now, now, existing.ID)
	}
	if err != nil {
		return false, pkgerrors.Wrapf(err, "failed to reinforce fact %d", existing.ID)
	}

	return true, tx.Commit()
}

// ActiveFacts returns active facts for the entity above the confidence
// floor, most confident first.
func (s *Store) ActiveFacts(ctx context.Context, entityType factstypes.EntityType, entityID int64, chatContext *int64, minConfidence float64) ([]factstypes.Fact, error) {
	var rows []dbFact
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+factColumns+`
		FROM facts
		WHERE entity_type = ? AND entity_id = ?
		  AND IFNULL(chat_context, 0) = IFNULL(?, 0)
		  AND is_active = 1 AND confidence >= ?
		ORDER BY confidence DESC, last_reinforced DESC
	`, string(entityType), entityID, chatContext, minConfidence)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to load facts (%s %d)", entityType, entityID)
	}

	facts := make([]factstypes.Fact, len(rows))
	for i := range rows {
		facts[i] = rows[i].toFact()
	}
	return facts, nil
}

// DeactivateFact soft-deletes a fact row, or ErrNotFound.
func (s *Store) DeactivateFact(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE facts SET is_active = 0, updated_at = ? WHERE id = ?",
		s.nowFn().Unix(), id)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to deactivate fact %d", id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
