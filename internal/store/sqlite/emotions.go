package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/animadev/anima/internal/store"
)

// InsertEmotionState appends a state snapshot for a scope.
func (r *Repository) InsertEmotionState(ctx context.Context, state *store.EmotionState) error {
	if state.ID == "" {
		state.ID = uuid.New().String()
	}
	if state.LastUpdate.IsZero() {
		state.LastUpdate = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO emotion_states (id, session_id, primary_emotion, primary_intensity,
			secondary_emotion, secondary_intensity, overall_intensity, appraisal_data,
			trigger_data, last_update)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), state.ID, state.SessionID, state.PrimaryEmotion, state.PrimaryIntensity,
		state.SecondaryEmotion, state.SecondaryIntensity, state.OverallIntensity,
		marshalJSON(state.Appraisal, "{}"), state.Reasoning, state.LastUpdate)
	return err
}

const emotionStateColumns = `id, session_id, primary_emotion, primary_intensity,
	secondary_emotion, secondary_intensity, overall_intensity, appraisal_data, trigger_data, last_update`

func scanEmotionState(scan func(dest ...interface{}) error) (*store.EmotionState, error) {
	s := &store.EmotionState{}
	var appraisal string
	err := scan(&s.ID, &s.SessionID, &s.PrimaryEmotion, &s.PrimaryIntensity,
		&s.SecondaryEmotion, &s.SecondaryIntensity, &s.OverallIntensity,
		&appraisal, &s.Reasoning, &s.LastUpdate)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(appraisal), &s.Appraisal)
	return s, nil
}

// LatestEmotionState returns the most recent snapshot for a scope. SessionID
// is empty for the daemon-global scope.
func (r *Repository) LatestEmotionState(ctx context.Context, sessionID string) (*store.EmotionState, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+emotionStateColumns+` FROM emotion_states
		WHERE session_id = ? ORDER BY last_update DESC LIMIT 1
	`), sessionID)
	s, err := scanEmotionState(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListEmotionStates returns snapshots for a scope, newest first.
func (r *Repository) ListEmotionStates(ctx context.Context, sessionID string, limit int) ([]*store.EmotionState, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+emotionStateColumns+` FROM emotion_states
		WHERE session_id = ? ORDER BY last_update DESC LIMIT ?
	`), sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var states []*store.EmotionState
	for rows.Next() {
		s, err := scanEmotionState(rows.Scan)
		if err != nil {
			return nil, err
		}
		states = append(states, s)
	}
	return states, rows.Err()
}

// InsertStimulus records one appraised stimulus in the history.
func (r *Repository) InsertStimulus(ctx context.Context, rec *store.StimulusRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO stimulus_history (id, session_id, timestamp, stimulus_type, valence, intensity, context)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), rec.ID, rec.SessionID, rec.Timestamp, rec.StimulusType, rec.Valence, rec.Intensity, rec.Context)
	return err
}

func (r *Repository) queryStimuli(ctx context.Context, query string, args ...interface{}) ([]*store.StimulusRecord, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []*store.StimulusRecord
	for rows.Next() {
		rec := &store.StimulusRecord{}
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Timestamp, &rec.StimulusType,
			&rec.Valence, &rec.Intensity, &rec.Context); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecentStimuli returns stimuli for a scope newer than since, oldest first.
func (r *Repository) RecentStimuli(ctx context.Context, sessionID string, since time.Time, limit int) ([]*store.StimulusRecord, error) {
	return r.queryStimuli(ctx, `
		SELECT id, session_id, timestamp, stimulus_type, valence, intensity, context
		FROM stimulus_history WHERE session_id = ? AND timestamp >= ?
		ORDER BY timestamp ASC LIMIT ?
	`, sessionID, since.UTC(), limit)
}

// ListStimuli returns the stimulus history for a scope, newest first.
func (r *Repository) ListStimuli(ctx context.Context, sessionID string, limit int) ([]*store.StimulusRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryStimuli(ctx, `
		SELECT id, session_id, timestamp, stimulus_type, valence, intensity, context
		FROM stimulus_history WHERE session_id = ?
		ORDER BY timestamp DESC LIMIT ?
	`, sessionID, limit)
}

// PruneStimuli deletes history rows older than the cutoff.
func (r *Repository) PruneStimuli(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM stimulus_history WHERE timestamp < ?
	`), olderThan.UTC())
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}
