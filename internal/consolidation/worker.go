package consolidation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/animadev/anima/internal/common/config"
	"github.com/animadev/anima/internal/common/logger"
	"github.com/animadev/anima/internal/store"
)

// PhaseReport carries the outcome of one consolidation phase. Skipped phases
// still appear in the run record so operators can see what a pass covered.
type PhaseReport struct {
	Skipped bool
	Stats   map[string]interface{}
}

// Consolidator executes the individual consolidation phases. Implementations
// must be safe to call from the scheduler's single worker goroutine.
type Consolidator interface {
	Summarize(ctx context.Context) (*PhaseReport, error)
	Prune(ctx context.Context) (*PhaseReport, error)
	Merge(ctx context.Context) (*PhaseReport, error)
	Communities(ctx context.Context) (*PhaseReport, error)
}

// WorkerStore is the persistence surface the default worker consolidates.
type WorkerStore interface {
	SessionsNeedingSummary(ctx context.Context, endedBefore time.Time, limit int) ([]*store.Session, error)
	SetSessionSummary(ctx context.Context, id, summary string) error
	ListConversations(ctx context.Context, sessionID string, limit int, before time.Time) ([]*store.Conversation, error)
	ListBlocks(ctx context.Context, conversationID string) ([]*store.ConversationBlock, error)
	PruneStimuli(ctx context.Context, olderThan time.Time) (int64, error)
	PruneNotifications(ctx context.Context, olderThan time.Time) (int64, error)
}

// Summarizer produces session summaries. Nil or unavailable summarizers cause
// the summarize phase to be skipped rather than fail the run.
type Summarizer interface {
	Available() bool
	Summarize(ctx context.Context, text string) (string, error)
}

const (
	// Sessions must have been over for this long before they are summarized,
	// so a session that is briefly idle is not summarized mid-conversation.
	summaryGracePeriod = 24 * time.Hour

	// Acknowledged notifications older than this are pruned.
	notificationRetention = 7 * 24 * time.Hour

	// Transcript turns fed to the summarizer per session.
	summaryTranscriptTurns = 40
)

// Worker is the store-backed default Consolidator. Summarize condenses ended
// sessions into Session.Summary, Prune drops aged stimulus history and
// acknowledged notifications. Merge and Communities are graph operations this
// worker does not implement; they report skipped until a graph worker is
// plugged in.
type Worker struct {
	st         WorkerStore
	summarizer Summarizer
	cfg        config.ConsolidationConfig
	logger     *logger.Logger
}

// NewWorker creates the default consolidation worker. summarizer may be nil.
func NewWorker(st WorkerStore, summarizer Summarizer, cfg config.ConsolidationConfig, log *logger.Logger) *Worker {
	return &Worker{
		st:         st,
		summarizer: summarizer,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "consolidation-worker")),
	}
}

// Summarize writes an LLM summary onto each ended-but-unsummarized session.
func (w *Worker) Summarize(ctx context.Context) (*PhaseReport, error) {
	if w.summarizer == nil || !w.summarizer.Available() {
		return &PhaseReport{Skipped: true, Stats: map[string]interface{}{"reason": "summarizer unavailable"}}, nil
	}

	batch := w.cfg.SummaryBatch
	if batch <= 0 {
		batch = 10
	}
	sessions, err := w.st.SessionsNeedingSummary(ctx, time.Now().UTC().Add(-summaryGracePeriod), batch)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions needing summary: %w", err)
	}

	summarized := 0
	failed := 0
	for _, sess := range sessions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		transcript, err := w.transcript(ctx, sess.ID)
		if err != nil {
			w.logger.Warn("failed to load transcript for summary",
				zap.String("session_id", sess.ID),
				zap.Error(err))
			failed++
			continue
		}
		if transcript == "" {
			// Nothing worth summarizing; record a stub so the session is not
			// re-selected every run.
			if err := w.st.SetSessionSummary(ctx, sess.ID, "(no conversation)"); err != nil {
				return nil, err
			}
			summarized++
			continue
		}

		summary, err := w.summarizer.Summarize(ctx, transcript)
		if err != nil {
			w.logger.Warn("failed to summarize session",
				zap.String("session_id", sess.ID),
				zap.Error(err))
			failed++
			continue
		}
		if err := w.st.SetSessionSummary(ctx, sess.ID, summary); err != nil {
			return nil, fmt.Errorf("failed to store session summary: %w", err)
		}
		summarized++
	}

	return &PhaseReport{Stats: map[string]interface{}{
		"candidates": len(sessions),
		"summarized": summarized,
		"failed":     failed,
	}}, nil
}

// transcript renders a session's turns as plain text for the summarizer.
func (w *Worker) transcript(ctx context.Context, sessionID string) (string, error) {
	convs, err := w.st.ListConversations(ctx, sessionID, summaryTranscriptTurns, time.Time{})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, conv := range convs {
		text := conv.PromptSummary
		if text == "" {
			blocks, err := w.st.ListBlocks(ctx, conv.ID)
			if err != nil {
				return "", err
			}
			var parts []string
			for _, block := range blocks {
				if block.TextContent != "" {
					parts = append(parts, block.TextContent)
				}
			}
			text = strings.Join(parts, "\n")
		}
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", conv.Role, text)
	}
	return strings.TrimSpace(b.String()), nil
}

// Prune drops stimulus history past the retention window and acknowledged
// notifications older than a week.
func (w *Worker) Prune(ctx context.Context) (*PhaseReport, error) {
	retention := time.Duration(w.cfg.HistoryRetention) * 24 * time.Hour
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	now := time.Now().UTC()

	stimuli, err := w.st.PruneStimuli(ctx, now.Add(-retention))
	if err != nil {
		return nil, fmt.Errorf("failed to prune stimulus history: %w", err)
	}
	notifications, err := w.st.PruneNotifications(ctx, now.Add(-notificationRetention))
	if err != nil {
		return nil, fmt.Errorf("failed to prune notifications: %w", err)
	}

	if stimuli > 0 || notifications > 0 {
		w.logger.Info("pruned aged records",
			zap.Int64("stimuli", stimuli),
			zap.Int64("notifications", notifications))
	}
	return &PhaseReport{Stats: map[string]interface{}{
		"stimuli_pruned":       stimuli,
		"notifications_pruned": notifications,
	}}, nil
}

// Merge is a graph operation; the store-backed worker has no memory graph.
func (w *Worker) Merge(ctx context.Context) (*PhaseReport, error) {
	return &PhaseReport{Skipped: true, Stats: map[string]interface{}{"reason": "no graph worker"}}, nil
}

// Communities is a graph operation; the store-backed worker has no memory graph.
func (w *Worker) Communities(ctx context.Context) (*PhaseReport, error) {
	return &PhaseReport{Skipped: true, Stats: map[string]interface{}{"reason": "no graph worker"}}, nil
}
