package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/animadev/anima/internal/store"
)

// InsertConversation writes the conversation row and all of its blocks in
// ordinal order inside a single transaction. Partial failure inserts nothing.
func (r *Repository) InsertConversation(ctx context.Context, conv *store.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if conv.Timestamp.IsZero() {
		conv.Timestamp = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO conversations (id, session_id, role, timestamp, personality, medium, user_id,
			ttft_ms, response_ms, thinking_ms, tool_uses, tool_names, prompt_summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), conv.ID, conv.SessionID, string(conv.Role), conv.Timestamp, conv.Personality, conv.Medium,
		conv.UserID, nullInt64(conv.Metrics.TTFTMs), nullInt64(conv.Metrics.ResponseMs),
		nullInt64(conv.Metrics.ThinkingMs), conv.Metrics.ToolUses,
		marshalJSON(conv.Metrics.ToolNames, "[]"), conv.PromptSummary)
	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}

	for i, block := range conv.Blocks {
		if block.ID == "" {
			block.ID = uuid.New().String()
		}
		block.ConversationID = conv.ID
		block.Ordinal = i
		_, err = tx.ExecContext(ctx, r.db.Rebind(`
			INSERT INTO conversation_blocks (id, conversation_id, ordinal, block_type,
				text_content, tool_use_id, tool_name, tool_input, is_error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), block.ID, block.ConversationID, block.Ordinal, string(block.BlockType),
			block.TextContent, block.ToolUseID, block.ToolName,
			marshalJSON(block.ToolInput, "{}"), block.IsError)
		if err != nil {
			return fmt.Errorf("failed to insert conversation block %d: %w", i, err)
		}
	}

	return tx.Commit()
}

const conversationColumns = `id, session_id, role, timestamp, personality, medium, user_id,
	ttft_ms, response_ms, thinking_ms, tool_uses, tool_names, prompt_summary`

func scanConversation(scan func(dest ...interface{}) error) (*store.Conversation, error) {
	c := &store.Conversation{}
	var (
		role       string
		ttftMs     sql.NullInt64
		responseMs sql.NullInt64
		thinkingMs sql.NullInt64
		toolNames  string
	)
	err := scan(&c.ID, &c.SessionID, &role, &c.Timestamp, &c.Personality, &c.Medium, &c.UserID,
		&ttftMs, &responseMs, &thinkingMs, &c.Metrics.ToolUses, &toolNames, &c.PromptSummary)
	if err != nil {
		return nil, err
	}
	c.Role = store.Role(role)
	c.Metrics.TTFTMs = int64Ptr(ttftMs)
	c.Metrics.ResponseMs = int64Ptr(responseMs)
	c.Metrics.ThinkingMs = int64Ptr(thinkingMs)
	c.Metrics.ToolNames = unmarshalList(toolNames)
	return c, nil
}

// ListConversations returns a session's turns oldest first, each with its
// blocks. A zero before time disables the cursor.
func (r *Repository) ListConversations(ctx context.Context, sessionID string, limit int, before time.Time) ([]*store.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE session_id = ?`
	args := []interface{}{sessionID}
	if !before.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, before.UTC())
	}
	query += ` ORDER BY timestamp ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []*store.Conversation
	for rows.Next() {
		c, err := scanConversation(rows.Scan)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range convs {
		blocks, err := r.ListBlocks(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		c.Blocks = blocks
	}
	return convs, nil
}

// ListBlocks returns a conversation's blocks in ordinal order.
func (r *Repository) ListBlocks(ctx context.Context, conversationID string) ([]*store.ConversationBlock, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, conversation_id, ordinal, block_type, text_content, tool_use_id, tool_name, tool_input, is_error
		FROM conversation_blocks WHERE conversation_id = ? ORDER BY ordinal ASC
	`), conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var blocks []*store.ConversationBlock
	for rows.Next() {
		b := &store.ConversationBlock{}
		var blockType, toolInput string
		if err := rows.Scan(&b.ID, &b.ConversationID, &b.Ordinal, &blockType, &b.TextContent,
			&b.ToolUseID, &b.ToolName, &toolInput, &b.IsError); err != nil {
			return nil, err
		}
		b.BlockType = store.BlockType(blockType)
		b.ToolInput = unmarshalMap(toolInput)
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}
