package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/parcelwise/assistant/pkg/domain"
	"github.com/parcelwise/assistant/pkg/store"
)

// Store implements every repository interface in pkg/store using SQLite.
type Store struct {
	db          *sql.DB
	subscribers []chan string
	mu          sync.RWMutex
}

// Verify interface compliance at compile time.
var _ store.ConversationStore = (*Store)(nil)
var _ store.MessageStore = (*Store)(nil)
var _ store.PendingActionStore = (*Store)(nil)
var _ store.MemoryStore = (*Store)(nil)
var _ store.RecordStore = (*Store)(nil)
var _ store.DocumentStore = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		active_subject TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT 'text',
		content TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		seq INTEGER NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq ON messages(conversation_id, seq);

	CREATE TABLE IF NOT EXISTS pending_actions (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		input TEXT NOT NULL DEFAULT '{}',
		description TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		expires_at DATETIME NOT NULL,
		confirmed_at DATETIME,
		executed_at DATETIME,
		result TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_pending_actions_state ON pending_actions(state, expires_at);

	CREATE TABLE IF NOT EXISTS memory_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		conversation_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_memory_user ON memory_entries(user_id);

	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT '',
		attributes TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_documents_record ON documents(record_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- ConversationStore ---

func (s *Store) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, active_subject, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, conv.ActiveSubject, conv.CreatedAt, conv.UpdatedAt,
	)
	return err
}

func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	conv := &domain.Conversation{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, active_subject, created_at, updated_at
		 FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.ActiveSubject, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	return conv, err
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, active_subject, created_at, updated_at
		 FROM conversations WHERE user_id=? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		var c domain.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.ActiveSubject, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (s *Store) SetActiveSubject(ctx context.Context, id, subject string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET active_subject=?, updated_at=? WHERE id=?`,
		subject, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// --- MessageStore ---

func (s *Store) AppendMessage(ctx context.Context, msg *domain.Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	// Get next sequence number.
	var maxSeq int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id=?`,
		msg.ConversationID,
	).Scan(&maxSeq)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content_type, content, model, prompt_tokens, output_tokens, timestamp, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.ContentType,
		msg.Content, msg.Model, msg.PromptTokens, msg.OutputTokens, msg.Timestamp, maxSeq+1,
	)
	if err != nil {
		return err
	}

	s.notifySubscribers(msg.ConversationID)
	return nil
}

func (s *Store) GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	query := `SELECT id, conversation_id, role, content_type, content, model, prompt_tokens, output_tokens, timestamp
		FROM messages WHERE conversation_id=? ORDER BY seq ASC`
	args := []any{conversationID}

	if limit > 0 {
		// Subquery to get only the last N messages in ASC order.
		query = `SELECT id, conversation_id, role, content_type, content, model, prompt_tokens, output_tokens, timestamp FROM (
			SELECT id, conversation_id, role, content_type, content, model, prompt_tokens, output_tokens, timestamp, seq
			FROM messages WHERE conversation_id=? ORDER BY seq DESC LIMIT ?
		) sub ORDER BY seq ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.ContentType, &m.Content,
			&m.Model, &m.PromptTokens, &m.OutputTokens, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) Subscribe() <-chan string {
	ch := make(chan string, 64)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) notifySubscribers(conversationID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- conversationID:
		default:
			// Drop if subscriber is not consuming fast enough.
		}
	}
}

// --- PendingActionStore ---

func (s *Store) CreatePendingAction(ctx context.Context, action *domain.PendingAction) error {
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}
	action.State = domain.ActionPending

	input, err := json.Marshal(action.Input)
	if err != nil {
		return fmt.Errorf("encoding input: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_actions (id, conversation_id, tool_name, input, description, state, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		action.ID, action.ConversationID, action.ToolName, string(input),
		action.Description, action.State, action.CreatedAt, action.ExpiresAt,
	)
	return err
}

func (s *Store) GetPendingAction(ctx context.Context, id string) (*domain.PendingAction, error) {
	action := &domain.PendingAction{}
	var input string
	var confirmedAt, executedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, tool_name, input, description, state, created_at, expires_at, confirmed_at, executed_at, result, error
		 FROM pending_actions WHERE id=?`, id,
	).Scan(&action.ID, &action.ConversationID, &action.ToolName, &input, &action.Description,
		&action.State, &action.CreatedAt, &action.ExpiresAt, &confirmedAt, &executedAt,
		&action.Result, &action.Error)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pending action %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(input), &action.Input); err != nil {
		return nil, fmt.Errorf("decoding input: %w", err)
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		action.ConfirmedAt = &t
	}
	if executedAt.Valid {
		t := executedAt.Time
		action.ExecutedAt = &t
	}
	return action, nil
}

func (s *Store) ListPendingActions(ctx context.Context, conversationID string) ([]domain.PendingAction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM pending_actions WHERE conversation_id=? ORDER BY created_at DESC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	actions := make([]domain.PendingAction, 0, len(ids))
	for _, id := range ids {
		a, err := s.GetPendingAction(ctx, id)
		if err != nil {
			return nil, err
		}
		actions = append(actions, *a)
	}
	return actions, nil
}

// TransitionPendingAction is the conditional-update primitive: a single
// UPDATE keyed by id and current state. Of any set of concurrent callers
// racing on the same action, exactly one sees rows-affected == 1; the rest
// get ErrStaleState.
func (s *Store) TransitionPendingAction(ctx context.Context, id string, from, to domain.ActionState, upd store.TransitionUpdate) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE pending_actions
		 SET state=?,
		     result=CASE WHEN ?='' THEN result ELSE ? END,
		     error=CASE WHEN ?='' THEN error ELSE ? END,
		     confirmed_at=COALESCE(?, confirmed_at),
		     executed_at=COALESCE(?, executed_at)
		 WHERE id=? AND state=?`,
		to, upd.Result, upd.Result, upd.Error, upd.Error,
		upd.ConfirmedAt, upd.ExecutedAt, id, from,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		// Distinguish a missing action from a lost race.
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM pending_actions WHERE id=?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("pending action %s: %w", id, store.ErrNotFound)
		}
		return fmt.Errorf("pending action %s: %w", id, store.ErrStaleState)
	}
	return nil
}

func (s *Store) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE pending_actions SET state=? WHERE state=? AND expires_at < ?`,
		domain.ActionExpired, domain.ActionPending, now.UTC(),
	)
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// --- MemoryStore ---

func (s *Store) AppendMemory(ctx context.Context, entry *domain.MemoryEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_entries (id, user_id, content, conversation_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, entry.Content, entry.ConversationID, entry.CreatedAt,
	)
	return err
}

func (s *Store) GetMemory(ctx context.Context, userID string) ([]domain.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, content, conversation_id, created_at
		 FROM memory_entries WHERE user_id=? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.MemoryEntry
	for rows.Next() {
		var e domain.MemoryEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Content, &e.ConversationID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- RecordStore ---

func (s *Store) CreateRecord(ctx context.Context, rec *domain.Record) error {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return fmt.Errorf("encoding attributes: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (id, name, kind, attributes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.Kind, string(attrs), rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

func (s *Store) GetRecord(ctx context.Context, id string) (*domain.Record, error) {
	rec := &domain.Record{}
	var attrs string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, kind, attributes, created_at, updated_at FROM records WHERE id=?`, id,
	).Scan(&rec.ID, &rec.Name, &rec.Kind, &attrs, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("record %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(attrs), &rec.Attributes); err != nil {
		return nil, fmt.Errorf("decoding attributes: %w", err)
	}
	return rec, nil
}

func (s *Store) ListRecords(ctx context.Context) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, kind, attributes, created_at, updated_at FROM records ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.Record
	for rows.Next() {
		var r domain.Record
		var attrs string
		if err := rows.Scan(&r.ID, &r.Name, &r.Kind, &attrs, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(attrs), &r.Attributes); err != nil {
			return nil, fmt.Errorf("decoding attributes: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (s *Store) UpdateRecord(ctx context.Context, rec *domain.Record) error {
	rec.UpdatedAt = time.Now().UTC()

	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return fmt.Errorf("encoding attributes: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE records SET name=?, kind=?, attributes=?, updated_at=? WHERE id=?`,
		rec.Name, rec.Kind, string(attrs), rec.UpdatedAt, rec.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("record %s: %w", rec.ID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("record %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// --- DocumentStore ---

func (s *Store) CreateDocument(ctx context.Context, doc *domain.Document) error {
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, record_id, title, content, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.RecordID, doc.Title, doc.Content, doc.CreatedAt, doc.UpdatedAt,
	)
	return err
}

func (s *Store) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	doc := &domain.Document{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, record_id, title, content, created_at, updated_at FROM documents WHERE id=?`, id,
	).Scan(&doc.ID, &doc.RecordID, &doc.Title, &doc.Content, &doc.CreatedAt, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("document %s: %w", id, store.ErrNotFound)
	}
	return doc, err
}

func (s *Store) SearchDocuments(ctx context.Context, query string) ([]domain.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record_id, title, content, created_at, updated_at
		 FROM documents WHERE title LIKE '%' || ? || '%' OR content LIKE '%' || ? || '%'
		 ORDER BY created_at DESC`,
		query, query,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

func (s *Store) DocumentsForRecord(ctx context.Context, recordID string) ([]domain.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record_id, title, content, created_at, updated_at
		 FROM documents WHERE record_id=? ORDER BY created_at DESC`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

func scanDocuments(rows *sql.Rows) ([]domain.Document, error) {
	var docs []domain.Document
	for rows.Next() {
		var d domain.Document
		if err := rows.Scan(&d.ID, &d.RecordID, &d.Title, &d.Content, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}
