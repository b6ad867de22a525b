// Package session persists conversations with named branches and a
// summarization primitive for long histories.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/groundline-ai/groundline/pkg/domain"
)

// MainBranch is the implicit branch every conversation starts on.
const MainBranch = "main"

// titleLimit caps autogenerated titles.
const titleLimit = 60

// summaryKeepRecent is how many trailing messages survive
// summarization verbatim.
const summaryKeepRecent = 4

// Store is the sqlite-backed conversation store.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the session database at path.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session db: %w", err)
	}
	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS conversations (
		id            TEXT PRIMARY KEY,
		title         TEXT,
		system_prompt TEXT,
		branch_name   TEXT NOT NULL,
		messages      TEXT NOT NULL,
		branches      TEXT,
		created       INTEGER NOT NULL,
		updated       INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated);`)
	if err != nil {
		return fmt.Errorf("failed to create session tables: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Save upserts the conversation. Missing ids, branch names, titles,
// and timestamps are filled in; updated_at is strictly monotonic per
// conversation.
func (s *Store) Save(ctx context.Context, conv *domain.Conversation) error {
	if conv == nil {
		return domain.E(domain.KindInvalidInput, "nil conversation")
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.BranchName == "" {
		conv.BranchName = MainBranch
	}
	if conv.Title == "" {
		conv.Title = autoTitle(conv.Messages)
	}
	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}

	var prevUpdated int64
	err := s.db.QueryRowContext(ctx, `SELECT updated FROM conversations WHERE id = ?`, conv.ID).Scan(&prevUpdated)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read conversation: %w", err)
	}
	updated := now.UnixNano()
	if updated <= prevUpdated {
		updated = prevUpdated + 1
	}
	conv.UpdatedAt = time.Unix(0, updated)

	messages, err := json.Marshal(conv.Messages)
	if err != nil {
		return fmt.Errorf("failed to marshal messages: %w", err)
	}
	var branches []byte
	if len(conv.Branches) > 0 {
		branches, err = json.Marshal(conv.Branches)
		if err != nil {
			return fmt.Errorf("failed to marshal branches: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, system_prompt, branch_name, messages, branches, created, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			system_prompt = excluded.system_prompt,
			branch_name = excluded.branch_name,
			messages = excluded.messages,
			branches = excluded.branches,
			updated = excluded.updated`,
		conv.ID, conv.Title, conv.SystemPrompt, conv.BranchName,
		string(messages), string(branches), conv.CreatedAt.UnixNano(), updated)
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

// Load fetches one conversation by id.
func (s *Store) Load(ctx context.Context, id string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, system_prompt, branch_name, messages, branches, created, updated
		FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, domain.Ef(domain.KindNotFound, "conversation %q not found", id)
	}
	return conv, err
}

// List returns conversations ordered by most recent update.
func (s *Store) List(ctx context.Context, limit, offset int) ([]*domain.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, system_prompt, branch_name, messages, branches, created, updated
		FROM conversations ORDER BY updated DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []*domain.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// Delete removes one conversation.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Ef(domain.KindNotFound, "conversation %q not found", id)
	}
	return nil
}

// Fork creates a named branch holding the active history up to and
// including the given message, and switches the conversation to it.
func (s *Store) Fork(ctx context.Context, id, messageID, branchName string) (*domain.Conversation, error) {
	branchName = strings.TrimSpace(branchName)
	if branchName == "" || branchName == MainBranch {
		return nil, domain.E(domain.KindInvalidInput, "fork requires a branch name other than main")
	}
	conv, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, exists := conv.Branches[branchName]; exists || branchName == conv.BranchName {
		return nil, domain.Ef(domain.KindConflict, "branch %q already exists", branchName)
	}

	cut := -1
	for i, msg := range conv.Messages {
		if msg.ID == messageID {
			cut = i
			break
		}
	}
	if cut < 0 {
		return nil, domain.Ef(domain.KindNotFound, "message %q not found in conversation %q", messageID, id)
	}

	if conv.Branches == nil {
		conv.Branches = map[string][]domain.Message{}
	}
	// Park the current branch, activate the fork.
	conv.Branches[conv.BranchName] = conv.Messages
	conv.Messages = append([]domain.Message(nil), conv.Messages[:cut+1]...)
	conv.BranchName = branchName

	if err := s.Save(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Switch activates a previously created branch.
func (s *Store) Switch(ctx context.Context, id, branchName string) (*domain.Conversation, error) {
	conv, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if branchName == conv.BranchName {
		return conv, nil
	}
	messages, ok := conv.Branches[branchName]
	if !ok {
		return nil, domain.Ef(domain.KindNotFound, "branch %q not found", branchName)
	}
	conv.Branches[conv.BranchName] = conv.Messages
	delete(conv.Branches, branchName)
	conv.Messages = messages
	conv.BranchName = branchName

	if err := s.Save(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// AppendMessage adds one message to the active branch and saves.
func (s *Store) AppendMessage(ctx context.Context, id string, msg domain.Message) (*domain.Conversation, error) {
	conv, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.TS.IsZero() {
		msg.TS = time.Now()
	}
	conv.Messages = append(conv.Messages, msg)
	if err := s.Save(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

const summaryPrompt = `Summarize this conversation so it can replace the transcript.
Keep decisions, facts, names, and numbers. Be brief.

%s`

// Summarize collapses all but the most recent messages of the active
// branch into one system summary message.
func (s *Store) Summarize(ctx context.Context, id string, gen domain.Generator) (*domain.Conversation, error) {
	if gen == nil {
		return nil, domain.E(domain.KindInvalidInput, "summarization requires a generator")
	}
	conv, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(conv.Messages) <= summaryKeepRecent+1 {
		return conv, nil // nothing worth collapsing
	}

	head := conv.Messages[:len(conv.Messages)-summaryKeepRecent]
	tail := conv.Messages[len(conv.Messages)-summaryKeepRecent:]

	var b strings.Builder
	for _, msg := range head {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
	}
	summary, err := gen.Generate(ctx, fmt.Sprintf(summaryPrompt, b.String()), &domain.GenerationOptions{Temperature: 0.2})
	if err != nil {
		return nil, err
	}

	collapsed := domain.Message{
		ID:      uuid.NewString(),
		Role:    "system",
		Content: "Summary of earlier conversation: " + strings.TrimSpace(summary),
		TS:      time.Now(),
	}
	conv.Messages = append([]domain.Message{collapsed}, tail...)
	if err := s.Save(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func autoTitle(messages []domain.Message) string {
	for _, msg := range messages {
		if msg.Role != "user" {
			continue
		}
		title := strings.TrimSpace(msg.Content)
		if title == "" {
			continue
		}
		// Cut on rune boundaries so multi-byte text stays valid UTF-8.
		if runes := []rune(title); len(runes) > titleLimit {
			title = strings.TrimSpace(string(runes[:titleLimit])) + "…"
		}
		return title
	}
	return "New conversation"
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*domain.Conversation, error) {
	var (
		conv               domain.Conversation
		messages, branches sql.NullString
		created, updated   int64
	)
	err := row.Scan(&conv.ID, &conv.Title, &conv.SystemPrompt, &conv.BranchName,
		&messages, &branches, &created, &updated)
	if err != nil {
		return nil, err
	}
	if messages.Valid && messages.String != "" {
		if err := json.Unmarshal([]byte(messages.String), &conv.Messages); err != nil {
			return nil, fmt.Errorf("failed to decode messages: %w", err)
		}
	}
	if branches.Valid && branches.String != "" {
		if err := json.Unmarshal([]byte(branches.String), &conv.Branches); err != nil {
			return nil, fmt.Errorf("failed to decode branches: %w", err)
		}
	}
	conv.CreatedAt = time.Unix(0, created)
	conv.UpdatedAt = time.Unix(0, updated)
	return &conv, nil
}
