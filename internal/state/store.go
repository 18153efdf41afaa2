// Package state owns the single-writer, many-reader durable snapshot of
// directive, goals, iteration counter, pause flag, chat cursor, and memory
// config. It is grounded on the WAL-mode sqlite schema/pragma conventions
// used throughout this module's memory storage layer.
package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryConfig mirrors the tunables the planner reads at context-assembly
// time; a plan response can override it live.
type MemoryConfig struct {
	RetrievalCount   int     `json:"retrieval_count"`
	RelevanceThresh  float64 `json:"relevance_threshold"`
	DecayFactor      float64 `json:"decay_factor"`
	MaxContextTokens int     `json:"max_context_tokens"`
}

type Goals struct {
	ShortTerm []string `json:"short_term"`
	MidTerm   []string `json:"mid_term"`
	LongTerm  []string `json:"long_term"`
}

// Snapshot is the full durable state as loaded at the top of an iteration.
type Snapshot struct {
	Directive    string
	Goals        Goals
	Iteration    int64
	Paused       bool
	ActiveTask   string
	ChatCursor   int64
	MemoryConfig MemoryConfig
	SpentUSD     float64
	CapUSD       float64
	MonthKey     string // "2026-08" — used to detect calendar-month rollover
}

// ScratchpadNote is one iteration-scoped short-term memory slot: a small,
// capacity-bounded, time-evicted notepad distinct from both the durable
// goals and the long-term vector store.
type ScratchpadNote struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

const maxScratchpadNotes = 50

// ChatMessage is a persisted, ordered chat turn.
type ChatMessage struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"` // creator | jarvis
	Content   string    `json:"content"`
	Channel   string    `json:"channel"`
	Timestamp time.Time `json:"timestamp"`
}

type Store struct {
	db *sql.DB
	mu sync.Mutex // single-writer discipline for the director
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	s := &Store{db: db}
	if err := s.configure(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS agent_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			directive TEXT NOT NULL DEFAULT '',
			goals_json TEXT NOT NULL DEFAULT '{}',
			iteration INTEGER NOT NULL DEFAULT 0,
			paused INTEGER NOT NULL DEFAULT 0,
			active_task TEXT NOT NULL DEFAULT '',
			chat_cursor INTEGER NOT NULL DEFAULT 0,
			memory_config_json TEXT NOT NULL DEFAULT '{}',
			spent_usd REAL NOT NULL DEFAULT 0,
			cap_usd REAL NOT NULL DEFAULT 0,
			month_key TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			channel TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_created ON chat_messages(created_at)`,
		`CREATE TABLE IF NOT EXISTS scratchpad_notes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM agent_state`).Scan(&count); err != nil {
		return fmt.Errorf("count agent_state: %w", err)
	}
	if count == 0 {
		_, err := s.db.Exec(`INSERT INTO agent_state (id, month_key) VALUES (1, ?)`, time.Now().Format("2006-01"))
		if err != nil {
			return fmt.Errorf("seed agent_state: %w", err)
		}
	}
	return nil
}

func (s *Store) Load() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap Snapshot
	var goalsJSON, memCfgJSON string
	var pausedInt int
	row := s.db.QueryRow(`SELECT directive, goals_json, iteration, paused, active_task,
		chat_cursor, memory_config_json, spent_usd, cap_usd, month_key FROM agent_state WHERE id = 1`)
	if err := row.Scan(&snap.Directive, &goalsJSON, &snap.Iteration, &pausedInt, &snap.ActiveTask,
		&snap.ChatCursor, &memCfgJSON, &snap.SpentUSD, &snap.CapUSD, &snap.MonthKey); err != nil {
		return Snapshot{}, fmt.Errorf("load state: %w", err)
	}
	snap.Paused = pausedInt != 0
	_ = json.Unmarshal([]byte(goalsJSON), &snap.Goals)
	_ = json.Unmarshal([]byte(memCfgJSON), &snap.MemoryConfig)
	return snap, nil
}

func (s *Store) SetDirective(directive string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE agent_state SET directive = ? WHERE id = 1`, directive)
	return err
}

func (s *Store) SetGoals(g Goals) error {
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`UPDATE agent_state SET goals_json = ? WHERE id = 1`, string(data))
	return err
}

func (s *Store) SetMemoryConfig(c MemoryConfig) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`UPDATE agent_state SET memory_config_json = ? WHERE id = 1`, string(data))
	return err
}

func (s *Store) SetActiveTask(task string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE agent_state SET active_task = ? WHERE id = 1`, task)
	return err
}

// AdvanceIteration increments the iteration counter and returns the new
// value. It is the sole writer of this column, so it never needs a CAS.
func (s *Store) AdvanceIteration() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`UPDATE agent_state SET iteration = iteration + 1 WHERE id = 1`); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRow(`SELECT iteration FROM agent_state WHERE id = 1`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) SetPaused(paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := 0
	if paused {
		v = 1
	}
	_, err := s.db.Exec(`UPDATE agent_state SET paused = ? WHERE id = 1`, v)
	return err
}

func (s *Store) SetChatCursor(cursor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE agent_state SET chat_cursor = ? WHERE id = 1`, cursor)
	return err
}

// SetBudgetSnapshot persists a mirror of the budget tracker's monetary
// totals for read-only dashboard access without taking a dependency on the
// budget package from the state store.
func (s *Store) SetBudgetSnapshot(spent, cap float64, monthKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE agent_state SET spent_usd = ?, cap_usd = ?, month_key = ? WHERE id = 1`,
		spent, cap, monthKey)
	return err
}

// AddScratchpadNote inserts a note and evicts the oldest entries beyond
// maxScratchpadNotes, keeping the slot count bounded on every insert rather
// than only at maintenance time.
func (s *Store) AddScratchpadNote(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`INSERT INTO scratchpad_notes (content) VALUES (?)`, content); err != nil {
		return fmt.Errorf("add scratchpad note: %w", err)
	}
	_, err := s.db.Exec(`DELETE FROM scratchpad_notes WHERE id NOT IN (
		SELECT id FROM scratchpad_notes ORDER BY id DESC LIMIT ?
	)`, maxScratchpadNotes)
	return err
}

// RemoveScratchpadNotes deletes the notes at the given zero-based positions
// (most-recent-first, matching ScratchpadNotes' ordering), as a plan's
// short_term_memories_update.remove instruction names them.
func (s *Store) RemoveScratchpadNotes(positions []int) error {
	if len(positions) == 0 {
		return nil
	}
	notes, err := s.ScratchpadNotes(maxScratchpadNotes)
	if err != nil {
		return err
	}
	toDelete := map[int64]bool{}
	for _, pos := range positions {
		if pos >= 0 && pos < len(notes) {
			toDelete[notes[pos].ID] = true
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range toDelete {
		if _, err := s.db.Exec(`DELETE FROM scratchpad_notes WHERE id = ?`, id); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceScratchpadNotes clears every note and seeds the given contents,
// for a plan's short_term_memories_update.replace instruction.
func (s *Store) ReplaceScratchpadNotes(contents []string) error {
	s.mu.Lock()
	if _, err := s.db.Exec(`DELETE FROM scratchpad_notes`); err != nil {
		s.mu.Unlock()
		return err
	}
	for _, c := range contents {
		if _, err := s.db.Exec(`INSERT INTO scratchpad_notes (content) VALUES (?)`, c); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()
	return nil
}

// ScratchpadNotes returns up to limit notes, most recent first.
func (s *Store) ScratchpadNotes(limit int) ([]ScratchpadNote, error) {
	if limit <= 0 || limit > maxScratchpadNotes {
		limit = maxScratchpadNotes
	}
	rows, err := s.db.Query(`SELECT id, content, created_at FROM scratchpad_notes ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScratchpadNote
	for rows.Next() {
		var n ScratchpadNote
		var createdAt string
		if err := rows.Scan(&n.ID, &n.Content, &createdAt); err != nil {
			return nil, err
		}
		n.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdAt)
		out = append(out, n)
	}
	return out, rows.Err()
}

// MaintainScratchpad evicts notes older than maxAge, returning the number
// removed. It is idempotent and safe to call on every maintenance pass.
func (s *Store) MaintainScratchpad(maxAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-maxAge).UTC().Format("2006-01-02 15:04:05")
	res, err := s.db.Exec(`DELETE FROM scratchpad_notes WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) AppendChatMessage(role, content, channel string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`INSERT INTO chat_messages (role, content, channel) VALUES (?, ?, ?)`,
		role, content, channel)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) ChatHistory(limit int) ([]ChatMessage, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, role, content, channel, created_at FROM chat_messages
		ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChatMessage
	for rows.Next() {
		var m ChatMessage
		var createdAt string
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.Channel, &createdAt); err != nil {
			return nil, err
		}
		m.Timestamp, _ = time.Parse("2006-01-02 15:04:05", createdAt)
		out = append(out, m)
	}
	// Reverse to chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}
