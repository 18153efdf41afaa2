package memory

import (
	"fmt"
	"math"
	"strings"
	"time"
)

func (e *Engine) DailyCompress(llm LLMClient) error {
	yesterday := time.Now().AddDate(0, 0, -1).Format("2006-01-02")
	events, err := e.QueryEvents(yesterday, false)
	if err != nil {
		return fmt.Errorf("daily compress query events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	content := joinEventSummaries(events)
	if strings.TrimSpace(content) == "" {
		return e.MarkEventsCompressed(yesterday)
	}

	result, err := llm.Compress(dailyCompressPrompt, content)
	if err != nil {
		e.log.Warn().Err(err).Msg("daily compress llm call failed")
		return nil
	}

	for _, fact := range result.Facts {
		if err := e.WriteTier2(fact); err != nil {
			e.log.Warn().Err(err).Msg("daily compress write tier2 failed")
		}
	}

	return e.MarkEventsCompressed(yesterday)
}

func (e *Engine) WeeklyDeepCompress(llm LLMClient) error {
	rows, err := e.db.Query(`
		SELECT DISTINCT project, topic FROM memories
		WHERE tier = 2 AND is_archived = 0
	`)
	if err != nil {
		return fmt.Errorf("weekly compress query partitions: %w", err)
	}
	defer rows.Close()

	type partition struct{ project, topic string }
	parts := make([]partition, 0)
	for rows.Next() {
		var p partition
		if err := rows.Scan(&p.project, &p.topic); err != nil {
			return fmt.Errorf("scan partition: %w", err)
		}
		parts = append(parts, p)
	}

	for _, p := range parts {
		entries, err := e.QueryTier2(p.project, p.topic, 500)
		if err != nil {
			e.log.Warn().Err(err).Str("project", p.project).Str("topic", p.topic).Msg("weekly compress query partition failed")
			continue
		}
		if len(entries) < 10 {
			continue
		}

		merged, err := llm.Compress(weeklyCompressPrompt, formatEntries(entries))
		if err != nil {
			e.log.Warn().Err(err).Str("project", p.project).Str("topic", p.topic).Msg("weekly compress llm call failed")
			continue
		}

		for _, old := range entries {
			if err := e.ArchiveMemory(old.ID); err != nil {
				e.log.Warn().Err(err).Int64("id", old.ID).Msg("weekly compress archive old memory failed")
			}
		}
		for _, fact := range merged.Facts {
			if err := e.WriteTier2(fact); err != nil {
				e.log.Warn().Err(err).Msg("weekly compress write merged fact failed")
			}
		}
	}

	if err := e.refreshTier1(llm); err != nil {
		e.log.Warn().Err(err).Msg("weekly compress refresh tier1 failed")
	}
	if err := e.cleanupDecayed(); err != nil {
		return fmt.Errorf("cleanup decayed: %w", err)
	}
	return nil
}

func (e *Engine) refreshTier1(llm LLMClient) error {
	current, err := e.LoadTier1()
	if err != nil {
		return fmt.Errorf("load current tier1: %w", err)
	}

	rows, err := e.db.Query(`
		SELECT id, tier, project, topic, category, content, importance, source,
		       created_at, updated_at, last_accessed, access_count, is_archived
		FROM memories
		WHERE tier = 2 AND importance >= 0.7 AND is_archived = 0
		ORDER BY importance DESC
		LIMIT 200
	`)
	if err != nil {
		return fmt.Errorf("query high-importance facts: %w", err)
	}
	defer rows.Close()

	high, err := scanMemories(rows)
	if err != nil {
		return err
	}

	result, err := llm.UpdateProfile(current, formatEntries(high))
	if err != nil {
		return fmt.Errorf("llm update profile: %w", err)
	}
	if len(result.Entries) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.db.Exec(`UPDATE memories SET is_archived = 1, updated_at = datetime('now') WHERE tier = 1 AND is_archived = 0`); err != nil {
		return fmt.Errorf("archive old tier1: %w", err)
	}
	for _, p := range result.Entries {
		category := strings.TrimSpace(p.Category)
		if category == "" {
			category = "identity"
		}
		if _, err := e.db.Exec(`
			INSERT INTO memories (tier, project, topic, category, content, importance, source)
			VALUES (1, '_global', '_profile', ?, ?, 1.0, 'compression')
		`, category, strings.TrimSpace(p.Content)); err != nil {
			return fmt.Errorf("insert new tier1: %w", err)
		}
	}
	return nil
}

func (e *Engine) cleanupDecayed() error {
	rows, err := e.db.Query(`
		SELECT id, tier, project, topic, category, content, importance, source,
		       created_at, updated_at, last_accessed, access_count, is_archived
		FROM memories
		WHERE tier = 2 AND is_archived = 0 AND category IN ('temp', 'debug')
	`)
	if err != nil {
		return fmt.Errorf("query decayed candidates: %w", err)
	}
	defer rows.Close()

	mems, err := scanMemories(rows)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, m := range mems {
		score := relevanceScore(m, daysSince(m.LastAccessed, now))
		if score <= 0.001 {
			if err := e.ArchiveMemory(m.ID); err != nil {
				e.log.Warn().Err(err).Int64("id", m.ID).Msg("cleanup decayed archive failed")
			}
		}
	}
	return nil
}

// relevanceScore weights a memory's importance by how quickly its category
// decays with disuse: identity/config/credential facts never decay, everyday
// conversation decays fastest, and temp/debug notes are meant to be forgotten.
func relevanceScore(mem Memory, daysSinceAccess float64) float64 {
	switch mem.Category {
	case "identity", "config", "credential":
		return mem.Importance
	case "decision", "solution":
		decay := math.Exp(-0.004 * daysSinceAccess)
		return mem.Importance * (0.3 + 0.7*decay)
	case "event", "conversation":
		decay := math.Exp(-0.023 * daysSinceAccess)
		return mem.Importance * (0.1 + 0.9*decay)
	case "temp", "debug":
		decay := math.Exp(-0.099 * daysSinceAccess)
		return mem.Importance * decay
	default:
		return mem.Importance
	}
}

func daysSince(lastAccessed string, now time.Time) float64 {
	if strings.TrimSpace(lastAccessed) == "" {
		return 365
	}
	layouts := []string{time.RFC3339, "2006-01-02 15:04:05"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, lastAccessed); err == nil {
			d := now.Sub(t).Hours() / 24
			if d < 0 {
				return 0
			}
			return d
		}
	}
	return 365
}

func joinEventSummaries(events []EventEntry) string {
	var sb strings.Builder
	for _, ev := range events {
		if strings.TrimSpace(ev.Summary) == "" {
			continue
		}
		sb.WriteString("- ")
		sb.WriteString(ev.Summary)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

func formatEntries(memories []Memory) string {
	var sb strings.Builder
	for _, m := range memories {
		sb.WriteString("- [")
		sb.WriteString(m.Project)
		sb.WriteString("/")
		sb.WriteString(m.Topic)
		sb.WriteString("] ")
		sb.WriteString(m.Content)
		sb.WriteString(" (category=")
		sb.WriteString(m.Category)
		sb.WriteString(", importance=")
		sb.WriteString(fmt.Sprintf("%.2f", m.Importance))
		sb.WriteString(")\n")
	}
	return strings.TrimSpace(sb.String())
}
