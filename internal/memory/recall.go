package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"neko/internal/filestore"
)

const recallAssistantLimit = 500

// AppendRecall archives one interactive exchange to memory/recall/<date>.md.
// Recall files are never loaded into context.
func (s *Store) AppendRecall(_ context.Context, user, assistant string, at time.Time) (string, error) {
	if at.IsZero() {
		at = s.now()
	}
	date := at.Format(dateLayout)
	path := filepath.Join(s.root, recallDirName, date+".md")

	unlock := s.locks.Lock(path)
	defer unlock()

	existing, err := s.readFile(path)
	if err != nil {
		return "", err
	}
	base := string(existing)
	if base == "" {
		base = "# Recall: " + date + "\n\n"
	}

	entry := fmt.Sprintf("### %s\n**User:** %s\n**Assistant:** %s\n\n",
		at.Format("15:04:05"),
		strings.TrimSpace(user),
		truncateRunes(strings.TrimSpace(assistant), recallAssistantLimit))

	if err := filestore.AtomicWrite(path, []byte(appendBlock(base, entry)), 0o644); err != nil {
		return "", fmt.Errorf("memory: write recall: %w", err)
	}
	return s.rel(path), nil
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
