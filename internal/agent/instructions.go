package agent

import (
	"context"
	"fmt"
	"strings"
)

// DefaultInstructions is the base system prompt when none is configured.
const DefaultInstructions = `You are Neko, a helpful assistant with persistent memory.

## Memory System
Your memory is plain markdown under memory/:
- MEMORY.md (core memory) is always loaded below. Keep it short. Store durable facts and user preferences.
- Daily logs (YYYY-MM-DD.md): today's and yesterday's are loaded below. Use them for session notes.
- Recall (recall/*.md): past conversations, logged automatically. Find them with memory_search.

### Memory Tools
- memory_write(file, content, append) writes or appends to a memory file
- memory_replace(file, old_text, new_text) updates or deletes facts (empty new_text deletes)
- memory_search(query) searches every memory file

### Guidelines
- Update MEMORY.md when you learn something important about the user.
- Correct outdated facts with memory_replace instead of appending contradictions.
- Daily logs hold ephemeral notes; MEMORY.md holds durable facts.
- Use cron_manage to schedule follow-ups. Results of jobs are announced to the conversation that created them.

Be concise and helpful.`

// Instructions assembles the system prompt for one turn: base text, the
// memory snapshot, then the invocation context.
func (a *Agent) Instructions(ctx context.Context, req TurnRequest) (string, error) {
	base := strings.TrimSpace(a.cfg.Instructions)
	if base == "" {
		base = DefaultInstructions
	}
	parts := []string{base}

	if a.memory != nil {
		snapshot, err := a.memory.LoadContext(ctx)
		if err != nil {
			return "", fmt.Errorf("load memory context: %w", err)
		}
		parts = append(parts, strings.TrimSpace(snapshot.Render()))
	}

	var b strings.Builder
	b.WriteString("## Current Context\n\n")
	now := a.now()
	fmt.Fprintf(&b, "- Time: %s\n", now.Format("2006-01-02 15:04 (Monday) MST"))
	if req.JobName != "" {
		fmt.Fprintf(&b, "- Running scheduled job %q. Your final answer is recorded in the job history", req.JobName)
		if req.Origin != nil && !req.Origin.IsZero() {
			fmt.Fprintf(&b, " and announced to %s", req.Origin)
		}
		b.WriteString(".\n")
	} else if req.Origin != nil && !req.Origin.IsZero() {
		fmt.Fprintf(&b, "- Conversation: %s\n", req.Origin)
	}
	if req.SessionKey != "" {
		fmt.Fprintf(&b, "- Session: %s\n", req.SessionKey)
	}
	parts = append(parts, strings.TrimRight(b.String(), "\n"))

	return strings.Join(parts, "\n\n"), nil
}
