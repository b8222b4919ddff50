package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// DailyLog is one day's log as loaded into context.
type DailyLog struct {
	Date    string
	Content string
}

// Context is the memory snapshot injected into one agent invocation.
type Context struct {
	Core             string
	CoreChars        int
	CoreCap          int
	CompactionNeeded bool
	// Daily holds yesterday's then today's log; days without entries are omitted.
	Daily []DailyLog
	Files []FileInfo
}

// LoadContext returns core memory plus yesterday's and today's logs,
// selected by calendar date. Older logs stay reachable through Search only.
func (s *Store) LoadContext(ctx context.Context) (*Context, error) {
	if _, err := s.EnsureToday(); err != nil {
		return nil, err
	}

	core, err := s.Read(ctx, Core())
	if err != nil {
		return nil, err
	}
	out := &Context{
		Core:      core,
		CoreChars: utf8.RuneCountInString(core),
		CoreCap:   s.coreCap,
	}
	out.CompactionNeeded = out.CoreChars > s.coreCap

	now := s.now()
	for _, day := range []string{now.AddDate(0, 0, -1).Format(dateLayout), now.Format(dateLayout)} {
		content, err := s.Read(ctx, Target{Kind: TargetDaily, Date: day})
		if err != nil {
			return nil, err
		}
		if !hasEntries(content, day) {
			continue
		}
		out.Daily = append(out.Daily, DailyLog{Date: day, Content: content})
	}

	files, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out.Files = files
	return out, nil
}

// hasEntries reports whether a log carries anything beyond its header.
func hasEntries(content, date string) bool {
	body := strings.TrimSpace(strings.TrimPrefix(content, strings.TrimSpace(dailyHeader(date))))
	return body != ""
}

// Render formats the snapshot for the system prompt: file tree, core
// memory, then daily logs oldest first, then any compaction warning.
func (c *Context) Render() string {
	var b strings.Builder

	if len(c.Files) > 0 {
		b.WriteString("## Memory Files\n\n")
		for _, f := range c.Files {
			fmt.Fprintf(&b, "- %s (%d chars)\n", f.Path, f.Chars)
		}
		b.WriteString("\nOlder daily logs and recall files are not loaded; use memory_search to find them.\n\n")
	}

	b.WriteString("## Persistent Memory\n\n")
	if strings.TrimSpace(c.Core) != "" {
		b.WriteString("### ")
		b.WriteString(coreFileName)
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(c.Core))
		b.WriteString("\n\n")
	}
	for _, d := range c.Daily {
		b.WriteString("### ")
		b.WriteString(filepath.ToSlash(filepath.Join(memoryDirName, d.Date+".md")))
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(d.Content))
		b.WriteString("\n\n")
	}

	if c.CompactionNeeded {
		fmt.Fprintf(&b, "⚠ %s is %d/%d chars. Compact it with memory_replace: merge duplicates, drop stale facts, move detail into daily logs.\n",
			coreFileName, c.CoreChars, c.CoreCap)
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}
