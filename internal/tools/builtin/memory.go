package builtin

import (
	"context"
	"fmt"
	"strings"

	nerrors "neko/internal/errors"
	"neko/internal/memory"
	"neko/internal/toolregistry"
)

const defaultMemorySearchResults = 20

type memoryWrite struct {
	store *memory.Store
}

// NewMemoryWrite returns the memory_write tool.
func NewMemoryWrite(store *memory.Store) toolregistry.Tool {
	return &memoryWrite{store: store}
}

func (t *memoryWrite) Definition() toolregistry.Definition {
	return toolregistry.Definition{
		Name: "memory_write",
		Description: "Persist durable information to memory. Use MEMORY.md for long-term facts " +
			"and preferences, or 'today' for the daily log. Appends by default.",
		Parameters: toolregistry.ParameterSchema{
			Type: "object",
			Properties: map[string]toolregistry.Property{
				"file":    {Type: "string", Description: "MEMORY.md, today, YYYY-MM-DD.md or recall/<name>"},
				"content": {Type: "string", Description: "Content to write"},
				"append":  {Type: "boolean", Description: "Append instead of overwrite (default: true)"},
			},
			Required: []string{"file", "content"},
		},
		Source: "builtin",
	}
}

func (t *memoryWrite) Execute(ctx context.Context, call toolregistry.Call) (*toolregistry.Result, error) {
	target, err := memory.ParseTarget(toolregistry.StringArg(call.Arguments, "file"))
	if err != nil {
		return nil, err
	}
	content := toolregistry.RawStringArg(call.Arguments, "content")
	if strings.TrimSpace(content) == "" {
		return nil, nerrors.New(nerrors.KindInvalidArguments, "memory_write", "content cannot be empty")
	}
	mode := memory.ModeAppend
	if !toolregistry.BoolArg(call.Arguments, "append", true) {
		mode = memory.ModeOverwrite
	}

	res, err := t.store.Write(ctx, target, content, mode)
	if err != nil {
		return nil, err
	}

	verb := "Appended to"
	if mode == memory.ModeOverwrite {
		verb = "Wrote"
	}
	msg := fmt.Sprintf("%s %s (%d chars).", verb, res.Path, res.Chars)
	if res.CompactionNeeded {
		msg += fmt.Sprintf(" MEMORY.md is over its %d character budget; consolidate it with memory_replace or rewrite it.", t.store.CoreCap())
	}
	return &toolregistry.Result{
		CallID:   call.ID,
		Content:  msg,
		Metadata: map[string]any{"path": res.Path, "chars": res.Chars, "compaction_needed": res.CompactionNeeded},
	}, nil
}

type memoryReplace struct {
	store *memory.Store
}

// NewMemoryReplace returns the memory_replace tool.
func NewMemoryReplace(store *memory.Store) toolregistry.Tool {
	return &memoryReplace{store: store}
}

func (t *memoryReplace) Definition() toolregistry.Definition {
	return toolregistry.Definition{
		Name:        "memory_replace",
		Description: "Replace text in a memory file. Use an empty new_text to delete. Every occurrence is replaced.",
		Parameters: toolregistry.ParameterSchema{
			Type: "object",
			Properties: map[string]toolregistry.Property{
				"file":     {Type: "string", Description: "MEMORY.md, today, YYYY-MM-DD.md or recall/<name>"},
				"old_text": {Type: "string", Description: "Text to find"},
				"new_text": {Type: "string", Description: "Replacement text (empty deletes)"},
				"regex":    {Type: "boolean", Description: "Treat old_text as a regular expression"},
			},
			Required: []string{"file", "old_text"},
		},
		Source: "builtin",
	}
}

func (t *memoryReplace) Execute(ctx context.Context, call toolregistry.Call) (*toolregistry.Result, error) {
	target, err := memory.ParseTarget(toolregistry.StringArg(call.Arguments, "file"))
	if err != nil {
		return nil, err
	}
	res, err := t.store.Replace(ctx, target,
		toolregistry.RawStringArg(call.Arguments, "old_text"),
		toolregistry.RawStringArg(call.Arguments, "new_text"),
		memory.ReplaceOptions{Regex: toolregistry.BoolArg(call.Arguments, "regex", false)},
	)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Replaced %d occurrence(s) in %s (%d chars).", res.Replacements, res.Path, res.Chars)
	if res.CompactionNeeded {
		fmt.Fprintf(&b, " Still over the %d character budget.", t.store.CoreCap())
	}
	if res.Diff != "" {
		b.WriteString("\n\n")
		b.WriteString(res.Diff)
	}
	return &toolregistry.Result{
		CallID:   call.ID,
		Content:  b.String(),
		Metadata: map[string]any{"path": res.Path, "replacements": res.Replacements},
	}, nil
}

type memorySearch struct {
	store *memory.Store
}

// NewMemorySearch returns the memory_search tool.
func NewMemorySearch(store *memory.Store) toolregistry.Tool {
	return &memorySearch{store: store}
}

func (t *memorySearch) Definition() toolregistry.Definition {
	return toolregistry.Definition{
		Name:        "memory_search",
		Description: "Search all memory files (core, daily logs, recall archive). Case-insensitive substring match unless regex is set.",
		Parameters: toolregistry.ParameterSchema{
			Type: "object",
			Properties: map[string]toolregistry.Property{
				"query":       {Type: "string", Description: "Text or pattern to search for"},
				"max_results": {Type: "integer", Description: "Maximum number of matching lines (default: 20)"},
				"regex":       {Type: "boolean", Description: "Treat query as a regular expression"},
			},
			Required: []string{"query"},
		},
		Source: "builtin",
	}
}

func (t *memorySearch) Execute(ctx context.Context, call toolregistry.Call) (*toolregistry.Result, error) {
	query := toolregistry.RawStringArg(call.Arguments, "query")
	if query == "" {
		return nil, nerrors.New(nerrors.KindInvalidArguments, "memory_search", "query cannot be empty")
	}
	limit := toolregistry.IntArg(call.Arguments, "max_results", defaultMemorySearchResults)
	if limit <= 0 {
		limit = defaultMemorySearchResults
	}

	hits, err := t.store.Search(ctx, query, memory.SearchOptions{
		Regex:      toolregistry.BoolArg(call.Arguments, "regex", false),
		MaxResults: limit,
	})
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return &toolregistry.Result{CallID: call.ID, Content: fmt.Sprintf("No matches for %q in memory.", query)}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d match(es):\n", len(hits))
	for _, hit := range hits {
		fmt.Fprintf(&b, "%s:%d: %s\n", hit.File, hit.Line, hit.Text)
	}
	return &toolregistry.Result{
		CallID:   call.ID,
		Content:  b.String(),
		Metadata: map[string]any{"matches": len(hits)},
	}, nil
}
