package builtin

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	nerrors "neko/internal/errors"
	"neko/internal/filestore"
	"neko/internal/toolregistry"
)

const maxReadBytes = 256 * 1024

type readFile struct {
	ws *Workspace
}

// NewReadFile returns the read_file tool.
func NewReadFile(ws *Workspace) toolregistry.Tool {
	return &readFile{ws: ws}
}

func (t *readFile) Definition() toolregistry.Definition {
	return toolregistry.Definition{
		Name:        "read_file",
		Description: "Read the contents of a file. Relative paths start at the current directory.",
		Parameters: toolregistry.ParameterSchema{
			Type: "object",
			Properties: map[string]toolregistry.Property{
				"path": {Type: "string", Description: "File path relative to workspace"},
			},
			Required: []string{"path"},
		},
		Source: "builtin",
	}
}

func (t *readFile) Execute(_ context.Context, call toolregistry.Call) (*toolregistry.Result, error) {
	path, err := t.ws.Resolve(call.SessionKey, toolregistry.StringArg(call.Arguments, "path"))
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nerrors.New(nerrors.KindNotFound, "read_file", "%s does not exist", t.ws.Rel(path))
		}
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxReadBytes+1))
	if err != nil {
		return nil, err
	}
	truncated := len(data) > maxReadBytes
	if truncated {
		data = data[:maxReadBytes]
	}
	if !utf8.Valid(data) && !truncated {
		return nil, nerrors.New(nerrors.KindExecutionError, "read_file", "%s is not a text file", t.ws.Rel(path))
	}
	content := string(data)
	if truncated {
		content += fmt.Sprintf("\n\n[truncated at %d bytes]", maxReadBytes)
	}
	return &toolregistry.Result{
		CallID:   call.ID,
		Content:  content,
		Metadata: map[string]any{"path": t.ws.Rel(path), "truncated": truncated},
	}, nil
}

type writeFile struct {
	ws *Workspace
}

// NewWriteFile returns the write_file tool.
func NewWriteFile(ws *Workspace) toolregistry.Tool {
	return &writeFile{ws: ws}
}

func (t *writeFile) Definition() toolregistry.Definition {
	return toolregistry.Definition{
		Name:        "write_file",
		Description: "Write content to a file. Creates parent directories if needed. Relative paths start at the current directory.",
		Parameters: toolregistry.ParameterSchema{
			Type: "object",
			Properties: map[string]toolregistry.Property{
				"path":    {Type: "string", Description: "File path relative to workspace"},
				"content": {Type: "string", Description: "Content to write"},
			},
			Required: []string{"path", "content"},
		},
		Source: "builtin",
	}
}

func (t *writeFile) Execute(_ context.Context, call toolregistry.Call) (*toolregistry.Result, error) {
	path, err := t.ws.ResolveWritable(call.SessionKey, toolregistry.StringArg(call.Arguments, "path"))
	if err != nil {
		return nil, err
	}
	content := toolregistry.RawStringArg(call.Arguments, "content")
	if err := filestore.AtomicWrite(path, []byte(content), 0o644); err != nil {
		return nil, err
	}
	return &toolregistry.Result{
		CallID:  call.ID,
		Content: fmt.Sprintf("Wrote %d bytes to %s", len(content), t.ws.Rel(path)),
	}, nil
}

type listFiles struct {
	ws *Workspace
}

// NewListFiles returns the list_files tool.
func NewListFiles(ws *Workspace) toolregistry.Tool {
	return &listFiles{ws: ws}
}

func (t *listFiles) Definition() toolregistry.Definition {
	return toolregistry.Definition{
		Name:        "list_files",
		Description: "List files and directories at the given path. Relative paths start at the current directory.",
		Parameters: toolregistry.ParameterSchema{
			Type: "object",
			Properties: map[string]toolregistry.Property{
				"path": {Type: "string", Description: "Directory path relative to workspace (default: .)"},
			},
		},
		Source: "builtin",
	}
}

func (t *listFiles) Execute(_ context.Context, call toolregistry.Call) (*toolregistry.Result, error) {
	raw := toolregistry.StringArg(call.Arguments, "path")
	if raw == "" {
		raw = "."
	}
	dir, err := t.ws.Resolve(call.SessionKey, raw)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nerrors.New(nerrors.KindNotFound, "list_files", "%s does not exist", t.ws.Rel(dir))
		}
		return nil, err
	}

	var result strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			fmt.Fprintf(&result, "[DIR]  %s\n", entry.Name())
			continue
		}
		size := int64(0)
		if info, err := entry.Info(); err == nil {
			size = info.Size()
		}
		fmt.Fprintf(&result, "[FILE] %s (%d bytes)\n", entry.Name(), size)
	}
	if result.Len() == 0 {
		result.WriteString("(empty directory)\n")
	}
	return &toolregistry.Result{CallID: call.ID, Content: result.String()}, nil
}
