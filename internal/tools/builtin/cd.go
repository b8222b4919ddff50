package builtin

import (
	"context"

	"neko/internal/toolregistry"
)

type changeDir struct {
	ws *Workspace
}

// NewChangeDir returns the cd tool. The new directory applies to exec and
// the file tools for the rest of the session.
func NewChangeDir(ws *Workspace) toolregistry.Tool {
	return &changeDir{ws: ws}
}

func (t *changeDir) Definition() toolregistry.Definition {
	return toolregistry.Definition{
		Name:        "cd",
		Description: "Change the current directory for exec and the file tools. The directory must be inside the workspace.",
		Parameters: toolregistry.ParameterSchema{
			Type: "object",
			Properties: map[string]toolregistry.Property{
				"path": {Type: "string", Description: "Directory to change to, relative to the current directory"},
			},
			Required: []string{"path"},
		},
		Source: "builtin",
	}
}

func (t *changeDir) Execute(_ context.Context, call toolregistry.Call) (*toolregistry.Result, error) {
	dir, err := t.ws.Chdir(call.SessionKey, toolregistry.StringArg(call.Arguments, "path"))
	if err != nil {
		return nil, err
	}
	rel := t.ws.Rel(dir)
	return &toolregistry.Result{
		CallID:   call.ID,
		Content:  "Changed directory to " + rel,
		Metadata: map[string]any{"cwd": rel},
	}, nil
}
