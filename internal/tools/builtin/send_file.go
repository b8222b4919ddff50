package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"neko/internal/channels"
	nerrors "neko/internal/errors"
	"neko/internal/toolregistry"
)

// FileSender delivers attachments to a conversation's channel.
type FileSender interface {
	DeliverFile(ctx context.Context, addr channels.Address, file channels.Attachment) error
}

type sendFile struct {
	ws     *Workspace
	sender FileSender
}

// NewSendFile returns the send_file tool.
func NewSendFile(ws *Workspace, sender FileSender) toolregistry.Tool {
	return &sendFile{ws: ws, sender: sender}
}

func (t *sendFile) Definition() toolregistry.Definition {
	return toolregistry.Definition{
		Name:        "send_file",
		Description: "Send a workspace file to the user in the current chat. The MIME type is detected from the file contents unless given.",
		Parameters: toolregistry.ParameterSchema{
			Type: "object",
			Properties: map[string]toolregistry.Property{
				"path":      {Type: "string", Description: "File path relative to the current directory"},
				"mime_type": {Type: "string", Description: "Optional MIME type override, e.g. image/png"},
				"caption":   {Type: "string", Description: "Optional text shown with the file"},
			},
			Required: []string{"path"},
		},
		Source: "builtin",
	}
}

func (t *sendFile) Execute(ctx context.Context, call toolregistry.Call) (*toolregistry.Result, error) {
	if call.Origin == nil || call.Origin.IsZero() {
		return nil, nerrors.New(nerrors.KindInvalidTarget, "send_file", "no chat to send the file to")
	}
	path, err := t.ws.Resolve(call.SessionKey, toolregistry.StringArg(call.Arguments, "path"))
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nerrors.New(nerrors.KindNotFound, "send_file", "%s does not exist", t.ws.Rel(path))
		}
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, nerrors.New(nerrors.KindInvalidArguments, "send_file", "%s is not a regular file", t.ws.Rel(path))
	}

	mimeType := toolregistry.StringArg(call.Arguments, "mime_type")
	if mimeType == "" {
		mimeType, err = detectMIME(path)
		if err != nil {
			return nil, err
		}
	}
	file := channels.Attachment{
		Path:     path,
		Name:     filepath.Base(path),
		MIMEType: mimeType,
		Caption:  toolregistry.StringArg(call.Arguments, "caption"),
	}
	if err := t.sender.DeliverFile(ctx, *call.Origin, file); err != nil {
		return nil, err
	}
	rel := t.ws.Rel(path)
	return &toolregistry.Result{
		CallID:  call.ID,
		Content: fmt.Sprintf("Sent %s (%s)", rel, mimeType),
		Metadata: map[string]any{
			"path":      rel,
			"mime_type": mimeType,
			"bytes":     info.Size(),
		},
	}, nil
}

// detectMIME sniffs path and drops parameters such as charset.
func detectMIME(path string) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("detect type of %s: %w", filepath.Base(path), err)
	}
	base, _, _ := strings.Cut(mt.String(), ";")
	return strings.TrimSpace(base), nil
}
