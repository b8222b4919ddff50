package builtin

import (
	"context"
	"fmt"
	"strings"

	nerrors "neko/internal/errors"
	"neko/internal/scheduler"
	"neko/internal/toolregistry"
)

const cronPromptPreview = 60

type cronManage struct {
	svc *scheduler.Service
}

// NewCronManage returns the cron_manage tool. It drives the same service as
// the `neko cron` commands.
func NewCronManage(svc *scheduler.Service) toolregistry.Tool {
	return &cronManage{svc: svc}
}

func (t *cronManage) Definition() toolregistry.Definition {
	return toolregistry.Definition{
		Name: "cron_manage",
		Description: "Manage scheduled jobs. Actions: add (cron schedule or one-shot 'at' time), list, edit, remove. " +
			"Results of a job are announced to the current conversation unless announce is set.",
		Parameters: toolregistry.ParameterSchema{
			Type: "object",
			Properties: map[string]toolregistry.Property{
				"action":   {Type: "string", Description: "Operation to perform", Enum: []any{"add", "list", "edit", "remove"}},
				"prompt":   {Type: "string", Description: "Prompt the agent runs when the job fires (add, edit)"},
				"schedule": {Type: "string", Description: "Cron expression, 5 or 6 fields (add, edit)"},
				"at":       {Type: "string", Description: "One-shot time: RFC3339 or 'YYYY-MM-DD HH:MM' local (add, edit)"},
				"name":     {Type: "string", Description: "Human-readable job name"},
				"announce": {Type: "string", Description: "Delivery target like telegram:12345, or 'none'"},
				"id":       {Type: "string", Description: "Job id or name (edit, remove)"},
				"enabled":  {Type: "boolean", Description: "Enable or disable the job (edit)"},
			},
			Required: []string{"action"},
		},
		Source: "builtin",
	}
}

func (t *cronManage) Execute(ctx context.Context, call toolregistry.Call) (*toolregistry.Result, error) {
	switch action := toolregistry.StringArg(call.Arguments, "action"); action {
	case "add":
		return t.add(ctx, call)
	case "list":
		return t.list(ctx, call)
	case "edit":
		return t.edit(ctx, call)
	case "remove":
		return t.remove(ctx, call)
	default:
		return nil, nerrors.New(nerrors.KindInvalidArguments, "cron_manage", "unknown action %q", action)
	}
}

func (t *cronManage) add(ctx context.Context, call toolregistry.Call) (*toolregistry.Result, error) {
	job, err := t.svc.Add(ctx, scheduler.JobSpec{
		Prompt:   toolregistry.RawStringArg(call.Arguments, "prompt"),
		Name:     toolregistry.StringArg(call.Arguments, "name"),
		Cron:     toolregistry.StringArg(call.Arguments, "schedule"),
		At:       toolregistry.StringArg(call.Arguments, "at"),
		Announce: toolregistry.StringArg(call.Arguments, "announce"),
	}, call.Origin)
	if err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("Created cron job '%s' (id: %s). It will be picked up by the scheduler within 15 seconds.", job.Name, job.ID)
	if job.Announce != nil {
		msg += fmt.Sprintf(" Results go to %s.", job.Announce)
	}
	return &toolregistry.Result{
		CallID:   call.ID,
		Content:  msg,
		Metadata: map[string]any{"id": job.ID, "next_run": job.NextRun},
	}, nil
}

func (t *cronManage) list(ctx context.Context, call toolregistry.Call) (*toolregistry.Result, error) {
	jobs, err := t.svc.List(ctx, false)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return &toolregistry.Result{CallID: call.ID, Content: "No cron jobs."}, nil
	}
	var b strings.Builder
	for _, job := range jobs {
		announce := "none"
		if job.Announce != nil {
			announce = job.Announce.String()
		}
		fmt.Fprintf(&b, "- %s | %s | %s | %s | announce: %s | prompt: %s\n",
			job.ID, job.Name, job.State(), job.Schedule, announce, preview(job.Prompt, cronPromptPreview))
	}
	return &toolregistry.Result{CallID: call.ID, Content: b.String()}, nil
}

func (t *cronManage) edit(ctx context.Context, call toolregistry.Call) (*toolregistry.Result, error) {
	ref := toolregistry.StringArg(call.Arguments, "id")
	if ref == "" {
		return nil, nerrors.New(nerrors.KindInvalidArguments, "cron_manage", "id is required for edit")
	}
	var edit scheduler.JobEdit
	edit.Prompt = optionalString(call.Arguments, "prompt")
	edit.Name = optionalString(call.Arguments, "name")
	edit.Cron = optionalString(call.Arguments, "schedule")
	edit.At = optionalString(call.Arguments, "at")
	edit.Announce = optionalString(call.Arguments, "announce")
	if v, ok := call.Arguments["enabled"].(bool); ok {
		edit.Enabled = &v
	}

	job, err := t.svc.Edit(ctx, ref, edit)
	if err != nil {
		return nil, err
	}
	return &toolregistry.Result{
		CallID:  call.ID,
		Content: fmt.Sprintf("Updated job '%s'. State: %s, schedule: %s.", job.Name, job.State(), job.Schedule),
	}, nil
}

func (t *cronManage) remove(ctx context.Context, call toolregistry.Call) (*toolregistry.Result, error) {
	ref := toolregistry.StringArg(call.Arguments, "id")
	if ref == "" {
		return nil, nerrors.New(nerrors.KindInvalidArguments, "cron_manage", "id is required for remove")
	}
	job, err := t.svc.Remove(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &toolregistry.Result{CallID: call.ID, Content: fmt.Sprintf("Removed job '%s' (id: %s).", job.Name, job.ID)}, nil
}

// optionalString treats blank values as absent; models often send every
// property.
func optionalString(args map[string]any, key string) *string {
	v, _ := args[key].(string)
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func preview(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
