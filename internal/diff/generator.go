package diff

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Generator renders unified-style patches between two versions of a file.
type Generator struct {
	colorEnabled bool
}

// NewGenerator creates a new diff generator
func NewGenerator(colorEnabled bool) *Generator {
	return &Generator{colorEnabled: colorEnabled}
}

// Result contains the generated diff and statistics
type Result struct {
	Unified      string
	AddedLines   int
	DeletedLines int
}

// Generate creates a patch between old and new content.
func (g *Generator) Generate(oldContent, newContent, filename string) Result {
	if oldContent == newContent {
		return Result{}
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldContent, newContent, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	patches := dmp.PatchMake(oldContent, diffs)

	added, deleted := countChanges(diffs)
	return Result{
		Unified:      g.format(dmp.PatchToText(patches), filename),
		AddedLines:   added,
		DeletedLines: deleted,
	}
}

func (g *Generator) format(patchText, filename string) string {
	var b strings.Builder
	b.WriteString(g.colorize("--- a/"+filename+"\n", color.FgRed))
	b.WriteString(g.colorize("+++ b/"+filename+"\n", color.FgGreen))

	for _, line := range strings.Split(patchText, "\n") {
		// PatchToText escapes content; undo it for display.
		line = unescape(line)
		switch {
		case strings.HasPrefix(line, "@@"):
			b.WriteString(g.colorize(line+"\n", color.FgCyan))
		case strings.HasPrefix(line, "+"):
			b.WriteString(g.colorize(line+"\n", color.FgGreen))
		case strings.HasPrefix(line, "-"):
			b.WriteString(g.colorize(line+"\n", color.FgRed))
		case line != "":
			b.WriteString(line + "\n")
		}
	}
	return b.String()
}

func unescape(line string) string {
	r := strings.NewReplacer("%0A", "↵", "%25", "%", "%20", " ")
	return r.Replace(line)
}

func countChanges(diffs []diffmatchpatch.Diff) (added, deleted int) {
	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		if !strings.HasSuffix(d.Text, "\n") {
			n++
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			deleted += n
		}
	}
	return added, deleted
}

func (g *Generator) colorize(text string, attr color.Attribute) string {
	if !g.colorEnabled {
		return text
	}
	return color.New(attr).Sprint(text)
}

// Summary returns a short human-readable description of the change.
func (r Result) Summary() string {
	if r.AddedLines == 0 && r.DeletedLines == 0 {
		return "No changes"
	}
	return fmt.Sprintf("+%d -%d lines", r.AddedLines, r.DeletedLines)
}
