package generation

import (
	"strings"

	apperrors "github.com/target/sopline/internal/errors"
)

// Template describes the shape of a generated document.
type Template struct {
	Title    string   `json:"title"`
	Sections []string `json:"sections"`
	Format   string   `json:"format"`
}

var templates = []Template{
	{
		Title: "Standard Operating Procedure",
		Sections: []string{
			"Purpose",
			"Scope",
			"Responsibilities",
			"Procedure",
			"Safety Considerations",
			"Quality Control",
			"References",
		},
		Format: "markdown",
	},
	{
		Title:    "Quick Reference Guide",
		Sections: []string{"Overview", "Steps", "Tips", "Troubleshooting"},
		Format:   "markdown",
	},
}

// Templates returns every available template, indexed by template number.
func Templates() []Template {
	out := make([]Template, len(templates))
	copy(out, templates)
	return out
}

// TemplateAt returns the template for index or a validation error.
func TemplateAt(index int) (Template, error) {
	if index < 0 || index >= len(templates) {
		return Template{}, apperrors.ValidationField("template", "unknown template")
	}
	return templates[index], nil
}

// MissingSections lists the template headings that do not appear in doc, compared case-insensitively.
func (t Template) MissingSections(doc string) []string {
	lower := strings.ToLower(doc)
	var missing []string
	for _, s := range t.Sections {
		if !strings.Contains(lower, strings.ToLower(s)) {
			missing = append(missing, s)
		}
	}
	return missing
}

func (t Template) prompt(transcript string) string {
	var b strings.Builder
	b.WriteString("Please create a ")
	b.WriteString(t.Title)
	b.WriteString(" based on the following video transcription.\n")
	b.WriteString("Use the following sections: ")
	b.WriteString(strings.Join(t.Sections, ", "))
	b.WriteString(".\nFormat the output in ")
	b.WriteString(t.Format)
	b.WriteString(".\n\nTranscription:\n")
	b.WriteString(transcript)
	b.WriteString("\n\nRequirements:\n")
	b.WriteString("1. Be clear and concise\n")
	b.WriteString("2. Use bullet points where appropriate\n")
	b.WriteString("3. Include specific steps and measurements\n")
	b.WriteString("4. Add safety warnings where necessary\n")
	b.WriteString("5. Include quality check points\n")
	b.WriteString("6. Use each section name as a heading\n")
	return b.String()
}
