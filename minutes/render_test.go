package minutes

import (
	"reflect"
	"strings"
	"testing"

	"github.com/kbukum/minutes/fusion"
	"github.com/kbukum/minutes/template"
)

func TestRender(t *testing.T) {
	vars := map[string]any{
		"date":      "2024-03-01",
		"count":     3,
		"names":     []string{"Ana", "Luis"},
		"empty":     "",
		"municipio": map[string]any{"name": "Pastaza"},
	}
	tests := []struct {
		name        string
		tmpl        string
		want        string
		wantMissing []string
	}{
		{"plain", "Fecha: {{date}}", "Fecha: 2024-03-01", nil},
		{"spaces", "Fecha: {{ date }}", "Fecha: 2024-03-01", nil},
		{"number", "{{count}} puntos", "3 puntos", nil},
		{"list", "Asistentes: {{names}}", "Asistentes: Ana, Luis", nil},
		{"dotted", "GAD de {{municipio.name}}", "GAD de Pastaza", nil},
		{"missing", "Lugar: {{location}}", "Lugar: [MISSING:location]", []string{"location"}},
		{"empty value is missing", "{{empty}}", "[MISSING:empty]", []string{"empty"}},
		{"map is missing", "{{municipio}}", "[MISSING:municipio]", []string{"municipio"}},
		{"missing listed once", "{{a}} {{b}} {{a}}", "[MISSING:a] [MISSING:b] [MISSING:a]", []string{"a", "b"}},
		{"no placeholders", "Texto fijo", "Texto fijo", nil},
		{"single braces untouched", "{date}", "{date}", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, missing := Render(tt.tmpl, vars)
			if got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
			if !reflect.DeepEqual(missing, tt.wantMissing) {
				t.Errorf("missing = %v, want %v", missing, tt.wantMissing)
			}
		})
	}
}

func TestPlaceholders(t *testing.T) {
	got := Placeholders("{{date}} {{ transcript }} {{date}} {{a.b}}")
	want := []string{"date", "transcript", "a.b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Placeholders() = %v, want %v", got, want)
	}
}

func TestAssembleDraft(t *testing.T) {
	results := []SectionResult{
		{SectionOrder: 1, Category: template.CategoryTitle, Body: "ACTA 12"},
		{SectionOrder: 2, Category: template.CategoryHeading, Body: "SESIÓN ORDINARIA"},
		{SectionOrder: 3, Category: template.CategoryAgenda, Body: "  Orden del día  "},
		{SectionOrder: 4, Category: template.CategoryOther, Body: ""},
		{SectionOrder: 5, Category: template.CategoryClosing, Body: "Se levanta la sesión."},
	}
	want := "ACTA 12\nSESIÓN ORDINARIA\n\nOrden del día\n\nSe levanta la sesión."
	if got := AssembleDraft(results); got != want {
		t.Errorf("AssembleDraft() = %q, want %q", got, want)
	}
	if got := AssembleDraft(nil); got != "" {
		t.Errorf("AssembleDraft(nil) = %q", got)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := map[float64]string{0: "0s", 45: "45s", 60: "1m", 5445.7: "1h 30m 45s", 7200: "2h"}
	for in, want := range tests {
		if got := FormatDuration(in); got != want {
			t.Errorf("FormatDuration(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestMeetingContextVars(t *testing.T) {
	doc := testDocument()

	t.Run("roster from context", func(t *testing.T) {
		m := MeetingContext{
			Date:         "2024-03-01",
			Participants: []fusion.Participant{{Order: 1, FullName: "Ana Ruiz", Role: "Alcaldesa"}, {Order: 2, FullName: "Luis Paz"}},
			Duration:     3725,
			Extra:        map[string]any{"municipio": "Pastaza", "date": "ignored"},
		}
		vars := m.Vars(doc)
		if vars["date"] != "2024-03-01" || vars["municipio"] != "Pastaza" {
			t.Errorf("vars = %v", vars)
		}
		if vars["participants"] != "Ana Ruiz, Luis Paz" {
			t.Errorf("participants = %v", vars["participants"])
		}
		if vars["participant_list"] != "- Ana Ruiz, Alcaldesa\n- Luis Paz" {
			t.Errorf("participant_list = %q", vars["participant_list"])
		}
		if vars["duration"] != "1h 2m 5s" || vars["language"] != "es" {
			t.Errorf("duration = %v, language = %v", vars["duration"], vars["language"])
		}
		if _, ok := vars["location"]; ok {
			t.Error("unset location should be absent")
		}
	})

	t.Run("speakers from transcript", func(t *testing.T) {
		vars := MeetingContext{}.Vars(doc)
		if vars["participants"] != "Alberto, Elizabeth" {
			t.Errorf("participants = %v", vars["participants"])
		}
		if !strings.HasPrefix(vars["participant_list"].(string), "- Alberto, Alcalde") {
			t.Errorf("participant_list = %q", vars["participant_list"])
		}
		if vars["duration_seconds"] != 70 || vars["file_id"] != "f-001" {
			t.Errorf("vars = %v", vars)
		}
	})
}
