// Package template holds minutes templates: ordered lists of static and
// LLM-generated sections. Templates are plain data; the minutes package
// executes them.
package template

import (
	"cmp"
	"slices"
)

// Section kinds.
const (
	KindStatic  = "static"
	KindDynamic = "dynamic"
)

// Section categories. A heading section is joined to the next one without a
// blank line in the assembled draft.
const (
	CategoryHeading      = "heading"
	CategoryTitle        = "title"
	CategoryDateTime     = "date_time"
	CategoryParticipants = "participants"
	CategoryAgenda       = "agenda"
	CategoryIntroduction = "introduction"
	CategoryDevelopment  = "development"
	CategoryTranscript   = "transcript"
	CategorySummary      = "summary"
	CategoryAgreements   = "agreements"
	CategoryCommitments  = "commitments"
	CategoryClosing      = "closing"
	CategorySignatures   = "signatures"
	CategoryOther        = "other"
)

// Section is one unit of a template.
type Section struct {
	Order    int    `mapstructure:"order" json:"order" validate:"min=1"`
	Kind     string `mapstructure:"kind" json:"kind" validate:"oneof=static dynamic"`
	Name     string `mapstructure:"name" json:"name" validate:"required"`
	Category string `mapstructure:"category" json:"category"`

	// StaticBody is rendered with {{placeholder}} substitution. Static only.
	StaticBody string `mapstructure:"static_body" json:"static_body,omitempty"`

	// PromptTemplate is the user prompt sent to the provider. Dynamic only.
	PromptTemplate string `mapstructure:"prompt_template" json:"prompt_template,omitempty"`
	// SystemPrompt is merged into the provider's system channel.
	SystemPrompt string `mapstructure:"system_prompt" json:"system_prompt,omitempty"`
	// ProviderID selects a provider other than the template default.
	ProviderID string `mapstructure:"provider_id" json:"provider_id,omitempty"`
	// ParameterOverrides replaces provider parameters for this section
	// (model, temperature, max_tokens and extra keys such as top_p).
	ParameterOverrides map[string]any `mapstructure:"parameter_overrides" json:"parameter_overrides,omitempty"`

	// Required escalates an empty body to a run failure unless the caller
	// allows partial minutes.
	Required bool `mapstructure:"required" json:"required"`
}

// IsDynamic reports whether the section is generated by an LLM.
func (s Section) IsDynamic() bool { return s.Kind == KindDynamic }

// IsHeading reports whether the section belongs to the heading category.
func (s Section) IsHeading() bool { return s.Category == CategoryHeading }

// Template is an ordered set of sections plus an optional global prompt.
type Template struct {
	Code string `mapstructure:"code" json:"code" validate:"required"`
	Name string `mapstructure:"name" json:"name"`
	// Type is the session type the template is meant for (ordinary,
	// extraordinary, public hearing...).
	Type     string    `mapstructure:"type" json:"type"`
	Sections []Section `mapstructure:"sections" json:"sections" validate:"required,min=1,dive"`

	// GlobalPrompt, when set, rewrites the assembled draft in one more call.
	GlobalPrompt string `mapstructure:"global_prompt" json:"global_prompt,omitempty"`
	// DefaultProvider is used by sections without a ProviderID.
	DefaultProvider string `mapstructure:"default_provider" json:"default_provider,omitempty"`
}

// SortedSections returns a copy of the sections ordered by Order.
func (t Template) SortedSections() []Section {
	out := slices.Clone(t.Sections)
	slices.SortStableFunc(out, func(a, b Section) int { return cmp.Compare(a.Order, b.Order) })
	return out
}

// Partition splits the sections, in order, into static and dynamic ones.
func (t Template) Partition() (static, dynamic []Section) {
	for _, s := range t.SortedSections() {
		if s.IsDynamic() {
			dynamic = append(dynamic, s)
		} else {
			static = append(static, s)
		}
	}
	return static, dynamic
}

// HasGlobalPrompt reports whether a unification pass is configured.
func (t Template) HasGlobalPrompt() bool { return t.GlobalPrompt != "" }
