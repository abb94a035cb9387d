package template

import (
	"fmt"
	"strings"

	"github.com/kbukum/minutes/errors"
	"github.com/kbukum/minutes/validation"
)

// Validate checks a template before it is registered: struct tags, unique
// section orders and a prompt on every dynamic section. Failures are
// INPUT_ERROR.
func (t Template) Validate() error {
	if err := validation.Validate(t); err != nil {
		if appErr, ok := errors.AsAppError(err); ok {
			return appErr.WithDetail("template", t.Code)
		}
		return err
	}

	orders := make([]int, 0, len(t.Sections))
	for _, s := range t.Sections {
		orders = append(orders, s.Order)
	}

	v := validation.New().Unique("sections.order", orders)
	for _, s := range t.Sections {
		field := fmt.Sprintf("sections[%d]", s.Order)
		v.Custom(!s.IsDynamic() || strings.TrimSpace(s.PromptTemplate) != "",
			field+".prompt_template", "is required for dynamic sections")
	}
	if appErr := v.Validate(); appErr != nil {
		return appErr.WithDetail("template", t.Code)
	}
	return nil
}
