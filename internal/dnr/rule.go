package dnr

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/xswitch/xswitch/internal/common"
)

type ActionType string

const ActionRedirect ActionType = "redirect"

type ResourceType string

const (
	ResourceMainFrame      ResourceType = "main_frame"
	ResourceSubFrame       ResourceType = "sub_frame"
	ResourceStylesheet     ResourceType = "stylesheet"
	ResourceScript         ResourceType = "script"
	ResourceXMLHTTPRequest ResourceType = "xmlhttprequest"
	ResourceOther          ResourceType = "other"
)

// RedirectResourceTypes is the fixed set every compiled rule applies to.
var RedirectResourceTypes = []ResourceType{
	ResourceScript,
	ResourceStylesheet,
	ResourceMainFrame,
	ResourceSubFrame,
	ResourceXMLHTTPRequest,
	ResourceOther,
}

const DefaultPriority = 1

// Rule is one record of the declarative rule table, in the table's own
// JSON shape.
type Rule struct {
	ID        int       `json:"id" validate:"min=1"`
	Priority  int       `json:"priority" validate:"min=1"`
	Action    Action    `json:"action"`
	Condition Condition `json:"condition"`
}

type Action struct {
	Type     ActionType `json:"type" validate:"oneof=redirect"`
	Redirect *Redirect  `json:"redirect,omitempty" validate:"required"`
}

type Redirect struct {
	RegexSubstitution string `json:"regexSubstitution"`
}

type Condition struct {
	RegexFilter   string         `json:"regexFilter" validate:"required"`
	ResourceTypes []ResourceType `json:"resourceTypes" validate:"min=1,dive,oneof=main_frame sub_frame stylesheet script xmlhttprequest other"`
}

func FromCompiled(r common.CompiledRule) Rule {
	types := make([]ResourceType, len(RedirectResourceTypes))
	copy(types, RedirectResourceTypes)
	return Rule{
		ID:       r.ID,
		Priority: DefaultPriority,
		Action: Action{
			Type:     ActionRedirect,
			Redirect: &Redirect{RegexSubstitution: r.Substitution},
		},
		Condition: Condition{
			RegexFilter:   r.From,
			ResourceTypes: types,
		},
	}
}

func FromCompiledAll(rules []common.CompiledRule) []Rule {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, FromCompiled(r))
	}
	return out
}

var validate = validator.New()

func (r *Rule) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: rule %d: %v", ErrInvalidRule, r.ID, err)
	}
	return nil
}
