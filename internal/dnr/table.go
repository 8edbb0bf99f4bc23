package dnr

import (
	"context"
	"errors"
	"fmt"

	"github.com/xswitch/xswitch/internal/config"
)

var (
	ErrUnavailable = errors.New("declarative rule table unavailable")
	ErrInvalidRule = errors.New("invalid rule")
	ErrDuplicateID = errors.New("duplicate rule id")
	ErrRuleLimit   = errors.New("rule limit exceeded")
)

// Table is the privileged rule table. Every call may block on the host and
// each AddRules batch is applied entirely or not at all.
type Table interface {
	ListRuleIDs(ctx context.Context) ([]int, error)
	RemoveRules(ctx context.Context, ids []int) error
	AddRules(ctx context.Context, rules []Rule) error
}

// Resolver is implemented by tables that can report what they would do
// with a request.
type Resolver interface {
	Redirect(url string, resourceType ResourceType) (string, bool)
}

func New(cfg *config.Config) (Table, error) {
	switch cfg.Mechanism {
	case config.MechanismMemory:
		return NewMemoryTable(cfg.MaxRules), nil
	case config.MechanismUnavailable:
		return UnavailableTable{}, nil
	default:
		return nil, fmt.Errorf("unknown mechanism: %s", cfg.Mechanism)
	}
}

// UnavailableTable stands in for a host without the declarative API.
type UnavailableTable struct{}

func (UnavailableTable) ListRuleIDs(context.Context) ([]int, error) {
	return nil, ErrUnavailable
}

func (UnavailableTable) RemoveRules(context.Context, []int) error {
	return ErrUnavailable
}

func (UnavailableTable) AddRules(context.Context, []Rule) error {
	return ErrUnavailable
}
