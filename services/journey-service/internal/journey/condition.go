package journey

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

type Op string

const (
	OpEq        Op = "eq"
	OpNeq       Op = "neq"
	OpExists    Op = "exists"
	OpNotExists Op = "not_exists"
	OpContains  Op = "contains"
	OpIn        Op = "in"
)

// Condition tests one field. Fields are contact attribute names, "contact.phone",
// "enrollment.day" or "enrollment.attempts".
type Condition struct {
	Field  string   `json:"field"`
	Op     Op       `json:"op"`
	Value  string   `json:"value,omitempty"`
	Values []string `json:"values,omitempty"`
}

func (c Condition) validate() error {
	if strings.TrimSpace(c.Field) == "" {
		return fmt.Errorf("field is required")
	}
	switch c.Op {
	case OpEq, OpNeq, OpContains:
		return nil
	case OpExists, OpNotExists:
		return nil
	case OpIn:
		if len(c.Values) == 0 {
			return fmt.Errorf("op in needs values")
		}
		return nil
	default:
		return fmt.Errorf("unknown op %q", c.Op)
	}
}

// Matches evaluates c against the contact and enrollment.
func (c Condition) Matches(contact Contact, e Enrollment) bool {
	v, ok := lookup(c.Field, contact, e)
	switch c.Op {
	case OpExists:
		return ok
	case OpNotExists:
		return !ok
	case OpEq:
		return ok && v == c.Value
	case OpNeq:
		return !ok || v != c.Value
	case OpContains:
		return ok && strings.Contains(v, c.Value)
	case OpIn:
		return ok && slices.Contains(c.Values, v)
	default:
		return false
	}
}

// MatchAll reports whether every condition matches; an empty list matches.
func MatchAll(conds []Condition, contact Contact, e Enrollment) bool {
	for _, c := range conds {
		if !c.Matches(contact, e) {
			return false
		}
	}
	return true
}

// MatchAny reports whether at least one condition matches; an empty list does not.
func MatchAny(conds []Condition, contact Contact, e Enrollment) (Condition, bool) {
	for _, c := range conds {
		if c.Matches(contact, e) {
			return c, true
		}
	}
	return Condition{}, false
}

func lookup(field string, contact Contact, e Enrollment) (string, bool) {
	switch field {
	case "enrollment.day":
		return strconv.Itoa(e.Day), true
	case "enrollment.attempts":
		return strconv.Itoa(e.Attempts), true
	case "contact.phone":
		return contact.Phone, contact.Phone != ""
	}
	v, ok := contact.Attributes[field]
	return v, ok
}
