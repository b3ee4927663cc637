// Package cond implements the Condition primitive: a reified boolean over a
// target object's attribute path, used to describe why a flow is obstructed.
package cond

import "reflect"

// Condition evaluates to Focus.Path(Parameter) when Path names a method, or
// to the value of Focus.Path when Path names a field. It exists purely to
// describe a pending clear to a caller deciding when to retry; it is never
// evaluated by the obstruction machinery itself.
type Condition struct {
	Focus     any
	Path      string
	Parameter any
	hasParam  bool
}

// New builds a Condition over focus.path, with no call parameter.
func New(focus any, path string) Condition {
	return Condition{Focus: focus, Path: path}
}

// NewWithParameter builds a Condition that calls focus.path(parameter).
func NewWithParameter(focus any, path string, parameter any) Condition {
	return Condition{Focus: focus, Path: path, Parameter: parameter, hasParam: true}
}

// Evaluate resolves the condition against its focus. It returns ok=false if
// the path cannot be resolved (missing field/method, wrong arity).
func (c Condition) Evaluate() (value any, ok bool) {
	if c.Focus == nil {
		return nil, false
	}
	v := reflect.ValueOf(c.Focus)
	m := v.MethodByName(c.Path)
	if m.IsValid() {
		var args []reflect.Value
		if c.hasParam {
			args = []reflect.Value{reflect.ValueOf(c.Parameter)}
		}
		if m.Type().NumIn() != len(args) {
			return nil, false
		}
		out := m.Call(args)
		if len(out) == 0 {
			return nil, true
		}
		return out[0].Interface(), true
	}
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, false
	}
	f := v.FieldByName(c.Path)
	if !f.IsValid() {
		return nil, false
	}
	return f.Interface(), true
}

// inexorableFocus is the focus of the Inexorable sentinel Condition, which
// is never true; it marks permanent obstructions that cannot be cleared.
type inexorableFocus struct{}

func (inexorableFocus) Never() bool { return false }

// Inexorable is the sentinel Condition used to mark a permanent obstruction.
var Inexorable = New(inexorableFocus{}, "Never")

// IsInexorable reports whether c is the Inexorable sentinel.
func IsInexorable(c Condition) bool {
	_, ok := c.Focus.(inexorableFocus)
	return ok && c.Path == "Never"
}
