package config

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue/errors"
)

// ValidationError is one problem found while loading or validating a
// document, with its source position when CUE knows it.
type ValidationError struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (e ValidationError) Error() string {
	switch {
	case e.File != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}

// ValidationErrors converts a CUE error, which may hold several, into
// ValidationError values. Other errors become a single entry.
func ValidationErrors(err error) []ValidationError {
	if err == nil {
		return nil
	}
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Message:  errors.Details(e, nil),
			Severity: "error",
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error(), Severity: "error"})
	}
	return out
}
