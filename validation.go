// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package persist

import (
	"fmt"
	"strings"

	"github.com/featurebasedb/persist/errors"
)

// maxValidationPasses bounds the number of passes over objects created or
// modified by validation hooks during one commit.
const maxValidationPasses = 16

// Validating is implemented by persistent types that check themselves before
// they are committed. ValidateForSave may change the object's context, for
// example by creating related objects; those objects are validated and
// committed in the same commit.
type Validating interface {
	ValidateForSave(result *ValidationResult)
}

// ValidationFailure describes one failed check.
type ValidationFailure struct {
	Source   Persistent
	Property string
	Message  string
}

func (f ValidationFailure) String() string {
	if f.Property == "" {
		return f.Message
	}
	return fmt.Sprintf("%s: %s", f.Property, f.Message)
}

// ValidationResult collects the failures reported by validation hooks.
type ValidationResult struct {
	failures []ValidationFailure
}

// AddFailure records a failure of property of source.
func (r *ValidationResult) AddFailure(source Persistent, property, message string) {
	r.failures = append(r.failures, ValidationFailure{Source: source, Property: property, Message: message})
}

func (r *ValidationResult) HasFailures() bool { return len(r.failures) > 0 }

func (r *ValidationResult) Failures() []ValidationFailure {
	return append([]ValidationFailure(nil), r.failures...)
}

// FailuresFor returns the failures reported for source.
func (r *ValidationResult) FailuresFor(source Persistent) []ValidationFailure {
	var out []ValidationFailure
	for _, f := range r.failures {
		if f.Source == source {
			out = append(out, f)
		}
	}
	return out
}

// ValidationError is returned by a commit rejected by validation. Nothing
// was written; the commit may be retried once the failures are corrected.
type ValidationError struct {
	Result *ValidationResult
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Result.failures))
	for _, f := range e.Result.failures {
		msgs = append(msgs, f.String())
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// validateChanges runs validation hooks over new and modified objects until
// no hook introduces another object to validate.
func (oc *ObjectContext) validateChanges() error {
	result := &ValidationResult{}
	validated := make(map[Persistent]bool)
	for pass := 0; ; pass++ {
		var todo []Persistent
		for _, obj := range oc.store.DirtyObjects() {
			switch obj.PersistenceState() {
			case StateNew, StateModified:
				if !validated[obj] {
					todo = append(todo, obj)
				}
			}
		}
		if len(todo) == 0 {
			break
		}
		if pass == maxValidationPasses {
			return errors.Newf(ErrValidationLoop, "validation still changing objects after %d passes", maxValidationPasses)
		}
		for _, obj := range todo {
			validated[obj] = true
			if v, ok := obj.(Validating); ok {
				v.ValidateForSave(result)
			}
		}
	}
	if result.HasFailures() {
		return errors.WrapCode(&ValidationError{Result: result}, ErrValidation, "validating changes")
	}
	return nil
}
