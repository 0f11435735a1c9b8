package catalog

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("product not found")

// FatalUpsertError means the products table cannot take writes in any form
// the engine knows. Retrying will not help.
type FatalUpsertError struct {
	Reason string
	Err    error
}

func (e *FatalUpsertError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("catalog upsert: %s: %v", e.Reason, e.Err)
	}
	return "catalog upsert: " + e.Reason
}

func (e *FatalUpsertError) Unwrap() error { return e.Err }

func IsFatal(err error) bool {
	var fatal *FatalUpsertError
	return errors.As(err, &fatal)
}
