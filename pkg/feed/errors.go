package feed

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedContentType = errors.New("unsupported content type")
	ErrEmptyFeed              = errors.New("feed contains no records")
)

// ParseError rejects a whole feed. It is never retried.
type ParseError struct {
	Format string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s feed: %s: %v", e.Format, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s feed: %s", e.Format, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

func IsParseError(err error) bool {
	var parseErr *ParseError
	return errors.As(err, &parseErr)
}
