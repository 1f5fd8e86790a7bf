package roster

import (
	"github.com/agentworkforce/rosterfile/internal/docstore"
	"github.com/pkg/errors"
)

var (
	// ErrDuplicate reports a create that collides with an existing class or nis.
	ErrDuplicate = errors.New("duplicate")

	ErrNotFound     = docstore.ErrNotFound
	ErrInvalidInput = docstore.ErrInvalidInput
)

func invalidf(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidInput, format, args...)
}

func notFoundf(format string, args ...any) error {
	return errors.Wrapf(ErrNotFound, format, args...)
}
