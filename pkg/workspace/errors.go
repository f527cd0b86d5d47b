package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Stable failure categories for workspace and file operations. Tools put
// these in model-visible error strings, so they must not change shape.
const (
	// ErrorInvalidPath marks paths that are empty or cannot be resolved.
	ErrorInvalidPath = "invalid_path"
	// ErrorOutsideWorkspace marks paths that resolve past the guard root.
	ErrorOutsideWorkspace = "outside_workspace"
	ErrorPathNotFound     = "path_not_found"
	ErrorPermissionDenied = "permission_denied"
	ErrorIO               = "io_error"
	// ErrorAmbiguousEdit marks an edit whose old text matched more than once.
	ErrorAmbiguousEdit = "ambiguous_edit"
	// ErrorEditNotFound marks an edit whose old text matched nothing.
	ErrorEditNotFound = "edit_not_found"
)

// Error is a categorized workspace failure.
type Error struct {
	Category string
	Detail   string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return e.Category
	}

	return fmt.Sprintf("%s: %s", e.Category, e.Detail)
}

// NewError creates a categorized workspace error.
func NewError(category string, detail string) error {
	return &Error{Category: category, Detail: detail}
}

// CategoryFromError maps any error to its stable category. OS-level
// errors fold into the not-found/permission/io buckets.
func CategoryFromError(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrorPathNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrorPermissionDenied
	default:
		return ErrorIO
	}
}

// NormalizeIOError converts OS-level errors into categorized errors with
// detail text safe to show the model. Raw os.PathError strings carry
// absolute host paths, so not-found and permission failures get fixed
// phrasing instead.
func NormalizeIOError(err error, detail string) error {
	if err == nil {
		return nil
	}

	switch category := CategoryFromError(err); category {
	case ErrorPathNotFound:
		return NewError(category, "path does not exist")
	case ErrorPermissionDenied:
		return NewError(category, "operation not permitted")
	default:
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			return NewError(category, pathErr.Err.Error())
		}
		if detail == "" {
			detail = err.Error()
		}
		return NewError(category, detail)
	}
}
