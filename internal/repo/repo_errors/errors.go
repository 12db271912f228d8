package repo_errors

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrAlreadyExists   = errors.New("already exists")
	ErrDuplicateMatch  = errors.New("match record already exists for request and donor")
)
