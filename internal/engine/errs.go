package engine

import "fmt"

// InsufficientRightsError indicates the actor may not perform the operation.
type InsufficientRightsError struct {
	Msg string
}

func (e InsufficientRightsError) Error() string {
	return e.Msg
}

// DuplicateError indicates a uniqueness violation on create.
type DuplicateError struct {
	Msg string
}

func (e DuplicateError) Error() string {
	return e.Msg
}

// MalformedArgumentError indicates a structurally invalid input value.
type MalformedArgumentError struct {
	Msg string
}

func (e MalformedArgumentError) Error() string {
	return e.Msg
}

// ActionInProgressError indicates a pending backend action blocks the operation.
type ActionInProgressError struct {
	Msg string
}

func (e ActionInProgressError) Error() string {
	return e.Msg
}

// ConflictingRequestError indicates unfinished work blocks a state change.
type ConflictingRequestError struct {
	Msg string
}

func (e ConflictingRequestError) Error() string {
	return e.Msg
}

// BadRequestError indicates a semantically invalid request.
type BadRequestError struct {
	Msg string
}

func (e BadRequestError) Error() string {
	return e.Msg
}

// InsufficientStorageError indicates the storage volume cannot hold an upload.
type InsufficientStorageError struct {
	Err error
}

func (e InsufficientStorageError) Error() string {
	return fmt.Sprintf("can not create storage directory for uploaded file: %v", e.Err)
}

func (e InsufficientStorageError) Unwrap() error { return e.Err }
