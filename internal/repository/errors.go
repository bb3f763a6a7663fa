package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrStatusTransitionDenied indicates a status write would move a deployment backwards
// or out of a terminal state.
var ErrStatusTransitionDenied = errors.New("repository: status transition denied")
