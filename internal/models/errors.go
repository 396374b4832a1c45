package models

import "errors"

// Error taxonomy for the offer protocol. Callers classify with errors.Is;
// the HTTP layer maps each sentinel to a status code. Conflict and Expired
// are normal outcomes of the competitive accept flow, not failures.
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("requester does not own this offer")
	ErrConflict     = errors.New("offer is no longer pending")
	ErrExpired      = errors.New("offer expired")
	ErrInternal     = errors.New("internal error")
)
