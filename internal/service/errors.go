package service

import "errors"

var (
	ErrInvalidRequest    = errors.New("invalid blood request")
	ErrInvalidTransition = errors.New("status transition not allowed")
	ErrTerminalState     = errors.New("request is in a terminal state")
	ErrRequestNotFound   = errors.New("request not found")
	ErrDonorNotFound     = errors.New("donor not found")
	ErrInvalidDonor      = errors.New("invalid donor profile")
	ErrMatchNotFound     = errors.New("donor was not contacted for this request")
	ErrVersionConflict   = errors.New("request was modified concurrently, retries exhausted")

	ErrDuplicateContact        = errors.New("donor already contacted for this request")
	ErrDispatchFailure         = errors.New("donor notification failed")
	ErrInvalidResponse         = errors.New("invalid donor response")
	ErrResponseAlreadyRecorded = errors.New("donor response already recorded")
)
