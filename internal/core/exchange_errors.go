package core

import "errors"

var (
	// ErrInsufficientBalance indicates the venue rejected the action due to insufficient margin.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicateOrder indicates the order link id has already been accepted before.
	ErrDuplicateOrder = errors.New("duplicate order")
	// ErrOrderNotFound indicates the order does not exist on the venue or is already final.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderRejected indicates the order was rejected by the venue.
	ErrOrderRejected = errors.New("order rejected")
	// ErrReduceOnlyRejected indicates a reduce-only order would have increased the position.
	ErrReduceOnlyRejected = errors.New("reduce-only rejected")
	// ErrRateLimited indicates the venue throttled the request.
	ErrRateLimited = errors.New("rate limited")
)
