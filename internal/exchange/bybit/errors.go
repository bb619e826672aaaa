package bybit

import (
	"errors"

	"wavebot/internal/core"
)

const (
	retOK                  = 0
	retParamsError         = 10001
	retTooManyVisits       = 10006
	retOrderNotExists      = 110001
	retInsufficientBalance = 110004
	retAvailableTooLow     = 110007
	retOrderFinished       = 110008
	retQtyInvalid          = 110012
	retReduceOnlyNotMet    = 110017
	retPositionIdxMismatch = 110025
	retInsufficientMargin  = 110044
	retDuplicateLinkID     = 110072
)

var retCodeKinds = map[int]error{
	retTooManyVisits:       core.ErrRateLimited,
	retOrderNotExists:      core.ErrOrderNotFound,
	retOrderFinished:       core.ErrOrderNotFound,
	retInsufficientBalance: core.ErrInsufficientBalance,
	retAvailableTooLow:     core.ErrInsufficientBalance,
	retInsufficientMargin:  core.ErrInsufficientBalance,
	retReduceOnlyNotMet:    core.ErrReduceOnlyRejected,
	retDuplicateLinkID:     core.ErrDuplicateOrder,
	retQtyInvalid:          core.ErrOrderRejected,
	retPositionIdxMismatch: core.ErrOrderRejected,
	retParamsError:         core.ErrOrderRejected,
}

// classify joins the raw APIError with the core sentinel the code maps to,
// so callers can use errors.Is and still log the venue message.
func classify(code int, msg string) error {
	apiErr := APIError{Code: code, Msg: msg}
	kind, ok := retCodeKinds[code]
	if !ok {
		return apiErr
	}
	if kind == core.ErrReduceOnlyRejected || kind == core.ErrInsufficientBalance {
		return errors.Join(apiErr, core.ErrOrderRejected, kind)
	}
	return errors.Join(apiErr, kind)
}

func AsAPIError(err error) (APIError, bool) {
	if err == nil {
		return APIError{}, false
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}

func IsRetCode(err error, codes ...int) bool {
	apiErr, ok := AsAPIError(err)
	if !ok {
		return false
	}
	for _, code := range codes {
		if apiErr.Code == code {
			return true
		}
	}
	return false
}
