package service

import "errors"

var (
	IllegalTransitionError = errors.New("illegal transition of checkout status")
)
