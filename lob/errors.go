package lob

import "errors"

// Sentinel errors returned by book operations (§4.10 Failure).
var (
	ErrBadInput     = errors.New("lob: bad input")
	ErrUnknownAsset = errors.New("lob: unknown asset")
	ErrWouldCross   = errors.New("lob: post-only order would cross")
	ErrOrderNotFound = errors.New("lob: order not found")
)
