package engine

import "errors"

var (
	ErrStopped   = errors.New("task engine stopped")
	ErrStopping  = errors.New("task engine stopping")
	ErrBusy      = errors.New("task engine: no free slot")
	ErrGroupBusy = errors.New("task engine: concurrency group at capacity")
	ErrSlotUsed  = errors.New("task engine: slot already used")
)
