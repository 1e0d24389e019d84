package cndm

import "github.com/ehrlich-b/go-cndm/internal/constants"

// Re-export constants for public API
const (
	DefaultRingSize   = constants.DefaultRingSize
	DefaultPollBudget = constants.DefaultPollBudget
	DefaultPHCOffset  = constants.DefaultPHCOffset
	RxFillTarget      = constants.RxFillTarget
	RxFillBatch       = constants.RxFillBatch
	PageSize          = constants.PageSize
	EthHeaderLen      = constants.EthHeaderLen
)
