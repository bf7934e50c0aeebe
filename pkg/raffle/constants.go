package raffle

const (
	operationReserve   = "reserve"
	operationConfirm   = "confirm"
	operationRelease   = "release"
	operationSweep     = "sweep"
	operationSetWinner = "set_winner"
	operationSeed      = "seed"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)
