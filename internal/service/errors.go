package service

import "errors"

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrBatchNotFound      = errors.New("batch not found")
	ErrJobAlreadyFinished = errors.New("job already finished")
	ErrUnknownServiceType = errors.New("unknown service type")
	ErrInvalidRequest     = errors.New("invalid inspection request")
	ErrShuttingDown       = errors.New("orchestrator is shutting down")
)
