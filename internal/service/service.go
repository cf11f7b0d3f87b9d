package service

import (
	"github.com/kolkov/pairsv/internal/process"
	"github.com/kolkov/pairsv/internal/supervisor"
)

// StatusService is what the status API needs from the supervisor.
type StatusService interface {
	State() supervisor.State
	Status() []process.Info
	Subscribe(fn func(supervisor.Event))
}

var _ StatusService = (*supervisor.Supervisor)(nil)
