package handler

import (
	"github.com/voku/bouncehandler/internal/config"
	"github.com/voku/bouncehandler/pkg/rules"
)

// Disposition is what the engine decided to do with a classified message.
type Disposition int

const (
	DispositionNone Disposition = iota
	DispositionDelete
	DispositionMoveHard
	DispositionMoveSoft
)

func (d Disposition) String() string {
	switch d {
	case DispositionDelete:
		return "deleted"
	case DispositionMoveHard:
		return "moved (hard)"
	case DispositionMoveSoft:
		return "moved (soft)"
	default:
		return "none"
	}
}

// computeDisposition applies the disposition precedence. The caller has
// already normalized the policy, in particular move-hard forcing
// disable-delete for the run.
func computeDisposition(cfg config.Config, result rules.Result) Disposition {
	switch {
	case cfg.MoveHard && result.BounceType == rules.TypeHard:
		return DispositionMoveHard
	case cfg.MoveSoft && result.BounceType == rules.TypeSoft:
		return DispositionMoveSoft
	case cfg.DisableDelete:
		return DispositionNone
	case result.Remove:
		return DispositionDelete
	default:
		return DispositionNone
	}
}
