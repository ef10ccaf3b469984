package handler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/voku/bouncehandler/internal/config"
	"github.com/voku/bouncehandler/pkg/mock"
	"github.com/voku/bouncehandler/pkg/rules"
)

func TestComputeDisposition(t *testing.T) {
	tests := []struct {
		name   string
		cfg    config.Config
		result rules.Result
		want   Disposition
	}{
		{
			name:   "removable bounce is deleted",
			result: rules.Result{BounceType: rules.TypeHard, Remove: true},
			want:   DispositionDelete,
		},
		{
			name:   "non-removable bounce is left alone",
			result: rules.Result{BounceType: rules.TypeAntispam},
			want:   DispositionNone,
		},
		{
			name:   "disable-delete wins over remove",
			cfg:    config.Config{DisableDelete: true},
			result: rules.Result{BounceType: rules.TypeHard, Remove: true},
			want:   DispositionNone,
		},
		{
			name:   "move-hard wins over delete for hard bounces",
			cfg:    config.Config{MoveHard: true, DisableDelete: true},
			result: rules.Result{BounceType: rules.TypeHard, Remove: true},
			want:   DispositionMoveHard,
		},
		{
			name:   "move-hard does not capture soft bounces",
			cfg:    config.Config{MoveHard: true, DisableDelete: true},
			result: rules.Result{BounceType: rules.TypeSoft, Remove: true},
			want:   DispositionNone,
		},
		{
			name:   "move-soft captures soft bounces",
			cfg:    config.Config{MoveSoft: true},
			result: rules.Result{BounceType: rules.TypeSoft, Remove: true},
			want:   DispositionMoveSoft,
		},
		{
			name:   "move-soft leaves hard bounces to deletion",
			cfg:    config.Config{MoveSoft: true},
			result: rules.Result{BounceType: rules.TypeHard, Remove: true},
			want:   DispositionDelete,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, computeDisposition(tt.cfg, tt.result))
		})
	}
}

func TestDispositionString(t *testing.T) {
	assert.Equal(t, "none", DispositionNone.String())
	assert.Equal(t, "deleted", DispositionDelete.String())
	assert.Equal(t, "moved (hard)", DispositionMoveHard.String())
	assert.Equal(t, "moved (soft)", DispositionMoveSoft.String())
}

func TestRunPolicyMoveHardForcesDisableDelete(t *testing.T) {
	h := &Handler{
		cfg:    config.Config{MoveHard: true},
		logger: mock.SetupLogger(t),
	}

	cfg := h.runPolicy()
	assert.True(t, cfg.MoveHard)
	assert.True(t, cfg.DisableDelete)
}

func TestRunPolicyGmailDisablesMoves(t *testing.T) {
	h := &Handler{
		cfg:    config.Config{MoveHard: true, MoveSoft: true},
		host:   "imap.gmail.com",
		logger: mock.SetupLogger(t),
	}

	cfg := h.runPolicy()
	assert.False(t, cfg.MoveHard)
	assert.False(t, cfg.MoveSoft)
	// With the moves gone, deletion stays available.
	assert.False(t, cfg.DisableDelete)
}
