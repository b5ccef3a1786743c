package pipeline

import (
	"testing"

	"kubegems.io/onnxq/pkg/types"
)

func TestStatesTransition(t *testing.T) {
	tests := []struct {
		name    string
		steps   [][2]types.ModelState
		wantErr bool
		want    types.ModelState
	}{
		{
			name:  "pending to succeeded",
			steps: [][2]types.ModelState{{types.ModelStatePending, types.ModelStateRunning}, {types.ModelStateRunning, types.ModelStateSucceeded}},
			want:  types.ModelStateSucceeded,
		},
		{
			name:  "pending to skipped",
			steps: [][2]types.ModelState{{types.ModelStatePending, types.ModelStateRunning}, {types.ModelStateRunning, types.ModelStateSkipped}},
			want:  types.ModelStateSkipped,
		},
		{
			name:    "pending straight to failed",
			steps:   [][2]types.ModelState{{types.ModelStatePending, types.ModelStateFailed}},
			wantErr: true,
			want:    types.ModelStatePending,
		},
		{
			name:    "terminal states are final",
			steps:   [][2]types.ModelState{{types.ModelStatePending, types.ModelStateRunning}, {types.ModelStateRunning, types.ModelStateFailed}, {types.ModelStateFailed, types.ModelStateRunning}},
			wantErr: true,
			want:    types.ModelStateFailed,
		},
		{
			name:    "stale from state",
			steps:   [][2]types.ModelState{{types.ModelStateRunning, types.ModelStateSucceeded}},
			wantErr: true,
			want:    types.ModelStatePending,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			states := NewStates([]string{"smogy"})
			var err error
			for _, step := range tt.steps {
				if err = states.Transition("smogy", step[0], step[1]); err != nil {
					break
				}
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("Transition() error = %v, wantErr %v", err, tt.wantErr)
			}
			if states["smogy"] != tt.want {
				t.Errorf("state = %s, want %s", states["smogy"], tt.want)
			}
		})
	}
}

func TestStatesUnknownModel(t *testing.T) {
	states := NewStates([]string{"smogy"})
	if err := states.Transition("umm_maybe", types.ModelStatePending, types.ModelStateRunning); err == nil {
		t.Error("Transition() accepted a model outside the run")
	}
}
