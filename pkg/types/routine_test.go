package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoutineExerciseIDs(t *testing.T) {
	tests := []struct {
		name   string
		blocks []Block
		want   []string
	}{
		{
			name: "empty routine",
			want: nil,
		},
		{
			name: "flat exercises and rests",
			blocks: []Block{
				{Type: BlockExercise, ExerciseID: "e1"},
				{Type: BlockRest, DurationSec: 30},
				{Type: BlockExercise, ExerciseID: "e2"},
			},
			want: []string{"e1", "e2"},
		},
		{
			name: "duplicates collapse in first-seen order",
			blocks: []Block{
				{Type: BlockExercise, ExerciseID: "e2"},
				{Type: BlockExercise, ExerciseID: "e1"},
				{Type: BlockExercise, ExerciseID: "e2"},
			},
			want: []string{"e2", "e1"},
		},
		{
			name: "nested loop bodies are walked",
			blocks: []Block{
				{Type: BlockExercise, ExerciseID: "warmup"},
				{Type: BlockLoop, Rounds: 3, Blocks: []Block{
					{Type: BlockExercise, ExerciseID: "squat"},
					{Type: BlockLoop, Rounds: 2, Blocks: []Block{
						{Type: BlockExercise, ExerciseID: "lunge"},
						{Type: BlockExercise, ExerciseID: "warmup"},
					}},
				}},
			},
			want: []string{"warmup", "squat", "lunge"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Routine{ID: "r1", Blocks: tt.blocks}
			assert.Equal(t, tt.want, r.ExerciseIDs())
		})
	}
}

func TestExerciseHasMedia(t *testing.T) {
	assert.False(t, (&Exercise{ID: "e"}).HasMedia())
	assert.True(t, (&Exercise{ID: "e", MediaURL: "https://cdn/x.mp4"}).HasMedia())
	assert.True(t, (&Exercise{ID: "e", MediaPath: "exercises/x.mp4"}).HasMedia())
}
