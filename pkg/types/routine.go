package types

import "time"

// Block types. A routine is a tree of blocks; loop blocks carry a nested body.
const (
	BlockExercise = "exercise"
	BlockRest     = "rest"
	BlockLoop     = "loop"
)

// Routine is the remote workout routine document.
type Routine struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Name      string    `json:"name"`
	Blocks    []Block   `json:"blocks"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Block is one node of a routine's block tree.
type Block struct {
	Type        string  `json:"type"`
	ExerciseID  string  `json:"exerciseId,omitempty"`
	DurationSec int     `json:"durationSec,omitempty"`
	Reps        int     `json:"reps,omitempty"`
	Rounds      int     `json:"rounds,omitempty"` // Loop repetitions.
	Blocks      []Block `json:"blocks,omitempty"` // Loop body.
}

// Exercise is the remote exercise document. MediaURL is an inline playable
// URL; MediaPath is an object storage path that must be resolved first.
type Exercise struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MediaURL  string `json:"mediaUrl,omitempty"`
	MediaPath string `json:"mediaPath,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
}

// HasMedia reports whether the exercise references a clip at all.
func (e *Exercise) HasMedia() bool {
	return e.MediaURL != "" || e.MediaPath != ""
}

// ExerciseIDs returns the exercise ids referenced anywhere in the routine's
// block tree, loop bodies included. Each id appears once, in first-seen order.
func (r *Routine) ExerciseIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	var walk func(blocks []Block)
	walk = func(blocks []Block) {
		for _, b := range blocks {
			if b.ExerciseID != "" && !seen[b.ExerciseID] {
				seen[b.ExerciseID] = true
				ids = append(ids, b.ExerciseID)
			}
			if len(b.Blocks) > 0 {
				walk(b.Blocks)
			}
		}
	}
	walk(r.Blocks)
	return ids
}
