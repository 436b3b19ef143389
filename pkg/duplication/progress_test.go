package duplication

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/dd0wney/cluso-replication/pkg/replica"
)

func TestProgressUpdateMerges(t *testing.T) {
	tests := []struct {
		name          string
		start         replica.Decree
		deltas        []Progress
		wantConfirmed replica.Decree
		wantLast      replica.Decree
	}{
		{
			name:          "confirmed advances",
			start:         5,
			deltas:        []Progress{{LastDecree: 10, ConfirmedDecree: 7}},
			wantConfirmed: 7,
			wantLast:      10,
		},
		{
			name:  "stale last decree is ignored",
			start: 5,
			deltas: []Progress{
				{LastDecree: 10, ConfirmedDecree: replica.InvalidDecree},
				{LastDecree: 8, ConfirmedDecree: 8},
			},
			wantConfirmed: 8,
			wantLast:      10,
		},
		{
			name:  "invalid fields carry no information",
			start: 5,
			deltas: []Progress{
				{LastDecree: replica.InvalidDecree, ConfirmedDecree: replica.InvalidDecree},
			},
			wantConfirmed: 5,
			wantLast:      5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newProgressTracker(tt.start)
			for _, d := range tt.deltas {
				tr.Update(d)
			}
			p := tr.Get()
			if p.ConfirmedDecree != tt.wantConfirmed {
				t.Errorf("confirmed = %d, want %d", p.ConfirmedDecree, tt.wantConfirmed)
			}
			if p.LastDecree != tt.wantLast {
				t.Errorf("last = %d, want %d", p.LastDecree, tt.wantLast)
			}
		})
	}
}

func TestProgressRegressionPanics(t *testing.T) {
	tr := newProgressTracker(10)

	defer func() {
		if recover() == nil {
			t.Fatal("expected a regressing confirmed decree to panic")
		}
	}()
	tr.Update(Progress{LastDecree: replica.InvalidDecree, ConfirmedDecree: 9})
}

// TestProgressMonotonicity drives the tracker with arbitrary update
// sequences and checks that both fields only ever move forward and that
// confirmed never passes last.
func TestProgressMonotonicity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("progress fields are non-decreasing and consistent", prop.ForAll(
		func(steps []int64) bool {
			tr := newProgressTracker(0)
			prev := tr.Get()
			for _, step := range steps {
				confirmed := prev.ConfirmedDecree + replica.Decree(step%5)
				last := confirmed + replica.Decree(step%7)
				tr.Update(Progress{LastDecree: last, ConfirmedDecree: confirmed})

				p := tr.Get()
				if p.ConfirmedDecree < prev.ConfirmedDecree || p.LastDecree < prev.LastDecree {
					return false
				}
				if p.ConfirmedDecree > p.LastDecree {
					return false
				}
				prev = p
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(0, 1000)),
	))

	properties.TestingRun(t)
}
