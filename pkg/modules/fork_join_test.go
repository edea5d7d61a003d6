package modules

import (
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/scottdavis/nnflow/pkg/core"
	"github.com/scottdavis/nnflow/pkg/errors"
	"github.com/scottdavis/nnflow/pkg/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFork(t *testing.T) {
	t.Run("split appends one branch tag per lineage", func(t *testing.T) {
		config := testConfig()
		in := NewInput(uuid.New(), config)
		fork := NewFork(uuid.New(), "Split", Split{Parts: 2}, config)
		out := NewOutput(uuid.New(), config)
		chain(in, fork, out)

		rec := newRecorder()
		out.AddForwardListener(rec)

		tags := []string{"batch"}
		in.Input(vec(1, 2, 3, 4), tags...)

		got := map[string][]float32{}
		for i := 0; i < 2; i++ {
			e := rec.next(t)
			require.Len(t, e.tags, 2)
			assert.Equal(t, "batch", e.tags[0])
			got[e.tags[1]] = e.tensor.Data()
		}
		assert.Equal(t, map[string][]float32{
			"Split_0": {1, 2},
			"Split_1": {3, 4},
		}, got)
		assert.Equal(t, []string{"batch"}, tags)
	})

	t.Run("grid crops", func(t *testing.T) {
		input := tensor.New(4, 4)
		for i := range input.Data() {
			input.Data()[i] = float32(i)
		}

		crops, err := Grid{X: 2, Y: 2, StrideX: 2, StrideY: 2}.Partition(input)
		require.NoError(t, err)

		ids := make([]string, 0, len(crops))
		for id := range crops {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		assert.Equal(t, []string{"Grid_0_0", "Grid_0_1", "Grid_1_0", "Grid_1_1"}, ids)

		// i walks x, j walks y
		assert.Equal(t, []float32{2, 3, 6, 7}, crops["Grid_1_0"].Data())
		assert.Equal(t, []float32{8, 9, 12, 13}, crops["Grid_0_1"].Data())
		assert.Equal(t, []int{2, 2}, crops["Grid_0_0"].Dims())

		overlapping, err := Grid{X: 3, Y: 3, StrideX: 1, StrideY: 1}.Partition(input)
		require.NoError(t, err)
		assert.Len(t, overlapping, 4)

		_, err = Grid{X: 5, Y: 1, StrideX: 1, StrideY: 1}.Partition(input)
		assert.Equal(t, errors.InvalidInput, errors.CodeOf(err))
	})

	t.Run("backward is unsupported", func(t *testing.T) {
		fork := NewFork(uuid.New(), "Split", Split{Parts: 2}, testConfig())
		errs := newRecorder()
		fork.AddErrorListener(errs)

		fork.Backward(uuid.New(), vec(1), "t")

		e := errs.next(t)
		assert.ErrorIs(t, e.err, core.ErrUnsupportedOperation)
		assert.Equal(t, errors.Unsupported, errors.CodeOf(e.err))
		assert.Equal(t, []string{"t"}, e.tags)
	})

	t.Run("split rejects uneven input", func(t *testing.T) {
		fork := NewFork(uuid.New(), "Split", Split{Parts: 3}, testConfig())
		errs := newRecorder()
		fork.AddErrorListener(errs)

		fork.Forward(uuid.New(), vec(1, 2))
		require.Error(t, errs.next(t).err)
	})
}

func newJoinFixture(t *testing.T, combiner Combiner, mode core.Mode) (*Join, *Input, *Input, *recorder) {
	t.Helper()
	config := testConfig()
	p1 := NewInput(uuid.New(), config)
	p2 := NewInput(uuid.New(), config)
	join := NewJoin(uuid.New(), "Join", combiner, config)
	join.SetMode(mode)
	out := NewOutput(uuid.New(), config)

	join.SetPrevious(p1, p2)
	join.SetNext(out)
	out.SetPrevious(join)
	p1.SetNext(join)
	p2.SetNext(join)

	rec := newRecorder()
	out.AddForwardListener(rec)
	return join, p1, p2, rec
}

func TestJoin(t *testing.T) {
	t.Run("wait for all fires once per barrier", func(t *testing.T) {
		join, p1, p2, rec := newJoinFixture(t, Concat{}, core.Blocking|core.WaitForAll)

		join.Forward(p1.ID(), vec(1))
		rec.none(t)
		join.Forward(p2.ID(), vec(2))
		assert.Equal(t, []float32{1, 2}, rec.next(t).tensor.Data())
		rec.none(t)
	})

	t.Run("wait for all uses the latest value of a repeated sender", func(t *testing.T) {
		join, p1, p2, rec := newJoinFixture(t, Concat{}, core.Blocking|core.WaitForAll)

		join.Forward(p1.ID(), vec(1))
		join.Forward(p1.ID(), vec(10))
		rec.none(t)
		join.Forward(p2.ID(), vec(2))
		assert.Equal(t, []float32{10, 2}, rec.next(t).tensor.Data())
		rec.none(t)

		// flags were cleared by the firing
		join.Forward(p2.ID(), vec(3))
		rec.none(t)
		join.Forward(p1.ID(), vec(4))
		assert.Equal(t, []float32{4, 3}, rec.next(t).tensor.Data())
	})

	t.Run("best effort recomputes on every arrival", func(t *testing.T) {
		join, p1, p2, rec := newJoinFixture(t, Add{}, core.Blocking)

		join.Forward(p1.ID(), vec(1, 1))
		rec.none(t)
		join.Forward(p2.ID(), vec(2, 3))
		assert.Equal(t, []float32{3, 4}, rec.next(t).tensor.Data())
		join.Forward(p1.ID(), vec(5, 5))
		assert.Equal(t, []float32{7, 8}, rec.next(t).tensor.Data())
	})

	t.Run("concurrent arrivals through the graph", func(t *testing.T) {
		_, p1, p2, rec := newJoinFixture(t, Add{}, core.Blocking|core.WaitForAll)

		for i := 0; i < 20; i++ {
			go p1.Input(vec(1))
			go p2.Input(vec(2))
			assert.Equal(t, []float32{3}, rec.next(t).tensor.Data())
		}
	})

	t.Run("unknown sender", func(t *testing.T) {
		join, _, _, _ := newJoinFixture(t, Concat{}, core.Blocking)
		errs := newRecorder()
		join.AddErrorListener(errs)

		join.Forward(uuid.New(), vec(1))
		assert.ErrorIs(t, errs.next(t).err, ErrUnknownSender)
	})

	t.Run("backward splits the gradient per prev", func(t *testing.T) {
		join, p1, p2, rec := newJoinFixture(t, Concat{}, core.Blocking|core.WaitForAll)
		g1, g2 := newRecorder(), newRecorder()
		p1.AddBackwardListener(g1)
		p2.AddBackwardListener(g2)

		p1.Input(tensor.MustFromData([]float32{1, 2}, 2))
		p2.Input(tensor.MustFromData([]float32{3}, 1))
		assert.Equal(t, []float32{1, 2, 3}, rec.next(t).tensor.Data())

		join.Backward(uuid.New(), vec(0.1, 0.2, 0.3), "g")
		e1, e2 := g1.next(t), g2.next(t)
		assert.InDeltaSlice(t, []float32{0.1, 0.2}, e1.tensor.Data(), 1e-6)
		assert.InDeltaSlice(t, []float32{0.3}, e2.tensor.Data(), 1e-6)
		assert.Equal(t, []string{"g"}, e1.tags)
	})

	t.Run("rewiring keeps inputs of surviving prevs", func(t *testing.T) {
		join, p1, p2, rec := newJoinFixture(t, Add{}, core.Blocking)
		join.Forward(p1.ID(), vec(1))

		p3 := NewInput(uuid.New(), testConfig())
		join.SetPrevious(p1, p2, p3)
		join.Forward(p2.ID(), vec(2))
		rec.none(t)
		join.Forward(p3.ID(), vec(3))
		assert.Equal(t, []float32{6}, rec.next(t).tensor.Data())
	})
}
