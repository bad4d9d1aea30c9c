package dedupe_test

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statekit/statekit/lib/backend/engines/memory"
	"github.com/statekit/statekit/lib/middleware/dedupe"
	"github.com/statekit/statekit/lib/pipeline"
)

// countingHandler wraps the base executor and counts the sets reaching it.
type countingHandler struct {
	sets int
}

func newTestChain(t *testing.T, opts *dedupe.Options) (*pipeline.Pipeline, *countingHandler) {
	t.Helper()
	api := pipeline.NewAPI("dedupe-test", memory.NewMemoryBackend(), slog.Default(), nil, nil)
	p := pipeline.New(api)

	counter := &countingHandler{}
	require.NoError(t, p.Use(dedupe.New(opts)))
	require.NoError(t, p.Use(counterMW{counter}))
	return p, counter
}

type counterMW struct{ c *countingHandler }

func (counterMW) Name() string { return "counter" }

func (m counterMW) Reduce(api *pipeline.API) func(next pipeline.Handler) pipeline.Handler {
	return func(next pipeline.Handler) pipeline.Handler {
		return func(a *pipeline.Action) (any, error) {
			if a.Type == pipeline.ActionSet {
				m.c.sets++
			}
			return next(a)
		}
	}
}

func TestRepeatedSetIsDropped(t *testing.T) {
	p, counter := newTestChain(t, nil)

	res, err := p.Dispatch(pipeline.NewSetAction("a", 1))
	require.NoError(t, err)
	assert.Equal(t, 1, res)

	res, err = p.Dispatch(pipeline.NewSetAction("a", 1))
	require.NoError(t, err)
	unchanged, ok := res.(pipeline.Unchanged)
	require.True(t, ok)
	assert.Equal(t, 1, unchanged.Prev)

	assert.Equal(t, 1, counter.sets)
}

func TestChangedValuePasses(t *testing.T) {
	p, counter := newTestChain(t, nil)

	_, err := p.Dispatch(pipeline.NewSetAction("a", 1))
	require.NoError(t, err)
	_, err = p.Dispatch(pipeline.NewSetAction("a", 2))
	require.NoError(t, err)
	_, err = p.Dispatch(pipeline.NewSetAction("a", 1))
	require.NoError(t, err)

	assert.Equal(t, 3, counter.sets)
}

func TestShallowCompareByDefault(t *testing.T) {
	p, counter := newTestChain(t, nil)

	// distinct nested maps with equal content are NOT shallow-equal
	_, err := p.Dispatch(pipeline.NewSetAction("cfg", map[string]any{"inner": map[string]any{"x": 1}}))
	require.NoError(t, err)
	_, err = p.Dispatch(pipeline.NewSetAction("cfg", map[string]any{"inner": map[string]any{"x": 1}}))
	require.NoError(t, err)
	assert.Equal(t, 2, counter.sets)

	// flat maps with equal scalar entries ARE shallow-equal
	_, err = p.Dispatch(pipeline.NewSetAction("flat", map[string]any{"x": 1}))
	require.NoError(t, err)
	res, err := p.Dispatch(pipeline.NewSetAction("flat", map[string]any{"x": 1}))
	require.NoError(t, err)
	_, ok := res.(pipeline.Unchanged)
	assert.True(t, ok)
}

func TestCustomComparator(t *testing.T) {
	always := func(old, new any) bool { return true }
	p, counter := newTestChain(t, &dedupe.Options{Equal: always})

	_, err := p.Dispatch(pipeline.NewSetAction("a", 1))
	require.NoError(t, err)
	res, err := p.Dispatch(pipeline.NewSetAction("a", 999))
	require.NoError(t, err)
	_, ok := res.(pipeline.Unchanged)
	assert.True(t, ok)
	assert.Equal(t, 1, counter.sets)
}

func TestSegmentsFilter(t *testing.T) {
	p, counter := newTestChain(t, &dedupe.Options{Segments: []string{"tracked"}})

	for i := 0; i < 2; i++ {
		_, err := p.Dispatch(pipeline.NewSetAction("tracked", "same"))
		require.NoError(t, err)
		_, err = p.Dispatch(pipeline.NewSetAction("free", "same"))
		require.NoError(t, err)
	}

	// tracked deduped to 1, free passed twice
	assert.Equal(t, 3, counter.sets)
}

func TestDeleteInvalidatesCache(t *testing.T) {
	p, counter := newTestChain(t, nil)

	_, err := p.Dispatch(pipeline.NewSetAction("a", 1))
	require.NoError(t, err)
	_, err = p.Dispatch(pipeline.NewDeleteAction("a"))
	require.NoError(t, err)

	// after the delete the same value is a real write again
	_, err = p.Dispatch(pipeline.NewSetAction("a", 1))
	require.NoError(t, err)
	assert.Equal(t, 2, counter.sets)
}

func TestClearInvalidatesCache(t *testing.T) {
	p, counter := newTestChain(t, nil)

	_, err := p.Dispatch(pipeline.NewSetAction("a", 1))
	require.NoError(t, err)
	_, err = p.Dispatch(pipeline.NewClearAction())
	require.NoError(t, err)
	_, err = p.Dispatch(pipeline.NewSetAction("a", 1))
	require.NoError(t, err)

	assert.Equal(t, 2, counter.sets)
}
