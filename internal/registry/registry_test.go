package registry_test

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waabox/changegate/internal/domain"
	"github.com/waabox/changegate/internal/registry"
)

func TestMintToken_IsNamespacedAndUnique(t *testing.T) {
	a := registry.MintToken(domain.UnitJob)
	b := registry.MintToken(domain.UnitJob)
	s := registry.MintToken(domain.UnitStage)

	assert.True(t, strings.HasPrefix(a, "job-"))
	assert.True(t, strings.HasPrefix(s, "stage-"))
	assert.NotEqual(t, a, b)

	kind, ok := registry.KindOf(s)
	require.True(t, ok)
	assert.Equal(t, domain.UnitStage, kind)

	_, ok = registry.KindOf("build-123")
	assert.False(t, ok)
	_, ok = registry.KindOf("job-")
	assert.False(t, ok)
}

func TestRegistry_RegisterMapsBothDirections(t *testing.T) {
	r := registry.New()
	require.True(t, r.Register("unit-1", "job-abc"))

	unit, ok := r.UnitFor("job-abc")
	require.True(t, ok)
	assert.Equal(t, "unit-1", unit)
	token, ok := r.TokenFor("unit-1")
	require.True(t, ok)
	assert.Equal(t, "job-abc", token)

	assert.False(t, r.Register("unit-1", "job-other"), "second token for the same unit must be refused")
	_, ok = r.UnitFor("job-other")
	assert.False(t, ok)
}

func TestRegistry_ResolveIsAtMostOnce(t *testing.T) {
	r := registry.New()
	require.True(t, r.Register("unit-1", "job-abc"))

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.Resolve("job-abc", []byte(`{"result":"success"}`)); ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	_, ok := r.TokenFor("unit-1")
	assert.False(t, ok)
}

func TestRegistry_ResultLifecycle(t *testing.T) {
	r := registry.New()
	r.StoreResult("unit-1", "job-abc", []byte(`{"result":"success"}`))

	content, ok := r.Result("unit-1")
	require.True(t, ok)
	assert.JSONEq(t, `{"result":"success"}`, string(content))
	token, _ := r.CallbackToken("unit-1")
	assert.Equal(t, "job-abc", token)

	_, ok = r.TakeResult("unit-1")
	assert.True(t, ok)
	_, ok = r.TakeResult("unit-1")
	assert.False(t, ok)
	_, ok = r.CallbackToken("unit-1")
	assert.False(t, ok)
}

func TestRegistry_TakeContinuationOnlyOnce(t *testing.T) {
	r := registry.New()
	c := &registry.Continuation{Token: "stage-1", RunID: "run-1", StageID: "S1"}
	require.True(t, r.PutContinuation(c))
	assert.False(t, r.PutContinuation(&registry.Continuation{Token: "stage-1"}))

	got, ok := r.TakeContinuation("stage-1")
	require.True(t, ok)
	assert.Same(t, c, got)

	_, ok = r.TakeContinuation("stage-1")
	assert.False(t, ok)
	assert.Zero(t, r.Stats().Continuations)
}

func TestRegistry_DeregisterDropsBothDirections(t *testing.T) {
	r := registry.New()
	require.True(t, r.Register("unit-1", "job-abc"))
	r.Deregister("unit-1")

	_, ok := r.UnitFor("job-abc")
	assert.False(t, ok)
	_, ok = r.TokenFor("unit-1")
	assert.False(t, ok)
	assert.Equal(t, registry.Stats{}, r.Stats())
}

func TestRegistry_ResolveStoresResultOnce(t *testing.T) {
	r := registry.New()
	require.True(t, r.Register("unit-1", "job-abc"))

	unit, ok := r.Resolve("job-abc", []byte(`{"result":"failure"}`))
	require.True(t, ok)
	assert.Equal(t, "unit-1", unit)

	content, ok := r.Result("unit-1")
	require.True(t, ok)
	assert.JSONEq(t, `{"result":"failure"}`, string(content))
	_, ok = r.TokenFor("unit-1")
	assert.False(t, ok)

	_, ok = r.Resolve("job-abc", []byte(`{"result":"success"}`))
	assert.False(t, ok)
	content, _ = r.Result("unit-1")
	assert.JSONEq(t, `{"result":"failure"}`, string(content))
}
