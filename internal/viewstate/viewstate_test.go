package viewstate

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

func TestInitial(t *testing.T) {
	s := Initial[[]string]()
	assert.True(t, s.Loading)
	assert.Nil(t, s.Data)
	assert.Equal(t, PhaseLoading, s.Phase)
	assert.True(t, s.LastUpdated.IsZero())
	assert.Empty(t, s.Error)
}

func TestReconcile_SuccessReplaces(t *testing.T) {
	s := Reconcile(Initial[[]string](), Success([]string{"a", "b"}), t0)
	s = Reconcile(s, Success([]string{"c"}), t0.Add(time.Minute))

	require.NotNil(t, s.Data)
	assert.Equal(t, []string{"c"}, *s.Data)
	assert.False(t, s.Loading)
	assert.Empty(t, s.Error)
	assert.Equal(t, PhaseReady, s.Phase)
	assert.Equal(t, t0.Add(time.Minute), s.LastUpdated)
}

func TestReconcile_FailureRetainsData(t *testing.T) {
	ready := Reconcile(Initial[int](), Success(7), t0)
	s := Reconcile(ready, Failure[int](errors.New("connection refused")), t0.Add(time.Minute))

	require.NotNil(t, s.Data)
	assert.Equal(t, 7, *s.Data)
	assert.Equal(t, "connection refused", s.Error)
	assert.Equal(t, t0, s.LastUpdated)
	assert.False(t, s.Loading)
	assert.Equal(t, PhaseDegraded, s.Phase)
}

func TestReconcile_FailureBeforeAnySuccess(t *testing.T) {
	s := Reconcile(Initial[int](), Failure[int](errors.New("timeout")), t0)
	assert.Nil(t, s.Data)
	assert.False(t, s.Loading)
	assert.True(t, s.LastUpdated.IsZero())
	assert.Equal(t, PhaseDegraded, s.Phase)
}

func TestReconcile_RecoversFromDegraded(t *testing.T) {
	s := Reconcile(Initial[int](), Failure[int](errors.New("down")), t0)
	s = Reconcile(s, Success(3), t0.Add(time.Second))
	assert.Equal(t, PhaseReady, s.Phase)
	assert.Empty(t, s.Error)
	assert.Equal(t, 3, *s.Data)
}

func TestFailure_NilError(t *testing.T) {
	o := Failure[int](nil)
	assert.True(t, o.Failed())
	s := Reconcile(Initial[int](), o, t0)
	assert.NotEmpty(t, s.Error)
}

func TestViewState_JSON(t *testing.T) {
	data, err := json.Marshal(Initial[int]())
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":null,"loading":true,"phase":"loading"}`, string(data))

	data, err = json.Marshal(Reconcile(Initial[int](), Success(1), t0))
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":1,"loading":false,"lastUpdated":"2026-10-17T09:00:00Z","phase":"ready"}`, string(data))
}

func TestStore_ApplyAndNotify(t *testing.T) {
	st := NewStore[int]("health", func() time.Time { return t0 })
	assert.Equal(t, "health", st.Name())

	var got []Phase
	st.OnChange(func(s ViewState[int]) { got = append(got, s.Phase) })

	require.True(t, st.Apply(Success(1)))
	require.True(t, st.Apply(Failure[int](errors.New("x"))))

	snap := st.Snapshot()
	assert.Equal(t, 1, *snap.Data)
	assert.Equal(t, "x", snap.Error)
	assert.Equal(t, []Phase{PhaseReady, PhaseDegraded}, got)
}

func TestStore_ClosedDropsWrites(t *testing.T) {
	st := NewStore[int]("active", nil)
	st.Close()
	assert.True(t, st.Closed())
	assert.False(t, st.Apply(Success(5)))
	assert.Nil(t, st.Snapshot().Data)
	assert.True(t, st.Snapshot().Loading)
}

func TestStore_ConcurrentReaders(t *testing.T) {
	st := NewStore[int]("processed", nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = st.Snapshot()
			}
		}()
	}
	for i := 0; i < 100; i++ {
		st.Apply(Success(i))
	}
	wg.Wait()
	assert.Equal(t, 99, *st.Snapshot().Data)
}
