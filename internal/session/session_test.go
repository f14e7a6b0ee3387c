package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_PutGet(t *testing.T) {
	s, err := NewStore(8)
	require.NoError(t, err)

	assert.Equal(t, State{}, s.Get(1))

	s.Put(1, State{}.WithPromo("SALE10", 10))
	st := s.Get(1)
	require.NotNil(t, st.ActivePromo)
	assert.Equal(t, "SALE10", st.ActivePromo.Code)
	assert.Equal(t, 10, st.ActivePromo.Percent)

	st.ActivePromo = nil
	s.Put(1, st)
	assert.Equal(t, 0, s.Len(), "empty state must not be stored")
}

func TestStore_Evicts(t *testing.T) {
	s, err := NewStore(2)
	require.NoError(t, err)

	s.Put(1, State{AwaitingEvidence: 10})
	s.Put(2, State{AwaitingEvidence: 20})
	s.Put(3, State{AwaitingEvidence: 30})

	assert.Equal(t, 2, s.Len())
	assert.Equal(t, State{}, s.Get(1))
	assert.Equal(t, int64(30), s.Get(3).AwaitingEvidence)
}

func TestNewStore_BadSize(t *testing.T) {
	_, err := NewStore(0)
	assert.Error(t, err)
}
