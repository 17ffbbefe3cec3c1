package correlation

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLastWriteWins(t *testing.T) {
	s := New()
	s.Set("chat@s.whatsapp.net", "A1")
	s.Set("chat@s.whatsapp.net", "B2")

	id, ok := s.Get("chat@s.whatsapp.net")
	assert.True(t, ok)
	assert.Equal(t, "B2", id)
	assert.True(t, s.Matches("chat@s.whatsapp.net", "B2"))
	assert.False(t, s.Matches("chat@s.whatsapp.net", "A1"))
	assert.False(t, s.Matches("other@s.whatsapp.net", "B2"))
	assert.False(t, s.Matches("chat@s.whatsapp.net", ""))
}

func TestPrune(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := New()
	s.now = func() time.Time { return now }

	s.Set("old", "1")
	now = now.Add(2 * time.Hour)
	s.Set("new", "2")

	assert.Equal(t, 1, s.Prune(time.Hour))
	assert.Equal(t, 1, s.Len())
	_, ok := s.Get("old")
	assert.False(t, ok)
}

func TestConcurrentWrites(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Set("conv", "id")
			s.Matches("conv", "id")
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, s.Len())
}
