package unread

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounterClampsAtZero(t *testing.T) {
	c := NewCounter()
	c.Decrement(3)
	assert.Equal(t, 0, c.Value())

	c.Set(2)
	c.Decrement(5)
	assert.Equal(t, 0, c.Value())

	c.Set(-4)
	assert.Equal(t, 0, c.Value())
}

func TestCounterNeverNegative(t *testing.T) {
	c := NewCounter()
	r := rand.New(rand.NewPCG(7, 7))
	for i := 0; i < 1000; i++ {
		switch r.IntN(3) {
		case 0:
			c.Increment()
		case 1:
			c.Decrement(r.IntN(4))
		default:
			c.Set(r.IntN(5) - 2)
		}
		assert.GreaterOrEqual(t, c.Value(), 0)
	}
}

func TestSetIfEpochRejectsAfterReset(t *testing.T) {
	c := NewCounter()
	epoch := c.Epoch()
	c.Reset()
	assert.False(t, c.SetIfEpoch(epoch, 5))
	assert.Equal(t, 0, c.Value())

	assert.True(t, c.SetIfEpoch(c.Epoch(), 5))
	assert.Equal(t, 5, c.Value())
}

func TestChangedIsCoalesced(t *testing.T) {
	c := NewCounter()
	c.Increment()
	c.Increment()
	<-c.Changed()
	select {
	case <-c.Changed():
		t.Fatal("expected a single pending signal")
	default:
	}
}
