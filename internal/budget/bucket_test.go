package budget

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTakeFloorsAtZero(t *testing.T) {
	b := New(32, 5)
	assert.Equal(t, 5, b.Take(10))
	assert.Equal(t, 0, b.Level())
	assert.Equal(t, 0, b.Take(1))
}

func TestCreditCapsAtMax(t *testing.T) {
	b := New(32, 0)
	b.Credit(16)
	assert.Equal(t, 16, b.Level())
	b.Credit(100)
	assert.Equal(t, 32, b.Level())
}

func TestTakePartial(t *testing.T) {
	b := New(32, 32)
	assert.Equal(t, 20, b.Take(20))
	assert.Equal(t, 12, b.Level())
}
