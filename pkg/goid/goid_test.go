package goid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestID(t *testing.T) {
	mine := ID()
	assert.Positive(t, mine)
	assert.Equal(t, mine, ID(), "stable within a goroutine")

	other := make(chan int64)
	go func() { other <- ID() }()
	theirs := <-other
	assert.Positive(t, theirs)
	assert.NotEqual(t, mine, theirs)
}
