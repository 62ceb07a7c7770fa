package session

import (
	"fmt"
	"testing"

	"github.com/ashureev/guidebot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(id string) domain.Message {
	return domain.Message{ID: id, Author: domain.AuthorUser, Text: id}
}

func TestAppendEvictsOldestAtCapacity(t *testing.T) {
	c := New(3, "/", msg("welcome"))
	c.Append(msg("a"))
	c.Append(msg("b"))
	require.Equal(t, 3, c.Len())

	c.Append(msg("c"))

	got := c.History()
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestHistoryNeverExceedsCapacity(t *testing.T) {
	for _, size := range []int{1, 2, 10} {
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			c := New(size, "/", msg("welcome"))
			for i := 0; i < 3*size; i++ {
				c.Append(msg(fmt.Sprint(i)))
				assert.LessOrEqual(t, c.Len(), size)
			}
			last := c.History()[c.Len()-1]
			assert.Equal(t, fmt.Sprint(3*size-1), last.ID)
		})
	}
}

func TestResetKeepsRouteAndWelcome(t *testing.T) {
	c := New(5, "/clients", msg("welcome"))
	c.Append(msg("a"))
	c.SetConfidence(0.8)

	c.Reset(msg("welcome"))
	first := c.History()

	c.Reset(msg("welcome"))
	second := c.History()

	assert.Equal(t, first, second)
	assert.Len(t, second, 1)
	assert.Equal(t, "/clients", c.Route())
	assert.Zero(t, c.LastConfidence())
}

func TestSetConfidenceClamps(t *testing.T) {
	c := New(1, "/", msg("w"))
	c.SetConfidence(1.7)
	assert.Equal(t, 1.0, c.LastConfidence())
	c.SetConfidence(-0.2)
	assert.Equal(t, 0.0, c.LastConfidence())
}

func TestRestoreKeepsNewest(t *testing.T) {
	c := New(2, "/", msg("w"))
	c.Restore([]domain.Message{msg("a"), msg("b"), msg("c")}, "/operations", 0.5)

	got := c.History()
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "/operations", c.Route())
	assert.Equal(t, 0.5, c.LastConfidence())
}

func TestHistoryReturnsCopy(t *testing.T) {
	c := New(2, "/", msg("w"))
	h := c.History()
	h[0].Text = "changed"
	assert.Equal(t, "w", c.History()[0].Text)
}
