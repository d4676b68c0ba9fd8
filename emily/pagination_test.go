package emily

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaxPageFor(t *testing.T) {
	tests := []struct {
		count    int
		perPage  int
		expected int
	}{
		{count: 0, perPage: 15, expected: 1},
		{count: 1, perPage: 15, expected: 1},
		{count: 15, perPage: 15, expected: 1},
		{count: 16, perPage: 15, expected: 2},
		{count: 40, perPage: 15, expected: 3},
		{count: 45, perPage: 15, expected: 3},
		{count: 5, perPage: 0, expected: 5},
	}
	for _, tt := range tests {
		assert.Equalf(
			t,
			tt.expected,
			MaxPageFor(tt.count, tt.perPage),
			"count=%d per_page=%d", tt.count, tt.perPage,
		)
	}
}

func TestPaginationInfo_Clamping(t *testing.T) {
	p := NewPaginationInfo(5, MaxPageFor(40, 15), "g1")
	assert.Equal(t, 3, p.CurrentPage())
	assert.Equal(t, 3, p.MaxPage())
	assert.Equal(t, "g1", p.GuildID)

	p = NewPaginationInfo(-2, 3, "")
	assert.Equal(t, 1, p.CurrentPage())

	p = NewPaginationInfo(1, 0, "")
	assert.Equal(t, 1, p.MaxPage())
	assert.Equal(t, 1, p.ClampPage(10))
}

func TestPaginationInfo_Navigation(t *testing.T) {
	p := NewPaginationInfo(1, 3, "")

	assert.False(t, p.PreviousPage())
	assert.Equal(t, 1, p.CurrentPage())

	assert.True(t, p.NextPage())
	assert.True(t, p.NextPage())
	assert.Equal(t, 3, p.CurrentPage())
	assert.False(t, p.NextPage())
	assert.Equal(t, 3, p.CurrentPage())

	assert.True(t, p.PreviousPage())
	assert.Equal(t, 2, p.CurrentPage())

	assert.False(t, p.SetPage(2))
	assert.True(t, p.SetPage(100))
	assert.Equal(t, 3, p.CurrentPage())
	assert.True(t, p.SetPage(0))
	assert.Equal(t, 1, p.CurrentPage())
}

func TestPaginationInfo_Concurrent(t *testing.T) {
	p := NewPaginationInfo(1, 10, "")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			p.NextPage()
		}()
		go func() {
			defer wg.Done()
			p.PreviousPage()
		}()
	}
	wg.Wait()
	current := p.CurrentPage()
	assert.GreaterOrEqual(t, current, 1)
	assert.LessOrEqual(t, current, 10)
}

func TestPageBounds(t *testing.T) {
	start, end := pageBounds(1, 15, 40)
	assert.Equal(t, 0, start)
	assert.Equal(t, 15, end)

	start, end = pageBounds(3, 15, 40)
	assert.Equal(t, 30, start)
	assert.Equal(t, 40, end)

	start, end = pageBounds(9, 15, 40)
	assert.Equal(t, 30, start)
	assert.Equal(t, 40, end)

	start, end = pageBounds(1, 15, 0)
	assert.Equal(t, 0, start)
	assert.Equal(t, 0, end)
}
