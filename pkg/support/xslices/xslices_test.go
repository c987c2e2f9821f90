package xslices

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMap(t *testing.T) {
	got := Map([]int{1, 2, 3}, strconv.Itoa)
	assert.Equal(t, []string{"1", "2", "3"}, got)
	assert.Empty(t, Map([]int(nil), strconv.Itoa))
}

func TestSortedKeys(t *testing.T) {
	m := map[string]int{"c": 3, "a": 1, "b": 2}
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(m))
}

func TestIota(t *testing.T) {
	assert.Equal(t, []int{0, 1, 2, 3}, Iota(0, 1, 4))
	assert.Equal(t, []float64{1, 1.5, 2}, Iota(1.0, 0.5, 3))
	assert.Empty(t, Iota(5, 1, 0))
}
