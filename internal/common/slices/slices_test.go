package slices

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMap(t *testing.T) {
	toString := func(val int) string { return fmt.Sprintf("%d", val) }
	input := []int{1, 3, 5, 7, 9}
	expectedOutput := []string{"1", "3", "5", "7", "9"}

	output := Map(input, toString)
	assert.Equal(t, expectedOutput, output)
}

func TestMapEmpty(t *testing.T) {
	output := Map([]int{}, func(val int) int { return val })
	assert.Equal(t, []int{}, output)
}

func TestUnique(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, Unique([]string{"a", "b", "a", "c", "b"}))
	assert.Equal(t, []int{3, 1, 2}, Unique([]int{3, 3, 1, 2, 1}))
	assert.Nil(t, Unique[[]int](nil))
}

func TestGroupByFunc(t *testing.T) {
	input := []int{1, 2, 3, 4, 5}
	expected := map[bool][]int{
		true:  {2, 4},
		false: {1, 3, 5},
	}
	actual := GroupByFunc(input, func(val int) bool { return val%2 == 0 })
	assert.Equal(t, expected, actual)
}
