package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyShape(t *testing.T) {
	cases := []struct {
		name         string
		shape        []int
		stacked      bool
		single       []int
		channelsLast bool
	}{
		{"chw stacked 4", []int{4, 84, 84}, true, []int{1, 84, 84}, false},
		{"chw stacked 12 (3-channel x4)", []int{12, 84, 84}, true, []int{3, 84, 84}, false},
		{"chw unstacked grayscale", []int{1, 84, 84}, false, []int{1, 84, 84}, false},
		{"chw unstacked rgb", []int{3, 84, 84}, false, []int{3, 84, 84}, false},
		{"hwc stacked 4", []int{84, 84, 4}, true, []int{84, 84, 1}, true},
		{"2d no channel axis", []int{84, 84}, false, []int{84, 84}, false},
		{"chw not a multiple of stack depth", []int{5, 84, 84}, false, []int{5, 84, 84}, false},
		{"chw stacked 8 (2-channel x4)", []int{8, 84, 84}, true, []int{2, 84, 84}, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			stacked, single, channelsLast := ClassifyShape(c.shape)
			assert.Equal(t, c.stacked, stacked)
			assert.Equal(t, c.single, single)
			assert.Equal(t, c.channelsLast, channelsLast)
		})
	}
}

func TestPlayerObserver_StackedShapePrimesWithFirstFrame(t *testing.T) {
	model := fakeModel{shape: []int{4, 84, 84}}
	obs := newPlayerObserver(model)

	// An empty rendered frame (as scripted tests use) preprocesses to a
	// nil single frame; the stack should still prime to FrameStackN
	// identical copies rather than panic on a short history.
	o, err := obs.observe(nil, false)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	assert.Equal(t, FrameStackN, len(o.Frames))
	for _, f := range o.Frames {
		assert.Nil(t, f)
	}

	o2, err := obs.observe(nil, false)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	assert.Equal(t, FrameStackN, len(o2.Frames))
}

func TestPlayerObserver_UnstackedShapeReturnsSingleFrame(t *testing.T) {
	model := fakeModel{shape: []int{1, 84, 84}}
	obs := newPlayerObserver(model)

	o, err := obs.observe(nil, false)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	assert.Equal(t, 1, len(o.Frames))
}
