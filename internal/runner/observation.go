package runner

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
)

// FrameStackN is the temporal frame-stacking depth, fixed to match the
// training-time VecFrameStack(n_stack=4) every stacked model was trained
// against.
const FrameStackN = 4

// Observation is one player's preprocessed model input for a single batch:
// Frames holds 1 entry for an unstacked shape, or FrameStackN entries
// (oldest first) for a stacked one. Concatenating them along the model's
// channel axis is the model's own concern — Predict receives them
// unconcatenated since that layout is opaque to the runner.
type Observation struct {
	Shape  []int
	Frames [][]byte
}

// ClassifyShape decides whether a model's declared observation shape
// requires temporal frame stacking, and if so what a single unstacked
// frame's shape looks like.
//
// Grounded on the stacking-depth test table's _detect_stacking, which only
// handles channels-first (CHW) shapes; generalized here to also classify
// channels-last (HWC) shapes like (84, 84, 4), since a raw rendered frame
// is naturally HWC. Whichever end of a 3-element shape holds the smaller
// value is taken as the channel axis; ties resolve to channels-last, the
// convention for an unprocessed frame.
func ClassifyShape(shape []int) (stacked bool, single []int, channelsLast bool) {
	if len(shape) != 3 {
		return false, shape, false
	}
	first, last := shape[0], shape[2]
	channelsLast = last <= first
	nch := first
	if channelsLast {
		nch = last
	}
	switch {
	case nch == 1 || nch == 3:
		return false, shape, channelsLast
	case nch == FrameStackN:
		return true, singleShape(shape, channelsLast, 1), channelsLast
	case nch > FrameStackN && nch%FrameStackN == 0:
		return true, singleShape(shape, channelsLast, nch/FrameStackN), channelsLast
	default:
		return false, shape, channelsLast
	}
}

func singleShape(shape []int, channelsLast bool, ch int) []int {
	if channelsLast {
		return []int{shape[0], shape[1], ch}
	}
	return []int{ch, shape[1], shape[2]}
}

// frameDims reads the (height, width, channels) a single preprocessed
// frame must have out of a shape as ClassifyShape reports it.
func frameDims(single []int, channelsLast bool) (h, w, ch int) {
	if len(single) == 2 {
		return single[0], single[1], 1
	}
	if channelsLast {
		return single[0], single[1], single[2]
	}
	return single[1], single[2], single[0]
}

// frameStack is a fixed-depth ring of preprocessed frames, primed entirely
// with the first frame it sees so the very first batch doesn't feed a
// model a stack of mismatched history. Grounded on match_runner.py's
// deque(maxlen=FRAME_STACK_N) initialized to [init_frame] * N.
type frameStack struct {
	frames [][]byte
}

func newFrameStack(depth int, initial []byte) *frameStack {
	fs := &frameStack{frames: make([][]byte, depth)}
	for i := range fs.frames {
		fs.frames[i] = initial
	}
	return fs
}

func (fs *frameStack) push(frame []byte) {
	fs.frames = append(fs.frames[1:], frame)
}

func (fs *frameStack) snapshot() [][]byte {
	out := make([][]byte, len(fs.frames))
	copy(out, fs.frames)
	return out
}

// playerObserver tracks one player's preprocessing state across an entire
// match: whether its model needs frame stacking, and if so the rolling
// buffer of prior frames.
type playerObserver struct {
	model        Model
	single       []int
	channelsLast bool
	stacked      bool
	stack        *frameStack
}

func newPlayerObserver(model Model) *playerObserver {
	stacked, single, channelsLast := ClassifyShape(model.ObservationShape())
	return &playerObserver{model: model, single: single, channelsLast: channelsLast, stacked: stacked}
}

// observe preprocesses the currently-rendered frame into this player's
// next model input. mirror horizontally flips the rendered frame first —
// P2's observation is always a mirror image of the match as rendered, a
// mechanism entirely separate from MirrorAction's button-bit swap; both
// must be applied for P2, neither alone is correct.
func (p *playerObserver) observe(rendered []byte, mirror bool) (Observation, error) {
	frame, err := preprocessFrame(rendered, p.single, p.channelsLast, mirror)
	if err != nil {
		return Observation{}, err
	}
	if !p.stacked {
		return Observation{Shape: p.single, Frames: [][]byte{frame}}, nil
	}
	if p.stack == nil {
		p.stack = newFrameStack(FrameStackN, frame)
	} else {
		p.stack.push(frame)
	}
	return Observation{Shape: p.model.ObservationShape(), Frames: p.stack.snapshot()}, nil
}

// preprocessFrame decodes a JPEG-encoded rendered frame, optionally flips
// it horizontally, and resizes/desaturates it to the target single-frame
// shape. There is no computer-vision library anywhere in the retrieved
// dependency pack to ground this on, so it is implemented directly against
// image/jpeg and image/color — the one deliberate standard-library choice
// in this package.
func preprocessFrame(jpegBytes []byte, single []int, channelsLast, mirror bool) ([]byte, error) {
	if len(jpegBytes) == 0 {
		return nil, nil
	}
	img, err := jpeg.Decode(bytes.NewReader(jpegBytes))
	if err != nil {
		return nil, fmt.Errorf("decode rendered frame: %w", err)
	}
	if mirror {
		img = flipHorizontal(img)
	}
	h, w, ch := frameDims(single, channelsLast)
	return resample(img, w, h, ch), nil
}

func flipHorizontal(src image.Image) image.Image {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			mirroredX := b.Max.X - 1 - (x - b.Min.X)
			dst.Set(mirroredX, y, src.At(x, y))
		}
	}
	return dst
}

// resample nearest-neighbor scales src to w x h and flattens it row-major,
// either as single-channel grayscale (ch==1) or 3-byte RGB (ch==3).
func resample(src image.Image, w, h, ch int) []byte {
	b := src.Bounds()
	srcW, srcH := b.Dx(), b.Dy()
	out := make([]byte, w*h*ch)

	for y := 0; y < h; y++ {
		sy := b.Min.Y + y*srcH/h
		for x := 0; x < w; x++ {
			sx := b.Min.X + x*srcW/w
			idx := (y*w + x) * ch
			if ch == 1 {
				g := color.GrayModel.Convert(src.At(sx, sy)).(color.Gray)
				out[idx] = g.Y
				continue
			}
			r, g, bl, _ := src.At(sx, sy).RGBA()
			out[idx] = byte(r >> 8)
			out[idx+1] = byte(g >> 8)
			out[idx+2] = byte(bl >> 8)
		}
	}
	return out
}
