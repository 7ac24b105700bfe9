package tiles

import (
	"errors"
	"fmt"
	"image"
)

var ErrInconsistentMaskShape = errors.New("Inconsistent mask shape")

// ErrClassChannel is returned when a class has no channel in a multilabel mask (eg background)
var ErrClassChannel = fmt.Errorf("%w: class has no multilabel channel", ErrInconsistentMaskShape)

// LabelMask is a single-label mask. Each pixel holds the local class index of the class
// that won the pixel, with 0 being background.
// Layout is (height, width), row major.
type LabelMask struct {
	Width  int
	Height int
	Pix    []uint8
}

func NewLabelMask(width, height int) *LabelMask {
	return &LabelMask{
		Width:  width,
		Height: height,
		Pix:    make([]uint8, width*height),
	}
}

func (m *LabelMask) At(x, y int) uint8 {
	return m.Pix[y*m.Width+x]
}

func (m *LabelMask) Set(x, y int, v uint8) {
	m.Pix[y*m.Width+x] = v
}

// CheckShape verifies that the mask matches the expected tile size
func (m *LabelMask) CheckShape(width, height int) error {
	if m.Width != width || m.Height != height || len(m.Pix) != width*height {
		return fmt.Errorf("%w: mask is %vx%v (%v bytes), expected %vx%v", ErrInconsistentMaskShape, m.Width, m.Height, len(m.Pix), width, height)
	}
	return nil
}

// Count returns the number of pixels with value v
func (m *LabelMask) Count(v uint8) int {
	n := 0
	for _, p := range m.Pix {
		if p == v {
			n++
		}
	}
	return n
}

// Gray wraps the mask (without copying) as an image.Gray, for PNG encoding
func (m *LabelMask) Gray() *image.Gray {
	return &image.Gray{
		Pix:    m.Pix,
		Stride: m.Width,
		Rect:   image.Rect(0, 0, m.Width, m.Height),
	}
}

// MultiLabelMask holds one boolean plane per non-background class.
// Layout is (channels, height, width). Channel 0 is local class index 1.
type MultiLabelMask struct {
	Channels int
	Width    int
	Height   int
	Pix      []uint8 // 0 or 1
}

func NewMultiLabelMask(channels, width, height int) *MultiLabelMask {
	return &MultiLabelMask{
		Channels: channels,
		Width:    width,
		Height:   height,
		Pix:      make([]uint8, channels*width*height),
	}
}

// Channel returns a view of one plane. Writes to the view are visible in m.
func (m *MultiLabelMask) Channel(c int) *LabelMask {
	n := m.Width * m.Height
	return &LabelMask{
		Width:  m.Width,
		Height: m.Height,
		Pix:    m.Pix[c*n : (c+1)*n : (c+1)*n],
	}
}

func (m *MultiLabelMask) At(c, x, y int) uint8 {
	return m.Pix[(c*m.Height+y)*m.Width+x]
}

func (m *MultiLabelMask) CheckShape(channels, width, height int) error {
	if m.Channels != channels || m.Width != width || m.Height != height || len(m.Pix) != channels*width*height {
		return fmt.Errorf("%w: mask is %vx%vx%v (%v bytes), expected %vx%vx%v", ErrInconsistentMaskShape,
			m.Channels, m.Width, m.Height, len(m.Pix), channels, width, height)
	}
	return nil
}
