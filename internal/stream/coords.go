package stream

import "errors"

// ErrDegenerateContainer indicates a zero or negative container dimension.
var ErrDegenerateContainer = errors.New("container dimensions must be positive")

// MapToViewport translates a click position in a viewer's displayed
// container into engine viewport pixel space, scaling each axis
// independently.
func MapToViewport(x, y, containerWidth, containerHeight float64, viewportWidth, viewportHeight int) (float64, float64, error) {
	if containerWidth <= 0 || containerHeight <= 0 {
		return 0, 0, ErrDegenerateContainer
	}
	scaleX := float64(viewportWidth) / containerWidth
	scaleY := float64(viewportHeight) / containerHeight
	return x * scaleX, y * scaleY, nil
}
