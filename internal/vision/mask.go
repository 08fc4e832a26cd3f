package vision

import "image"

// Mask is a binary segmentation over a frame. Pixels outside Frame are
// never set.
type Mask struct {
	Frame image.Rectangle
	bits  []bool
	count int
	bbox  image.Rectangle
}

// NewMask returns an empty mask over frame.
func NewMask(frame image.Rectangle) *Mask {
	return &Mask{Frame: frame, bits: make([]bool, frame.Dx()*frame.Dy())}
}

// MaskFromRect returns a mask with every pixel of r (clipped to frame) set.
func MaskFromRect(frame, r image.Rectangle) *Mask {
	m := NewMask(frame)
	r = r.Intersect(frame)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			m.Set(x, y)
		}
	}
	return m
}

func (m *Mask) index(x, y int) int {
	return (y-m.Frame.Min.Y)*m.Frame.Dx() + (x - m.Frame.Min.X)
}

// Set marks (x, y). Points outside the frame are ignored.
func (m *Mask) Set(x, y int) {
	if !(image.Point{x, y}).In(m.Frame) {
		return
	}
	i := m.index(x, y)
	if m.bits[i] {
		return
	}
	m.bits[i] = true
	m.count++
	p := image.Rect(x, y, x+1, y+1)
	if m.count == 1 {
		m.bbox = p
	} else {
		m.bbox = m.bbox.Union(p)
	}
}

// At reports whether (x, y) is set.
func (m *Mask) At(x, y int) bool {
	if !(image.Point{x, y}).In(m.Frame) {
		return false
	}
	return m.bits[m.index(x, y)]
}

// Count returns the number of set pixels.
func (m *Mask) Count() int { return m.count }

// BBox returns the tight bounding box of the set pixels.
func (m *Mask) BBox() image.Rectangle { return m.bbox }

// isEdge reports whether a set pixel has a 4-neighbour that is not set.
// Neighbours beyond the frame count as set: the image border is not a
// physical edge.
func (m *Mask) isEdge(x, y int) bool {
	if !m.At(x, y) {
		return false
	}
	for _, d := range [4]image.Point{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
		n := image.Point{x + d.X, y + d.Y}
		if !n.In(m.Frame) {
			continue
		}
		if !m.bits[m.index(n.X, n.Y)] {
			return true
		}
	}
	return false
}

// TouchesFrameEdge reports whether any set pixel lies within margin pixels
// of the frame border.
func (m *Mask) TouchesFrameEdge(margin int) bool {
	if m.count == 0 {
		return false
	}
	inner := m.Frame.Inset(margin)
	return !m.bbox.In(inner)
}

// EdgeProximity returns the fraction of obj's pixels lying within radius of
// ref's boundary. It is the "touching" test between an object and a fixed
// part of the machine.
func EdgeProximity(obj, ref *Mask, radius int) float64 {
	if obj == nil || ref == nil || obj.count == 0 || ref.count == 0 {
		return 0
	}
	box := obj.bbox
	search := box.Inset(-radius).Intersect(ref.Frame)
	near := make([]bool, box.Dx()*box.Dy())
	r2 := radius * radius

	for ey := search.Min.Y; ey < search.Max.Y; ey++ {
		for ex := search.Min.X; ex < search.Max.X; ex++ {
			if !ref.isEdge(ex, ey) {
				continue
			}
			for dy := -radius; dy <= radius; dy++ {
				y := ey + dy
				if y < box.Min.Y || y >= box.Max.Y {
					continue
				}
				for dx := -radius; dx <= radius; dx++ {
					if dx*dx+dy*dy > r2 {
						continue
					}
					x := ex + dx
					if x < box.Min.X || x >= box.Max.X {
						continue
					}
					near[(y-box.Min.Y)*box.Dx()+(x-box.Min.X)] = true
				}
			}
		}
	}

	hits := 0
	for y := box.Min.Y; y < box.Max.Y; y++ {
		for x := box.Min.X; x < box.Max.X; x++ {
			if obj.At(x, y) && near[(y-box.Min.Y)*box.Dx()+(x-box.Min.X)] {
				hits++
			}
		}
	}
	return float64(hits) / float64(obj.count)
}

// MarginOverlap returns the fraction of obj's pixels inside refBox grown by
// margin pixels (shrunk when margin is negative). It is the "on top of"
// test.
func MarginOverlap(obj *Mask, refBox image.Rectangle, margin int) float64 {
	if obj == nil || obj.count == 0 {
		return 0
	}
	adjusted := refBox.Inset(-margin)
	if adjusted.Empty() {
		return 0
	}
	area := obj.bbox.Intersect(adjusted)
	hits := 0
	for y := area.Min.Y; y < area.Max.Y; y++ {
		for x := area.Min.X; x < area.Max.X; x++ {
			if obj.At(x, y) {
				hits++
			}
		}
	}
	return float64(hits) / float64(obj.count)
}
