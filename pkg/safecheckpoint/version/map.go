package version

// Stats counts how the entries of one versions map were classified.
type Stats struct {
	shapes [numShapes]int
}

// Count returns the number of entries classified as shape.
func (s Stats) Count(shape Shape) int {
	if shape < 0 || shape >= numShapes {
		return 0
	}
	return s.shapes[shape]
}

// Total returns the number of entries inspected.
func (s Stats) Total() int {
	total := 0
	for _, c := range s.shapes {
		total += c
	}
	return total
}

// Converted returns the number of entries that were rewritten.
func (s Stats) Converted() int {
	return s.Total() - s.shapes[ShapeInteger]
}

// Fallbacks returns the number of entries that took the fallback path.
func (s Stats) Fallbacks() int {
	return s.shapes[ShapeUnrecognized]
}

// Each calls fn for every shape with a non-zero count, in Shape order.
func (s Stats) Each(fn func(shape Shape, count int)) {
	for i, c := range s.shapes {
		if c > 0 {
			fn(Shape(i), c)
		}
	}
}

// Conversion describes one rewritten entry.
type Conversion struct {
	Channel string
	From    any
	To      int64
	Shape   Shape
}

// NormalizeAll rewrites every entry of versions in place. int and int64
// values are left untouched so already-normalized maps see no writes.
func (n Normalizer) NormalizeAll(versions map[string]any) Stats {
	return n.NormalizeAllFunc(versions, nil)
}

// NormalizeAllFunc is NormalizeAll that reports each rewritten entry to
// onConvert. onConvert may be nil.
func (n Normalizer) NormalizeAllFunc(versions map[string]any, onConvert func(Conversion)) Stats {
	var stats Stats
	for channel, raw := range versions {
		marker, shape := n.Inspect(raw)
		stats.shapes[shape]++
		if !shape.Converted() {
			// Sized integers from decoders (int8, uint32, ...) are widened.
			if !isNativeInt(raw) {
				versions[channel] = marker
			}
			continue
		}
		versions[channel] = marker
		if onConvert != nil {
			onConvert(Conversion{Channel: channel, From: raw, To: marker, Shape: shape})
		}
	}
	return stats
}

func isNativeInt(v any) bool {
	switch v.(type) {
	case int, int64:
		return true
	}
	return false
}
