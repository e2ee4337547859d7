package utils

import (
	"fmt"
	"strconv"
	"time"
)

type Num interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// SetDefaultNum sets *p to d if *p is zero.
func SetDefaultNum[T Num](p *T, d T) {
	if *p == 0 {
		*p = d
	}
}

// CheckNumRange returns an error if v is out of [min, max].
func CheckNumRange[T Num](name string, v, min, max T) error {
	if v < min || v > max {
		return fmt.Errorf("%s %v out of range [%v, %v]", name, v, min, max)
	}
	return nil
}

// IsPowerOf2 reports whether n is a positive power of two.
func IsPowerOf2(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// ParseUint64 parses a decimal epoch-like number, tolerating surrounding
// whitespace and a trailing newline.
func ParseUint64(b []byte) (uint64, error) {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	if start == end {
		return 0, fmt.Errorf("empty number")
	}
	return strconv.ParseUint(string(b[start:end]), 10, 64)
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t'
}

// BackoffDelay returns the delay before retry attempt n (starting at 1),
// doubling from base and capped at max.
func BackoffDelay(n int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
