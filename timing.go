package modbus

import "time"

// charTime returns t0, the transmission time of one character at baud,
// the quantum used to derive RTU inter-character and inter-frame timing.
// Above 19200 baud the line is fast enough that a fixed minimum applies
// instead of the per-character formula.
func charTime(baud int) time.Duration {
	if baud <= 0 {
		baud = 19200
	}
	if baud <= 19200 {
		return time.Duration(11e9 / float64(baud))
	}
	return 500 * time.Microsecond
}

// interCharTimeout is the maximum silence allowed between two bytes of the
// same RTU frame before the frame is considered malformed.
func interCharTimeout(baud int) time.Duration {
	return time.Duration(1.5 * float64(charTime(baud)))
}

// interFrameDelay is the minimum silence required between two RTU frames.
func interFrameDelay(baud int) time.Duration {
	return time.Duration(3.5 * float64(charTime(baud)))
}
