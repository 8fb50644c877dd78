package tick

import "time"

func unixNanoUTC(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
