package redisstream

import (
	"strconv"
	"strings"
	"time"
)

// CompareID orders two Redis stream IDs ("ms-seq" form). It returns -1, 0,
// or 1 as a < b, a == b, a > b, treating malformed or empty IDs ("", "0",
// "-", "+") as less than any real ID.
func CompareID(a, b string) int {
	am, as := splitID(a)
	bm, bs := splitID(b)
	if am != bm {
		if am < bm {
			return -1
		}
		return 1
	}
	if as != bs {
		if as < bs {
			return -1
		}
		return 1
	}
	return 0
}

func splitID(id string) (int64, int64) {
	if id == "" || id == "0" || id == "-" {
		return -1, -1
	}
	ms, seq, ok := strings.Cut(id, "-")
	msN, err1 := strconv.ParseInt(ms, 10, 64)
	if !ok {
		return msN, 0
	}
	seqN, err2 := strconv.ParseInt(seq, 10, 64)
	if err1 != nil || err2 != nil {
		return -1, -1
	}
	return msN, seqN
}

// NextID returns the smallest ID strictly greater than id, suitable as the
// MINID argument to TrimStream (trim "up to and including" T means trim
// with MINID = NextID(T)).
func NextID(id string) string {
	ms, seq := splitID(id)
	if ms < 0 {
		return "0-0"
	}
	return strconv.FormatInt(ms, 10) + "-" + strconv.FormatInt(seq+1, 10)
}

// EntryAge returns how long ago id's millisecond component claims to have
// been generated. Real Redis IDs carry a server wall-clock timestamp as
// their ms component; the fake client's synthetic IDs ("0-N") report an age
// of effectively forever, which is what lets worker tests run without
// sleeping through redisMinMessageLifetime.
func EntryAge(id string) time.Duration {
	ms, _ := splitID(id)
	if ms <= 0 {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(time.UnixMilli(ms))
}
