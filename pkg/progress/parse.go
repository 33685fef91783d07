// Package progress turns the streaming text output of the transfer tools
// (pv, rsync, zfs send -nvP) into structured byte/rate figures.
package progress

import (
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParsePV parses one pv stderr line of the shape
// "123MiB 0:01:23 [45.6MiB/s]" into cumulative bytes and a rate in
// bytes per second. Lines that do not match report ok=false.
func ParsePV(line string) (bytes, rate uint64, ok bool) {
	parts := strings.Fields(line)
	if len(parts) < 3 {
		return 0, 0, false
	}

	bytes, ok = ParseSize(parts[0])
	if !ok {
		return 0, 0, false
	}

	rateStr := strings.TrimPrefix(parts[2], "[")
	rateStr = strings.TrimSuffix(rateStr, "]")
	rateStr = strings.TrimSuffix(rateStr, "/s")
	rate, ok = ParseSize(rateStr)
	if !ok {
		return 0, 0, false
	}

	return bytes, rate, true
}

// ParseRsync parses one rsync stdout line. Two shapes are recognized: the
// final stats line "Total transferred file size: 1,234,567 bytes" and the
// per-file progress line "1,234,567  45%   12.34MB/s    0:00:01". Itemized
// change lines are not attributed to file counts and report ok=false.
func ParseRsync(line string) (bytes, rate, files uint64, ok bool) {
	if strings.Contains(line, "transferred file size:") {
		_, value, found := strings.Cut(line, ":")
		if !found {
			return 0, 0, 0, false
		}
		fields := strings.Fields(strings.ReplaceAll(value, ",", ""))
		if len(fields) == 0 {
			return 0, 0, 0, false
		}
		n, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return 0, 0, 0, false
		}
		return n, 0, 0, true
	}

	parts := strings.Fields(line)
	if len(parts) >= 4 && strings.HasSuffix(parts[1], "%") {
		n, err := strconv.ParseUint(strings.ReplaceAll(parts[0], ",", ""), 10, 64)
		if err != nil {
			return 0, 0, 0, false
		}
		r, _ := ParseSize(strings.TrimSuffix(parts[2], "/s"))
		return n, r, 0, true
	}

	return 0, 0, 0, false
}

// ParseEstimate extracts the estimated stream size from zfs send -nvP
// output. The parsable "size\t<bytes>" line is preferred; older zfs
// releases only print "total estimated size is 24.1M".
func ParseEstimate(output string) (uint64, bool) {
	for _, line := range strings.Split(output, "\n") {
		if strings.HasPrefix(line, "size") {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			if n, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
				return n, true
			}
		}
	}

	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "total estimated size is") {
			continue
		}
		_, value, found := strings.Cut(line, "is")
		if !found {
			continue
		}
		if n, ok := ParseSize(strings.TrimSpace(value)); ok {
			return n, true
		}
	}

	return 0, false
}

// ParseSize parses a human-readable size token such as "123MiB", "45.6M"
// or "1024" into bytes.
func ParseSize(s string) (uint64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// FormatSize renders bytes in the IEC form the transfer tools use.
func FormatSize(bytes uint64) string {
	return humanize.IBytes(bytes)
}
