package containers

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/ternarybob/meta/internal/models"
)

// Labels written by GNU time -v
const (
	labelUserTime  = "User time (seconds)"
	labelSysTime   = "System time (seconds)"
	labelMaxRSS    = "Maximum resident set size (kbytes)"
	labelElapsed   = "Elapsed (wall clock) time (h:mm:ss or m:ss)"
	labelExitState = "Exit status"
)

// TimeReport is the subset of a GNU time -v report the service records.
type TimeReport struct {
	Metrics    models.ExecutionMetrics
	ExitStatus int
	Found      bool
}

// ParseTimeOutput extracts resource usage from container output that ends
// with a GNU time -v report. CPU time is user plus system time and memory
// is converted from kbytes to MB. Lines that are not part of the report
// are ignored.
func ParseTimeOutput(output string) TimeReport {
	var report TimeReport
	var user, sys float64

	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if v, ok := valueAfter(line, labelUserTime); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				user = f
				report.Found = true
			}
		} else if v, ok := valueAfter(line, labelSysTime); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				sys = f
				report.Found = true
			}
		} else if v, ok := valueAfter(line, labelMaxRSS); ok {
			if kb, err := strconv.ParseFloat(v, 64); err == nil {
				report.Metrics.MaxMemoryMBs = kb / 1024
				report.Found = true
			}
		} else if v, ok := valueAfter(line, labelElapsed); ok {
			if secs, ok := parseClock(v); ok {
				report.Metrics.WallClockTime = secs
			}
		} else if v, ok := valueAfter(line, labelExitState); ok {
			if code, err := strconv.Atoi(v); err == nil {
				report.ExitStatus = code
			}
		}
	}

	report.Metrics.CPUTime = user + sys
	return report
}

func valueAfter(line, label string) (string, bool) {
	if !strings.HasPrefix(line, label+":") {
		return "", false
	}
	return strings.TrimSpace(line[len(label)+1:]), true
}

// parseClock converts "h:mm:ss" or "m:ss.ss" to seconds
func parseClock(v string) (float64, bool) {
	parts := strings.Split(v, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, false
	}

	total := 0.0
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return 0, false
		}
		total = total*60 + f
	}
	return total, true
}

// StripTimeReport returns the tool output without the trailing time -v block
func StripTimeReport(output string) string {
	if i := strings.Index(output, "Command being timed:"); i >= 0 {
		return strings.TrimRight(output[:i], " \t\r\n")
	}
	return output
}

// tail returns the last n non-empty lines of s
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\r\n"), "\n")
	var kept []string
	for i := len(lines) - 1; i >= 0 && len(kept) < n; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			kept = append([]string{line}, kept...)
		}
	}
	return strings.Join(kept, "\n")
}
