package containers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const timeReport = `Loading database information... done.
1000 sequences (0.15 Mbp) processed in 0.412s (145.6 Kseq/m, 21.84 Mbp/m).
  982 sequences classified (98.20%)
	Command being timed: "kraken2 --db /db/standard --output /data/uj/reports/miseq/kraken2.tsv /data/uj/simulated/miseq.fastq"
	User time (seconds): 12.50
	System time (seconds): 1.25
	Percent of CPU this job got: 97%
	Elapsed (wall clock) time (h:mm:ss or m:ss): 1:02.50
	Average shared text size (kbytes): 0
	Maximum resident set size (kbytes): 524288
	Major (requiring I/O) page faults: 0
	Exit status: 0
`

func TestParseTimeOutput(t *testing.T) {
	report := ParseTimeOutput(timeReport)

	assert.True(t, report.Found)
	assert.InDelta(t, 13.75, report.Metrics.CPUTime, 1e-9)
	assert.InDelta(t, 512.0, report.Metrics.MaxMemoryMBs, 1e-9)
	assert.InDelta(t, 62.5, report.Metrics.WallClockTime, 1e-9)
	assert.Equal(t, 0, report.ExitStatus)
}

func TestParseTimeOutput_NoReport(t *testing.T) {
	report := ParseTimeOutput("plain tool output\nwithout a timing block\n")

	assert.False(t, report.Found)
	assert.Zero(t, report.Metrics.CPUTime)
	assert.Zero(t, report.Metrics.MaxMemoryMBs)
}

func TestParseTimeOutput_NonZeroExit(t *testing.T) {
	report := ParseTimeOutput("\tUser time (seconds): 0.01\n\tExit status: 2\n")

	assert.True(t, report.Found)
	assert.Equal(t, 2, report.ExitStatus)
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"0:03.21", 3.21, true},
		{"1:02.50", 62.5, true},
		{"2:00:01", 7201, true},
		{"bogus", 0, false},
		{"1:x", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseClock(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.InDelta(t, tt.want, got, 1e-9, tt.in)
	}
}

func TestStripTimeReportAndTail(t *testing.T) {
	out := StripTimeReport(timeReport)

	assert.NotContains(t, out, "User time")
	assert.Equal(t, "982 sequences classified (98.20%)", tail(out, 1))
	assert.Equal(t, "plain", StripTimeReport("plain"))
}
