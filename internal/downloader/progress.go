package downloader

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/Witriol/tapedeck/internal/model"
)

var (
	rePercent = regexp.MustCompile(`(\d+\.?\d*)%`)
	reSpeed   = regexp.MustCompile(`([\d.]+\s*(?:[KMGT]i?[Bb])/s)`)
	reETA     = regexp.MustCompile(`ETA:?\s+([\d:]+)`)
	reSize    = regexp.MustCompile(`~?([\d.]+\s*(?:[KMGT]i?[Bb]))\b`)
	reFFmpeg  = regexp.MustCompile(`frame=\s*\d+.*?size=\s*(\d+)kB\s+time=([\d:.]+).*?speed=\s*([\d.Na/]+)x?`)
	reOutput  = regexp.MustCompile(`(?:INFO:|Recorded)\s+(?:Recorded\s+)?(.+\.(?:mp4|m4v|mp3|m4a|aac|ts))`)
)

// ParseProgressLine extracts progress from one line of downloader output.
// Two shapes are understood:
//
//	5.4% of ~2442.31 MB @  97.8 Mb/s ETA: 00:03:09 (hlshd1/cf) [audio+video]
//	frame=  123 fps= 25 q=28.0 size=    512kB time=00:00:12.00 bitrate= 350kbps speed=1.2x
//
// ffmpeg lines carry no percentage; they report percent 0, the elapsed media
// time as ETA and the encoder speed.
func ParseProgressLine(line string) (model.ProgressUpdate, bool) {
	if m := rePercent.FindStringSubmatch(line); m != nil {
		pct, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			u := model.ProgressUpdate{Percent: min(max(pct, 0), 100)}
			if s := reSpeed.FindStringSubmatch(line); s != nil {
				u.Speed = s[1]
			}
			if e := reETA.FindStringSubmatch(line); e != nil {
				u.ETA = e[1]
			}
			if z := reSize.FindStringSubmatch(line); z != nil {
				u.Size = z[1]
			}
			return u, true
		}
	}
	if m := reFFmpeg.FindStringSubmatch(line); m != nil {
		kb, _ := strconv.ParseUint(m[1], 10, 64)
		return model.ProgressUpdate{
			Speed: m[3] + "x",
			ETA:   m[2],
			Size:  humanize.Bytes(kb * 1000),
		}, true
	}
	return model.ProgressUpdate{}, false
}

// ExtractOutputPath returns the recorded file named in line, if any.
func ExtractOutputPath(line string) (string, bool) {
	m := reOutput.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// scanLines splits on either \r or \n so in-place progress updates are seen
// as separate lines.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// lineRing keeps the last n lines.
type lineRing struct {
	n     int
	lines []string
}

func newLineRing(n int) *lineRing {
	return &lineRing{n: n, lines: make([]string, 0, n)}
}

func (r *lineRing) Push(line string) {
	if len(r.lines) == r.n {
		copy(r.lines, r.lines[1:])
		r.lines = r.lines[:r.n-1]
	}
	r.lines = append(r.lines, line)
}

func (r *lineRing) Lines() []string {
	return append([]string(nil), r.lines...)
}

// errorSummary picks the lines worth showing for a failed run: anything that
// looks like an error or warning, or else the last five lines.
func errorSummary(lines []string) string {
	var picked []string
	for _, l := range lines {
		u := strings.ToUpper(l)
		if strings.Contains(u, "UK TV LICENCE") || strings.Contains(u, "TV LICENCE IS REQUIRED") {
			continue
		}
		if strings.Contains(u, "ERROR") || strings.Contains(u, "WARNING") ||
			strings.Contains(u, "FAILED") || strings.Contains(u, "ABORT") {
			picked = append(picked, l)
		}
	}
	if len(picked) == 0 {
		picked = lines[max(len(lines)-5, 0):]
	}
	return strings.Join(picked, "\n")
}
