package downloader

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Witriol/tapedeck/internal/model"
	"github.com/Witriol/tapedeck/internal/queue"
)

// ErrCancelled is returned when a run was stopped because its item was
// cancelled.
var ErrCancelled = errors.New("download cancelled")

const keepLines = 50

// Command runs an external download program once per item.
//
// Args are templates; {source}, {output_dir}, {quality} and {media_type}
// are replaced with the request's values. SubtitlesArg is appended when
// subtitles are requested.
type Command struct {
	Path         string
	Args         []string
	SubtitlesArg string
	// CancelPoll is how often the item's cancel flag is checked. Zero
	// disables polling.
	CancelPoll time.Duration
}

func (c *Command) args(req queue.Request) []string {
	r := strings.NewReplacer(
		"{source}", req.Source,
		"{output_dir}", req.OutputDir,
		"{quality}", req.Quality,
		"{media_type}", req.MediaType,
	)
	out := make([]string, 0, len(c.Args)+1)
	for _, a := range c.Args {
		out = append(out, r.Replace(a))
	}
	if req.Subtitles && c.SubtitlesArg != "" {
		out = append(out, c.SubtitlesArg)
	}
	return out
}

type outputLine struct {
	text   string
	stderr bool
}

func (c *Command) Download(ctx context.Context, req queue.Request, onProgress func(model.ProgressUpdate)) (string, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	name := filepath.Base(c.Path)
	cmd := exec.CommandContext(runCtx, c.Path, c.args(req)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", err
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("spawn %s: %w", name, err)
	}

	var cancelled bool
	var cancelMu sync.Mutex
	if c.CancelPoll > 0 && req.Cancelled != nil {
		go func() {
			ticker := time.NewTicker(c.CancelPoll)
			defer ticker.Stop()
			for {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.C:
					if req.Cancelled() {
						cancelMu.Lock()
						cancelled = true
						cancelMu.Unlock()
						cancel()
						return
					}
				}
			}
		}()
	}

	lines := make(chan outputLine, 64)
	var readers sync.WaitGroup
	readers.Add(2)
	go readLines(stdout, false, lines, &readers)
	go readLines(stderr, true, lines, &readers)
	go func() {
		readers.Wait()
		close(lines)
	}()

	logger := log.With().Str("id", req.ID).Str("cmd", name).Logger()
	ring := newLineRing(keepLines)
	var outputPath string
	for l := range lines {
		if u, ok := ParseProgressLine(l.text); ok {
			logger.Debug().Float64("percent", u.Percent).Str("speed", u.Speed).Str("eta", u.ETA).Msg("progress")
			onProgress(u)
			continue
		}
		logger.Info().Bool("stderr", l.stderr).Msg(l.text)
		if !l.stderr {
			if p, ok := ExtractOutputPath(l.text); ok {
				outputPath = p
			}
		}
		ring.Push(l.text)
	}

	waitErr := cmd.Wait()
	cancelMu.Lock()
	wasCancelled := cancelled
	cancelMu.Unlock()
	if wasCancelled {
		return "", ErrCancelled
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return "", fmt.Errorf("%s exited with status %d for %s\n%s",
				name, exitErr.ExitCode(), req.Source, errorSummary(ring.Lines()))
		}
		return "", fmt.Errorf("wait for %s: %w", name, waitErr)
	}
	return outputPath, nil
}

func readLines(r io.Reader, stderr bool, out chan<- outputLine, wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1024*1024)
	sc.Split(scanLines)
	for sc.Scan() {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		out <- outputLine{text: text, stderr: stderr}
	}
	// A line longer than the buffer ends the scan; drain the rest so the
	// child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

var _ queue.Downloader = (*Command)(nil)
