package queue

import (
	"context"

	"github.com/Witriol/tapedeck/internal/model"
)

// Request carries the job parameters handed to a Downloader. The queue does
// not interpret them.
type Request struct {
	ID        string
	Source    string
	Title     string
	MediaType string
	Quality   string
	Subtitles bool
	OutputDir string
	// Cancelled reports whether the item was cancelled. Downloaders may poll
	// it to stop early; the queue does not require them to.
	Cancelled func() bool
}

// Downloader fetches one item. It returns the path of the produced artifact.
// ctx is cancelled on process teardown; implementations must stop any
// subprocess or remote transfer when that happens.
type Downloader interface {
	Download(ctx context.Context, req Request, onProgress func(model.ProgressUpdate)) (string, error)
}

// DownloaderFunc adapts a function to the Downloader interface.
type DownloaderFunc func(ctx context.Context, req Request, onProgress func(model.ProgressUpdate)) (string, error)

func (f DownloaderFunc) Download(ctx context.Context, req Request, onProgress func(model.ProgressUpdate)) (string, error) {
	return f(ctx, req, onProgress)
}

func requestFor(it *model.Item, outputDir string) Request {
	return Request{
		ID:        it.ID,
		Source:    it.Source,
		Title:     it.Title,
		MediaType: it.MediaType,
		Quality:   it.Quality,
		Subtitles: it.Subtitles,
		OutputDir: outputDir,
	}
}
