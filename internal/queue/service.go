package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Witriol/tapedeck/internal/events"
	"github.com/Witriol/tapedeck/internal/model"
)

const (
	DefaultPerPage = 25
	MaxPerPage     = 100
)

// AddRequest describes a new queue item.
type AddRequest struct {
	Source      string     `json:"source"`
	Title       string     `json:"title"`
	Series      *string    `json:"series,omitempty"`
	Channel     *string    `json:"channel,omitempty"`
	MediaType   string     `json:"media_type,omitempty"`
	Quality     string     `json:"quality,omitempty"`
	Subtitles   *bool      `json:"subtitles,omitempty"`
	Priority    *int64     `json:"priority,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// PriorityUpdate sets the priority of one item.
type PriorityUpdate struct {
	ID       string `json:"id"`
	Priority int64  `json:"priority"`
}

// Page is one page of a listing.
type Page struct {
	Items   []model.Item `json:"items"`
	Total   int          `json:"total"`
	Page    int          `json:"page"`
	PerPage int          `json:"per_page"`
}

// Service is the queue surface used by the API.
type Service struct {
	store     *Store
	bus       *events.Bus
	submit    Submitter
	outputDir string
	now       func() time.Time
}

func NewService(store *Store, bus *events.Bus, submit Submitter, outputDir string) *Service {
	return &Service{store: store, bus: bus, submit: submit, outputDir: outputDir, now: time.Now}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func (s *Service) Add(ctx context.Context, req AddRequest) (*model.Item, error) {
	source := strings.TrimSpace(req.Source)
	title := strings.TrimSpace(req.Title)
	if source == "" {
		return nil, invalid("source is required")
	}
	if title == "" {
		return nil, invalid("title is required")
	}
	mediaType := strings.ToLower(strings.TrimSpace(req.MediaType))
	if mediaType == "" {
		mediaType = model.DefaultMediaType
	}
	if mediaType != "tv" && mediaType != "radio" {
		return nil, invalid("media_type must be tv or radio")
	}
	quality := strings.TrimSpace(req.Quality)
	if quality == "" {
		quality = model.DefaultQuality
	}
	priority := int64(model.DefaultPriority)
	if req.Priority != nil {
		priority = *req.Priority
	}
	subtitles := true
	if req.Subtitles != nil {
		subtitles = *req.Subtitles
	}

	if existing, err := s.store.FindActiveBySource(ctx, source); err == nil {
		return nil, fmt.Errorf("%w: %s is already %s as %s", ErrConflict, source, existing.Status, existing.ID)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	it := &model.Item{
		Source:    source,
		Title:     title,
		Series:    req.Series,
		Channel:   req.Channel,
		MediaType: mediaType,
		Quality:   quality,
		Subtitles: subtitles,
		Priority:  priority,
		Status:    model.StatusQueued,
		AddedAt:   s.now().UTC(),
	}
	if req.ScheduledAt != nil {
		at := req.ScheduledAt.UTC()
		it.ScheduledAt = &at
	}
	if err := s.store.Insert(ctx, it); err != nil {
		return nil, err
	}
	log.Info().Str("action", "add").Str("id", it.ID).Str("source", source).Int64("priority", priority).Msg("item added")
	s.bus.Publish(events.ItemAdded{Item: *it})
	if it.Due(s.now().UTC()) {
		s.submit.Submit(it.ID)
	}
	return it, nil
}

func (s *Service) Get(ctx context.Context, id string) (*model.Item, error) {
	return s.store.Get(ctx, id)
}

// List returns a page of items. page starts at 1; perPage is clamped to
// 1..MaxPerPage and defaults to DefaultPerPage.
func (s *Service) List(ctx context.Context, status string, page, perPage int) (*Page, error) {
	var st model.Status
	if status != "" {
		parsed, err := model.ParseStatus(status)
		if err != nil {
			return nil, invalid("%v", err)
		}
		st = parsed
	}
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	perPage = min(perPage, MaxPerPage)
	items, total, err := s.store.List(ctx, ListFilter{Status: st, Page: page, PerPage: perPage})
	if err != nil {
		return nil, err
	}
	return &Page{Items: items, Total: total, Page: page, PerPage: perPage}, nil
}

// Retry moves a failed or cancelled item back to queued and submits it.
func (s *Service) Retry(ctx context.Context, id string) (*model.Item, error) {
	it, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !it.Status.Retryable() {
		return nil, fmt.Errorf("%w: item is %s", ErrNotRetryable, it.Status)
	}
	ok, err := s.store.Requeue(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Changed status between the read and the update.
		return nil, fmt.Errorf("%w: item is no longer %s", ErrNotRetryable, it.Status)
	}
	log.Info().Str("action", "retry").Str("id", id).Msg("item requeued")
	s.bus.Publish(events.StatusChange{ID: id, Status: model.StatusQueued})
	it, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if it.Due(s.now().UTC()) {
		s.submit.Submit(id)
	}
	return it, nil
}

// Remove cancels a downloading item. Any other item is deleted together
// with its output file.
func (s *Service) Remove(ctx context.Context, id string) error {
	it, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if CanTransition(it.Status, model.StatusCancelled) {
		ok, err := s.store.MarkCancelled(ctx, id, s.now().UTC())
		if err != nil {
			return err
		}
		if ok {
			log.Info().Str("action", "cancel").Str("id", id).Msg("item cancelled")
			s.bus.Publish(events.StatusChange{ID: id, Status: model.StatusCancelled})
			return nil
		}
		// Finished in the meantime; fall through to deletion.
		if it, err = s.store.Get(ctx, id); err != nil {
			return err
		}
	}
	if it.OutputPath != nil && *it.OutputPath != "" {
		path := *it.OutputPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(s.outputDir, path)
		}
		if err := removeArtifact(s.outputDir, path); err != nil {
			log.Warn().Err(err).Str("id", id).Str("output", path).Msg("could not delete output file")
		}
	}
	deleted, err := s.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNotFound
	}
	log.Info().Str("action", "remove").Str("id", id).Msg("item removed")
	s.bus.Publish(events.ItemRemoved{ID: id})
	return nil
}

// Reorder updates priorities in bulk. Unknown ids are ignored.
func (s *Service) Reorder(ctx context.Context, updates []PriorityUpdate) error {
	if len(updates) == 0 {
		return invalid("no items to reorder")
	}
	priorities := make(map[string]int64, len(updates))
	for _, u := range updates {
		if strings.TrimSpace(u.ID) == "" {
			return invalid("id is required")
		}
		priorities[u.ID] = u.Priority
	}
	if err := s.store.SetPriorities(ctx, priorities); err != nil {
		return err
	}
	log.Info().Str("action", "reorder").Int("count", len(updates)).Msg("priorities updated")
	return nil
}

// Counts returns the number of items per status.
func (s *Service) Counts(ctx context.Context) (map[model.Status]int, error) {
	return s.store.CountByStatus(ctx)
}

var _ interface {
	Add(context.Context, AddRequest) (*model.Item, error)
	Get(context.Context, string) (*model.Item, error)
	List(context.Context, string, int, int) (*Page, error)
	Retry(context.Context, string) (*model.Item, error)
	Remove(context.Context, string) error
	Reorder(context.Context, []PriorityUpdate) error
} = (*Service)(nil)
