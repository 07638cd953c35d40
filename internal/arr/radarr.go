package arr

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"go.uber.org/zap"
)

// Radarr is a Radarr v3 client.
type Radarr struct {
	base
}

// NewRadarr builds a Radarr client.
func NewRadarr(cfg Config, logger *zap.Logger) *Radarr {
	return &Radarr{base: newBase("radarr", cfg, logger.Named("radarr"))}
}

// MovieByTMDB finds a movie by TMDB id.
func (r *Radarr) MovieByTMDB(ctx context.Context, tmdbID int64) (*Movie, error) {
	var out []Movie
	q := url.Values{"tmdbId": {strconv.FormatInt(tmdbID, 10)}}
	if err := r.http.GetJSON(ctx, "/api/v3/movie", q, &out); err != nil {
		return nil, fmt.Errorf("lookup movie tmdb %d: %w", tmdbID, err)
	}
	for i := range out {
		if out[i].TMDBID == tmdbID {
			return &out[i], nil
		}
	}
	return nil, ErrNotFound
}

// MovieInQueue reports whether the movie is still downloading or importing.
func (r *Radarr) MovieInQueue(ctx context.Context, movieID int64) (bool, error) {
	queue, err := r.Queue(ctx)
	if err != nil {
		return false, err
	}
	for _, item := range queue {
		if item.MovieID == movieID && item.Active() {
			return true, nil
		}
	}
	return false, nil
}

// MovieHistory returns the history of one movie.
func (r *Radarr) MovieHistory(ctx context.Context, movieID int64) ([]HistoryRecord, error) {
	var out []HistoryRecord
	q := url.Values{"movieId": {strconv.FormatInt(movieID, 10)}}
	if err := r.http.GetJSON(ctx, "/api/v3/history/movie", q, &out); err != nil {
		return nil, fmt.Errorf("movie %d history: %w", movieID, err)
	}
	return out, nil
}

// DeleteMovieFile removes a movie file.
func (r *Radarr) DeleteMovieFile(ctx context.Context, fileID int64) error {
	if err := r.http.Delete(ctx, "/api/v3/moviefile/"+strconv.FormatInt(fileID, 10), nil); err != nil {
		return fmt.Errorf("delete movie file %d: %w", fileID, err)
	}
	return nil
}

// SearchMovie triggers a movie search.
func (r *Radarr) SearchMovie(ctx context.Context, movieID int64) error {
	return r.Command(ctx, Command{Name: CmdMoviesSearch, MovieIDs: []int64{movieID}})
}

// Replace blocklists the current release (or deletes the file) and searches again.
func (r *Radarr) Replace(ctx context.Context, m Movie) (string, error) {
	action := ""
	history, err := r.MovieHistory(ctx, m.ID)
	if err != nil {
		return "", err
	}
	if grab, ok := latestGrab(history); ok {
		if err := r.MarkFailed(ctx, grab.ID); err != nil {
			return "", err
		}
		action = "blocklisted release"
	} else if m.MovieFile != nil {
		if err := r.DeleteMovieFile(ctx, m.MovieFile.ID); err != nil {
			return "", err
		}
		action = "deleted file"
	}

	if err := r.SearchMovie(ctx, m.ID); err != nil {
		return action, err
	}
	if action == "" {
		return "searched", nil
	}
	return action + " and searched", nil
}
