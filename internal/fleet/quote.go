package fleet

import (
	"context"
	"log/slog"

	"github.com/example/ride-lifecycle/internal/fare"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/routing"
)

// CategoryQuote is one selectable option. Fare is nil when the route could
// not be computed; clients keep showing a loading state for it.
type CategoryQuote struct {
	CategoryDrivers
	Fare         *fare.Fare `json:"fare,omitempty"`
	DurationText string     `json:"durationText,omitempty"`
}

type Quote struct {
	Pickup      models.Coord    `json:"pickup"`
	Destination models.Coord    `json:"destination"`
	Route       *routing.Route  `json:"route,omitempty"`
	Options     []CategoryQuote `json:"options"`
}

// Option returns the quote for category c.
func (q Quote) Option(c models.Category) (CategoryQuote, bool) {
	for _, o := range q.Options {
		if o.Category == c {
			return o, true
		}
	}
	return CategoryQuote{}, false
}

type Quoter struct {
	Directory *Directory
	Routing   routing.Client
	Logger    *slog.Logger
}

// Quote routes the trip once and prices every available category.
func (q *Quoter) Quote(ctx context.Context, pickup, destination models.Coord) (Quote, error) {
	out := Quote{Pickup: pickup, Destination: destination}
	cats, err := q.Directory.Categories(ctx, pickup)
	if err != nil {
		return out, err
	}
	for _, c := range cats {
		out.Options = append(out.Options, CategoryQuote{CategoryDrivers: c})
	}
	if len(out.Options) == 0 {
		return out, nil
	}

	route, err := q.Routing.Route(ctx, pickup, destination)
	if err != nil {
		q.logger().Warn("route lookup failed, fares left unset", "error", err)
		return out, nil
	}
	out.Route = &route
	for i := range out.Options {
		f, err := fare.EstimateFare(route.DistanceKm(), out.Options[i].Category)
		if err != nil {
			q.logger().Warn("fare estimate failed", "category", out.Options[i].Category, "error", err)
			continue
		}
		out.Options[i].Fare = &f
		out.Options[i].DurationText = fare.FormatDuration(route.DurationSeconds)
	}
	return out, nil
}

func (q *Quoter) logger() *slog.Logger {
	if q.Logger != nil {
		return q.Logger
	}
	return slog.Default()
}
