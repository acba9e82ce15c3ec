package fare

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/ride-lifecycle/internal/models"
)

const (
	Currency = "KES"

	// MinimumFare applies to every category before rounding.
	MinimumFare = 250.0
	// ListMarkup is added to the quoted fare to produce the crossed-out price.
	ListMarkup = 120
)

var (
	ErrInvalidInput    = errors.New("fare: invalid input")
	ErrUnknownCategory = errors.New("fare: unknown category")
)

// Rates holds the per-kilometre price of each category.
var Rates = map[models.Category]float64{
	models.CategoryEconomy:   65,
	models.CategoryXL:        85,
	models.CategoryMotorBike: 45,
	models.CategoryPremium:   140,
}

// Fare is a priced trip. Amount is always a multiple of ten and never below
// the minimum fare.
type Fare struct {
	Category   models.Category `json:"category"`
	DistanceKm float64         `json:"distanceKm"`
	RatePerKm  float64         `json:"ratePerKm"`
	Amount     int64           `json:"amount"`
	ListPrice  int64           `json:"listPrice"`
	Currency   string          `json:"currency"`
}

// RateFor returns the per-km rate of c.
func RateFor(c models.Category) (float64, bool) {
	r, ok := Rates[c]
	return r, ok
}

// EstimateFare prices distanceKm for category.
func EstimateFare(distanceKm float64, category models.Category) (Fare, error) {
	rate, ok := Rates[category]
	if !ok {
		return Fare{}, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	f, err := EstimateWithRate(distanceKm, rate)
	if err != nil {
		return Fare{}, err
	}
	f.Category = category
	return f, nil
}

// EstimateWithRate prices distanceKm at an explicit rate, as used when the
// rider's previously selected rate is restored from the local cache.
func EstimateWithRate(distanceKm, ratePerKm float64) (Fare, error) {
	if !finiteNonNegative(distanceKm) {
		return Fare{}, fmt.Errorf("%w: distance %v", ErrInvalidInput, distanceKm)
	}
	if !finiteNonNegative(ratePerKm) || ratePerKm == 0 {
		return Fare{}, fmt.Errorf("%w: rate %v", ErrInvalidInput, ratePerKm)
	}
	raw := distanceKm * ratePerKm
	floored := math.Max(raw, MinimumFare)
	amount := int64(math.Round(floored/10) * 10)
	return Fare{
		DistanceKm: distanceKm,
		RatePerKm:  ratePerKm,
		Amount:     amount,
		ListPrice:  amount + ListMarkup,
		Currency:   Currency,
	}, nil
}

func finiteNonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// FormatDuration renders a trip duration the way the apps display ETAs:
// "1h 5min", or "12min" when under an hour.
func FormatDuration(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		seconds = 0
	}
	total := int64(math.Round(seconds / 60))
	h, m := total/60, total%60
	if h > 0 {
		return fmt.Sprintf("%dh %dmin", h, m)
	}
	return fmt.Sprintf("%dmin", m)
}
