package fleet

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/example/ride-lifecycle/internal/docstore"
	"github.com/example/ride-lifecycle/internal/models"
)

var ErrValidation = errors.New("fleet: validation failed")

// Car models accepted at registration, by category.
var carModelCategories = map[models.Category][]string{
	models.CategoryEconomy:   {"Mazda Demio", "Toyota Corolla", "Nissan March", "Honda Fit", "Suzuki Alto"},
	models.CategoryXL:        {"Toyota Noah", "Mazda Carol"},
	models.CategoryPremium:   {"Mercedes-Benz", "BMW", "Toyota Pixis", "Toyota Harrier", "Subaru Forester", "Land Cruiser Prado"},
	models.CategoryMotorBike: {"Nissan Dayz"},
}

// CategoryFor derives the ride tier from the car model and seat count.
// XL models with fewer than six seats do not qualify for any tier.
func CategoryFor(carModel string, seats int) (models.Category, bool) {
	in := func(c models.Category) bool {
		for _, m := range carModelCategories[c] {
			if strings.EqualFold(m, strings.TrimSpace(carModel)) {
				return true
			}
		}
		return false
	}
	switch {
	case in(models.CategoryEconomy):
		return models.CategoryEconomy, true
	case in(models.CategoryXL) && seats >= 6:
		return models.CategoryXL, true
	case in(models.CategoryPremium):
		return models.CategoryPremium, true
	case in(models.CategoryMotorBike):
		return models.CategoryMotorBike, true
	}
	return "", false
}

type Registry struct {
	Store docstore.Store
}

// RegisterUser writes the users profile created at sign-up.
func (r *Registry) RegisterUser(ctx context.Context, u models.UserProfile) error {
	var errs []error
	if strings.TrimSpace(u.UID) == "" {
		errs = append(errs, errors.New("uid is required"))
	}
	if _, err := mail.ParseAddress(u.Email); err != nil {
		errs = append(errs, fmt.Errorf("email: %w", err))
	}
	if strings.TrimSpace(u.UserName) == "" {
		errs = append(errs, errors.New("userName is required"))
	}
	if strings.TrimSpace(u.Phone) == "" {
		errs = append(errs, errors.New("phone is required"))
	}
	if u.UserType != "rider" && u.UserType != "driver" {
		errs = append(errs, fmt.Errorf("userType %q must be rider or driver", u.UserType))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return r.Store.Set(ctx, models.CollectionUsers, u.UID, u)
}

// Register validates the vehicle form, derives the category and writes
// driverDetails. Identity fields are copied from the users profile.
func (r *Registry) Register(ctx context.Context, p models.DriverProfile) (models.DriverProfile, error) {
	var errs []error
	if strings.TrimSpace(p.CarModel) == "" {
		errs = append(errs, errors.New("carModel is required"))
	}
	if strings.TrimSpace(p.Plate) == "" {
		errs = append(errs, errors.New("plate is required"))
	}
	if strings.TrimSpace(p.LicenseNumber) == "" {
		errs = append(errs, errors.New("licenseNumber is required"))
	}
	if p.CarSeats <= 0 {
		errs = append(errs, errors.New("carSeats must be positive"))
	}
	if strings.TrimSpace(p.VehicleColor) == "" {
		errs = append(errs, errors.New("vehicleColor is required"))
	}
	if strings.TrimSpace(p.ProfileImageURL) == "" {
		errs = append(errs, errors.New("profileImageUrl is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return p, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	category, ok := CategoryFor(p.CarModel, p.CarSeats)
	if !ok {
		return p, fmt.Errorf("%w: unable to determine ride category for %q with %d seats", ErrValidation, p.CarModel, p.CarSeats)
	}
	p.RideCategory = category
	p.Plate = strings.ToUpper(strings.TrimSpace(p.Plate))

	snap, err := r.Store.Get(ctx, models.CollectionUsers, p.UID)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		return p, fmt.Errorf("%w: user %s has not signed up", ErrValidation, p.UID)
	case err != nil:
		return p, err
	}
	var user models.UserProfile
	if err := snap.DataTo(&user); err != nil {
		return p, err
	}
	p.Email = user.Email
	p.Username = user.UserName
	p.Phone = user.Phone

	if err := r.Store.Set(ctx, models.CollectionDriverDetails, p.UID, p); err != nil {
		return p, fmt.Errorf("save driver details: %w", err)
	}
	return p, nil
}
