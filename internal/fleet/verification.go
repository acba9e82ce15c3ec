package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/example/ride-lifecycle/internal/docstore"
	"github.com/example/ride-lifecycle/internal/models"
)

// RequiredDocuments must all be verified before a driver may go online.
var RequiredDocuments = []string{
	"driversLicense",
	"goodConduct",
	"nationalIdBack",
	"nationalIdFront",
	"profilePhoto",
	"psvBadge",
	"taxCompliance",
	"vehicleImage",
	"vehicleReg",
}

// MotorBikeDocuments replaces the vehicle documents with the bike ones and
// drops the PSV badge.
var MotorBikeDocuments = []string{
	"bikeImage",
	"bikeReg",
	"driversLicense",
	"goodConduct",
	"nationalIdBack",
	"nationalIdFront",
	"profilePhoto",
	"taxCompliance",
}

// RequiredFor returns the document set for a category.
func RequiredFor(c models.Category) []string {
	if c == models.CategoryMotorBike {
		return MotorBikeDocuments
	}
	return RequiredDocuments
}

// CanGoOnline is true iff every required document flag is true.
func CanGoOnline(documents map[string]bool) bool {
	return len(Missing(RequiredDocuments, documents)) == 0
}

// Missing lists the required documents that are absent or unverified.
func Missing(required []string, documents map[string]bool) []string {
	var out []string
	for _, d := range required {
		if !documents[d] {
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}

// VerificationRequiredError blocks the online toggle. It is a call to action
// for the driver, not a fault.
type VerificationRequiredError struct {
	DriverID string
	Missing  []string
}

func (e *VerificationRequiredError) Error() string {
	return fmt.Sprintf("driver %s must complete verification: missing %s", e.DriverID, strings.Join(e.Missing, ", "))
}

var ErrDriverNotRegistered = errors.New("fleet: driver not registered")

// Gate checks a driver's verification documents against the store.
type Gate struct {
	Store docstore.Store
}

func (g *Gate) Check(ctx context.Context, driverID string) error {
	snap, err := g.Store.Get(ctx, models.CollectionDriverDetails, driverID)
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrDriverNotRegistered, driverID)
	}
	if err != nil {
		return fmt.Errorf("load driver details: %w", err)
	}
	var profile models.DriverProfile
	if err := snap.DataTo(&profile); err != nil {
		return err
	}
	// registrations may carry the legacy "Motorbike" spelling
	category, _ := models.ParseCategory(string(profile.RideCategory))
	required := RequiredFor(category)

	var docs models.PartnerDocuments
	psnap, err := g.Store.Get(ctx, models.CollectionPartners, models.PartnerKey(profile.Email))
	switch {
	case errors.Is(err, docstore.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load partner documents: %w", err)
	default:
		if err := psnap.DataTo(&docs); err != nil {
			return err
		}
	}
	if missing := Missing(required, docs.Documents); len(missing) > 0 {
		return &VerificationRequiredError{DriverID: driverID, Missing: missing}
	}
	return nil
}
