package regnum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/crvs/workflow/internal/platform/fhir"
)

// JurisdictionCodeSystem identifies the administrative code of a Location.
const JurisdictionCodeSystem = "http://opencrvs.org/specs/id/jurisdiction-code"

var ErrNoOffice = errors.New("practitioner has no assigned office")

type fhirReader interface {
	Read(ctx context.Context, resourceType, id string) ([]byte, error)
	Search(ctx context.Context, resourceType string, params url.Values) (*fhir.Bundle, error)
}

type practitionerRole struct {
	ResourceType string           `json:"resourceType"`
	Location     []fhir.Reference `json:"location"`
}

type location struct {
	ID         string            `json:"id"`
	Identifier []fhir.Identifier `json:"identifier"`
	PartOf     *fhir.Reference   `json:"partOf"`
}

// code is empty when the Location carries no jurisdiction code. The id is
// never used in its place: it has no fixed width.
func (l location) code() string {
	for _, id := range l.Identifier {
		if id.System == JurisdictionCodeSystem && id.Value != "" {
			return id.Value
		}
	}
	return ""
}

// HearthResolver walks PractitionerRole -> office Location -> upazila ->
// district in the FHIR store.
type HearthResolver struct {
	store fhirReader
}

func NewHearthResolver(store fhirReader) *HearthResolver {
	return &HearthResolver{store: store}
}

func (r *HearthResolver) Jurisdiction(ctx context.Context, practitionerID string) (Jurisdiction, error) {
	if practitionerID == "" {
		return Jurisdiction{}, ErrNoPractitioner
	}
	roles, err := r.store.Search(ctx, "PractitionerRole", url.Values{"practitioner": {practitionerID}})
	if err != nil {
		return Jurisdiction{}, fmt.Errorf("search practitioner roles: %w", err)
	}
	officeID := ""
	for _, e := range roles.Entry {
		var role practitionerRole
		if err := json.Unmarshal(e.Resource, &role); err != nil || role.ResourceType != "PractitionerRole" {
			continue
		}
		if len(role.Location) > 0 {
			officeID = role.Location[0].ID()
			break
		}
	}
	if officeID == "" {
		return Jurisdiction{}, ErrNoOffice
	}

	office, err := r.location(ctx, officeID)
	if err != nil {
		return Jurisdiction{}, err
	}
	j := Jurisdiction{OfficeID: office.ID}
	if office.PartOf == nil {
		return j, nil
	}
	upazila, err := r.location(ctx, office.PartOf.ID())
	if err != nil {
		return Jurisdiction{}, err
	}
	j.Upazila = upazila.code()
	if upazila.PartOf == nil {
		return j, nil
	}
	district, err := r.location(ctx, upazila.PartOf.ID())
	if err != nil {
		return Jurisdiction{}, err
	}
	j.District = district.code()
	return j, nil
}

func (r *HearthResolver) location(ctx context.Context, id string) (location, error) {
	raw, err := r.store.Read(ctx, "Location", id)
	if err != nil {
		return location{}, fmt.Errorf("read Location/%s: %w", id, err)
	}
	var loc location
	if err := json.Unmarshal(raw, &loc); err != nil {
		return location{}, fmt.Errorf("decode Location/%s: %w", id, err)
	}
	return loc, nil
}
