package rollout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/narvanalabs/fleetdeploy/internal/models"
	"github.com/narvanalabs/fleetdeploy/internal/store"
)

// resolveTargets returns the ships a fleet rollout should reach. Explicitly
// included ships are used as given; otherwise every ship still considered
// online is a candidate. Region, exclusion and version filters apply to both.
func (s *Service) resolveTargets(ctx context.Context, filter models.ShipFilter, now time.Time) ([]*models.Ship, error) {
	var candidates []*models.Ship
	if len(filter.IncludeShips) > 0 {
		seen := make(map[string]struct{}, len(filter.IncludeShips))
		for _, id := range filter.IncludeShips {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ship, err := s.store.Ships().Get(ctx, id)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return nil, fmt.Errorf("%w: unknown ship %q", ErrInvalidRequest, id)
				}
				return nil, fmt.Errorf("getting ship %s: %w", id, err)
			}
			candidates = append(candidates, ship)
		}
	} else {
		ships, err := s.store.Ships().List(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing ships: %w", err)
		}
		for _, ship := range ships {
			if ship.EffectiveStatus(now, s.onlineThreshold) != models.ShipStatusOffline {
				candidates = append(candidates, ship)
			}
		}
	}

	match, err := newShipMatcher(filter)
	if err != nil {
		return nil, err
	}

	var targets []*models.Ship
	for _, ship := range candidates {
		if match(ship) {
			targets = append(targets, ship)
		}
	}
	return targets, nil
}

// newShipMatcher compiles the region, exclusion and version parts of filter.
func newShipMatcher(filter models.ShipFilter) (func(*models.Ship) bool, error) {
	var minV, maxV *semver.Version
	var err error
	if filter.MinVersion != "" {
		if minV, err = semver.NewVersion(filter.MinVersion); err != nil {
			return nil, fmt.Errorf("%w: min_version %q: %v", ErrInvalidRequest, filter.MinVersion, err)
		}
	}
	if filter.MaxVersion != "" {
		if maxV, err = semver.NewVersion(filter.MaxVersion); err != nil {
			return nil, fmt.Errorf("%w: max_version %q: %v", ErrInvalidRequest, filter.MaxVersion, err)
		}
	}

	excluded := make(map[string]struct{}, len(filter.ExcludeShips))
	for _, id := range filter.ExcludeShips {
		excluded[id] = struct{}{}
	}

	return func(ship *models.Ship) bool {
		if _, ok := excluded[ship.ID]; ok {
			return false
		}
		if len(filter.Regions) > 0 && !containsFold(filter.Regions, ship.Location) {
			return false
		}
		if minV == nil && maxV == nil {
			return true
		}
		v, err := semver.NewVersion(ship.CurrentVersion)
		if err != nil {
			// Ships with an unknown version cannot satisfy a version range.
			return false
		}
		if minV != nil && v.LessThan(minV) {
			return false
		}
		if maxV != nil && v.GreaterThan(maxV) {
			return false
		}
		return true
	}, nil
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
