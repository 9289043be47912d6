// Package registry indexes published update packages (releases) that
// deployments can reference by version.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/narvanalabs/fleetdeploy/internal/models"
	"github.com/narvanalabs/fleetdeploy/internal/notify"
	"github.com/narvanalabs/fleetdeploy/internal/store"
)

// DefaultTTL is how long a release stays available when the request sets no TTL.
const DefaultTTL = 30 * 24 * time.Hour

// recentWindow bounds the "recent releases" statistic.
const recentWindow = 7 * 24 * time.Hour

var (
	ErrNotFound       = errors.New("release not found")
	ErrInvalidRequest = errors.New("invalid release request")
)

// Info summarises the registry index.
type Info struct {
	TotalReleases     int       `json:"total_releases"`
	PendingReleases   int       `json:"pending_releases"`
	RecentReleases    int       `json:"recent_releases"`
	AvailableVersions []string  `json:"available_versions"`
	LastChecked       time.Time `json:"last_checked"`
}

// Service manages the release index.
type Service struct {
	store      store.Store
	publisher  notify.Publisher
	clock      clock.PassiveClock
	defaultTTL time.Duration
	logger     *slog.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithPublisher sets the event publisher.
func WithPublisher(p notify.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithClock replaces the wall clock.
func WithClock(c clock.PassiveClock) Option {
	return func(s *Service) { s.clock = c }
}

// WithDefaultTTL overrides DefaultTTL.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

// NewService creates a registry service.
func NewService(s store.Store, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	svc := &Service{
		store:      s,
		publisher:  notify.Nop{},
		clock:      clock.RealClock{},
		defaultTTL: DefaultTTL,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

// ValidateImage reports whether image has the repository:tag form. A registry
// host with a port (host:5000/app:1.0) is accepted.
func ValidateImage(image string) bool {
	image = strings.TrimSpace(image)
	if image == "" || strings.ContainsAny(image, " \t") {
		return false
	}
	i := strings.LastIndex(image, ":")
	if i <= 0 || i == len(image)-1 {
		return false
	}
	repo, tag := image[:i], image[i+1:]
	// host:port/repo without a tag
	if strings.Contains(tag, "/") {
		return false
	}
	return !strings.HasSuffix(repo, "/")
}

// Checksum returns the lowercase hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CreateRelease publishes a release. When the request carries package bytes,
// the checksum is computed from them and must match any checksum given.
func (s *Service) CreateRelease(ctx context.Context, req *models.ReleaseRequest) (*models.Release, error) {
	if req.Version == "" {
		return nil, fmt.Errorf("%w: version is required", ErrInvalidRequest)
	}
	if !ValidateImage(req.ContainerImage) {
		return nil, fmt.Errorf("%w: container image %q is not in repository:tag form", ErrInvalidRequest, req.ContainerImage)
	}
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	if !priority.IsValid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidRequest, priority)
	}

	checksum := strings.ToLower(req.Checksum)
	if len(req.Package) > 0 {
		computed := Checksum(req.Package)
		if checksum != "" && checksum != computed {
			return nil, fmt.Errorf("%w: checksum does not match package contents", ErrInvalidRequest)
		}
		checksum = computed
	}

	ttl := time.Duration(req.TTL)
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.now()
	release := &models.Release{
		ID:             uuid.New().String(),
		Version:        req.Version,
		ContainerImage: req.ContainerImage,
		PackageURL:     req.PackageURL,
		Checksum:       checksum,
		Priority:       priority,
		Status:         models.ReleaseStatusPending,
		Description:    req.Description,
		ScheduledAt:    req.ScheduledAt,
		ExpiresAt:      now.Add(ttl),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Releases().Create(ctx, release); err != nil {
		return nil, fmt.Errorf("creating release: %w", err)
	}

	s.logger.Info("release created",
		"release_id", release.ID,
		"version", release.Version,
		"priority", release.Priority,
		"expires_at", release.ExpiresAt,
	)
	s.publisher.Publish(notify.TopicReleaseCreated, release)
	return release, nil
}

// Get retrieves a release by ID.
func (s *Service) Get(ctx context.Context, id string) (*models.Release, error) {
	r, err := s.store.Releases().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("release %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("getting release: %w", err)
	}
	return r, nil
}

// List returns every release, newest first.
func (s *Service) List(ctx context.Context) ([]*models.Release, error) {
	return s.store.Releases().List(ctx)
}

// ListPending returns available releases ordered by priority, then by
// scheduled time with unscheduled releases last.
func (s *Service) ListPending(ctx context.Context) ([]*models.Release, error) {
	releases, err := s.store.Releases().ListAvailable(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("listing available releases: %w", err)
	}
	sort.SliceStable(releases, func(i, j int) bool {
		a, b := releases[i], releases[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		switch {
		case a.ScheduledAt == nil:
			return false
		case b.ScheduledAt == nil:
			return true
		}
		return a.ScheduledAt.Before(*b.ScheduledAt)
	})
	return releases, nil
}

// Latest returns the available release with the highest priority, newest
// first among equals, skipping currentVersion.
func (s *Service) Latest(ctx context.Context, currentVersion string) (*models.Release, error) {
	releases, err := s.store.Releases().ListAvailable(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("listing available releases: %w", err)
	}
	var best *models.Release
	for _, r := range releases {
		if currentVersion != "" && r.Version == currentVersion {
			continue
		}
		if best == nil ||
			r.Priority.Rank() > best.Priority.Rank() ||
			(r.Priority.Rank() == best.Priority.Rank() && r.CreatedAt.After(best.CreatedAt)) {
			best = r
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

// AvailableVersions returns the distinct versions of available releases,
// highest semantic version first. Versions that do not parse as semver sort
// after the rest in descending string order.
func (s *Service) AvailableVersions(ctx context.Context) ([]string, error) {
	releases, err := s.store.Releases().ListAvailable(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("listing available releases: %w", err)
	}
	return sortVersions(releases), nil
}

func sortVersions(releases []*models.Release) []string {
	seen := make(map[string]bool, len(releases))
	versions := make([]string, 0, len(releases))
	parsed := make(map[string]*semver.Version, len(releases))
	for _, r := range releases {
		if seen[r.Version] {
			continue
		}
		seen[r.Version] = true
		versions = append(versions, r.Version)
		if v, err := semver.NewVersion(r.Version); err == nil {
			parsed[r.Version] = v
		}
	}
	sort.Slice(versions, func(i, j int) bool {
		vi, iok := parsed[versions[i]]
		vj, jok := parsed[versions[j]]
		switch {
		case iok && jok:
			if !vi.Equal(vj) {
				return vi.GreaterThan(vj)
			}
			return versions[i] > versions[j]
		case iok != jok:
			return iok
		}
		return versions[i] > versions[j]
	})
	return versions
}

// IsVersionAvailable reports whether an available release carries version.
func (s *Service) IsVersionAvailable(ctx context.Context, version string) (bool, error) {
	r, err := s.store.Releases().GetByVersion(ctx, version)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return r.IsAvailable(s.now()), nil
}

// MarkProcessed moves a release out of the pending set. An empty status means processed.
func (s *Service) MarkProcessed(ctx context.Context, id string, status models.ReleaseStatus) error {
	if status == "" {
		status = models.ReleaseStatusProcessed
	}
	switch status {
	case models.ReleaseStatusProcessed, models.ReleaseStatusExpired:
	default:
		return fmt.Errorf("%w: cannot mark release %s", ErrInvalidRequest, status)
	}
	if err := s.store.Releases().UpdateStatus(ctx, id, status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("release %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("updating release status: %w", err)
	}
	s.logger.Info("release marked", "release_id", id, "status", status)
	return nil
}

// ExpireStale marks pending releases whose expiry has passed as expired.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	n, err := s.store.Releases().ExpireBefore(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("expiring releases: %w", err)
	}
	if n > 0 {
		s.logger.Info("expired stale releases", "count", n)
	}
	return n, nil
}

// Info reports registry statistics.
func (s *Service) Info(ctx context.Context) (*Info, error) {
	now := s.now()
	all, err := s.store.Releases().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing releases: %w", err)
	}
	info := &Info{TotalReleases: len(all), LastChecked: now}
	var available []*models.Release
	for _, r := range all {
		if r.IsAvailable(now) {
			available = append(available, r)
		}
		if !r.CreatedAt.Before(now.Add(-recentWindow)) {
			info.RecentReleases++
		}
	}
	info.PendingReleases = len(available)
	info.AvailableVersions = sortVersions(available)
	return info, nil
}
