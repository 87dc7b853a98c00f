package store

import (
	"context"
	"fmt"
	"path"
	"regexp"

	"github.com/rs/zerolog/log"

	"wxtiles/internal/model"
)

// Objects is the store surface the retention enforcer needs. *Client
// satisfies it; tests use an in-memory fake.
type Objects interface {
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	ListDirs(ctx context.Context, prefix string) ([]string, error)
	DeleteKeys(ctx context.Context, keys []string) (deleted, failed int)
	DeletePrefix(ctx context.Context, prefix string) (deleted, failed int)
}

// Result summarizes one enforcement pass.
type Result struct {
	Deleted  int
	Failures int
}

func (r *Result) add(deleted, failed int) {
	r.Deleted += deleted
	r.Failures += failed
}

// Enforcer applies keep-latest-only semantics to a model's raw, colored, and
// tiles prefixes: after a pass, only objects belonging to the current cycle
// remain. The metadata prefix is never touched. Enforcement is idempotent
// and best-effort: individual failures are logged and counted, never fatal,
// and a later successful run restores the invariant.
type Enforcer struct {
	store   Objects
	profile model.Profile
	cycle   model.Cycle
}

// NewEnforcer creates an enforcer scoped to one model and cycle.
func NewEnforcer(store Objects, profile model.Profile, cycle model.Cycle) *Enforcer {
	return &Enforcer{store: store, profile: profile, cycle: cycle}
}

// Enforce prunes the three managed prefixes. includeTiles is false when the
// run skipped tile generation, leaving the tiles prefix untouched.
func (e *Enforcer) Enforce(ctx context.Context, includeTiles bool) Result {
	var res Result
	e.enforceRaw(ctx, &res)
	e.enforceColored(ctx, &res)
	if includeTiles {
		e.enforceTiles(ctx, &res)
	}
	log.Info().
		Str("cycle", e.cycle.String()).
		Int("deleted", res.Deleted).
		Int("failures", res.Failures).
		Msg("Retention enforced")
	return res
}

// enforceRaw deletes GRIB2 objects whose embedded (date, cycle) differs from
// the current run. Keys that do not match the naming convention are left
// alone.
func (e *Enforcer) enforceRaw(ctx context.Context, res *Result) {
	pattern := regexp.MustCompile(
		`^` + regexp.QuoteMeta(e.profile.Name) + `\.(\d{8})\.t(\d{2})z\.f\d+\.grib2$`)

	keys, err := e.store.ListKeys(ctx, e.profile.Prefixes.Raw+"/")
	if err != nil {
		log.Warn().Err(err).Msg("Retention: raw listing failed")
		res.Failures++
		return
	}

	var stale []string
	for _, key := range keys {
		m := pattern.FindStringSubmatch(path.Base(key))
		if m == nil {
			continue
		}
		if m[1] != e.cycle.DateCompact() || m[2] != e.cycle.HourPadded() {
			stale = append(stale, key)
		}
	}
	res.add(e.store.DeleteKeys(ctx, stale))
}

// enforceColored deletes date directories other than the current run's. The
// colored-COG layer groups by ISO date, one directory per cycle date.
func (e *Enforcer) enforceColored(ctx context.Context, res *Result) {
	dirs, err := e.store.ListDirs(ctx, e.profile.Prefixes.Colored+"/")
	if err != nil {
		log.Warn().Err(err).Msg("Retention: colored listing failed")
		res.Failures++
		return
	}
	for _, dir := range dirs {
		if dir == e.cycle.DateISO() {
			continue
		}
		res.add(e.store.DeletePrefix(ctx, fmt.Sprintf("%s/%s/", e.profile.Prefixes.Colored, dir)))
	}
}

// enforceTiles keeps exactly one timestamp directory per variable. The
// forecast-hour subtrees below a stale timestamp are deleted with it.
func (e *Enforcer) enforceTiles(ctx context.Context, res *Result) {
	variables, err := e.store.ListDirs(ctx, e.profile.Prefixes.Tiles+"/")
	if err != nil {
		log.Warn().Err(err).Msg("Retention: tiles listing failed")
		res.Failures++
		return
	}
	keep := e.cycle.Timestamp()
	for _, v := range variables {
		stamps, err := e.store.ListDirs(ctx, fmt.Sprintf("%s/%s/", e.profile.Prefixes.Tiles, v))
		if err != nil {
			log.Warn().Err(err).Str("variable", v).Msg("Retention: timestamp listing failed")
			res.Failures++
			continue
		}
		for _, ts := range stamps {
			if ts == keep {
				continue
			}
			res.add(e.store.DeletePrefix(ctx, fmt.Sprintf("%s/%s/%s/", e.profile.Prefixes.Tiles, v, ts)))
		}
	}
}
