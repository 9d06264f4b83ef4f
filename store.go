package storedmap

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"

	"github.com/vsetec/storedmap/driver"
	"github.com/vsetec/storedmap/internal/persister"
	"github.com/vsetec/storedmap/nameindex"
)

var (
	registryMu sync.Mutex
	registry   = map[string]*Store{}
)

// Store is the process-wide handle for one configuration: it owns the
// driver connection, the application code, and the persister every
// Category's records are scheduled through (spec §3).
type Store struct {
	appCode    string
	drv        driver.Driver
	conn       driver.Conn
	logger     *logrus.Logger
	metrics    *prometheus.Registry
	persister  *persister.Persister
	translator *nameindex.Translator

	// localesIndex is the a__locales directory index (spec §6) that
	// SetLocales persists to and Category reloads from, so a category's
	// collation order survives a process restart.
	localesIndex string

	mu         sync.Mutex
	categories map[string]*Category
	closed     bool
}

// GetStore returns the Store for cfg, opening its driver connection on
// first use. Identical configurations return the same instance for the
// life of the process (spec §3).
func GetStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Driver == nil {
		return nil, wrapErr("GetStore", errors.New("no driver configured"))
	}

	key := cfg.registryKey()

	registryMu.Lock()
	defer registryMu.Unlock()
	if s, ok := registry[key]; ok {
		return s, nil
	}

	conn, err := cfg.Driver.OpenConnection(ctx, cfg.Extra)
	if err != nil {
		return nil, wrapErr("GetStore", err)
	}

	appCode := cfg.ApplicationCode
	if appCode == "" {
		appCode = DefaultApplicationCode
	}

	logger := cfg.Logger
	if logger == nil {
		logger = newDefaultLogger()
	}

	reg := prometheus.NewRegistry()
	p := persister.New(cfg.Driver, conn, logger, reg, persister.Options{
		ScheduleDelay:   cfg.ScheduleDelay,
		RescheduleDelay: cfg.RescheduleDelay,
		LeaseTTL:        cfg.LeaseTTL,
	})

	translator := nameindex.New(cfg.Driver, conn, appCode)

	s := &Store{
		appCode:      appCode,
		drv:          cfg.Driver,
		conn:         conn,
		logger:       logger,
		metrics:      reg,
		persister:    p,
		translator:   translator,
		localesIndex: translator.LocalesIndexName(),
		categories:   map[string]*Category{},
	}
	registry[key] = s

	logger.WithField("applicationCode", appCode).Info("storedmap: store opened")
	return s, nil
}

// Category returns the named Category, translating and registering its
// internal index name on first access (spec §4.2).
func (s *Store) Category(ctx context.Context, name string) (*Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if c, ok := s.categories[name]; ok {
		return c, nil
	}

	internalIndex, err := s.translator.Translate(ctx, name)
	if err != nil {
		return nil, wrapErr("Category", err)
	}

	locales, err := s.loadLocales(ctx, internalIndex)
	if err != nil {
		return nil, wrapErr("Category", err)
	}

	c := newCategory(s, name, internalIndex, locales)
	s.categories[name] = c

	s.logger.WithField("category", name).WithField("index", internalIndex).Debug("storedmap: category registered")
	return c, nil
}

// Categories enumerates every category name known to the back end, by
// inverse-translating every index the driver reports (spec §3, directory
// invariant).
func (s *Store) Categories(ctx context.Context) ([]string, error) {
	it, err := s.drv.GetIndices(ctx, s.conn)
	if err != nil {
		return nil, wrapErr("Categories", err)
	}
	defer it.Close()

	seen := make(map[string]struct{})
	var names []string
	for it.Next() {
		name, err := s.translator.Inverse(ctx, it.Key())
		if err != nil {
			return nil, wrapErr("Categories", err)
		}
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	if err := it.Err(); err != nil {
		return nil, wrapErr("Categories", err)
	}
	return names, nil
}

// loadLocales reads the persisted locales list for internalIndex from the
// a__locales directory index (spec §6), returning nil if the category has
// never had locales set.
func (s *Store) loadLocales(ctx context.Context, internalIndex string) ([]language.Tag, error) {
	val, err := s.drv.Get(ctx, internalIndex, s.localesIndex, s.conn)
	if err != nil {
		return nil, err
	}
	if val == nil {
		return nil, nil
	}
	var tags []string
	if err := json.Unmarshal(val, &tags); err != nil {
		return nil, err
	}
	return parseLocaleTags(tags), nil
}

// persistLocales writes locales for internalIndex to the a__locales
// directory index, blocking until the driver's asynchronous write has been
// durably accepted (spec §6).
func (s *Store) persistLocales(ctx context.Context, internalIndex string, locales []language.Tag) error {
	data, err := json.Marshal(localeTagStrings(locales))
	if err != nil {
		return err
	}

	done := make(chan struct{})
	if err := s.drv.Put(ctx, internalIndex, s.localesIndex, s.conn, data, func() { close(done) }, func() {}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func localeTagStrings(tags []language.Tag) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = t.String()
	}
	return out
}

func parseLocaleTags(ss []string) []language.Tag {
	if len(ss) == 0 {
		return nil
	}
	out := make([]language.Tag, 0, len(ss))
	for _, s := range ss {
		if t, err := language.Parse(s); err == nil {
			out = append(out, t)
		}
	}
	return out
}

// Metrics returns the registry the store's persister publishes counters,
// histograms and gauges to.
func (s *Store) Metrics() *prometheus.Registry { return s.metrics }

// Close drains the persister (up to 3 minutes, or until ctx's deadline when
// ctx has one) and closes the driver connection. Close is idempotent.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.persister.Stop(ctx); err != nil {
		s.logger.WithError(err).Warn("storedmap: persister drain did not complete cleanly")
	}

	registryMu.Lock()
	for k, v := range registry {
		if v == s {
			delete(registry, k)
			break
		}
	}
	registryMu.Unlock()

	if err := s.drv.CloseConnection(s.conn); err != nil {
		return wrapErr("Close", err)
	}
	s.logger.Info("storedmap: store closed")
	return nil
}
