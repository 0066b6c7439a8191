package commands

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"mediasweep/internal/cache"
	"mediasweep/internal/common"
	"mediasweep/internal/config"
	"mediasweep/internal/runlog"
	"mediasweep/internal/scan"
	"mediasweep/internal/storage"
	"mediasweep/internal/tracker"
)

// session holds what one command invocation shares: the run lock, one
// digest store per population root, and the state database.
type session struct {
	settings *config.Settings
	algo     cache.Algorithm
	clock    clockwork.Clock
	lock     *config.RunLock
	stores   map[string]*cache.DigestStore
	state    *storage.StateDB
}

// newSession prepares a session. Mutating commands take the run lock.
func newSession(s *config.Settings, mutating bool) (*session, error) {
	algo, err := s.Algorithm()
	if err != nil {
		return nil, err
	}
	sess := &session{
		settings: s,
		algo:     algo,
		clock:    clockwork.NewRealClock(),
		stores:   make(map[string]*cache.DigestStore),
	}
	if mutating {
		if sess.lock, err = config.AcquireRunLock(); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

// store returns the digest store of root, loading it on first use so that
// every component of the run shares one instance per root.
func (s *session) store(root string) (*cache.DigestStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrInvalidPath, root)
	}
	key := common.RootKey(abs)
	if st, ok := s.stores[key]; ok {
		return st, nil
	}
	st, err := cache.LoadDigestStore(config.DigestPath(abs, s.algo), s.algo)
	if err != nil {
		return nil, err
	}
	s.stores[key] = st
	return st, nil
}

func (s *session) scanner(root string) (*scan.Scanner, error) {
	st, err := s.store(root)
	if err != nil {
		return nil, err
	}
	return scan.New(st, scan.Options{
		FollowSymlinks: s.settings.FollowSymlinks,
		Excludes:       s.settings.Excludes,
		Workers:        s.settings.HashWorkers,
	}), nil
}

// tracker opens the copy log. Without a staging root it returns nil.
func (s *session) tracker() (*tracker.Tracker, error) {
	if s.settings.StagingRoot == "" {
		return nil, nil
	}
	staging, err := s.settings.RequireStagingRoot()
	if err != nil {
		return nil, err
	}
	st, err := s.store(staging)
	if err != nil {
		return nil, err
	}
	return tracker.Open(config.TrackerPath(), staging, st)
}

func (s *session) stateDB() (*storage.StateDB, error) {
	if s.state != nil {
		return s.state, nil
	}
	db, err := storage.Open(config.StateDBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	s.state = db
	return db, nil
}

// runLogger writes summaries below the logs dir and records runs in the
// state database.
func (s *session) runLogger() (*runlog.Logger, error) {
	db, err := s.stateDB()
	if err != nil {
		return nil, err
	}
	return runlog.New(config.RunLogDir(), s.clock, db.BunDB()), nil
}

// close persists the digest stores and releases everything the session
// holds.
func (s *session) close() error {
	var errs []error
	for key, st := range s.stores {
		if err := st.Save(); err != nil {
			log.WithField("root", key).Warnf("failed to save digest cache: %v", err)
			errs = append(errs, err)
		}
	}
	if s.state != nil {
		if err := s.state.Close(); err != nil {
			errs = append(errs, err)
		}
		s.state = nil
	}
	if s.lock != nil {
		if err := s.lock.Release(); err != nil {
			errs = append(errs, err)
		}
		s.lock = nil
	}
	return errors.Join(errs...)
}
