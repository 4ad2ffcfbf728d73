package status

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/fgeck/minarca-agent/internal/models"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// Store serialises every mutation of one status file through a single
// goroutine. Readers in other processes compare the PID to detect races.
type Store struct {
	path   string
	clock  clock.Clock
	alive  LivenessFunc
	pid    int
	logger zerolog.Logger

	ops      chan func()
	quit     chan struct{}
	stopOnce sync.Once
}

// NewStore starts the writer goroutine for the status file at path.
func NewStore(logger zerolog.Logger, path string, clk clock.Clock, alive LivenessFunc) *Store {
	if clk == nil {
		clk = clock.WallClock
	}
	if alive == nil {
		alive = ProcessAlive
	}
	s := &Store{
		path:   path,
		clock:  clk,
		alive:  alive,
		pid:    os.Getpid(),
		logger: logger,
		ops:    make(chan func()),
		quit:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Store) run() {
	for {
		select {
		case op := <-s.ops:
			op()
		case <-s.quit:
			return
		}
	}
}

// Close stops the writer goroutine.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.quit) })
}

var errStoreClosed = errors.New("status store closed")

// do runs fn on the writer goroutine and waits for its result.
func (s *Store) do(fn func() error) error {
	result := make(chan error, 1)
	op := func() { result <- fn() }
	select {
	case s.ops <- op:
	case <-s.quit:
		return errStoreClosed
	}
	return <-result
}

// Path returns the status file path.
func (s *Store) Path() string {
	return s.path
}

// Get returns the stored status and its derived result.
func (s *Store) Get() (models.Status, models.Result, error) {
	st, err := Load(s.path)
	if err != nil {
		return st, models.ResultUnknown, err
	}
	return st, Current(st, s.clock.Now(), s.alive), nil
}

// Update applies fn to the stored status on the writer goroutine.
func (s *Store) Update(fn func(st *models.Status) error) error {
	return s.do(func() error {
		st, err := Load(s.path)
		if err != nil {
			return err
		}
		if err := fn(&st); err != nil {
			return err
		}
		return Save(st, s.path)
	})
}

var errAlreadyRunning = models.NewError(models.KindAlreadyRunning)

// UpdateStatus marks the instance RUNNING for action and keeps the heartbeat
// alive until the returned session is closed. It fails with AlreadyRunning
// when another live operation owns the status.
func (s *Store) UpdateStatus(ctx context.Context, action models.Action) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	err := s.Update(func(st *models.Status) error {
		if Current(*st, s.clock.Now(), s.alive) == models.ResultRunning {
			return errAlreadyRunning
		}
		now := s.clock.Now()
		st.PID = s.pid
		st.ChildPID = 0
		st.LastResult = models.ResultRunning
		st.LastDate = now
		st.Action = action
		return nil
	})
	if err != nil {
		return nil, err
	}

	sess := &Session{
		store:  s,
		action: action,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go sess.heartbeat()

	s.logger.Debug().Str("action", string(action)).Msg("status set to running")
	return sess, nil
}

// Session is the scoped ownership of a RUNNING status.
type Session struct {
	store  *Store
	action models.Action
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
	err    error
}

// heartbeat refreshes lastdate until Close, even after the operation's
// context is cancelled, so the owner always writes the final state.
func (sess *Session) heartbeat() {
	defer close(sess.done)
	interval := RunningDelay - time.Second
	for {
		select {
		case <-sess.stop:
			return
		case <-sess.store.clock.After(interval):
		}
		err := sess.store.Update(func(st *models.Status) error {
			if st.PID != sess.store.pid || st.LastResult != models.ResultRunning {
				return nil
			}
			st.LastDate = sess.store.clock.Now()
			return nil
		})
		if err != nil && !errors.Is(err, errStoreClosed) {
			sess.store.logger.Warn().Err(err).Msg("failed to refresh status heartbeat")
		}
	}
}

// SetChildPID records the PID of the supervised child.
func (sess *Session) SetChildPID(pid int) {
	err := sess.store.Update(func(st *models.Status) error {
		if st.PID == sess.store.pid {
			st.ChildPID = pid
		}
		return nil
	})
	if err != nil {
		sess.store.logger.Warn().Err(err).Msg("failed to record child pid")
	}
}

// Close stops the heartbeat and records the final result: SUCCESS when
// opErr is nil, FAILURE with the error message otherwise. It is safe to
// call more than once; only the first call writes.
func (sess *Session) Close(opErr error) error {
	sess.once.Do(func() {
		close(sess.stop)
		<-sess.done
		sess.err = sess.store.Update(func(st *models.Status) error {
			now := sess.store.clock.Now()
			st.LastDate = now
			st.ChildPID = 0
			st.Action = sess.action
			if opErr == nil {
				st.LastResult = models.ResultSuccess
				st.LastSuccess = now
				st.Details = ""
			} else {
				st.LastResult = models.ResultFailure
				st.Details = opErr.Error()
			}
			return nil
		})
	})
	return sess.err
}
