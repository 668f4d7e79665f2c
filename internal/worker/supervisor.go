package worker

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"mcpgate/internal/config"
	"mcpgate/pkg/logging"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	idleReapInterval = 60 * time.Second
	livenessInterval = 30 * time.Second
	stopGracePeriod  = 5 * time.Second
)

// TokenDirProvider hands out the per-user credential directories workers are
// pointed at. Implemented by the credential store so the two components agree
// on the on-disk layout.
type TokenDirProvider interface {
	UserDir(userID string) (string, error)
	DefaultDir() (string, error)
}

// Supervisor owns the worker table: it spawns child processes, probes them
// to readiness, sweeps their liveness, reaps idle instances, and terminates
// them on shutdown. The table, the default-worker slot, and the port
// bookkeeping are mutated only under mu; process and HTTP I/O always happen
// outside the lock.
type Supervisor struct {
	cfg       config.WorkerConfig
	dirs      TokenDirProvider
	appID     string
	appSecret string

	probe *prober

	mu        sync.Mutex
	workers   map[string]*Worker
	byUser    map[string]string
	defaultID string
	ports     *portAllocator

	stopCleanup chan struct{}
	stopOnce    sync.Once
	loopsWG     sync.WaitGroup
}

// NewSupervisor creates a supervisor. Call Initialize before routing any
// request through it, and Shutdown when done.
func NewSupervisor(cfg config.WorkerConfig, dirs TokenDirProvider, appID, appSecret string) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		dirs:        dirs,
		appID:       appID,
		appSecret:   appSecret,
		probe:       newProber(),
		workers:     make(map[string]*Worker),
		byUser:      make(map[string]string),
		ports:       newPortAllocator(cfg.BasePort, cfg.PortWindow),
		stopCleanup: make(chan struct{}),
	}
}

// Initialize spawns the default worker on its fixed port, waits for its
// readiness, and starts the idle reaper and the liveness sweep.
func (s *Supervisor) Initialize(ctx context.Context) error {
	tokenDir, err := s.dirs.DefaultDir()
	if err != nil {
		return fmt.Errorf("failed to prepare default token directory: %w", err)
	}

	w := newWorkerEntry(DefaultUserID, s.cfg.DefaultPort, tokenDir)
	s.mu.Lock()
	s.workers[w.ID] = w
	s.defaultID = w.ID
	s.mu.Unlock()

	if err := s.spawn(ctx, w); err != nil {
		return err
	}

	s.loopsWG.Add(2)
	go s.idleReapLoop()
	go s.livenessLoop()

	logging.Info("Supervisor", "Default worker %s running on port %d", w.ID, w.Port)
	return nil
}

// GetOrCreate returns the running worker bound to a user, spawning one when
// none exists. Touches the worker's activity clock.
func (s *Supervisor) GetOrCreate(ctx context.Context, userID string) (Info, error) {
	for {
		s.mu.Lock()
		if id, ok := s.byUser[userID]; ok {
			w := s.workers[id]
			switch w.Status {
			case StatusRunning:
				w.LastActivity = time.Now()
				info := w.snapshot()
				s.mu.Unlock()
				return info, nil
			case StatusStarting:
				ready := w.ready
				s.mu.Unlock()
				select {
				case <-ready:
				case <-ctx.Done():
					return Info{}, ctx.Err()
				}
				continue
			default:
				// A dying worker still occupies the slot. Kick its
				// teardown along and let the caller fall back; the next
				// request after removal spawns a fresh one.
				status := w.Status
				s.mu.Unlock()
				go func() {
					stopCtx, cancel := context.WithTimeout(context.Background(), 2*stopGracePeriod)
					defer cancel()
					_ = s.Stop(stopCtx, id)
				}()
				return Info{}, &SpawnError{InstanceID: id,
					Err: fmt.Errorf("existing worker for user is %s", status)}
			}
		}

		if len(s.byUser) >= s.cfg.MaxInstances {
			s.mu.Unlock()
			return Info{}, &MaxInstancesError{Max: s.cfg.MaxInstances}
		}

		port, err := s.ports.allocate()
		if err != nil {
			s.mu.Unlock()
			return Info{}, err
		}

		// Reserve the user slot before releasing the lock so a concurrent
		// call for the same user waits on the readiness channel instead of
		// spawning a second worker.
		w := newWorkerEntry(userID, port, "")
		s.workers[w.ID] = w
		s.byUser[userID] = w.ID
		s.mu.Unlock()

		tokenDir, err := s.dirs.UserDir(userID)
		if err != nil {
			s.removeFailed(w)
			return Info{}, fmt.Errorf("failed to prepare token directory for user %s: %w", userID, err)
		}
		s.mu.Lock()
		w.TokenDir = tokenDir
		s.mu.Unlock()

		if err := s.spawn(ctx, w); err != nil {
			return Info{}, err
		}

		s.mu.Lock()
		info := w.snapshot()
		s.mu.Unlock()
		return info, nil
	}
}

func newWorkerEntry(userID string, port int, tokenDir string) *Worker {
	return &Worker{
		ID:           uuid.NewString(),
		UserID:       userID,
		Port:         port,
		TokenDir:     tokenDir,
		Status:       StatusStarting,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// spawn starts the child process for an already-inserted table entry, waits
// for readiness, and publishes the running state. On any failure the partial
// worker is torn down and its bookkeeping removed.
func (s *Supervisor) spawn(ctx context.Context, w *Worker) error {
	if err := s.startProcess(w); err != nil {
		s.removeFailed(w)
		return &SpawnError{InstanceID: w.ID, Err: err}
	}

	logging.Info("Supervisor", "Spawned worker %s for user %s on port %d", w.ID, w.UserID, w.Port)

	if err := s.probe.awaitReady(ctx, w); err != nil {
		s.removeFailed(w)
		s.kill(w)
		return &SpawnError{InstanceID: w.ID, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w.exited() || w.Status != StatusStarting {
		// The child died between the last probe and now.
		return &SpawnError{InstanceID: w.ID, Err: errChildExited}
	}
	s.transitionLocked(w, StatusRunning)
	w.LastActivity = time.Now()
	return nil
}

// startProcess execs the worker binary per the spawn contract: mode flags,
// the bound port, the IdP application credentials, and the token directory.
func (s *Supervisor) startProcess(w *Worker) error {
	cmd := exec.Command(s.cfg.BinaryPath,
		"serve",
		"--transport", "http",
		"--port", strconv.Itoa(w.Port),
		"--app-id", s.appID,
		"--app-secret", s.appSecret,
		"--token-dir", w.TokenDir,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	s.mu.Lock()
	w.cmd = cmd
	s.mu.Unlock()

	go captureOutput(w.ID, "stdout", stdout)
	go captureOutput(w.ID, "stderr", stderr)
	go s.watchExit(w)

	return nil
}

// watchExit reaps the child process and publishes the terminal state. User
// workers leave the table on exit; the default worker keeps its slot, with a
// crash surfacing as error until the gateway restarts it is shut down.
func (s *Supervisor) watchExit(w *Worker) {
	err := w.cmd.Wait()

	// Publish the bookkeeping change before closing done so anyone
	// unblocked by the close observes a consistent table.
	defer close(w.done)

	s.mu.Lock()
	defer s.mu.Unlock()

	requested := w.Status == StatusStopping
	if w.UserID == DefaultUserID {
		if requested {
			s.transitionLocked(w, StatusStopped)
		} else {
			s.transitionLocked(w, StatusError)
			logging.Warn("Supervisor", "Default worker %s exited unexpectedly: %v", w.ID, err)
		}
		return
	}

	if !requested {
		s.transitionLocked(w, StatusError)
		logging.Warn("Supervisor", "Worker %s (user %s) exited unexpectedly: %v", w.ID, w.UserID, err)
	} else {
		logging.Debug("Supervisor", "Worker %s (user %s) stopped", w.ID, w.UserID)
	}
	s.transitionLocked(w, StatusStopped)
	s.removeLocked(w)
}

// Stop terminates a worker: graceful signal first, forced kill after the
// grace period. Returns once the child has exited.
func (s *Supervisor) Stop(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	w, ok := s.workers[instanceID]
	if !ok {
		s.mu.Unlock()
		return &NotFoundError{InstanceID: instanceID}
	}
	if w.Status == StatusStopped {
		s.mu.Unlock()
		return nil
	}
	alreadyStopping := w.Status == StatusStopping
	if !alreadyStopping {
		s.transitionLocked(w, StatusStopping)
	}
	cmd := w.cmd
	done := w.done
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if !alreadyStopping {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-done:
		return nil
	case <-time.After(stopGracePeriod):
		_ = cmd.Process.Kill()
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health issues one liveness probe against a worker.
func (s *Supervisor) Health(ctx context.Context, instanceID string) bool {
	s.mu.Lock()
	w, ok := s.workers[instanceID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	port := w.Port
	s.mu.Unlock()

	return s.probe.healthy(ctx, port)
}

// Shutdown stops every worker, the default one last, and waits for all child
// processes to terminate.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
	s.loopsWG.Wait()

	s.mu.Lock()
	var userIDs []string
	for id, w := range s.workers {
		if w.UserID != DefaultUserID {
			userIDs = append(userIDs, id)
		}
	}
	defaultID := s.defaultID
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range userIDs {
		g.Go(func() error {
			if err := s.Stop(gctx, id); err != nil {
				var notFound *NotFoundError
				if errors.As(err, &notFound) {
					return nil
				}
				return err
			}
			return nil
		})
	}
	err := g.Wait()

	if defaultID != "" {
		if stopErr := s.Stop(ctx, defaultID); stopErr != nil && err == nil {
			err = stopErr
		}
	}

	logging.Info("Supervisor", "All workers stopped")
	return err
}

// Touch updates a worker's activity clock. Called by the router on every
// forwarded request.
func (s *Supervisor) Touch(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[instanceID]; ok {
		w.LastActivity = time.Now()
	}
}

// MarkError flags a worker after a transport failure so subsequent routing
// stops selecting it.
func (s *Supervisor) MarkError(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[instanceID]
	if !ok || w.Status == StatusStopping || w.Status == StatusStopped {
		return
	}
	s.transitionLocked(w, StatusError)
}

// Default returns a snapshot of the default worker.
func (s *Supervisor) Default() (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.defaultID == "" {
		return Info{}, false
	}
	w, ok := s.workers[s.defaultID]
	if !ok {
		return Info{}, false
	}
	return w.snapshot(), true
}

// UserInstances reports the number of live non-default workers.
func (s *Supervisor) UserInstances() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byUser)
}

// List returns snapshots of every tracked worker.
func (s *Supervisor) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]Info, 0, len(s.workers))
	for _, w := range s.workers {
		infos = append(infos, w.snapshot())
	}
	return infos
}

// transitionLocked publishes a status change and releases any readiness
// waiters the first time the worker leaves StatusStarting. Caller holds mu.
func (s *Supervisor) transitionLocked(w *Worker, to Status) {
	from := w.Status
	w.Status = to
	if from == StatusStarting && to != StatusStarting {
		select {
		case <-w.ready:
		default:
			close(w.ready)
		}
	}
	if from != to {
		logging.Debug("Supervisor", "Worker %s: %s -> %s", w.ID, from, to)
	}
}

// removeLocked drops a worker's bookkeeping and frees its port. Caller
// holds mu. The default worker is never removed.
func (s *Supervisor) removeLocked(w *Worker) {
	if w.UserID == DefaultUserID {
		return
	}
	delete(s.workers, w.ID)
	if id, ok := s.byUser[w.UserID]; ok && id == w.ID {
		delete(s.byUser, w.UserID)
	}
	s.ports.release(w.Port)
}

// removeFailed tears down the bookkeeping of a worker that never reached
// running.
func (s *Supervisor) removeFailed(w *Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitionLocked(w, StatusError)
	s.removeLocked(w)
}

// kill force-terminates a worker's child process if one was started.
func (s *Supervisor) kill(w *Worker) {
	s.mu.Lock()
	cmd := w.cmd
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil && !w.exited() {
		_ = cmd.Process.Kill()
	}
}

func (s *Supervisor) idleReapLoop() {
	defer s.loopsWG.Done()
	ticker := time.NewTicker(idleReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.reapIdle()
		}
	}
}

// reapIdle stops every non-default worker whose last activity is older than
// the configured idle timeout.
func (s *Supervisor) reapIdle() {
	cutoff := time.Now().Add(-s.cfg.IdleTimeout())

	s.mu.Lock()
	var victims []string
	for id, w := range s.workers {
		if w.UserID == DefaultUserID || w.Status != StatusRunning {
			continue
		}
		if w.LastActivity.Before(cutoff) {
			victims = append(victims, id)
		}
	}
	s.mu.Unlock()

	for _, id := range victims {
		logging.Info("Supervisor", "Reaping idle worker %s", id)
		ctx, cancel := context.WithTimeout(context.Background(), 2*stopGracePeriod)
		_ = s.Stop(ctx, id)
		cancel()
	}
}

func (s *Supervisor) livenessLoop() {
	defer s.loopsWG.Done()
	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.sweepLiveness()
		}
	}
}

// sweepLiveness probes every running worker. Probes run outside the lock; a
// failed probe marks the worker error, a successful one counts as activity.
func (s *Supervisor) sweepLiveness() {
	s.mu.Lock()
	var targets []Info
	for _, w := range s.workers {
		if w.Status == StatusRunning {
			targets = append(targets, w.snapshot())
		}
	}
	s.mu.Unlock()

	for _, target := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		healthy := s.probe.healthy(ctx, target.Port)
		cancel()

		s.mu.Lock()
		w, ok := s.workers[target.ID]
		if ok && w.Status == StatusRunning {
			if healthy {
				w.LastHealthy = time.Now()
			} else {
				s.transitionLocked(w, StatusError)
				logging.Warn("Supervisor", "Worker %s (user %s) failed liveness probe", w.ID, w.UserID)
			}
		}
		s.mu.Unlock()
	}
}
