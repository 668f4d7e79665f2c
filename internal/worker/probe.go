package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// healthPath is the worker endpoint probed for readiness and liveness.
	healthPath = "/health"

	probeTimeout      = 5 * time.Second
	readinessTimeout  = 30 * time.Second
	readinessInterval = 2 * time.Second
)

var errNotReady = errors.New("worker not ready")

// errChildExited is wrapped as a permanent backoff error so a dead child
// aborts the readiness wait immediately.
var errChildExited = errors.New("worker process exited during readiness wait")

// prober issues bounded HTTP health checks against worker processes.
type prober struct {
	client *http.Client
}

func newProber() *prober {
	return &prober{
		client: &http.Client{Timeout: probeTimeout},
	}
}

// healthy reports whether the worker on the given port answers its health
// endpoint with a 2xx.
func (p *prober) healthy(ctx context.Context, port int) bool {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, healthPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

// awaitReady polls the worker's health endpoint until it answers, the child
// dies, or the readiness window elapses. A window that elapses with the child
// still alive is not a failure: the worker is declared ready best-effort and
// the liveness sweep takes it from there.
func (p *prober) awaitReady(ctx context.Context, w *Worker) error {
	operation := func() (bool, error) {
		if w.exited() {
			return false, backoff.Permanent(errChildExited)
		}
		if p.healthy(ctx, w.Port) {
			return true, nil
		}
		return false, errNotReady
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(readinessInterval)),
		backoff.WithMaxElapsedTime(readinessTimeout),
	)
	if err == nil {
		return nil
	}
	if errors.Is(err, errChildExited) || ctx.Err() != nil {
		return err
	}

	// Window elapsed with the child alive.
	if w.exited() {
		return errChildExited
	}
	return nil
}
