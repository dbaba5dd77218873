package mcphost

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	calibrateParallelism = 8
	calibrateProbeLimit  = 5 * time.Second
)

// Calibrate calls every registered tool once with "{}" and feeds the
// round-trip time into its latency window, so the first turn already lists
// tools by measured speed. A probe rejected for missing arguments still
// measures the server. Probe errors are logged, not returned; the only
// error is ctx's.
func (h *Host) Calibrate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	probes := make([]toolEntry, 0, len(h.tools))
	for _, e := range h.tools {
		probes = append(probes, e)
	}
	h.mu.RUnlock()

	var failed atomic.Int32
	g := new(errgroup.Group)
	g.SetLimit(calibrateParallelism)
	for _, e := range probes {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			pctx, cancel := context.WithTimeout(ctx, calibrateProbeLimit)
			defer cancel()
			began := time.Now()
			res, err := h.call(pctx, e, "{}")
			bad := err != nil || res.IsError
			e.measurements.Record(time.Since(began), bad)
			if bad {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	h.logger.Info("mcp host: calibrated tools", "tools", len(probes), "rejected_probes", failed.Load())
	return nil
}
