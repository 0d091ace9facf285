// Package pipeline orchestrates opinion-map generation: sample posts,
// fill the embedding cache, reduce to 3D, cluster, and label, persisting
// each phase so a crashed or redelivered job resumes instead of starting
// over.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/echolens/opinionmap/internal/store/postgres"
)

// Pipeline runs the generation stages for each session job.
//
// # Resumability model
//
// Each stage ends with a single atomic phase commit (status + progress +
// counters). Expensive work is idempotent: the embedding cache skips posts
// already embedded, projection and cluster inserts are ON CONFLICT DO
// NOTHING, the reduce stage reuses persisted projections when a prior
// delivery already produced them, and the label stage skips LLM calls once
// cluster rows exist. Sampled posts and layout coordinates live only in
// memory, so a redelivered message re-runs every stage to rebuild them, but
// the phase commit moves status/progress strictly forward: re-running an
// already-committed stage never rewinds what a polling client observes. A
// terminal session makes redelivery a no-op.
type Pipeline struct {
	store        Store
	stages       []Stage
	phaseTimeout time.Duration
	logger       *slog.Logger
}

func NewPipeline(store Store, stages []Stage, phaseTimeout time.Duration, logger *slog.Logger) *Pipeline {
	return &Pipeline{store: store, stages: stages, phaseTimeout: phaseTimeout, logger: logger}
}

// Run processes a single session job. A nil return means the message may
// be ACKed; an error leaves it pending for redelivery.
func (p *Pipeline) Run(ctx context.Context, msg SessionMessage) error {
	session, err := p.store.GetMapSession(ctx, msg.SessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	// Redelivery of a finished or cancelled session: nothing to do.
	if postgres.IsTerminal(session.Status) {
		p.logger.Info("session already terminal, skipping",
			slog.String("session_id", msg.SessionID.String()),
			slog.String("status", session.Status))
		return nil
	}

	sc := &SessionContext{
		SessionID: session.ID,
		ZoneID:    session.ZoneID,
	}
	if err := json.Unmarshal(session.Config, &sc.Config); err != nil {
		p.fail(ctx, sc, "config", err)
		return fmt.Errorf("decode session config: %w", err)
	}

	p.logger.Info("pipeline started",
		slog.String("session_id", session.ID.String()),
		slog.String("zone_id", session.ZoneID.String()),
		slog.String("trigger", msg.Trigger))

	start := time.Now()

	for _, stage := range p.stages {
		// Cancellation is only observed at phase boundaries; a phase that
		// already started runs to completion.
		if cur, err := p.store.GetMapSession(ctx, sc.SessionID); err == nil && postgres.IsTerminal(cur.Status) {
			p.logger.Info("session terminal at phase boundary, abandoning",
				slog.String("session_id", sc.SessionID.String()),
				slog.String("status", cur.Status),
				slog.String("next_stage", stage.Name()))
			return nil
		}

		p.logger.Info("stage started",
			slog.String("stage", stage.Name()),
			slog.String("session_id", sc.SessionID.String()))

		stageCtx, cancel := context.WithTimeout(ctx, p.phaseTimeout)
		err := stage.Execute(stageCtx, sc)
		cancel()

		if errors.Is(err, ErrSessionTerminal) {
			p.logger.Info("session terminal during stage, abandoning",
				slog.String("stage", stage.Name()),
				slog.String("session_id", sc.SessionID.String()))
			return nil
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("phase exceeded %s budget: %w", p.phaseTimeout, err)
			}
			p.fail(ctx, sc, stage.Name(), err)
			return fmt.Errorf("stage %s: %w", stage.Name(), err)
		}

		p.logger.Info("stage completed",
			slog.String("stage", stage.Name()),
			slog.String("session_id", sc.SessionID.String()))
	}

	elapsed := time.Since(start).Milliseconds()
	if err := p.store.CompleteMapSession(ctx, postgres.CompleteMapSessionParams{
		ID:              sc.SessionID,
		ExecutionTimeMs: elapsed,
	}); err != nil {
		return fmt.Errorf("complete session: %w", err)
	}

	p.logger.Info("pipeline completed",
		slog.String("session_id", sc.SessionID.String()),
		slog.Int("posts", len(sc.Posts)),
		slog.Int("clusters", len(sc.Clusters)),
		slog.Int("outliers", sc.OutlierCount),
		slog.Int64("elapsed_ms", elapsed))
	return nil
}

// fail marks the session failed; best-effort since the session may already
// be terminal.
func (p *Pipeline) fail(ctx context.Context, sc *SessionContext, stage string, cause error) {
	msg := cause.Error()
	if err := p.store.FailMapSession(ctx, postgres.FailMapSessionParams{
		ID:           sc.SessionID,
		PhaseMessage: fmt.Sprintf("Failed during %s", stage),
		ErrorMessage: msg,
	}); err != nil {
		p.logger.Error("record session failure",
			slog.String("session_id", sc.SessionID.String()),
			slog.String("error", err.Error()))
	}
}
