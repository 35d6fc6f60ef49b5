package main

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"walksync/internal/engine"
	"walksync/internal/session"
	"walksync/internal/walk"
)

// demoCenter is a park loop in Berlin used by the simulated walk.
const (
	demoCenterLat = 52.5145
	demoCenterLng = 13.3501
	demoRadiusDeg = 0.0008
)

// simulateWalk drives one walk end to end against the configured
// endpoints: request, confirm, start, stream a loop of samples, complete.
// It doubles as living documentation for the repository API.
func simulateWalk(ctx context.Context, eng *engine.Engine, steps int, stepInterval time.Duration) (session.Summary, error) {
	repo := eng.Repo
	log := eng.Log

	s, err := repo.CreateSession(ctx, sessionRequest())
	if err != nil {
		return session.Summary{}, err
	}
	log.Info("demo walk requested", zap.String("session_id", s.ID))

	for _, status := range []walk.Status{walk.StatusConfirmed, walk.StatusInProgress} {
		if s, err = repo.UpdateStatus(ctx, s.ID, status); err != nil {
			return session.Summary{}, err
		}
	}

	start := time.Now().UTC()
	for i := 0; i < steps; i++ {
		select {
		case <-ctx.Done():
			return session.Summary{}, ctx.Err()
		case <-time.After(stepInterval):
		}

		angle := 2 * math.Pi * float64(i) / float64(steps)
		sample := walk.Sample{
			Lat:        demoCenterLat + demoRadiusDeg*math.Sin(angle),
			Lng:        demoCenterLng + demoRadiusDeg*math.Cos(angle),
			AccuracyM:  5,
			SpeedMps:   1.3,
			RecordedAt: start.Add(time.Duration(i) * 30 * time.Second),
		}
		if err := repo.AddLocation(ctx, s.ID, sample); err != nil {
			return session.Summary{}, err
		}
	}

	summary, err := repo.EndSession(ctx, s.ID)
	if err != nil {
		return session.Summary{}, err
	}
	log.Info("demo walk completed",
		zap.String("session_id", summary.SessionID),
		zap.Int("points", summary.PointCount),
		zap.Float64("distance_m", summary.DistanceM),
		zap.Int64("duration_sec", summary.DurationSec))
	return summary, nil
}

func sessionRequest() session.CreateRequest {
	return session.CreateRequest{
		OwnerID:     "demo-owner",
		WalkerID:    "demo-walker",
		DogID:       "demo-dog",
		ScheduledAt: time.Now().UTC(),
		Price:       20,
	}
}
