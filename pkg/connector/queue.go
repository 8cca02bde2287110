// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// channelQueue runs jobs for the same Slack channel one at a time in arrival
// order. Each channel with pending work has one goroutine, which exits once
// the channel's queue is empty.
type channelQueue struct {
	ctx context.Context
	log zerolog.Logger

	lock   sync.Mutex
	queues map[string][]func(context.Context)
	wg     sync.WaitGroup
}

func newChannelQueue(ctx context.Context, log zerolog.Logger) *channelQueue {
	return &channelQueue{
		ctx:    ctx,
		log:    log,
		queues: make(map[string][]func(context.Context)),
	}
}

// Push schedules job after every job already queued for channelID.
func (q *channelQueue) Push(channelID string, job func(context.Context)) {
	q.lock.Lock()
	defer q.lock.Unlock()
	jobs, running := q.queues[channelID]
	q.queues[channelID] = append(jobs, job)
	if !running {
		q.wg.Add(1)
		go q.drain(channelID)
	}
}

func (q *channelQueue) drain(channelID string) {
	defer q.wg.Done()
	for {
		q.lock.Lock()
		jobs := q.queues[channelID]
		if len(jobs) == 0 {
			delete(q.queues, channelID)
			q.lock.Unlock()
			return
		}
		job := jobs[0]
		q.queues[channelID] = jobs[1:]
		q.lock.Unlock()

		q.run(channelID, job)
	}
}

func (q *channelQueue) run(channelID string, job func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().
				Str("slack_channel_id", channelID).
				Interface("panic", r).
				Msg("Panic while handling Slack event")
		}
	}()
	job(q.ctx)
}

// Wait blocks until every queued job has finished.
func (q *channelQueue) Wait() {
	q.wg.Wait()
}
