package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// errClaimFailed wraps database errors hit before the job was claimed.
// The job has not started, so the message is safe to requeue for
// another instance; this is not a retry of a failed job.
type errClaimFailed struct {
	err error
}

func (e *errClaimFailed) Error() string {
	return "claim failed: " + e.err.Error()
}

func (e *errClaimFailed) Unwrap() error {
	return e.err
}

// spawnWorkerPool spawns N worker goroutines based on the concurrency
// configuration.
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine.
// One iteration owns one job from claim to terminal state.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Info("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case msg, ok := <-w.jobsChan:
			if !ok {
				w.logger.Info("Worker goroutine stopping - jobsChan closed",
					slog.String("worker_name", workerName),
				)
				return
			}

			w.logger.Info("Worker received job",
				slog.String("worker_name", workerName),
				slog.String("job_id", msg.JobID),
			)

			err := w.processJob(ctx, msg)

			channel := w.rabbitClient.GetChannel()
			if channel == nil {
				w.logger.Error("Failed to get RabbitMQ channel for ACK/NACK",
					slog.String("worker_name", workerName),
					slog.String("job_id", msg.JobID),
				)
				continue
			}

			if err != nil {
				// Only a pre-claim failure goes back on the queue. Once a
				// job is claimed, every failure ends in a terminal FAILED
				// write instead, and the message is acked.
				var claimErr *errClaimFailed
				requeue := errors.As(err, &claimErr)

				w.logger.Error("Job processing failed",
					slog.String("worker_name", workerName),
					slog.String("job_id", msg.JobID),
					slog.String("error", err.Error()),
					slog.Bool("requeue", requeue),
				)

				if nackErr := channel.Nack(msg.DeliveryTag, false, requeue); nackErr != nil {
					w.logger.Error("Failed to NACK message",
						slog.String("worker_name", workerName),
						slog.String("job_id", msg.JobID),
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			if ackErr := channel.Ack(msg.DeliveryTag, false); ackErr != nil {
				w.logger.Error("Failed to ACK message",
					slog.String("worker_name", workerName),
					slog.String("job_id", msg.JobID),
					slog.String("error", ackErr.Error()),
				)
			}
		}
	}
}
