package queue

import (
	"context"
	"encoding/json"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"media-intelligence/pkg/apperr"
	"media-intelligence/pkg/models"
	"media-intelligence/pkg/pipeline"
)

// Publisher sends a result message to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue, correlationID string, body []byte) error
}

// Processor runs one request; *pipeline.Manager is one.
type Processor interface {
	Process(ctx context.Context, req models.ProcessRequest) (*pipeline.Outcome, error)
}

// Worker turns command messages into processing runs. Redelivered commands
// are cheap: a completed run is reused, not recomputed.
type Worker struct {
	proc        Processor
	pub         Publisher
	resultQueue string
	concurrency int
	log         *logrus.Entry

	pubMu sync.Mutex
}

func NewWorker(proc Processor, pub Publisher, resultQueue string, concurrency int, log *logrus.Entry) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Worker{
		proc:        proc,
		pub:         pub,
		resultQueue: resultQueue,
		concurrency: concurrency,
		log:         log.WithField("component", "queue"),
	}
}

// Run handles deliveries until the channel closes or ctx is done.
func (w *Worker) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.log.WithField("concurrency", w.concurrency).Info("worker started, listening for commands")

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					w.handle(ctx, d)
				}
			}
		}()
	}
	wg.Wait()
	w.log.Info("worker stopped")
}

func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	log := w.log.WithFields(logrus.Fields{"delivery_tag": d.DeliveryTag, "redelivered": d.Redelivered})
	log.WithField("bytes", len(d.Body)).Debug("command received")

	resp, requeue := w.HandleMessage(ctx, d.Body)
	if requeue {
		log.Info("shutting down, returning command to the queue")
		if err := d.Nack(false, true); err != nil {
			log.WithError(err).Warn("nack failed")
		}
		return
	}

	body, err := json.Marshal(resp)
	if err == nil {
		err = w.publish(ctx, d.CorrelationId, body)
	}
	if err != nil {
		log.WithError(err).Error("failed to publish result, requeueing command")
		if nerr := d.Nack(false, true); nerr != nil {
			log.WithError(nerr).Warn("nack failed")
		}
		return
	}

	if err := d.Ack(false); err != nil {
		log.WithError(err).Warn("ack failed")
	}
}

func (w *Worker) publish(ctx context.Context, correlationID string, body []byte) error {
	w.pubMu.Lock()
	defer w.pubMu.Unlock()
	return w.pub.Publish(ctx, w.resultQueue, correlationID, body)
}

// HandleMessage processes one command body. requeue is true when the worker
// is shutting down and the command should be handled elsewhere.
func (w *Worker) HandleMessage(ctx context.Context, body []byte) (resp models.Response, requeue bool) {
	req := models.NewProcessRequest("")
	if err := json.Unmarshal(body, &req); err != nil {
		err := apperr.New(apperr.KindInvalidInput, "malformed command: %v", err)
		w.log.WithError(err).Warn("rejecting malformed command")
		return models.Response{
			Status:    models.StatusError,
			Error:     apperr.Summary(err),
			ErrorKind: apperr.KindInvalidInput.WireKind(),
		}, false
	}

	out, err := w.proc.Process(ctx, req)
	if err != nil && ctx.Err() != nil {
		return out.Response, true
	}
	return out.Response, false
}
