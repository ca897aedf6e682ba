package durable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fidato13/nrtsearch-primary/protocol"
)

// Queue is the external contract PrimaryCore's refresh path requires of
// the durable-upload subsystem: enqueue is non-blocking,
// and the implementation is responsible for eventually resolving every
// watcher exactly once.
type Queue interface {
	// EnqueueUpload queues cs for durable upload. It must not block on
	// the upload itself; it may return an error only for validation
	// failures that occur before any watcher is considered queued (eg,
	// the queue is already closed).
	EnqueueUpload(cs protocol.CopyState, watchers []*Future) error

	// Close signals the upload subsystem to drain in-flight uploads and
	// stop; after it returns, further EnqueueUpload calls are rejected.
	Close() error
}

// Uploader is the narrow remote-storage capability S3UploadQueue needs.
// Abstracting it behind an interface (rather than depending on
// *manager.Uploader directly) lets tests substitute an in-memory fake
// without a real S3-compatible endpoint, the same way
// SharedCode-sop/aws_s3 wraps *s3.Client behind its own store interfaces.
type Uploader interface {
	Upload(ctx context.Context, bucket, key string, body []byte) error
}

// S3Uploader adapts an AWS SDK v2 S3 client (via manager.Uploader, which
// transparently multi-parts large bodies) to the Uploader interface.
type S3Uploader struct {
	client *s3.Client
}

// NewS3Uploader returns an S3Uploader wrapping client.
func NewS3Uploader(client *s3.Client) *S3Uploader { return &S3Uploader{client: client} }

func (u *S3Uploader) Upload(ctx context.Context, bucket, key string, body []byte) error {
	var uploader = manager.NewUploader(u.client)
	var _, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	return err
}

type uploadJob struct {
	copyState protocol.CopyState
	watchers  []*Future
}

// S3UploadQueue is a concrete DurableUploadQueue backed by remote object
// storage. A fixed pool of workers drains queued jobs concurrently;
// golang.org/x/sync/errgroup supervises them and Close drains the
// in-flight backlog before returning, mirroring how the replication
// example this repo is grounded on (yonasBSD-zrepl's Planner) uses
// errgroup to supervise concurrent endpoint work.
type S3UploadQueue struct {
	bucket string
	prefix string
	upload Uploader

	jobs  chan uploadJob
	group *errgroup.Group

	closeMu sync.Mutex
	closed  bool
}

// NewS3UploadQueue constructs a queue that uploads each enqueued
// CopyState's serialized file manifest to bucket, under prefix, using
// workerCount concurrent workers.
func NewS3UploadQueue(ctx context.Context, bucket, prefix string, upload Uploader, workerCount int) *S3UploadQueue {
	if workerCount <= 0 {
		workerCount = 4
	}
	var group, groupCtx = errgroup.WithContext(ctx)
	var q = &S3UploadQueue{
		bucket: bucket,
		prefix: prefix,
		upload: upload,
		jobs:   make(chan uploadJob, 64),
		group:  group,
	}
	for i := 0; i < workerCount; i++ {
		group.Go(func() error { return q.worker(groupCtx) })
	}
	return q
}

func (q *S3UploadQueue) worker(ctx context.Context) error {
	for {
		select {
		case job, ok := <-q.jobs:
			if !ok {
				return nil
			}
			q.run(ctx, job)
		case <-ctx.Done():
			return nil
		}
	}
}

func (q *S3UploadQueue) run(ctx context.Context, job uploadJob) {
	var key = fmt.Sprintf("%s/gen-%d/version-%d.json", q.prefix, job.copyState.PrimaryGen, job.copyState.Version)

	var body, err = json.Marshal(job.copyState.Files)
	if err == nil {
		err = q.upload.Upload(ctx, q.bucket, key, body)
	}

	for _, f := range job.watchers {
		if err != nil {
			f.Fail(errors.WithMessage(err, "durable upload"))
		} else {
			f.Succeed()
		}
	}
	if err != nil {
		log.WithFields(log.Fields{"bucket": q.bucket, "key": key, "err": err}).
			Error("durable upload failed; watchers resolved with cause")
	} else {
		log.WithFields(log.Fields{"bucket": q.bucket, "key": key}).Debug("durable upload complete")
	}
}

// EnqueueUpload implements Queue. It never blocks on the upload itself.
func (q *S3UploadQueue) EnqueueUpload(cs protocol.CopyState, watchers []*Future) error {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return errors.New("durable upload queue is closed")
	}

	select {
	case q.jobs <- uploadJob{copyState: cs, watchers: watchers}:
		return nil
	default:
		// Backlog full: run it in its own goroutine rather than block the
		// refresh cycle that called us (EnqueueUpload must be non-blocking).
		// It joins the errgroup so that Close waits for it as well.
		var job = uploadJob{copyState: cs, watchers: watchers}
		q.group.Go(func() error {
			q.run(context.Background(), job)
			return nil
		})
		return nil
	}
}

// Close stops accepting new uploads, drains the in-flight backlog, and
// waits for all workers to exit.
func (q *S3UploadQueue) Close() error {
	q.closeMu.Lock()
	if q.closed {
		q.closeMu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.closeMu.Unlock()

	return q.group.Wait()
}
