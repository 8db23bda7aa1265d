package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/hibiken/asynq"
	"github.com/spf13/afero"

	"sftpflow/pkg/content"
	"sftpflow/pkg/flow"
	"sftpflow/pkg/logger"
	"sftpflow/pkg/shared"
)

// RecordQueue is the pending queue of the transfer loop.
type RecordQueue interface {
	Enqueue(ctx context.Context, recs ...*flow.Record) error
}

type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Publisher turns local files and objects into upload records and wakes
// the transfer loop.
type Publisher struct {
	queue  RecordQueue
	tasks  TaskEnqueuer
	fs     afero.Fs
	s3     s3iface.S3API
	logger *logger.Logger
}

func NewPublisher(queue RecordQueue, tasks TaskEnqueuer, fs afero.Fs, s3Client s3iface.S3API, log *logger.Logger) *Publisher {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Publisher{
		queue:  queue,
		tasks:  tasks,
		fs:     fs,
		s3:     s3Client,
		logger: log,
	}
}

func (p *Publisher) Publish(ctx context.Context, req *shared.PublishRequest) (*shared.PublishResult, error) {
	switch {
	case req.FolderPath != "" && req.Key != "":
		return nil, fmt.Errorf("folder_path and key are mutually exclusive")
	case req.FolderPath != "":
		return p.PublishFolder(ctx, req.FolderPath, req.Attributes)
	case req.Key != "":
		return p.PublishObject(ctx, req.Bucket, req.Key, req.Attributes)
	default:
		return nil, fmt.Errorf("folder_path or key is required")
	}
}

// PublishFolder enqueues one record per regular file below folderPath.
// Hidden files and directories are skipped.
func (p *Publisher) PublishFolder(ctx context.Context, folderPath string, attrs map[string]string) (*shared.PublishResult, error) {
	if folderPath == "" {
		return nil, fmt.Errorf("folder path is required")
	}

	info, err := p.fs.Stat(folderPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("folder not found: %s", folderPath)
	}
	if err != nil {
		return nil, fmt.Errorf("stat folder: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a folder: %s", folderPath)
	}

	result := &shared.PublishResult{}
	var recs []*flow.Record
	err = afero.Walk(p.fs, folderPath, func(filePath string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if filePath != folderPath && strings.HasPrefix(info.Name(), ".") {
			result.Skipped = append(result.Skipped, filePath)
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(folderPath, filepath.Dir(filePath))
		if err != nil {
			return err
		}
		rec := newRecord(attrs, info.Name(), filepath.ToSlash(rel))
		rec.Size = info.Size()
		rec.ContentRef = content.FileRef(filePath)
		recs = append(recs, rec)
		result.TotalSize += info.Size()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk folder: %w", err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("folder is empty or contains only hidden files: %s", folderPath)
	}

	return p.enqueue(ctx, recs, result, map[string]any{"folder": folderPath})
}

// PublishObject enqueues a record for a single object.
func (p *Publisher) PublishObject(ctx context.Context, bucket, key string, attrs map[string]string) (*shared.PublishResult, error) {
	if p.s3 == nil {
		return nil, fmt.Errorf("object publishing requires content.s3 to be configured")
	}
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("bucket and key are required")
	}

	head, err := p.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("head object %s/%s: %w", bucket, key, err)
	}

	dir := path.Dir(key)
	if dir == "/" {
		dir = "."
	}
	rec := newRecord(attrs, path.Base(key), dir)
	rec.Size = aws.Int64Value(head.ContentLength)
	rec.ContentRef = content.ObjectRef(bucket, key)

	result := &shared.PublishResult{TotalSize: rec.Size}
	return p.enqueue(ctx, []*flow.Record{rec}, result, map[string]any{"bucket": bucket, "key": key})
}

func newRecord(attrs map[string]string, filename, dir string) *flow.Record {
	rec := flow.NewRecord(attrs)
	if dir == "" || dir == "." {
		dir = "./"
	} else if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	rec.PutAttributes(map[string]string{
		flow.AttrFilename: filename,
		flow.AttrPath:     dir,
	})
	return rec
}

func (p *Publisher) enqueue(ctx context.Context, recs []*flow.Record, result *shared.PublishResult, fields map[string]any) (*shared.PublishResult, error) {
	if err := p.queue.Enqueue(ctx, recs...); err != nil {
		return nil, fmt.Errorf("enqueue records: %w", err)
	}
	for _, rec := range recs {
		result.Records = append(result.Records, rec.ID)
	}

	taskID, err := p.TriggerTransfer(ctx, "publish")
	if err != nil {
		// The records are queued and the scheduled batch will pick them up.
		p.logger.Error("failed to trigger transfer batch", err, fields)
	}
	result.TaskID = taskID

	fields["records"] = len(recs)
	fields["task_id"] = taskID
	p.logger.Info("records published", fields)
	return result, nil
}

// TriggerTransfer enqueues a transfer batch unless one is already waiting.
func (p *Publisher) TriggerTransfer(ctx context.Context, reason string) (string, error) {
	payload, err := json.Marshal(shared.TransferBatchPayload{Reason: reason})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	task := asynq.NewTask(shared.TaskTypeTransferBatch, payload)
	info, err := p.tasks.EnqueueContext(ctx, task, asynq.MaxRetry(0), asynq.Unique(time.Minute))
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	return info.ID, nil
}

// TriggerListing enqueues a listing pass carrying attrs as its trigger.
func (p *Publisher) TriggerListing(ctx context.Context, attrs map[string]string) (string, error) {
	payload, err := json.Marshal(shared.ListingPassPayload{Attributes: attrs})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	info, err := p.tasks.EnqueueContext(ctx, asynq.NewTask(shared.TaskTypeListingPass, payload), asynq.MaxRetry(0))
	if err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	p.logger.Info("listing pass requested", map[string]any{"task_id": info.ID})
	return info.ID, nil
}
