package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"sftpflow/pkg/config"
	"sftpflow/pkg/logger"
	"sftpflow/pkg/publisher"
	"sftpflow/pkg/queue"
	"sftpflow/pkg/s3"
	"sftpflow/pkg/shared"
)

func main() {
	attrs := make(map[string]string)
	var (
		configPath = flag.String("config", "/etc/sftpflow/config.toml", "path to config file")
		folderPath = flag.String("folder", "", "path to folder whose files are uploaded")
		bucket     = flag.String("bucket", "", "bucket of the object to upload")
		key        = flag.String("key", "", "key of the object to upload")
	)
	flag.Func("attr", "record attribute as name=value, may be repeated", func(s string) error {
		name, value, ok := strings.Cut(s, "=")
		if !ok || name == "" {
			return fmt.Errorf("expected name=value, got %q", s)
		}
		attrs[name] = value
		return nil
	})
	flag.Parse()

	if *folderPath == "" && *key == "" {
		logger.Fatal("folder or key is required", nil)
	}

	config, err := config.LoadFromFile(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", map[string]any{
			"config_path": *configPath,
			"error":       err.Error(),
		})
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
	defer redisClient.Close()

	asyncClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
	defer asyncClient.Close()

	var s3Client s3iface.S3API
	if config.Content.S3 != nil {
		client, err := s3.CreateS3Client(config.Content.S3)
		if err != nil {
			logger.Fatal("failed to create s3 client", map[string]any{
				"error": err.Error(),
			})
		}
		s3Client = client
	}

	transferQueue := queue.NewRedisSession(redisClient, shared.ProcessorTransfer, queue.Options{
		Penalty: config.Coordination.Penalty(),
	})
	pub := publisher.NewPublisher(transferQueue, asyncClient, nil, s3Client, logger.NewDefault())

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	result, err := pub.Publish(ctx, &shared.PublishRequest{
		FolderPath: *folderPath,
		Bucket:     *bucket,
		Key:        *key,
		Attributes: attrs,
	})
	if err != nil {
		logger.Fatal("failed to publish records", map[string]any{
			"error": err.Error(),
		})
	}

	logger.Info("records published successfully", map[string]any{
		"records":    len(result.Records),
		"total_size": result.TotalSize,
		"task_id":    result.TaskID,
	})
}
