package s3

import (
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// Config describes the object store that record content may be read from.
type Config struct {
	Endpoint             string `mapstructure:"endpoint" validate:"required,url"`
	Region               string `mapstructure:"region" validate:"required,min=1"`
	Bucket               string `mapstructure:"bucket" validate:"required,min=1"`
	AccessKey            string `mapstructure:"access_key" validate:"required,min=1"`
	SecretKey            string `mapstructure:"secret_key" validate:"required,min=1"`
	MaxRetries           int    `mapstructure:"max_retries" validate:"min=0,max=10"`
	RetryDelaySeconds    int    `mapstructure:"retry_delay_seconds" validate:"min=1,max=30"`
	MaxRetryDelaySeconds int    `mapstructure:"max_retry_delay_seconds" validate:"min=1,max=300"`
	ReadTimeoutSeconds   int    `mapstructure:"read_timeout_seconds" validate:"min=1,max=3600"`
}

func CreateS3Client(config *Config) (*s3.S3, error) {
	httpClient := &http.Client{
		Timeout: time.Duration(config.ReadTimeoutSeconds) * time.Second,
		Transport: &http.Transport{
			ResponseHeaderTimeout: time.Duration(config.ReadTimeoutSeconds) * time.Second,
			ExpectContinueTimeout: 5 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
		},
	}

	retryer := client.DefaultRetryer{
		NumMaxRetries:    config.MaxRetries,
		MinRetryDelay:    time.Duration(config.RetryDelaySeconds) * time.Second,
		MaxRetryDelay:    time.Duration(config.MaxRetryDelaySeconds) * time.Second,
		MinThrottleDelay: time.Duration(config.RetryDelaySeconds) * time.Second,
		MaxThrottleDelay: time.Duration(config.MaxRetryDelaySeconds) * time.Second,
	}

	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String(config.Region),
		Endpoint:         aws.String(config.Endpoint),
		S3ForcePathStyle: aws.Bool(true),
		HTTPClient:       httpClient,
		Retryer:          retryer,
		Credentials: credentials.NewStaticCredentials(
			config.AccessKey,
			config.SecretKey,
			"",
		),
	})
	if err != nil {
		return nil, err
	}

	return s3.New(sess), nil
}
