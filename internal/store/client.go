// Package store wraps the S3 object store: uploading workspace artifacts,
// listing, and the keep-latest retention enforcement.
package store

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// deleteBatchSize is the S3 DeleteObjects per-request limit.
const deleteBatchSize = 1000

// S3API is the slice of the S3 client the store needs.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// UploadOptions carries the per-object headers the mapping client depends on.
type UploadOptions struct {
	ContentType  string
	CacheControl string
}

// Client is a bucket-scoped object store handle.
type Client struct {
	api    S3API
	bucket string
}

// NewClient wraps an existing S3 API implementation. Tests use this with a
// fake.
func NewClient(api S3API, bucket string) *Client {
	return &Client{api: api, bucket: bucket}
}

// Connect builds a client from the ambient AWS configuration (environment,
// shared config, instance role).
func Connect(ctx context.Context, bucket string) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewClient(s3.NewFromConfig(cfg), bucket), nil
}

// Bucket returns the bucket name this client writes to.
func (c *Client) Bucket() string { return c.bucket }

// UploadFile puts one local file at key.
func (c *Client) UploadFile(ctx context.Context, localPath, key string, opts UploadOptions) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	in := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   f,
	}
	if opts.ContentType != "" {
		in.ContentType = aws.String(opts.ContentType)
	}
	if opts.CacheControl != "" {
		in.CacheControl = aws.String(opts.CacheControl)
	}
	if _, err := c.api.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// UploadTree walks dir and uploads every regular file, with bounded
// concurrency. keyFor maps a slash-separated relative path to its object key
// and headers; returning ok=false skips the file. Returns the number of
// objects uploaded; the first error aborts the remaining uploads.
func (c *Client) UploadTree(ctx context.Context, dir string, workers int, keyFor func(rel string) (string, UploadOptions, bool)) (int, error) {
	if workers < 1 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var uploaded int64
	counts := make(chan int, workers)
	done := make(chan struct{})
	go func() {
		for n := range counts {
			uploaded += int64(n)
		}
		close(done)
	}()

	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		key, opts, ok := keyFor(filepath.ToSlash(rel))
		if !ok {
			return nil
		}
		g.Go(func() error {
			if err := c.UploadFile(ctx, p, key, opts); err != nil {
				return err
			}
			counts <- 1
			return nil
		})
		return nil
	})

	err := g.Wait()
	close(counts)
	<-done
	if walkErr != nil && err == nil {
		err = walkErr
	}
	return int(uploaded), err
}

// ListKeys returns every object key under prefix, paginating as needed.
func (c *Client) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) {
			return keys, nil
		}
		token = out.NextContinuationToken
	}
}

// ListDirs returns the immediate child "directory" names under prefix,
// using a delimiter listing. prefix must end with "/".
func (c *Client) ListDirs(ctx context.Context, prefix string) ([]string, error) {
	var dirs []string
	var token *string
	for {
		out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(prefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list dirs %s: %w", prefix, err)
		}
		for _, cp := range out.CommonPrefixes {
			full := strings.TrimSuffix(aws.ToString(cp.Prefix), "/")
			dirs = append(dirs, path.Base(full))
		}
		if !aws.ToBool(out.IsTruncated) {
			return dirs, nil
		}
		token = out.NextContinuationToken
	}
}

// DeleteKeys removes the given objects in batches. Individual delete
// failures are logged and counted; the remainder still goes through.
func (c *Client) DeleteKeys(ctx context.Context, keys []string) (deleted, failed int) {
	for start := 0; start < len(keys); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(keys))
		batch := keys[start:end]

		objects := make([]types.ObjectIdentifier, len(batch))
		for i, k := range batch {
			objects[i] = types.ObjectIdentifier{Key: aws.String(k)}
		}
		out, err := c.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(c.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			log.Warn().Err(err).Int("count", len(batch)).Msg("Delete batch failed")
			failed += len(batch)
			continue
		}
		for _, e := range out.Errors {
			log.Warn().
				Str("key", aws.ToString(e.Key)).
				Str("code", aws.ToString(e.Code)).
				Msg("Object delete failed")
		}
		failed += len(out.Errors)
		deleted += len(batch) - len(out.Errors)
	}
	return deleted, failed
}

// DeletePrefix removes every object under prefix.
func (c *Client) DeletePrefix(ctx context.Context, prefix string) (deleted, failed int) {
	keys, err := c.ListKeys(ctx, prefix)
	if err != nil {
		log.Warn().Err(err).Str("prefix", prefix).Msg("List for delete failed")
		return 0, 1
	}
	return c.DeleteKeys(ctx, keys)
}
