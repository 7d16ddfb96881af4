package storage

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/yourorg/bucketkit/internal/metrics"
)

// Options configures New. The zero value talks to AWS S3 in DefaultRegion.
type Options struct {
	// Region becomes the current default region of Regions. Empty means DefaultRegion.
	Region string
	// Regions is the registry to configure; nil means DefaultRegions.
	Regions *Regions
	// Endpoint overrides the S3 endpoint (MinIO, LocalStack).
	Endpoint     string
	UsePathStyle bool
	// PageSize caps keys per ListObjectsV2 page in directory operations; 0 leaves it to S3.
	PageSize int32
	Logger   *zap.Logger
	// Client replaces the SDK client, e.g. with a localobj.Store.
	Client S3API
}

// BucketClient performs object operations against a single bucket.
type BucketClient struct {
	bucket   string
	region   string
	pageSize int32
	s3       S3API
	log      *zap.Logger
}

// DirectoryResult summarizes a walk over every object under a prefix.
type DirectoryResult struct {
	Listed    int
	Succeeded int
	Failed    []ItemError
}

// New configures the default region and returns a client bound to bucket.
func New(ctx context.Context, bucket string, opts Options) (*BucketClient, error) {
	region := opts.Region
	if region == "" {
		region = DefaultRegion
	}
	regions := opts.Regions
	if regions == nil {
		regions = DefaultRegions
	}
	cfg, err := regions.Configure(ctx, region)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	client := opts.Client
	if client == nil {
		client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			if opts.Endpoint != "" {
				o.BaseEndpoint = aws.String(opts.Endpoint)
			}
			o.UsePathStyle = opts.UsePathStyle
		})
	}
	return &BucketClient{
		bucket:   bucket,
		region:   region,
		pageSize: opts.PageSize,
		s3:       client,
		log:      log.With(zap.String("bucket", bucket)),
	}, nil
}

// Bucket returns the bound bucket name.
func (c *BucketClient) Bucket() string { return c.bucket }

// Region returns the region the client was built for.
func (c *BucketClient) Region() string { return c.region }

// Read returns the body of the object at key.
func (c *BucketClient) Read(ctx context.Context, key string) (data []byte, err error) {
	defer func() { metrics.Observe(metrics.Operations, "read", err) }()
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Write creates or overwrites the object at key with data.
func (c *BucketClient) Write(ctx context.Context, data []byte, key string) (err error) {
	defer func() { metrics.Observe(metrics.Operations, "write", err) }()
	_, err = c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

// Upload streams body to key, switching to multipart upload for large bodies.
func (c *BucketClient) Upload(ctx context.Context, key string, body io.Reader) (err error) {
	defer func() { metrics.Observe(metrics.Operations, "upload", err) }()
	uploader := manager.NewUploader(c.s3)
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key), Body: body})
	return err
}

// Delete removes the object at key. S3 reports success for absent keys.
func (c *BucketClient) Delete(ctx context.Context, key string) (err error) {
	defer func() { metrics.Observe(metrics.Operations, "delete", err) }()
	_, err = c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)})
	return err
}

// Copy performs a server-side copy of srcKey to destBucket/destKey.
func (c *BucketClient) Copy(ctx context.Context, srcKey, destBucket, destKey string) (err error) {
	defer func() { metrics.Observe(metrics.Operations, "copy", err) }()
	if err = c.copyObject(ctx, srcKey, destBucket, destKey); err != nil {
		return err
	}
	c.log.Info("copied object", zap.String("src", srcKey), zap.String("destBucket", destBucket), zap.String("dest", destKey))
	return nil
}

func (c *BucketClient) copyObject(ctx context.Context, srcKey, destBucket, destKey string) error {
	_, err := c.s3.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(destBucket),
		Key:        aws.String(destKey),
		CopySource: aws.String(CopySource(c.bucket, srcKey)),
	})
	return err
}

// GetPermissions returns the ACL grants of the object at key.
func (c *BucketClient) GetPermissions(ctx context.Context, key string) (grants []types.Grant, err error) {
	defer func() { metrics.Observe(metrics.Operations, "get_acl", err) }()
	out, err := c.s3.GetObjectAcl(ctx, &s3.GetObjectAclInput{Bucket: aws.String(c.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, err
	}
	return out.Grants, nil
}

// SetPermissions applies the public-read or private canned ACL to key and
// returns the resulting grants.
func (c *BucketClient) SetPermissions(ctx context.Context, key string, public bool) ([]types.Grant, error) {
	err := c.putACL(ctx, key, CannedACL(public))
	metrics.Observe(metrics.Operations, "put_acl", err)
	if err != nil {
		return nil, err
	}
	return c.GetPermissions(ctx, key)
}

func (c *BucketClient) putACL(ctx context.Context, key string, acl types.ObjectCannedACL) error {
	_, err := c.s3.PutObjectAcl(ctx, &s3.PutObjectAclInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		ACL:    acl,
	})
	return err
}

// List returns every key under prefix in listing order.
func (c *BucketClient) List(ctx context.Context, prefix string) (keys []string, err error) {
	defer func() { metrics.Observe(metrics.Operations, "list", err) }()
	p := s3.NewListObjectsV2Paginator(c.s3, c.listInput(prefix))
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return keys, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// CopyDirectory copies every object under srcPrefix to destBucket at
// destPrefix+key. The source key is kept whole, so "a/1" copied with
// destPrefix "b/" lands at "b/a/1".
//
// Every object is attempted; failures are collected in the result and
// combined into the returned error. Nothing is rolled back.
func (c *BucketClient) CopyDirectory(ctx context.Context, srcPrefix, destBucket, destPrefix string) (DirectoryResult, error) {
	res, err := c.walk(ctx, "copy_directory", srcPrefix, func(key string) error {
		destKey := destPrefix + key
		if err := c.copyObject(ctx, key, destBucket, destKey); err != nil {
			return err
		}
		c.log.Debug("copied object", zap.String("src", key), zap.String("destBucket", destBucket), zap.String("dest", destKey))
		return nil
	})
	c.log.Info("copied directory",
		zap.String("src", srcPrefix), zap.String("destBucket", destBucket), zap.String("dest", destPrefix),
		zap.Int("listed", res.Listed), zap.Int("failed", len(res.Failed)))
	return res, err
}

// SetDirectoryPermissions applies the public-read or private canned ACL to
// every object under prefix, one request per object.
func (c *BucketClient) SetDirectoryPermissions(ctx context.Context, prefix string, public bool) (DirectoryResult, error) {
	acl := CannedACL(public)
	res, err := c.walk(ctx, "set_directory_acl", prefix, func(key string) error {
		return c.putACL(ctx, key, acl)
	})
	c.log.Info("set directory permissions",
		zap.String("prefix", prefix), zap.String("acl", string(acl)),
		zap.Int("listed", res.Listed), zap.Int("failed", len(res.Failed)))
	return res, err
}

// walk calls fn for each listed object. A listing error stops the walk.
func (c *BucketClient) walk(ctx context.Context, op, prefix string, fn func(key string) error) (DirectoryResult, error) {
	var (
		res  DirectoryResult
		errs error
	)
	p := s3.NewListObjectsV2Paginator(c.s3, c.listInput(prefix))
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			metrics.Observe(metrics.Operations, op, err)
			return res, multierr.Append(errs, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			res.Listed++
			err := fn(key)
			metrics.Observe(metrics.DirectoryObjects, op, err)
			if err != nil {
				c.log.Warn("directory item failed", zap.String("op", op), zap.String("key", key), zap.Error(err))
				res.Failed = append(res.Failed, ItemError{Key: key, Err: err})
				errs = multierr.Append(errs, &ItemError{Key: key, Err: err})
				continue
			}
			res.Succeeded++
		}
	}
	metrics.Observe(metrics.Operations, op, errs)
	return res, errs
}

func (c *BucketClient) listInput(prefix string) *s3.ListObjectsV2Input {
	in := &s3.ListObjectsV2Input{Bucket: aws.String(c.bucket), Prefix: aws.String(prefix)}
	if c.pageSize > 0 {
		in.MaxKeys = aws.Int32(c.pageSize)
	}
	return in
}

// CannedACL maps the public flag to the public-read or private preset.
func CannedACL(public bool) types.ObjectCannedACL {
	if public {
		return types.ObjectCannedACLPublicRead
	}
	return types.ObjectCannedACLPrivate
}

// CopySource formats the x-amz-copy-source value for bucket/key, escaping each key segment.
func CopySource(bucket, key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segs, "/")
}
