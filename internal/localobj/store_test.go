package localobj

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
)

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func put(t *testing.T, s *Store, bucket, key, body string) {
	t.Helper()
	_, err := s.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(bucket), Key: aws.String(key), Body: strings.NewReader(body),
	})
	require.NoError(t, err)
}

func get(t *testing.T, s *Store, bucket, key string) (string, error) {
	t.Helper()
	out, err := s.GetObject(context.Background(), &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return "", err
	}
	defer out.Body.Close()
	b, err := io.ReadAll(out.Body)
	require.NoError(t, err)
	return string(b), nil
}

func TestPutGetDelete(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	put(t, s, "b", "dir/k.txt", "hello")

	got, err := get(t, s, "b", "dir/k.txt")
	require.NoError(t, err)
	require.Equal(t, "hello", got)

	_, err = s.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String("b"), Key: aws.String("dir/k.txt")})
	require.NoError(t, err)
	// deleting again is not an error
	_, err = s.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String("b"), Key: aws.String("dir/k.txt")})
	require.NoError(t, err)

	_, err = get(t, s, "b", "dir/k.txt")
	var nsk *types.NoSuchKey
	require.True(t, errors.As(err, &nsk), "want NoSuchKey, got %v", err)
}

func TestBucketsAreSeparate(t *testing.T) {
	s := openMem(t)
	put(t, s, "one", "k", "1")
	_, err := get(t, s, "two", "k")
	require.Error(t, err)
}

func TestInvalidArguments(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	_, err := s.PutObject(ctx, &s3.PutObjectInput{Bucket: aws.String("b"), Key: aws.String("")})
	var ae smithy.APIError
	require.True(t, errors.As(err, &ae))
	require.Equal(t, "InvalidArgument", ae.ErrorCode())

	_, err = s.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(""), Key: aws.String("k")})
	require.True(t, errors.As(err, &ae))
	require.Equal(t, "InvalidBucketName", ae.ErrorCode())
}

func TestCopyObject(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	put(t, s, "src", "a b/ü.txt", "payload")

	_, err := s.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String("dst"),
		Key:        aws.String("copy.txt"),
		CopySource: aws.String("src/a%20b/%C3%BC.txt"),
	})
	require.NoError(t, err)
	got, err := get(t, s, "dst", "copy.txt")
	require.NoError(t, err)
	require.Equal(t, "payload", got)

	_, err = s.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket: aws.String("dst"), Key: aws.String("x"), CopySource: aws.String("src/missing"),
	})
	var nsk *types.NoSuchKey
	require.True(t, errors.As(err, &nsk))

	_, err = s.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket: aws.String("dst"), Key: aws.String("x"), CopySource: aws.String("nokey"),
	})
	require.Error(t, err)
}

func TestListPagination(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	for _, k := range []string{"a/3", "a/1", "b/1", "a/2", "a/4", "a/5"} {
		put(t, s, "b", k, k)
	}
	put(t, s, "other", "a/9", "x")

	p := s3.NewListObjectsV2Paginator(s, &s3.ListObjectsV2Input{
		Bucket: aws.String("b"), Prefix: aws.String("a/"), MaxKeys: aws.Int32(2),
	})
	var keys []string
	pages := 0
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		require.NoError(t, err)
		pages++
		for _, o := range page.Contents {
			keys = append(keys, aws.ToString(o.Key))
		}
	}
	require.Equal(t, []string{"a/1", "a/2", "a/3", "a/4", "a/5"}, keys)
	require.Equal(t, 3, pages)
}

func TestListEmptyPrefix(t *testing.T) {
	s := openMem(t)
	out, err := s.ListObjectsV2(context.Background(), &s3.ListObjectsV2Input{Bucket: aws.String("b"), Prefix: aws.String("none/")})
	require.NoError(t, err)
	require.Empty(t, out.Contents)
	require.False(t, aws.ToBool(out.IsTruncated))
}

func hasPublicRead(grants []types.Grant) bool {
	for _, g := range grants {
		if g.Grantee != nil && aws.ToString(g.Grantee.URI) == AllUsersURI && g.Permission == types.PermissionRead {
			return true
		}
	}
	return false
}

func TestObjectACL(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	put(t, s, "b", "k", "v")

	acl, err := s.GetObjectAcl(ctx, &s3.GetObjectAclInput{Bucket: aws.String("b"), Key: aws.String("k")})
	require.NoError(t, err)
	require.False(t, hasPublicRead(acl.Grants))

	_, err = s.PutObjectAcl(ctx, &s3.PutObjectAclInput{Bucket: aws.String("b"), Key: aws.String("k"), ACL: types.ObjectCannedACLPublicRead})
	require.NoError(t, err)
	acl, err = s.GetObjectAcl(ctx, &s3.GetObjectAclInput{Bucket: aws.String("b"), Key: aws.String("k")})
	require.NoError(t, err)
	require.True(t, hasPublicRead(acl.Grants))

	_, err = s.PutObjectAcl(ctx, &s3.PutObjectAclInput{Bucket: aws.String("b"), Key: aws.String("k"), ACL: types.ObjectCannedACLAuthenticatedRead})
	require.Error(t, err)

	_, err = s.PutObjectAcl(ctx, &s3.PutObjectAclInput{Bucket: aws.String("b"), Key: aws.String("missing"), ACL: types.ObjectCannedACLPrivate})
	var nsk *types.NoSuchKey
	require.True(t, errors.As(err, &nsk))
}

func TestMultipartUpload(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	mp, err := s.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String("b"), Key: aws.String("big.bin"), ACL: types.ObjectCannedACLPublicRead,
	})
	require.NoError(t, err)

	var done []types.CompletedPart
	// parts uploaded out of order are joined by part number
	for _, n := range []int32{2, 1, 3} {
		out, err := s.UploadPart(ctx, &s3.UploadPartInput{
			Bucket: aws.String("b"), Key: aws.String("big.bin"), UploadId: mp.UploadId,
			PartNumber: aws.Int32(n), Body: strings.NewReader(strings.Repeat(string(rune('a'+n-1)), 3)),
		})
		require.NoError(t, err)
		done = append(done, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(n)})
	}
	_, err = s.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket: aws.String("b"), Key: aws.String("big.bin"), UploadId: mp.UploadId,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: done},
	})
	require.NoError(t, err)

	got, err := get(t, s, "b", "big.bin")
	require.NoError(t, err)
	require.Equal(t, "aaabbbccc", got)
	acl, err := s.GetObjectAcl(ctx, &s3.GetObjectAclInput{Bucket: aws.String("b"), Key: aws.String("big.bin")})
	require.NoError(t, err)
	require.True(t, hasPublicRead(acl.Grants))
}

func TestUploaderSinglePart(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	body := bytes.Repeat([]byte("0123456789"), 1000)

	_, err := manager.NewUploader(s).Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String("b"), Key: aws.String("small.bin"), Body: bytes.NewReader(body),
	})
	require.NoError(t, err)
	got, err := get(t, s, "b", "small.bin")
	require.NoError(t, err)
	require.Equal(t, string(body), got)
}

func TestAbortMultipartUpload(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	mp, err := s.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{Bucket: aws.String("b"), Key: aws.String("k")})
	require.NoError(t, err)
	_, err = s.UploadPart(ctx, &s3.UploadPartInput{UploadId: mp.UploadId, PartNumber: aws.Int32(1), Body: strings.NewReader("x")})
	require.NoError(t, err)
	_, err = s.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{Bucket: aws.String("b"), Key: aws.String("k"), UploadId: mp.UploadId})
	require.NoError(t, err)

	_, err = s.UploadPart(ctx, &s3.UploadPartInput{UploadId: mp.UploadId, PartNumber: aws.Int32(2), Body: strings.NewReader("y")})
	var ae smithy.APIError
	require.True(t, errors.As(err, &ae))
	require.Equal(t, "NoSuchUpload", ae.ErrorCode())
	_, err = get(t, s, "b", "k")
	require.Error(t, err)
}

func TestOpenOnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	put(t, s, "b", "k", "persisted")
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	got, err := get(t, s, "b", "k")
	require.NoError(t, err)
	require.Equal(t, "persisted", got)
}

func countChunks(t *testing.T, s *Store) int {
	t.Helper()
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte("d/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	require.NoError(t, err)
	return n
}

func TestLargeObjectInMemory(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	body := strings.Repeat("0123456789abcdef", (3<<20)/16) + "tail"

	put(t, s, "b", "big", body)
	require.Equal(t, 7, countChunks(t, s))
	got, err := get(t, s, "b", "big")
	require.NoError(t, err)
	require.Equal(t, body, got)

	_, err = s.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket: aws.String("b"), Key: aws.String("big2"), CopySource: aws.String("b/big"),
	})
	require.NoError(t, err)
	got, err = get(t, s, "b", "big2")
	require.NoError(t, err)
	require.Equal(t, body, got)

	out, err := s.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String("b")})
	require.NoError(t, err)
	require.Len(t, out.Contents, 2)
	require.EqualValues(t, len(body), aws.ToInt64(out.Contents[0].Size))

	// overwriting and deleting free the old chunks
	put(t, s, "b", "big", "small")
	require.Equal(t, 8, countChunks(t, s))
	_, err = s.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String("b"), Key: aws.String("big2")})
	require.NoError(t, err)
	require.Equal(t, 1, countChunks(t, s))
}

func TestUploaderMultipartInMemory(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	body := bytes.Repeat([]byte("0123456789"), (12<<20)/10)

	res, err := manager.NewUploader(s).Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String("b"), Key: aws.String("large.bin"), Body: bytes.NewReader(body),
	})
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(aws.ToString(res.ETag), `-3"`), aws.ToString(res.ETag))

	got, err := get(t, s, "b", "large.bin")
	require.NoError(t, err)
	require.Equal(t, string(body), got)
}

func TestAbortFreesParts(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	mp, err := s.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{Bucket: aws.String("b"), Key: aws.String("k")})
	require.NoError(t, err)
	for _, n := range []int32{1, 1, 2} {
		_, err = s.UploadPart(ctx, &s3.UploadPartInput{
			UploadId: mp.UploadId, PartNumber: aws.Int32(n), Body: bytes.NewReader(make([]byte, 600<<10)),
		})
		require.NoError(t, err)
	}
	// the second upload of part 1 replaced the first
	require.Equal(t, 4, countChunks(t, s))

	_, err = s.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{Bucket: aws.String("b"), Key: aws.String("k"), UploadId: mp.UploadId})
	require.NoError(t, err)
	require.Zero(t, countChunks(t, s))
}
