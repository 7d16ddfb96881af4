// Package localobj implements the S3 object calls used by the bucket client
// on top of a badger key-value store. It backs offline runs of bucketctl and
// tests; buckets exist implicitly and there is a single owner.
package localobj

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const (
	// OwnerID is the canonical ID reported as owner of every object.
	OwnerID = "localobj-owner"
	// AllUsersURI is the grantee URI S3 uses for anonymous access.
	AllUsersURI = "http://acs.amazonaws.com/groups/global/AllUsers"

	defaultMaxKeys = 1000
)

// Store is safe for concurrent use.
type Store struct {
	db *badger.DB
}

// record is the metadata of one object. The body lives in Blobs, in order.
type record struct {
	Blobs    []blob    `json:"blobs"`
	ACL      string    `json:"acl"`
	ETag     string    `json:"etag"`
	Modified time.Time `json:"modified"`
}

func (r record) size() int64 {
	var n int64
	for _, b := range r.Blobs {
		n += b.Size
	}
	return n
}

type part struct {
	Blob blob   `json:"blob"`
	MD5  string `json:"md5"`
}

type upload struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	ACL    string `json:"acl"`
}

// Open opens a store rooted at dir. An empty dir keeps everything in memory.
// Bodies are kept as raw chunks apart from object metadata, so object size is
// not bounded by badger's value or transaction limits in either mode.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func objectKey(bucket, key string) []byte { return []byte("o/" + bucket + "\x00" + key) }

func uploadKey(id string) []byte { return []byte("m/" + id) }

func partKey(id string, n int32) []byte { return []byte(fmt.Sprintf("p/%s\x00%05d", id, n)) }

func apiError(code, msg string) error {
	return &smithy.GenericAPIError{Code: code, Message: msg, Fault: smithy.FaultClient}
}

func noSuchKey() error {
	return &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
}

func validate(bucket, key *string) error {
	if aws.ToString(bucket) == "" {
		return apiError("InvalidBucketName", "The specified bucket is not valid.")
	}
	if key != nil && aws.ToString(key) == "" {
		return apiError("InvalidArgument", "Object key must not be empty.")
	}
	return nil
}

func cannedACL(acl types.ObjectCannedACL) (string, error) {
	switch acl {
	case "":
		return string(types.ObjectCannedACLPrivate), nil
	case types.ObjectCannedACLPrivate, types.ObjectCannedACLPublicRead:
		return string(acl), nil
	}
	return "", apiError("InvalidArgument", fmt.Sprintf("Canned ACL %q is not supported.", acl))
}

func quote(sum string) string { return `"` + sum + `"` }

// multipartETag follows S3: the MD5 of the concatenated binary part digests,
// suffixed with the part count.
func multipartETag(sums []string) (string, error) {
	h := md5.New()
	for _, s := range sums {
		b, err := hex.DecodeString(s)
		if err != nil {
			return "", err
		}
		h.Write(b)
	}
	return quote(fmt.Sprintf("%s-%d", hex.EncodeToString(h.Sum(nil)), len(sums))), nil
}

func (s *Store) get(txn *badger.Txn, k []byte) (record, error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return record{}, noSuchKey()
	}
	if err != nil {
		return record{}, err
	}
	var rec record
	err = item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) })
	return rec, err
}

func setJSON(txn *badger.Txn, k []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(k, b)
}

// link stores rec under bucket/key and then frees the blobs of the record it
// replaced. If the write fails the blobs of rec are freed instead.
func (s *Store) link(bucket, key string, rec record) error {
	var old []blob
	err := s.db.Update(func(txn *badger.Txn) error {
		k := objectKey(bucket, key)
		prev, err := s.get(txn, k)
		switch {
		case err == nil:
			old = prev.Blobs
		case !isNoSuchKey(err):
			return err
		}
		return setJSON(txn, k, rec)
	})
	if err != nil {
		_ = s.dropBlobs(rec.Blobs)
		return err
	}
	return s.dropBlobs(old)
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	return errors.As(err, &nsk)
}

func (s *Store) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if err := validate(in.Bucket, in.Key); err != nil {
		return nil, err
	}
	var (
		rec  record
		body []byte
	)
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		if rec, err = s.get(txn, objectKey(*in.Bucket, *in.Key)); err != nil {
			return err
		}
		body, err = readBlobs(txn, make([]byte, 0, rec.size()), rec.Blobs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: aws.Int64(int64(len(body))),
		ETag:          aws.String(rec.ETag),
		LastModified:  aws.Time(rec.Modified),
	}, nil
}

func (s *Store) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if err := validate(in.Bucket, in.Key); err != nil {
		return nil, err
	}
	acl, err := cannedACL(in.ACL)
	if err != nil {
		return nil, err
	}
	b, sum, err := s.writeBlob(in.Body)
	if err != nil {
		return nil, err
	}
	rec := record{Blobs: []blob{b}, ACL: acl, ETag: quote(sum), Modified: time.Now().UTC()}
	if err := s.link(*in.Bucket, *in.Key, rec); err != nil {
		return nil, err
	}
	return &s3.PutObjectOutput{ETag: aws.String(rec.ETag)}, nil
}

func (s *Store) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if err := validate(in.Bucket, in.Key); err != nil {
		return nil, err
	}
	var old []blob
	err := s.db.Update(func(txn *badger.Txn) error {
		k := objectKey(*in.Bucket, *in.Key)
		rec, err := s.get(txn, k)
		if isNoSuchKey(err) {
			return nil
		}
		if err != nil {
			return err
		}
		old = rec.Blobs
		return txn.Delete(k)
	})
	if err != nil {
		return nil, err
	}
	if err := s.dropBlobs(old); err != nil {
		return nil, err
	}
	return &s3.DeleteObjectOutput{}, nil
}

// parseCopySource splits "bucket/escaped/key" (optionally with a leading slash).
func parseCopySource(src string) (bucket, key string, err error) {
	src = strings.TrimPrefix(src, "/")
	bucket, rawKey, ok := strings.Cut(src, "/")
	if !ok || bucket == "" || rawKey == "" {
		return "", "", apiError("InvalidArgument", "Copy Source must mention the source bucket and key: sourcebucket/sourcekey.")
	}
	key, err = url.PathUnescape(rawKey)
	if err != nil {
		return "", "", apiError("InvalidArgument", "Invalid copy source encoding.")
	}
	return bucket, key, nil
}

func (s *Store) CopyObject(ctx context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	if err := validate(in.Bucket, in.Key); err != nil {
		return nil, err
	}
	srcBucket, srcKey, err := parseCopySource(aws.ToString(in.CopySource))
	if err != nil {
		return nil, err
	}
	acl, err := cannedACL(in.ACL)
	if err != nil {
		return nil, err
	}
	src, b, err := s.copyObject(srcBucket, srcKey)
	if err != nil {
		return nil, err
	}
	rec := record{Blobs: []blob{b}, ACL: acl, ETag: src.ETag, Modified: time.Now().UTC()}
	if err := s.link(*in.Bucket, *in.Key, rec); err != nil {
		return nil, err
	}
	return &s3.CopyObjectOutput{
		CopyObjectResult: &types.CopyObjectResult{ETag: aws.String(rec.ETag), LastModified: aws.Time(rec.Modified)},
	}, nil
}

// ListObjectsV2 lists keys in byte order. The continuation token is the last key returned.
func (s *Store) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if err := validate(in.Bucket, nil); err != nil {
		return nil, err
	}
	bucket, prefix := *in.Bucket, aws.ToString(in.Prefix)
	maxKeys := int32(defaultMaxKeys)
	if in.MaxKeys != nil && *in.MaxKeys > 0 && *in.MaxKeys < defaultMaxKeys {
		maxKeys = *in.MaxKeys
	}
	after := aws.ToString(in.StartAfter)
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		after = tok
	}

	out := &s3.ListObjectsV2Output{
		Name:              in.Bucket,
		Prefix:            in.Prefix,
		ContinuationToken: in.ContinuationToken,
		MaxKeys:           aws.Int32(maxKeys),
		IsTruncated:       aws.Bool(false),
	}
	scan := objectKey(bucket, prefix)
	base := len(objectKey(bucket, ""))
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = scan
		it := txn.NewIterator(opts)
		defer it.Close()
		start := scan
		if after > prefix {
			start = objectKey(bucket, after)
		}
		for it.Seek(start); it.ValidForPrefix(scan); it.Next() {
			item := it.Item()
			key := string(item.Key()[base:])
			if after != "" && key <= after {
				continue
			}
			if int32(len(out.Contents)) == maxKeys {
				out.IsTruncated = aws.Bool(true)
				out.NextContinuationToken = out.Contents[len(out.Contents)-1].Key
				return nil
			}
			var rec record
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
				return err
			}
			out.Contents = append(out.Contents, types.Object{
				Key:          aws.String(key),
				Size:         aws.Int64(rec.size()),
				ETag:         aws.String(rec.ETag),
				LastModified: aws.Time(rec.Modified),
				StorageClass: types.ObjectStorageClassStandard,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.KeyCount = aws.Int32(int32(len(out.Contents)))
	return out, nil
}

// Grants returns the grant list S3 reports for the given canned ACL.
func Grants(acl string) []types.Grant {
	grants := []types.Grant{{
		Grantee:    &types.Grantee{Type: types.TypeCanonicalUser, ID: aws.String(OwnerID)},
		Permission: types.PermissionFullControl,
	}}
	if acl == string(types.ObjectCannedACLPublicRead) {
		grants = append(grants, types.Grant{
			Grantee:    &types.Grantee{Type: types.TypeGroup, URI: aws.String(AllUsersURI)},
			Permission: types.PermissionRead,
		})
	}
	return grants
}

func (s *Store) GetObjectAcl(ctx context.Context, in *s3.GetObjectAclInput, _ ...func(*s3.Options)) (*s3.GetObjectAclOutput, error) {
	if err := validate(in.Bucket, in.Key); err != nil {
		return nil, err
	}
	var rec record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = s.get(txn, objectKey(*in.Bucket, *in.Key))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &s3.GetObjectAclOutput{
		Owner:  &types.Owner{ID: aws.String(OwnerID)},
		Grants: Grants(rec.ACL),
	}, nil
}

func (s *Store) PutObjectAcl(ctx context.Context, in *s3.PutObjectAclInput, _ ...func(*s3.Options)) (*s3.PutObjectAclOutput, error) {
	if err := validate(in.Bucket, in.Key); err != nil {
		return nil, err
	}
	if in.ACL == "" {
		return nil, apiError("InvalidArgument", "Only canned ACLs are supported.")
	}
	acl, err := cannedACL(in.ACL)
	if err != nil {
		return nil, err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		k := objectKey(*in.Bucket, *in.Key)
		rec, err := s.get(txn, k)
		if err != nil {
			return err
		}
		rec.ACL = acl
		return setJSON(txn, k, rec)
	})
	if err != nil {
		return nil, err
	}
	return &s3.PutObjectAclOutput{}, nil
}

func (s *Store) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	if err := validate(in.Bucket, in.Key); err != nil {
		return nil, err
	}
	acl, err := cannedACL(in.ACL)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	err = s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, uploadKey(id), upload{Bucket: *in.Bucket, Key: *in.Key, ACL: acl})
	})
	if err != nil {
		return nil, err
	}
	return &s3.CreateMultipartUploadOutput{Bucket: in.Bucket, Key: in.Key, UploadId: aws.String(id)}, nil
}

func (s *Store) loadUpload(txn *badger.Txn, id string) (upload, error) {
	item, err := txn.Get(uploadKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return upload{}, apiError("NoSuchUpload", "The specified multipart upload does not exist.")
	}
	if err != nil {
		return upload{}, err
	}
	var u upload
	err = item.Value(func(v []byte) error { return json.Unmarshal(v, &u) })
	return u, err
}

func (s *Store) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	id, n := aws.ToString(in.UploadId), aws.ToInt32(in.PartNumber)
	if n < 1 {
		return nil, apiError("InvalidArgument", "Part number must be a positive integer.")
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := s.loadUpload(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	b, sum, err := s.writeBlob(in.Body)
	if err != nil {
		return nil, err
	}
	var old []blob
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := s.loadUpload(txn, id); err != nil {
			return err
		}
		prev, err := loadPart(txn, id, n)
		switch {
		case err == nil:
			old = []blob{prev.Blob}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return setJSON(txn, partKey(id, n), part{Blob: b, MD5: sum})
	})
	if err != nil {
		_ = s.dropBlobs([]blob{b})
		return nil, err
	}
	if err := s.dropBlobs(old); err != nil {
		return nil, err
	}
	return &s3.UploadPartOutput{ETag: aws.String(quote(sum))}, nil
}

func loadPart(txn *badger.Txn, id string, n int32) (part, error) {
	item, err := txn.Get(partKey(id, n))
	if err != nil {
		return part{}, err
	}
	var p part
	err = item.Value(func(v []byte) error { return json.Unmarshal(v, &p) })
	return p, err
}

func (s *Store) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	id := aws.ToString(in.UploadId)
	var parts []types.CompletedPart
	if in.MultipartUpload != nil {
		parts = append(parts, in.MultipartUpload.Parts...)
	}
	sort.Slice(parts, func(i, j int) bool { return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber) })

	var (
		rec  record
		free []blob
	)
	err := s.db.Update(func(txn *badger.Txn) error {
		u, err := s.loadUpload(txn, id)
		if err != nil {
			return err
		}
		uploaded, err := s.dropUpload(txn, id)
		if err != nil {
			return err
		}
		used := make(map[int32]bool, len(parts))
		rec = record{ACL: u.ACL, Modified: time.Now().UTC()}
		sums := make([]string, 0, len(parts))
		for _, cp := range parts {
			n := aws.ToInt32(cp.PartNumber)
			p, ok := uploaded[n]
			if !ok || used[n] {
				return apiError("InvalidPart", fmt.Sprintf("Part %d was not uploaded.", n))
			}
			used[n] = true
			rec.Blobs = append(rec.Blobs, p.Blob)
			sums = append(sums, p.MD5)
		}
		if rec.ETag, err = multipartETag(sums); err != nil {
			return err
		}
		for n, p := range uploaded {
			if !used[n] {
				free = append(free, p.Blob)
			}
		}
		k := objectKey(u.Bucket, u.Key)
		prev, err := s.get(txn, k)
		switch {
		case err == nil:
			free = append(free, prev.Blobs...)
		case !isNoSuchKey(err):
			return err
		}
		return setJSON(txn, k, rec)
	})
	if err != nil {
		return nil, err
	}
	if err := s.dropBlobs(free); err != nil {
		return nil, err
	}
	return &s3.CompleteMultipartUploadOutput{Bucket: in.Bucket, Key: in.Key, ETag: aws.String(rec.ETag)}, nil
}

func (s *Store) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	id := aws.ToString(in.UploadId)
	var free []blob
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := s.loadUpload(txn, id); err != nil {
			return err
		}
		uploaded, err := s.dropUpload(txn, id)
		for _, p := range uploaded {
			free = append(free, p.Blob)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := s.dropBlobs(free); err != nil {
		return nil, err
	}
	return &s3.AbortMultipartUploadOutput{}, nil
}

// dropUpload deletes the upload and its part records, returning the parts by
// number. Their blobs are left for the caller to adopt or free.
func (s *Store) dropUpload(txn *badger.Txn, id string) (map[int32]part, error) {
	prefix := []byte("p/" + id + "\x00")
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	var keys [][]byte
	parts := make(map[int32]part)
	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		n, err := strconv.ParseInt(string(item.Key()[len(prefix):]), 10, 32)
		if err != nil {
			it.Close()
			return nil, fmt.Errorf("part key %q: %w", item.Key(), err)
		}
		var p part
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &p) }); err != nil {
			it.Close()
			return nil, err
		}
		parts[int32(n)] = p
		keys = append(keys, item.KeyCopy(nil))
	}
	it.Close()
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return nil, err
		}
	}
	return parts, txn.Delete(uploadKey(id))
}
