// Package objectstore implements the storage.Adapter contract against any
// S3-compatible object store (AWS S3, MinIO, Hetzner Cloud Storage, and similar),
// using the AWS SDK v2 client the way the rest of the example pack reaches for it.
// Keys follow the localfs layout: nouns/{type}/{id}.json, verbs/{type}/{id}.json,
// metadata/{id}.json, index/statistics_{partition}.json, locks/{name}.json. The
// change log differs: one object per entry at changelog/{seq:020d}.json, where
// localfs appends to a single changelog.jsonl file.
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/graphvec/corevdb/pkg/corevdberr"
	"github.com/graphvec/corevdb/pkg/storage"
)

// Config describes how to reach the S3-compatible endpoint. Region, Endpoint, and
// UsePathStyle follow the same knobs evalgo's MinIO/Hetzner helpers expose, since
// both are just S3 with a custom endpoint and path-style addressing.
type Config struct {
	Bucket       string
	Region       string
	Endpoint     string // empty selects AWS's own regional endpoint
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// Store is an S3-compatible implementation of storage.Adapter.
type Store struct {
	cfg      Config
	client   *s3.Client
	uploader *manager.Uploader

	mu  sync.Mutex
	seq uint64
}

// New builds a Store from cfg. The client is not connected until Init is called.
func New(cfg Config) *Store {
	return &Store{cfg: cfg}
}

func (s *Store) Init(ctx context.Context) error {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(s.cfg.Region),
	}
	if s.cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.cfg.AccessKey, s.cfg.SecretKey, "")))
	}
	if s.cfg.Endpoint != "" {
		loadOpts = append(loadOpts, awsconfig.WithEndpointResolverWithOptions(
			aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: s.cfg.Endpoint, SigningRegion: region, HostnameImmutable: true}, nil
			})))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return corevdberr.Wrap(corevdberr.StorageUnavailable, "load aws config", err)
	}

	s.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
		if s.cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})
	s.uploader = manager.NewUploader(s.client)

	_, err = s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err != nil {
		_, createErr := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.cfg.Bucket)})
		if createErr != nil {
			return corevdberr.Wrap(corevdberr.StorageUnavailable, "bucket unreachable and could not be created", err)
		}
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error { return nil }

func (s *Store) Clear(ctx context.Context) error {
	for _, prefix := range []string{"nouns/", "verbs/", "metadata/", "changelog/", "index/", "locks/"} {
		if err := s.deletePrefix(ctx, prefix); err != nil {
			return err
		}
	}
	atomic.StoreUint64(&s.seq, 0)
	return nil
}

func (s *Store) deletePrefix(ctx context.Context, prefix string) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return corevdberr.Wrap(corevdberr.StorageUnavailable, "list objects for clear", err)
		}
		for _, obj := range page.Contents {
			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.cfg.Bucket),
				Key:    obj.Key,
			}); err != nil {
				return corevdberr.Wrap(corevdberr.StorageUnavailable, "delete object", err)
			}
		}
	}
	return nil
}

func (s *Store) StorageStatus(ctx context.Context) (storage.Status, error) {
	var used int64
	var count int
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return storage.Status{}, corevdberr.Wrap(corevdberr.StorageUnavailable, "list objects for status", err)
		}
		for _, obj := range page.Contents {
			used += aws.ToInt64(obj.Size)
			count++
		}
	}
	return storage.Status{
		Type:      storage.ObjectStore,
		UsedBytes: used,
		Details:   fmt.Sprintf("%d objects, %s in bucket %s", count, humanize.Bytes(uint64(used)), s.cfg.Bucket),
	}, nil
}

// putJSON retries the upload with storage.RetryTransient, so a transient network
// blip at the storage-adapter boundary is retried with backoff (§7) instead of
// surfacing directly to the caller.
func (s *Store) putJSON(ctx context.Context, key string, v interface{}) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return corevdberr.Wrap(corevdberr.Fatal, "marshal object", err)
	}
	return storage.RetryTransient(ctx, func() error {
		_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(buf),
		})
		if err != nil {
			return corevdberr.Wrap(corevdberr.StorageUnavailable, "put object "+key, err)
		}
		return nil
	})
}

func (s *Store) getJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	var body []byte
	var notFound bool
	err := storage.RetryTransient(ctx, func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			var noKey *types.NoSuchKey
			if errors.As(err, &noKey) || isNotFound(err) {
				notFound = true
				return nil
			}
			return corevdberr.Wrap(corevdberr.StorageUnavailable, "get object "+key, err)
		}
		defer out.Body.Close()
		data, err := io.ReadAll(out.Body)
		if err != nil {
			return corevdberr.Wrap(corevdberr.StorageUnavailable, "read object "+key, err)
		}
		body = data
		return nil
	})
	if err != nil {
		return false, err
	}
	if notFound {
		return false, nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return false, corevdberr.Wrap(corevdberr.Fatal, "decode object "+key, err)
	}
	return true, nil
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	return errors.As(err, &nf)
}

func (s *Store) deleteKey(ctx context.Context, key string) error {
	return storage.RetryTransient(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return corevdberr.Wrap(corevdberr.StorageUnavailable, "delete object "+key, err)
		}
		return nil
	})
}

func nounKey(n *storage.Noun) string {
	t := n.Type
	if t == "" {
		t = storage.DefaultNounType
	}
	return fmt.Sprintf("nouns/%s/%s.json", t, n.ID)
}

func verbKey(v *storage.Verb) string {
	t := v.Type
	if t == "" {
		t = storage.DefaultVerbType
	}
	return fmt.Sprintf("verbs/%s/%s.json", t, v.ID)
}

func (s *Store) SaveNoun(ctx context.Context, n *storage.Noun) error {
	if n.ID == "" {
		return corevdberr.New(corevdberr.Fatal, "noun id is required")
	}
	return s.putJSON(ctx, nounKey(n), n)
}

func (s *Store) findNounKey(ctx context.Context, id string) (string, bool, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String("nouns/"),
	})
	suffix := "/" + id + ".json"
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return "", false, corevdberr.Wrap(corevdberr.StorageUnavailable, "list nouns", err)
		}
		for _, obj := range page.Contents {
			if strings.HasSuffix(aws.ToString(obj.Key), suffix) {
				return aws.ToString(obj.Key), true, nil
			}
		}
	}
	return "", false, nil
}

func (s *Store) findVerbKey(ctx context.Context, id string) (string, bool, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String("verbs/"),
	})
	suffix := "/" + id + ".json"
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return "", false, corevdberr.Wrap(corevdberr.StorageUnavailable, "list verbs", err)
		}
		for _, obj := range page.Contents {
			if strings.HasSuffix(aws.ToString(obj.Key), suffix) {
				return aws.ToString(obj.Key), true, nil
			}
		}
	}
	return "", false, nil
}

func (s *Store) GetNoun(ctx context.Context, id string) (*storage.Noun, error) {
	key, ok, err := s.findNounKey(ctx, id)
	if err != nil || !ok {
		return nil, err
	}
	var n storage.Noun
	found, err := s.getJSON(ctx, key, &n)
	if err != nil || !found {
		return nil, err
	}
	return &n, nil
}

func (s *Store) DeleteNoun(ctx context.Context, id string) error {
	key, ok, err := s.findNounKey(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return corevdberr.ErrNotFound
	}
	if err := s.deleteKey(ctx, key); err != nil {
		return err
	}
	return s.deleteKey(ctx, "metadata/"+id+".json")
}

func (s *Store) ListNouns(ctx context.Context, opts storage.ListOptions) (storage.Page[*storage.Noun], error) {
	prefix := "nouns/"
	if opts.TypeFilter != "" {
		prefix = fmt.Sprintf("nouns/%s/", opts.TypeFilter)
	}
	var all []*storage.Noun
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return storage.Page[*storage.Noun]{}, corevdberr.Wrap(corevdberr.StorageUnavailable, "list nouns", err)
		}
		for _, obj := range page.Contents {
			var n storage.Noun
			if _, err := s.getJSON(ctx, aws.ToString(obj.Key), &n); err != nil {
				return storage.Page[*storage.Noun]{}, err
			}
			if n.Deleted && !opts.IncludeDeleted {
				continue
			}
			all = append(all, &n)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return paginateNouns(all, opts), nil
}

func (s *Store) SaveVerb(ctx context.Context, v *storage.Verb) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	return s.putJSON(ctx, verbKey(v), v)
}

func (s *Store) GetVerb(ctx context.Context, id string) (*storage.Verb, error) {
	key, ok, err := s.findVerbKey(ctx, id)
	if err != nil || !ok {
		return nil, err
	}
	var v storage.Verb
	found, err := s.getJSON(ctx, key, &v)
	if err != nil || !found {
		return nil, err
	}
	return &v, nil
}

func (s *Store) DeleteVerb(ctx context.Context, id string) error {
	key, ok, err := s.findVerbKey(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return corevdberr.ErrNotFound
	}
	return s.deleteKey(ctx, key)
}

func (s *Store) ListVerbs(ctx context.Context, opts storage.ListOptions) (storage.Page[*storage.Verb], error) {
	prefix := "verbs/"
	if opts.TypeFilter != "" {
		prefix = fmt.Sprintf("verbs/%s/", opts.TypeFilter)
	}
	var all []*storage.Verb
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return storage.Page[*storage.Verb]{}, corevdberr.Wrap(corevdberr.StorageUnavailable, "list verbs", err)
		}
		for _, obj := range page.Contents {
			var v storage.Verb
			if _, err := s.getJSON(ctx, aws.ToString(obj.Key), &v); err != nil {
				return storage.Page[*storage.Verb]{}, err
			}
			if opts.BySource != "" && v.Source != opts.BySource {
				continue
			}
			if opts.ByTarget != "" && v.Target != opts.ByTarget {
				continue
			}
			if v.Deleted && !opts.IncludeDeleted {
				continue
			}
			all = append(all, &v)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return paginateVerbs(all, opts), nil
}

func paginateNouns(items []*storage.Noun, opts storage.ListOptions) storage.Page[*storage.Noun] {
	start := 0
	if opts.Cursor != "" {
		for i, it := range items {
			if it.ID > opts.Cursor {
				start = i
				break
			}
			start = i + 1
		}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = len(items) - start
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	if start > len(items) {
		start = len(items)
	}
	page := storage.Page[*storage.Noun]{Items: items[start:end]}
	if end < len(items) {
		page.NextCursor = items[end-1].ID
	}
	return page
}

func paginateVerbs(items []*storage.Verb, opts storage.ListOptions) storage.Page[*storage.Verb] {
	start := 0
	if opts.Cursor != "" {
		for i, it := range items {
			if it.ID > opts.Cursor {
				start = i
				break
			}
			start = i + 1
		}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = len(items) - start
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	if start > len(items) {
		start = len(items)
	}
	page := storage.Page[*storage.Verb]{Items: items[start:end]}
	if end < len(items) {
		page.NextCursor = items[end-1].ID
	}
	return page
}

func (s *Store) SaveMetadata(ctx context.Context, id string, m map[string]interface{}) error {
	return s.putJSON(ctx, "metadata/"+id+".json", m)
}

func (s *Store) GetMetadata(ctx context.Context, id string) (map[string]interface{}, error) {
	var m map[string]interface{}
	found, err := s.getJSON(ctx, "metadata/"+id+".json", &m)
	if err != nil || !found {
		return nil, err
	}
	return m, nil
}

func (s *Store) AppendChangeLog(ctx context.Context, entry storage.ChangeLogEntry) error {
	seq := atomic.AddUint64(&s.seq, 1)
	entry.Seq = seq
	key := fmt.Sprintf("changelog/%020d.json", seq)
	return s.putJSON(ctx, key, entry)
}

func (s *Store) GetChangesSince(ctx context.Context, since time.Time) (<-chan storage.ChangeLogEntry, error) {
	out := make(chan storage.ChangeLogEntry)
	go func() {
		defer close(out)
		paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.cfg.Bucket),
			Prefix: aws.String("changelog/"),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return
			}
			keys := make([]string, 0, len(page.Contents))
			for _, obj := range page.Contents {
				keys = append(keys, aws.ToString(obj.Key))
			}
			sort.Strings(keys)
			for _, key := range keys {
				var entry storage.ChangeLogEntry
				found, err := s.getJSON(ctx, key, &entry)
				if err != nil || !found {
					continue
				}
				if entry.Timestamp.Before(since) {
					continue
				}
				select {
				case out <- entry:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func statsKey(partition string) string {
	return "index/statistics_" + partition + ".json"
}

func (s *Store) SaveStatistics(ctx context.Context, snap storage.StatisticsSnapshot) error {
	return s.putJSON(ctx, statsKey(snap.Partition), snap)
}

func (s *Store) GetStatistics(ctx context.Context, partition string) (storage.StatisticsSnapshot, error) {
	var snap storage.StatisticsSnapshot
	found, err := s.getJSON(ctx, statsKey(partition), &snap)
	if err != nil {
		return storage.StatisticsSnapshot{}, err
	}
	if !found {
		return storage.StatisticsSnapshot{Partition: partition, Services: map[string]storage.ServiceCounts{}}, nil
	}
	if snap.Services == nil {
		snap.Services = map[string]storage.ServiceCounts{}
	}
	return snap, nil
}

func (s *Store) IncrementStatistic(ctx context.Context, kind storage.StatKind, service string, delta int64) error {
	partition := time.Now().UTC().Format("20060102")
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.GetStatistics(ctx, partition)
	if err != nil {
		return err
	}
	counts := snap.Services[service]
	switch kind {
	case storage.StatNoun:
		counts.NounCount += delta
	case storage.StatVerb:
		counts.VerbCount += delta
	case storage.StatMetadata:
		counts.MetadataCount += delta
	}
	snap.Services[service] = counts
	snap.Partition = partition
	return s.SaveStatistics(ctx, snap)
}

func (s *Store) UpdateHNSWIndexSize(ctx context.Context, n int64) error {
	partition := time.Now().UTC().Format("20060102")
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.GetStatistics(ctx, partition)
	if err != nil {
		return err
	}
	snap.HNSWIndexSize = n
	snap.Partition = partition
	return s.SaveStatistics(ctx, snap)
}

func (s *Store) FlushStatisticsToStorage(ctx context.Context) error {
	// Every increment already writes through to the object store synchronously.
	return nil
}

func lockKey(name string) string {
	return "locks/" + name + ".json"
}

// AcquireLock implements a create-if-not-exists lock using S3's conditional write
// (If-None-Match: *), falling back to reading the existing lock object and
// reclaiming it once its TTL has elapsed, mirroring the memory and localfs
// backends' expiry-based reclaim so all four adapters share one locking contract.
// The single attempt is polled via storage.PollAcquireLock so a caller blocks up
// to its own ctx deadline instead of failing the instant the lock is contended.
func (s *Store) AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, error) {
	return storage.PollAcquireLock(ctx, 50*time.Millisecond, func() (string, error) {
		now := time.Now()
		var existing storage.Lock
		found, err := s.getJSON(ctx, lockKey(name), &existing)
		if err != nil {
			return "", err
		}
		if found && !existing.Expired(now) {
			return "", corevdberr.ErrLockUnavailable
		}

		token := uuid.NewString()
		lock := storage.Lock{Holder: token, Token: token, Deadline: now.Add(ttl)}
		buf, err := json.Marshal(lock)
		if err != nil {
			return "", corevdberr.Wrap(corevdberr.Fatal, "marshal lock", err)
		}

		put := &s3.PutObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(lockKey(name)),
			Body:   bytes.NewReader(buf),
		}
		if !found {
			put.IfNoneMatch = aws.String("*")
		}
		if _, err := s.client.PutObject(ctx, put); err != nil {
			if !found {
				return "", corevdberr.ErrLockUnavailable
			}
			return "", corevdberr.Wrap(corevdberr.StorageUnavailable, "acquire lock", err)
		}
		return token, nil
	})
}

func (s *Store) ReleaseLock(ctx context.Context, name string, token string) error {
	var existing storage.Lock
	found, err := s.getJSON(ctx, lockKey(name), &existing)
	if err != nil || !found || existing.Token != token {
		return nil
	}
	return s.deleteKey(ctx, lockKey(name))
}
