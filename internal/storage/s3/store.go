// Package s3 implements storage.LockStore on S3-compatible object storage.
// Each lock is one small JSON object; exclusivity comes from conditional
// puts (If-None-Match for create, If-Match to replace an expired holder).
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"syscall"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"pkt.systems/batchd/internal/clock"
	"pkt.systems/batchd/internal/loggingutil"
	"pkt.systems/batchd/internal/storage"
	"pkt.systems/batchd/internal/svcfields"
)

// casAttempts bounds how often TryAcquire re-reads after losing a
// conditional write.
const casAttempts = 4

// Config controls the behaviour of the S3 lock store.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
	Clock          clock.Clock
	Logger         pslog.Logger
}

// Store implements storage.LockStore backed by S3-compatible object storage.
type Store struct {
	client *minio.Client
	cfg    Config
	clock  clock.Clock
	logger pslog.Logger
}

type lockDocument struct {
	Key       string `json:"key"`
	Token     string `json:"token"`
	CreatedAt int64  `json:"created_at_us"`
	ExpiresAt int64  `json:"expires_at_us"`
}

func toDocument(rec storage.LockRecord) lockDocument {
	return lockDocument{
		Key:       rec.Key,
		Token:     rec.Token,
		CreatedAt: rec.CreatedAt.UnixMicro(),
		ExpiresAt: rec.ExpiresAt.UnixMicro(),
	}
}

func (d lockDocument) record() storage.LockRecord {
	return storage.LockRecord{
		Key:       d.Key,
		Token:     d.Token,
		CreatedAt: time.UnixMicro(d.CreatedAt).UTC(),
		ExpiresAt: time.UnixMicro(d.ExpiresAt).UTC(),
	}
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	var creds *credentials.Credentials
	if cfg.CustomCreds != nil {
		creds = cfg.CustomCreds
	} else {
		chain := []credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		}
		creds = credentials.NewChainCredentials(chain)
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{
		client: client,
		cfg:    cfg,
		clock:  clock.Ensure(cfg.Clock),
		logger: svcfields.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), svcfields.SubsystemStorage+".s3"),
	}, nil
}

// FromURL builds a Config from s3://bucket/prefix?endpoint=host:port&region=r&insecure=1&path-style=1.
func FromURL(raw string) (Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Config{}, fmt.Errorf("s3: parse url: %w", err)
	}
	if u.Scheme != "s3" {
		return Config{}, fmt.Errorf("s3: unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	cfg := Config{
		Endpoint:       q.Get("endpoint"),
		Region:         q.Get("region"),
		Bucket:         u.Host,
		Prefix:         strings.Trim(u.Path, "/"),
		Insecure:       truthy(q.Get("insecure")),
		ForcePathStyle: truthy(q.Get("path-style")),
	}
	if cfg.Bucket == "" {
		return Config{}, fmt.Errorf("s3: bucket is required")
	}
	return cfg, nil
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConns == 0 {
		clone.MaxIdleConns = 64
	}
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 16
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	return clone
}

// Close is a no-op for the S3 client.
func (s *Store) Close() error { return nil }

// Client exposes the underlying MinIO client for diagnostics.
func (s *Store) Client() *minio.Client {
	return s.client
}

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.cfg.Bucket)
}

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config {
	return s.cfg
}

func (s *Store) objectKey(key string) string {
	name := "locks/" + url.PathEscape(key) + ".json"
	if s.cfg.Prefix == "" {
		return name
	}
	return path.Join(s.cfg.Prefix, name)
}

// TryAcquire creates the lock object unless a live one exists. An expired
// holder is replaced with an If-Match put on its ETag.
func (s *Store) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (storage.LockRecord, bool, error) {
	if ttl <= 0 {
		return storage.LockRecord{}, false, fmt.Errorf("s3: ttl must be positive")
	}
	logger := loggingutil.FromContext(ctx, s.logger)
	object := s.objectKey(key)
	for attempt := 0; attempt < casAttempts; attempt++ {
		now := s.clock.Now()
		rec := storage.LockRecord{Key: key, Token: token, CreatedAt: now, ExpiresAt: now.Add(ttl)}
		err := s.put(ctx, object, rec, "")
		if err == nil {
			logger.Debug("s3.lock.created", "key", key, "object", object)
			return rec, true, nil
		}
		if !errors.Is(err, storage.ErrCASMismatch) {
			return storage.LockRecord{}, false, err
		}
		holder, etag, err := s.load(ctx, object)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return storage.LockRecord{}, false, err
		}
		if holder.Live(now) {
			return holder, false, nil
		}
		err = s.put(ctx, object, rec, etag)
		if err == nil {
			logger.Debug("s3.lock.replaced_expired", "key", key, "object", object, "previous_token", holder.Token)
			return rec, true, nil
		}
		if !errors.Is(err, storage.ErrCASMismatch) && !errors.Is(err, storage.ErrNotFound) {
			return storage.LockRecord{}, false, err
		}
		logger.Debug("s3.lock.cas_retry", "key", key, "object", object, "attempt", attempt+1)
	}
	return storage.LockRecord{}, false, fmt.Errorf("s3: acquire %s: %w", key, storage.ErrCASMismatch)
}

// Release removes the lock object when token still owns it. The ownership
// check and the delete are two requests; a holder that expires in between
// may lose a freshly created lock to the delete.
func (s *Store) Release(ctx context.Context, key, token string) (bool, error) {
	object := s.objectKey(key)
	holder, _, err := s.load(ctx, object)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if holder.Token != token {
		return false, nil
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		return false, s.wrapError(err, "s3: remove lock")
	}
	return true, nil
}

func (s *Store) put(ctx context.Context, object string, rec storage.LockRecord, expectedETag string) error {
	payload, err := json.Marshal(toDocument(rec))
	if err != nil {
		return fmt.Errorf("s3: encode lock: %w", err)
	}
	options := minio.PutObjectOptions{ContentType: "application/json"}
	if expectedETag != "" {
		options.SetMatchETag(expectedETag)
	} else {
		options.SetMatchETagExcept("*")
	}
	_, err = s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(payload), int64(len(payload)), options)
	if err == nil {
		return nil
	}
	if isPreconditionFailed(err) {
		return storage.ErrCASMismatch
	}
	if expectedETag != "" && isNotFound(err) {
		return storage.ErrNotFound
	}
	return s.wrapError(err, "s3: put lock")
}

func (s *Store) load(ctx context.Context, object string) (storage.LockRecord, string, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return storage.LockRecord{}, "", s.wrapError(err, "s3: get lock")
	}
	defer obj.Close()
	info, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return storage.LockRecord{}, "", storage.ErrNotFound
		}
		return storage.LockRecord{}, "", s.wrapError(err, "s3: stat lock")
	}
	body, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return storage.LockRecord{}, "", storage.ErrNotFound
		}
		return storage.LockRecord{}, "", s.wrapError(err, "s3: read lock")
	}
	var doc lockDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return storage.LockRecord{}, "", fmt.Errorf("s3: decode lock %s: %w", object, err)
	}
	return doc.record(), stripETag(info.ETag), nil
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		if errResp.StatusCode == http.StatusPreconditionFailed {
			return true
		}
		if errResp.StatusCode == http.StatusConflict {
			switch errResp.Code {
			case "ConditionalRequestConflict", "OperationAborted":
				return true
			}
		}
		return false
	}
	return false
}

func (s *Store) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if isNetworkConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
			return true
		}
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode >= http.StatusInternalServerError {
		return true
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	return false
}

func isNetworkConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if isNetworkConnectionError(opErr.Err) {
			return true
		}
	}
	return false
}
