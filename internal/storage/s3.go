package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config holds settings for S3-compatible object storage.
type S3Config struct {
	// Endpoint is the host[:port] of the S3-compatible service.
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	// Bucket name.
	Bucket string `json:"bucket" yaml:"bucket"`
	// Prefix is prepended to every object key.
	Prefix string `json:"prefix" yaml:"prefix"`
	// Region for AWS S3.
	Region string `json:"region" yaml:"region"`
	// AccessKey for authentication.
	AccessKey string `json:"access_key" yaml:"access_key"`
	// SecretKey for authentication.
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	// UseSSL enables HTTPS for the connection.
	UseSSL bool `json:"use_ssl" yaml:"use_ssl"`
}

// S3Driver stores files as objects in an S3-compatible bucket. Directories
// are key prefixes.
type S3Driver struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Driver creates a driver for the configured bucket.
func NewS3Driver(cfg S3Config) (*S3Driver, error) {
	if cfg.Bucket == "" {
		return nil, newError(KindConfiguration, "init", "", errors.New("s3 bucket is required"))
	}
	if cfg.Endpoint == "" {
		return nil, newError(KindConfiguration, "init", "", errors.New("s3 endpoint is required"))
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, newError(KindConfiguration, "init", cfg.Endpoint, err)
	}

	prefix, err := cleanPath("init", cfg.Prefix)
	if err != nil {
		return nil, err
	}
	return &S3Driver{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

func (d *S3Driver) key(op, p string) (string, string, error) {
	cleaned, err := cleanPath(op, p)
	if err != nil {
		return "", "", err
	}
	return cleaned, path.Join(d.prefix, cleaned), nil
}

// translateS3 maps minio errors to the storage taxonomy.
func translateS3(op, p string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return newError(KindConnection, op, p, err)
	}

	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey":
		return newError(KindNotFound, op, p, err)
	case resp.Code == "NoSuchBucket" || resp.Code == "InvalidAccessKeyId" || resp.Code == "SignatureDoesNotMatch":
		return newError(KindConfiguration, op, p, err)
	case resp.StatusCode == http.StatusNotFound:
		return newError(KindNotFound, op, p, err)
	case resp.StatusCode >= 400:
		return newError(KindRequest, op, p, err)
	default:
		return newError(KindUnknown, op, p, err)
	}
}

// GetFile implements Driver.
func (d *S3Driver) GetFile(ctx context.Context, p string) ([]byte, error) {
	_, key, err := d.key("get", p)
	if err != nil {
		return nil, err
	}
	obj, err := d.client.GetObject(ctx, d.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translateS3("get", p, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, translateS3("get", p, err)
	}
	return data, nil
}

// PutFile implements Driver.
func (d *S3Driver) PutFile(ctx context.Context, p string, data []byte) error {
	cleaned, key, err := d.key("put", p)
	if err != nil {
		return err
	}
	if cleaned == "" {
		return newError(KindParameter, "put", p, errors.New("empty file path"))
	}
	_, err = d.client.PutObject(ctx, d.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return translateS3("put", p, err)
	}
	return nil
}

// RemoveFile implements Driver. S3 deletes are idempotent.
func (d *S3Driver) RemoveFile(ctx context.Context, p string) error {
	_, key, err := d.key("remove", p)
	if err != nil {
		return err
	}
	if err := d.client.RemoveObject(ctx, d.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil
		}
		return translateS3("remove", p, err)
	}
	return nil
}

// list returns every object key under dir, relative to dir.
func (d *S3Driver) list(ctx context.Context, op, p, dir string) ([]string, error) {
	prefix := ""
	if dir != "" {
		prefix = strings.TrimSuffix(dir, "/") + "/"
	}
	var out []string
	for obj := range d.client.ListObjects(ctx, d.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, translateS3(op, p, obj.Err)
		}
		out = append(out, strings.TrimPrefix(obj.Key, prefix))
	}
	return out, nil
}

// RemoveDirectory implements Driver.
func (d *S3Driver) RemoveDirectory(ctx context.Context, p string, recursive bool) error {
	_, dir, err := d.key("rmdir", p)
	if err != nil {
		return err
	}
	keys, err := d.list(ctx, "rmdir", p, dir)
	if err != nil {
		return err
	}
	if len(keys) > 0 && !recursive {
		return newError(KindRequest, "rmdir", p, errNotEmpty)
	}
	for _, rel := range keys {
		if err := d.client.RemoveObject(ctx, d.bucket, path.Join(dir, rel), minio.RemoveObjectOptions{}); err != nil {
			return translateS3("rmdir", path.Join(p, rel), err)
		}
	}
	return nil
}

// FileExists implements Driver.
func (d *S3Driver) FileExists(ctx context.Context, p string) (bool, error) {
	_, key, err := d.key("stat", p)
	if err != nil {
		return false, err
	}
	if _, err := d.client.StatObject(ctx, d.bucket, key, minio.StatObjectOptions{}); err != nil {
		translated := translateS3("stat", p, err)
		if KindOf(translated) == KindNotFound {
			return false, nil
		}
		return false, translated
	}
	return true, nil
}

// ListDirectory implements Driver.
func (d *S3Driver) ListDirectory(ctx context.Context, p string, recursive bool) (*Listing, error) {
	cleaned, dir, err := d.key("list", p)
	if err != nil {
		return nil, err
	}
	keys, err := d.list(ctx, "list", p, dir)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 && cleaned != "" {
		return nil, newError(KindNotFound, "list", p, nil)
	}
	return buildListing(listingName(cleaned), keys, recursive), nil
}
