// Package core defines the artifact store abstraction shared by the blob
// backends: rendered figures, reports and datasets are written through it.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Driver identifies a concrete artifact store backend.
type Driver string

const (
	DriverFilesystem Driver = "fs"     // local directory (default)
	DriverS3         Driver = "s3"     // S3 / MinIO compatible
	DriverMemory     Driver = "memory" // process memory (tests, dry runs)
)

// PutOptions specifies optional parameters for Put.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
	// Overwrite replaces an existing object instead of failing with ErrExists.
	Overwrite bool
}

// SignedURLOptions holds options for generating a pre-signed URL.
type SignedURLOptions struct {
	Method string        // only GET is supported
	Expiry time.Duration // default 15m
}

// Info describes a stored artifact.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
	URL          string            `json:"url,omitempty"`
}

// Store is a minimal S3-like object store.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Head(ctx context.Context, key string) (Info, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	PresignURL(ctx context.Context, key string, opts SignedURLOptions) (string, error)
	Driver() Driver
}

var (
	// ErrUnsupported is returned when an optional capability is not available.
	ErrUnsupported = errors.New("blob: unsupported operation")
	// ErrExists is returned by Put when the key is taken and Overwrite is unset.
	ErrExists = errors.New("blob: already exists")
	// ErrNotFound is returned by Get and Head for a missing key.
	ErrNotFound = errors.New("blob: not found")
)

// Config selects and parameterises a backend.
type Config struct {
	Driver      Driver `yaml:"driver" validate:"omitempty,oneof=fs s3 memory"`
	FSRoot      string `yaml:"fs_root"`
	S3Bucket    string `yaml:"s3_bucket" validate:"required_if=Driver s3"`
	S3Region    string `yaml:"s3_region"`
	S3Endpoint  string `yaml:"s3_endpoint" validate:"omitempty,url"`
	S3PathStyle bool   `yaml:"s3_path_style"`
	// Prefix is prepended to every key, e.g. "runs/".
	Prefix string `yaml:"prefix" validate:"omitempty,excludes=.."`
}

// Environment variables read by ConfigFromEnv.
const (
	EnvDriver      = "COLONYSTATS_BLOB_DRIVER"
	EnvFSRoot      = "COLONYSTATS_BLOB_FS_ROOT"
	EnvS3Bucket    = "COLONYSTATS_BLOB_S3_BUCKET"
	EnvS3Region    = "COLONYSTATS_BLOB_S3_REGION"
	EnvS3Endpoint  = "COLONYSTATS_BLOB_S3_ENDPOINT"
	EnvS3PathStyle = "COLONYSTATS_BLOB_S3_PATH_STYLE"
	EnvPrefix      = "COLONYSTATS_BLOB_PREFIX"
)

// ConfigFromEnv reads a Config through getenv (normally os.Getenv).
func ConfigFromEnv(getenv func(string) string) Config {
	pathStyle, _ := strconv.ParseBool(getenv(EnvS3PathStyle))
	return Config{
		Driver:      Driver(strings.ToLower(getenv(EnvDriver))),
		FSRoot:      getenv(EnvFSRoot),
		S3Bucket:    getenv(EnvS3Bucket),
		S3Region:    getenv(EnvS3Region),
		S3Endpoint:  getenv(EnvS3Endpoint),
		S3PathStyle: pathStyle,
		Prefix:      getenv(EnvPrefix),
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Normalize fills defaults and validates the configuration.
func (c Config) Normalize() (Config, error) {
	if c.Driver == "" {
		c.Driver = DriverFilesystem
	}
	if c.Driver == DriverFilesystem && c.FSRoot == "" {
		c.FSRoot = "./artifacts"
	}
	if c.Driver == DriverS3 && c.S3Region == "" {
		c.S3Region = "us-east-1"
	}
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return c, fmt.Errorf("blob: invalid config field %s (%s %s)", fe.Field(), fe.Tag(), fe.Param())
		}
		return c, fmt.Errorf("blob: invalid config: %w", err)
	}
	return c, nil
}

// CheckKey rejects empty, absolute and traversing keys.
func CheckKey(key string) error {
	switch {
	case strings.TrimSpace(key) == "":
		return fmt.Errorf("blob: empty key")
	case strings.HasPrefix(key, "/"):
		return fmt.Errorf("blob: absolute key %q", key)
	case strings.Contains(key, ".."):
		return fmt.Errorf("blob: key %q contains '..'", key)
	}
	return nil
}

// CloneMetadata copies a metadata map; nil stays nil.
func CloneMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
