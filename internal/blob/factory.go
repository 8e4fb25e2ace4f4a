package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"colonystats/internal/blob/core"
	"colonystats/internal/infra/blob/fs"
	"colonystats/internal/infra/blob/memory"
	"colonystats/internal/infra/blob/s3"
)

// Open validates cfg and constructs the selected backend. A non-empty
// cfg.Prefix scopes every key under it.
func Open(ctx context.Context, cfg Config) (Store, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	var st Store
	switch cfg.Driver {
	case DriverFilesystem:
		st, err = fs.New(cfg.FSRoot)
	case DriverS3:
		st, err = s3.New(ctx, cfg)
	case DriverMemory:
		st = memory.New()
	default:
		err = fmt.Errorf("blob: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return WithPrefix(st, cfg.Prefix), nil
}

// OpenFromEnv is Open with the COLONYSTATS_BLOB_* environment variables.
//
//	COLONYSTATS_BLOB_DRIVER          fs|s3|memory (default fs)
//	COLONYSTATS_BLOB_FS_ROOT         directory for fs (default ./artifacts)
//	COLONYSTATS_BLOB_S3_BUCKET       bucket, required for s3
//	COLONYSTATS_BLOB_S3_REGION       default us-east-1
//	COLONYSTATS_BLOB_S3_ENDPOINT     custom endpoint (MinIO)
//	COLONYSTATS_BLOB_S3_PATH_STYLE   true for path-style addressing
//	COLONYSTATS_BLOB_PREFIX          key prefix
func OpenFromEnv(ctx context.Context) (Store, error) {
	return Open(ctx, ConfigFromEnv(os.Getenv))
}

// ConfigFromEnv reads the COLONYSTATS_BLOB_* variables through getenv.
func ConfigFromEnv(getenv func(string) string) Config { return core.ConfigFromEnv(getenv) }

// NewMemory returns an empty in-memory store.
func NewMemory() Store { return memory.New() }

// NewMockS3 returns an S3 store backed by an in-process fake bucket, for
// tests in other packages.
func NewMockS3(pageSize int) Store { return s3.NewMock(pageSize) }

// WithPrefix scopes st under prefix; an empty prefix returns st unchanged.
func WithPrefix(st Store, prefix string) Store {
	if prefix == "" {
		return st
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &prefixed{Store: st, prefix: prefix}
}

type prefixed struct {
	Store
	prefix string
}

func (p *prefixed) strip(info Info) Info {
	info.Key = strings.TrimPrefix(info.Key, p.prefix)
	return info
}

func (p *prefixed) Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error) {
	if err := core.CheckKey(key); err != nil {
		return Info{}, err
	}
	info, err := p.Store.Put(ctx, p.prefix+key, r, opts)
	return p.strip(info), err
}

func (p *prefixed) Get(ctx context.Context, key string) (Info, io.ReadCloser, error) {
	if err := core.CheckKey(key); err != nil {
		return Info{}, nil, err
	}
	info, rc, err := p.Store.Get(ctx, p.prefix+key)
	return p.strip(info), rc, err
}

func (p *prefixed) Head(ctx context.Context, key string) (Info, error) {
	info, err := p.Store.Head(ctx, p.prefix+key)
	return p.strip(info), err
}

func (p *prefixed) Delete(ctx context.Context, key string) (bool, error) {
	return p.Store.Delete(ctx, p.prefix+key)
}

func (p *prefixed) List(ctx context.Context, prefix string) ([]Info, error) {
	infos, err := p.Store.List(ctx, p.prefix+prefix)
	for i := range infos {
		infos[i] = p.strip(infos[i])
	}
	return infos, err
}

func (p *prefixed) PresignURL(ctx context.Context, key string, opts SignedURLOptions) (string, error) {
	return p.Store.PresignURL(ctx, p.prefix+key, opts)
}
