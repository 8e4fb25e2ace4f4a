package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	fsStore, err := Open(context.Background(), Config{Driver: DriverFilesystem, FSRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("open fs: %v", err)
	}
	return map[string]Store{
		"memory":   NewMemory(),
		"fs":       fsStore,
		"s3":       NewMockS3(2),
		"prefixed": WithPrefix(NewMemory(), "runs/abc"),
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			body := []byte("mountainRange,testScore\nBavarian,42\n")
			info, err := st.Put(ctx, "data/dragons.csv", bytes.NewReader(body), PutOptions{ContentType: "text/csv", Metadata: map[string]string{"run": "r1"}})
			if err != nil {
				t.Fatalf("put: %v", err)
			}
			if info.Key != "data/dragons.csv" || info.Size != int64(len(body)) {
				t.Fatalf("put info %+v", info)
			}
			if _, err := st.Put(ctx, "data/dragons.csv", strings.NewReader("x"), PutOptions{}); !errors.Is(err, ErrExists) {
				t.Fatalf("second put: expected ErrExists, got %v", err)
			}
			if _, err := st.Put(ctx, "data/dragons.csv", strings.NewReader("replaced"), PutOptions{Overwrite: true, ContentType: "text/csv"}); err != nil {
				t.Fatalf("overwrite: %v", err)
			}

			got, rc, err := st.Get(ctx, "data/dragons.csv")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			b, _ := io.ReadAll(rc)
			_ = rc.Close()
			if string(b) != "replaced" || got.ContentType != "text/csv" {
				t.Fatalf("get %q %+v", b, got)
			}
			if _, err := st.Head(ctx, "missing.csv"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("head missing: %v", err)
			}
			if _, _, err := st.Get(ctx, "missing.csv"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("get missing: %v", err)
			}

			for _, k := range []string{"figs/a.png", "figs/b.png", "figs/c.svg"} {
				if _, err := st.Put(ctx, k, strings.NewReader(k), PutOptions{}); err != nil {
					t.Fatalf("put %s: %v", k, err)
				}
			}
			list, err := st.List(ctx, "figs/")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(list) != 3 || list[0].Key != "figs/a.png" || list[2].Key != "figs/c.svg" {
				t.Fatalf("list %+v", list)
			}

			ok, err := st.Delete(ctx, "figs/a.png")
			if err != nil || !ok {
				t.Fatalf("delete: %v %v", ok, err)
			}
			ok, err = st.Delete(ctx, "figs/a.png")
			if err != nil || ok {
				t.Fatalf("second delete: %v %v", ok, err)
			}
		})
	}
}

func TestRejectsUnsafeKeys(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		for _, key := range []string{"", "/etc/passwd", "../escape", "a/../../b"} {
			if _, err := st.Put(ctx, key, strings.NewReader("x"), PutOptions{}); err == nil {
				t.Fatalf("%s: key %q accepted", name, key)
			}
		}
	}
}

func TestPresign(t *testing.T) {
	ctx := context.Background()
	st := backends(t)
	if _, err := st["memory"].PresignURL(ctx, "k", SignedURLOptions{}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("memory presign: %v", err)
	}
	u, err := st["fs"].PresignURL(ctx, "report/index.html", SignedURLOptions{})
	if err != nil || !strings.HasPrefix(u, "file://") || !strings.HasSuffix(u, "/report/index.html") {
		t.Fatalf("fs presign %q %v", u, err)
	}
	u, err = st["s3"].PresignURL(ctx, "report/index.html", SignedURLOptions{})
	if err != nil || !strings.Contains(u, "X-Amz-Signature") {
		t.Fatalf("s3 presign %q %v", u, err)
	}
	if _, err := st["s3"].PresignURL(ctx, "k", SignedURLOptions{Method: "PUT"}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("PUT presign: %v", err)
	}
}

func TestConfigFromEnvAndValidation(t *testing.T) {
	env := map[string]string{
		"COLONYSTATS_BLOB_DRIVER":        "S3",
		"COLONYSTATS_BLOB_S3_BUCKET":     "dragons",
		"COLONYSTATS_BLOB_S3_ENDPOINT":   "http://localhost:9000",
		"COLONYSTATS_BLOB_S3_PATH_STYLE": "true",
		"COLONYSTATS_BLOB_PREFIX":        "nightly",
	}
	cfg := ConfigFromEnv(func(k string) string { return env[k] })
	if cfg.Driver != DriverS3 || cfg.S3Bucket != "dragons" || !cfg.S3PathStyle || cfg.Prefix != "nightly" {
		t.Fatalf("config %+v", cfg)
	}
	n, err := cfg.Normalize()
	if err != nil || n.S3Region != "us-east-1" {
		t.Fatalf("normalize %+v %v", n, err)
	}

	bad := []Config{
		{Driver: "ftp"},
		{Driver: DriverS3},
		{Driver: DriverS3, S3Bucket: "b", S3Endpoint: "not a url"},
		{Driver: DriverMemory, Prefix: "../up"},
	}
	for _, c := range bad {
		if _, err := Open(context.Background(), c); err == nil {
			t.Fatalf("config %+v accepted", c)
		}
	}
	d, err := Config{}.Normalize()
	if err != nil || d.Driver != DriverFilesystem || d.FSRoot != "./artifacts" {
		t.Fatalf("defaults %+v %v", d, err)
	}
}

func TestPrefixScopesKeys(t *testing.T) {
	ctx := context.Background()
	base := NewMemory()
	scoped := WithPrefix(base, "runs/r1")
	if _, err := scoped.Put(ctx, "report.json", strings.NewReader("{}"), PutOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := base.Head(ctx, "runs/r1/report.json"); err != nil {
		t.Fatalf("underlying key: %v", err)
	}
	list, _ := scoped.List(ctx, "")
	if len(list) != 1 || list[0].Key != "report.json" {
		t.Fatalf("scoped list %+v", list)
	}
	if WithPrefix(base, "") != base {
		t.Fatalf("empty prefix should not wrap")
	}
}
