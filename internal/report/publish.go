package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"path"
	"strconv"
	"time"

	"github.com/google/uuid"

	"colonystats/internal/blob"
)

// Artifact is a stored output of a run.
type Artifact struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	URL         string    `json:"url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Publisher writes artifacts under Prefix in Store. Existing keys are
// replaced.
type Publisher struct {
	Store  blob.Store
	Prefix string
}

// Put stores payload at Prefix/name and resolves a download URL when the
// backend can produce one.
func (p Publisher) Put(ctx context.Context, name string, payload []byte, contentType string, metadata map[string]string) (Artifact, error) {
	key := path.Join(p.Prefix, name)
	id := uuid.NewString()
	md := maps.Clone(metadata)
	if md == nil {
		md = map[string]string{}
	}
	md["artifact-id"] = id
	info, err := p.Store.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{
		ContentType: contentType,
		Metadata:    md,
		Overwrite:   true,
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("report: store %s: %w", key, err)
	}
	url := info.URL
	if url == "" {
		u, err := p.Store.PresignURL(ctx, key, blob.SignedURLOptions{})
		switch {
		case err == nil:
			url = u
		case !errors.Is(err, blob.ErrUnsupported):
			return Artifact{}, fmt.Errorf("report: sign %s: %w", key, err)
		}
	}
	return Artifact{
		ID:          id,
		Key:         key,
		ContentType: contentType,
		SizeBytes:   int64(len(payload)),
		URL:         url,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// PublishDocument renders d once per format and stores each rendering as
// report.<ext>.
func (p Publisher) PublishDocument(ctx context.Context, d *Document, formats ...Format) ([]Artifact, error) {
	if len(formats) == 0 {
		formats = []Format{Text}
	}
	out := make([]Artifact, 0, len(formats))
	for _, f := range formats {
		payload, err := d.Bytes(f)
		if err != nil {
			return out, fmt.Errorf("report: render %s: %w", f, err)
		}
		a, err := p.Put(ctx, "report."+f.Extension(), payload, f.ContentType(), map[string]string{
			"sections": strconv.Itoa(len(d.Sections)),
			"run-id":   d.RunID,
		})
		if err != nil {
			return out, err
		}
		out = append(out, a)
	}
	return out, nil
}
