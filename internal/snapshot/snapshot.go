// Package snapshot exports named volumes to S3 as tar archives.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/sarth-shah20/stasis/internal/engine"
	"github.com/sarth-shah20/stasis/internal/stack"
)

var (
	ErrVolumeNotFound = errors.New("volume not found")
	ErrNoBucket       = errors.New("no export bucket configured")
)

// mountPoint is where the helper container sees the volume.
const mountPoint = "/export"

// Uploader is the part of manager.Uploader the exporter uses.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Exporter streams a volume's contents from the engine to S3.
type Exporter struct {
	engine      engine.Engine
	uploader    Uploader
	helperImage string
	logger      *slog.Logger
	now         func() time.Time
}

func New(eng engine.Engine, uploader Uploader, helperImage string, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{engine: eng, uploader: uploader, helperImage: helperImage, logger: logger, now: time.Now}
}

// NewS3 builds an Exporter on the default AWS credential chain.
func NewS3(ctx context.Context, region string, eng engine.Engine, helperImage string, logger *slog.Logger) (*Exporter, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	uploader := manager.NewUploader(s3.NewFromConfig(cfg), func(u *manager.Uploader) {
		u.PartSize = 16 * 1024 * 1024
	})
	return New(eng, uploader, helperImage, logger), nil
}

// Request names the volume to export and where it goes.
type Request struct {
	Project string
	// Volume is the engine name of the volume.
	Volume string
	Bucket string
	// Key defaults to <prefix>/<project>/<volume>-<timestamp>.tar.
	Key    string
	Prefix string
}

// Result describes an uploaded archive.
type Result struct {
	Bucket   string
	Key      string
	Location string
	Bytes    int64
}

// Export copies the volume through a helper container that is created but
// never started, so the volume is read while no process writes to it from
// that container. The volume itself is never modified or removed.
func (e *Exporter) Export(ctx context.Context, req Request) (*Result, error) {
	if req.Bucket == "" {
		return nil, ErrNoBucket
	}
	if _, err := e.engine.InspectVolume(ctx, req.Volume); err != nil {
		if engine.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrVolumeNotFound, req.Volume)
		}
		return nil, err
	}

	if ok, err := e.engine.ImageExists(ctx, e.helperImage); err != nil || !ok {
		if err := e.engine.PullImage(ctx, e.helperImage, io.Discard); err != nil {
			return nil, err
		}
	}

	name := fmt.Sprintf("stasis-%s-export-%s", req.Project, uuid.NewString()[:8])
	id, err := e.engine.CreateContainer(ctx, engine.ContainerSpec{
		Name:    name,
		Image:   e.helperImage,
		Mounts:  []engine.MountSpec{{Kind: stack.MountVolume, Source: req.Volume, Target: mountPoint, ReadOnly: true}},
		Stopped: true,
		Labels: map[string]string{
			engine.LabelProject: req.Project,
			engine.LabelManaged: "true",
			engine.LabelVolume:  req.Volume,
		},
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := e.engine.RemoveContainer(context.WithoutCancel(ctx), id); err != nil && !engine.IsNotFound(err) {
			e.logger.Warn("failed to remove export helper", "container", name, "error", err)
		}
	}()

	archive, err := e.engine.CopyFrom(ctx, id, mountPoint)
	if err != nil {
		return nil, err
	}
	defer archive.Close()

	key := req.Key
	if key == "" {
		key = path.Join(req.Prefix, req.Project, fmt.Sprintf("%s-%s.tar", req.Volume, e.now().UTC().Format("20060102T150405Z")))
	}

	body := &countingReader{r: archive}
	e.logger.Info("exporting volume", "volume", req.Volume, "bucket", req.Bucket, "key", key)
	out, err := e.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(req.Bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String("application/x-tar"),
		Metadata: map[string]string{
			"stasis-project": req.Project,
			"stasis-volume":  req.Volume,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("upload to s3://%s/%s failed: %w", req.Bucket, key, err)
	}

	e.logger.Info("volume exported", "volume", req.Volume, "bytes", body.n, "location", out.Location)
	return &Result{Bucket: req.Bucket, Key: key, Location: out.Location, Bytes: body.n}, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
