package rules

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"vigil-go/internal/config"
	"vigil-go/internal/vigil"
)

// maxBundleSize bounds what a source may return.
const maxBundleSize = 64 << 20

// Payload is a fetched bundle and its manifest, not yet verified.
type Payload struct {
	Bundle   []byte
	Manifest []byte
}

// Source fetches the latest published bundle. Fetch failures wrap
// vigil.ErrTransient so the next tick retries.
type Source interface {
	Fetch(ctx context.Context) (*Payload, error)
	String() string
}

// NewSourceFromConfig creates a Source based on the configuration type.
// An empty type means no remote updates; it returns (nil, nil).
func NewSourceFromConfig(ctx context.Context, cfg config.RuleSourceConfig) (Source, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "http":
		return NewHTTPSource(cfg.URL, cfg.AuthToken, nil), nil
	case "s3":
		src, err := NewS3Source(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return src, nil
	case "file":
		return NewFileSource(cfg.Dir), nil
	default:
		return nil, fmt.Errorf("unknown rule source type: %q", cfg.Type)
	}
}

// HTTPSource downloads <base>/bundle.yaml and <base>/manifest.json.
type HTTPSource struct {
	base   string
	token  string
	client *http.Client
}

// NewHTTPSource creates an HTTPSource. A nil client uses one with a 60s timeout.
func NewHTTPSource(baseURL, token string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPSource{base: strings.TrimRight(baseURL, "/"), token: token, client: client}
}

func (s *HTTPSource) String() string { return s.base }

func (s *HTTPSource) Fetch(ctx context.Context) (*Payload, error) {
	manifest, err := s.get(ctx, ManifestFile)
	if err != nil {
		return nil, err
	}
	bundle, err := s.get(ctx, BundleFile)
	if err != nil {
		return nil, err
	}
	return &Payload{Bundle: bundle, Manifest: manifest}, nil
}

func (s *HTTPSource) get(ctx context.Context, name string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/"+name, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", name, err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %v: %w", name, err, vigil.ErrTransient)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: status %d: %w", name, resp.StatusCode, vigil.ErrTransient)
	}
	return readLimited(resp.Body, name)
}

// S3Source downloads the bundle objects from <bucket>/<prefix>/.
type S3Source struct {
	bucket     string
	prefix     string
	downloader *manager.Downloader
}

// NewS3Source creates an S3Source. Static credentials are used when both keys
// are configured; otherwise the default AWS credential chain applies.
func NewS3Source(ctx context.Context, cfg config.RuleSourceConfig) (*S3Source, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Source{
		bucket:     cfg.S3Bucket,
		prefix:     strings.Trim(cfg.S3Prefix, "/"),
		downloader: manager.NewDownloader(client),
	}, nil
}

func (s *S3Source) String() string { return "s3://" + path.Join(s.bucket, s.prefix) }

func (s *S3Source) Fetch(ctx context.Context) (*Payload, error) {
	manifest, err := s.get(ctx, ManifestFile)
	if err != nil {
		return nil, err
	}
	bundle, err := s.get(ctx, BundleFile)
	if err != nil {
		return nil, err
	}
	return &Payload{Bundle: bundle, Manifest: manifest}, nil
}

func (s *S3Source) get(ctx context.Context, name string) ([]byte, error) {
	key := name
	if s.prefix != "" {
		key = s.prefix + "/" + name
	}
	buf := manager.NewWriteAtBuffer(nil)
	n, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %v: %w", key, err, vigil.ErrTransient)
	}
	if n > maxBundleSize {
		return nil, fmt.Errorf("s3 object %s exceeds %d bytes: %w", key, maxBundleSize, vigil.ErrIntegrity)
	}
	return buf.Bytes(), nil
}

// FileSource reads a bundle from a local directory, for offline installs
// where bundles are copied in by hand.
type FileSource struct {
	dir string
}

func NewFileSource(dir string) *FileSource { return &FileSource{dir: dir} }

func (s *FileSource) String() string { return s.dir }

func (s *FileSource) Fetch(ctx context.Context) (*Payload, error) {
	manifest, err := readFileLimited(filepath.Join(s.dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	bundle, err := readFileLimited(filepath.Join(s.dir, BundleFile))
	if err != nil {
		return nil, err
	}
	return &Payload{Bundle: bundle, Manifest: manifest}, nil
}

func readFileLimited(p string) ([]byte, error) {
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading %s: %w", p, vigil.ErrNotFound)
		}
		return nil, fmt.Errorf("reading %s: %v: %w", p, err, vigil.ErrTransient)
	}
	defer f.Close()
	return readLimited(f, p)
}

func readLimited(r io.Reader, name string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBundleSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %v: %w", name, err, vigil.ErrTransient)
	}
	if len(data) > maxBundleSize {
		return nil, fmt.Errorf("%s exceeds %d bytes: %w", name, maxBundleSize, vigil.ErrIntegrity)
	}
	return data, nil
}
