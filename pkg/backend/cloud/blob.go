package cloud

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/sirupsen/logrus"

	"media-intelligence/pkg/apperr"
	"media-intelligence/pkg/backend"
	"media-intelligence/pkg/storage"
)

const Scheme = "az"

var errNotAzureRef = errors.New("not an az:// ref")

// BlobProps is the subset of blob properties the pipeline reads.
type BlobProps struct {
	Size         int64
	MD5          []byte
	ETag         string
	LastModified time.Time
}

// BlobAPI is the blob surface used by BlobSource and BlobStore.
type BlobAPI interface {
	Properties(ctx context.Context, container, name string) (BlobProps, error)
	DownloadFile(ctx context.Context, container, name string, f *os.File) error
	Download(ctx context.Context, container, name string) ([]byte, error)
	Upload(ctx context.Context, container, name string, data []byte) error
}

// ParseRef splits az://container/path/to/blob.
func ParseRef(ref string) (container, name string, err error) {
	rest, ok := strings.CutPrefix(ref, Scheme+"://")
	if !ok {
		return "", "", apperr.Wrap(apperr.KindInvalidInput, fmt.Errorf("%q: %w", ref, errNotAzureRef))
	}
	container, name, _ = strings.Cut(rest, "/")
	if container == "" || name == "" {
		return "", "", apperr.New(apperr.KindInvalidInput, "%q must name a container and a blob", ref)
	}
	return container, name, nil
}

// AzureBlobs implements BlobAPI on the Azure SDK client.
type AzureBlobs struct {
	client *azblob.Client
}

// NewAzureBlobs connects with a connection string when one is given,
// otherwise with the default Azure credential chain against serviceURL.
// SDK level retries are off; the pipeline owns retry.
func NewAzureBlobs(connectionString, serviceURL string) (*AzureBlobs, error) {
	opts := &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{Retry: policy.RetryOptions{MaxRetries: -1}},
	}

	if connectionString != "" {
		c, err := azblob.NewClientFromConnectionString(connectionString, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to create blob client: %w", err)
		}
		return &AzureBlobs{client: c}, nil
	}

	if serviceURL == "" {
		return nil, errors.New("blob storage needs a connection string or a service URL")
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain azure credential: %w", err)
	}
	c, err := azblob.NewClient(serviceURL, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}
	return &AzureBlobs{client: c}, nil
}

func (a *AzureBlobs) Properties(ctx context.Context, container, name string) (BlobProps, error) {
	resp, err := a.client.ServiceClient().NewContainerClient(container).NewBlobClient(name).GetProperties(ctx, nil)
	if err != nil {
		return BlobProps{}, blobError(err)
	}
	var p BlobProps
	if resp.ContentLength != nil {
		p.Size = *resp.ContentLength
	}
	p.MD5 = resp.ContentMD5
	if resp.ETag != nil {
		p.ETag = string(*resp.ETag)
	}
	if resp.LastModified != nil {
		p.LastModified = *resp.LastModified
	}
	return p, nil
}

func (a *AzureBlobs) DownloadFile(ctx context.Context, container, name string, f *os.File) error {
	_, err := a.client.DownloadFile(ctx, container, name, f, nil)
	return blobError(err)
}

func (a *AzureBlobs) Download(ctx context.Context, container, name string) ([]byte, error) {
	resp, err := a.client.DownloadStream(ctx, container, name, nil)
	if err != nil {
		return nil, blobError(err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamTransient, err)
	}
	return buf.Bytes(), nil
}

func (a *AzureBlobs) Upload(ctx context.Context, container, name string, data []byte) error {
	_, err := a.client.UploadBuffer(ctx, container, name, data, nil)
	return blobError(err)
}

// blobError maps SDK failures onto pipeline error kinds.
func blobError(err error) error {
	if err == nil {
		return nil
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound) {
		return apperr.Wrap(apperr.KindNotFound, err)
	}
	if bloberror.HasCode(err, bloberror.AuthenticationFailed, bloberror.AuthorizationFailure, bloberror.AuthorizationPermissionMismatch) {
		return apperr.Wrap(apperr.KindUnauthorized, err)
	}
	var re *azcore.ResponseError
	if errors.As(err, &re) {
		return apperr.Wrap(apperr.FromHTTPStatus(re.StatusCode), err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperr.Wrap(apperr.KindUpstreamTransient, err)
}

// BlobSource resolves az:// source refs.
type BlobSource struct {
	API     BlobAPI
	TempDir string
	Log     *logrus.Entry
}

func (s *BlobSource) Stat(ctx context.Context, ref string) (backend.SourceInfo, error) {
	container, name, err := ParseRef(ref)
	if err != nil {
		return backend.SourceInfo{}, err
	}
	p, err := s.API.Properties(ctx, container, name)
	if err != nil {
		return backend.SourceInfo{}, err
	}

	fp := "etag:" + strings.Trim(p.ETag, `"`)
	if len(p.MD5) > 0 {
		fp = "md5:" + hex.EncodeToString(p.MD5)
	}
	return backend.SourceInfo{Ref: ref, Size: p.Size, Fingerprint: fp, ModTime: p.LastModified}, nil
}

// Acquire downloads the blob into a temp file that the lease removes.
func (s *BlobSource) Acquire(ctx context.Context, ref string) (*backend.Lease, error) {
	container, name, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}

	f, err := os.CreateTemp(s.TempDir, "mi-*"+path.Ext(name))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, fmt.Errorf("failed to create temp file: %w", err))
	}
	tmp := f.Name()

	err = s.API.DownloadFile(ctx, container, name, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return nil, err
	}

	if s.Log != nil {
		s.Log.WithFields(logrus.Fields{"ref": ref, "path": tmp}).Debug("source downloaded")
	}
	return backend.NewLease(tmp, func() error { return os.Remove(tmp) }), nil
}

// Check verifies the temp directory is writable.
func (s *BlobSource) Check(ctx context.Context) error {
	f, err := os.CreateTemp(s.TempDir, "mi-check-*")
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(f.Name())
}

// BlobStore keeps artifacts in blob storage under az:// refs.
type BlobStore struct {
	API BlobAPI
}

var _ storage.ArtifactStore = (*BlobStore)(nil)

func (s *BlobStore) Exists(ctx context.Context, ref string) (bool, error) {
	container, name, err := ParseRef(ref)
	if err != nil {
		return false, err
	}
	_, err = s.API.Properties(ctx, container, name)
	if err == nil {
		return true, nil
	}
	if apperr.KindOf(err) == apperr.KindNotFound {
		return false, nil
	}
	return false, err
}

func (s *BlobStore) Read(ctx context.Context, ref string) ([]byte, error) {
	container, name, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	data, err := s.API.Download(ctx, container, name)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return nil, fmt.Errorf("%s: %w", ref, storage.ErrArtifactNotFound)
	}
	return data, err
}

func (s *BlobStore) Write(ctx context.Context, ref string, data []byte) error {
	container, name, err := ParseRef(ref)
	if err != nil {
		return err
	}
	return s.API.Upload(ctx, container, name, data)
}

func (s *BlobStore) Join(base string, elem ...string) string {
	return storage.JoinRef(base, elem...)
}

