package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

func accessTier(tier Tier) blob.AccessTier {
	switch tier {
	case TierHot:
		return blob.AccessTierHot
	case TierArchive:
		return blob.AccessTierArchive
	default:
		return blob.AccessTierCool
	}
}

// azureStore keeps archives as block blobs in one container. Blobs in the
// archive tier must be rehydrated before RetrieveArchive can read them.
type azureStore struct {
	client    *azblob.Client
	container string
	tier      blob.AccessTier
}

func newAzureStore(cfg AzureConfig, tier Tier) (*azureStore, error) {
	var (
		client *azblob.Client
		err    error
	)
	if cfg.ConnectionString != "" {
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	} else {
		serviceURL := cfg.ServiceURL
		if serviceURL == "" {
			serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
		}
		var cred *azblob.SharedKeyCredential
		cred, err = azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err == nil {
			client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create azure blob client: %w", err)
	}
	return &azureStore{client: client, container: cfg.Container, tier: accessTier(tier)}, nil
}

func toAzureMetadata(meta map[string]string) map[string]*string {
	out := make(map[string]*string, len(meta))
	for k, v := range meta {
		v := v
		out[k] = &v
	}
	return out
}

func fromAzureMetadata(meta map[string]*string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		if v != nil {
			out[strings.ToLower(k)] = *v
		}
	}
	return out
}

func (s *azureStore) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	tier := s.tier
	_, err := s.client.UploadBuffer(ctx, s.container, key, data, &azblob.UploadBufferOptions{
		Metadata:   toAzureMetadata(meta),
		AccessTier: &tier,
	})
	return azureError(err)
}

func (s *azureStore) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, key, nil)
	if err != nil {
		return nil, azureError(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *azureStore) Stat(ctx context.Context, key string) (objectInfo, error) {
	props, err := s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(key).GetProperties(ctx, nil)
	if err != nil {
		return objectInfo{}, azureError(err)
	}
	var size int64
	if props.ContentLength != nil {
		size = *props.ContentLength
	}
	return objectInfo{Key: key, Size: size, Metadata: fromAzureMetadata(props.Metadata)}, nil
}

// List includes metadata, so the backend never needs a Stat per blob.
func (s *azureStore) List(ctx context.Context, prefix string) ([]objectInfo, error) {
	var out []objectInfo
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix:  &prefix,
		Include: azblob.ListBlobsInclude{Metadata: true},
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, azureError(err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			info := objectInfo{Key: *item.Name, Metadata: fromAzureMetadata(item.Metadata)}
			if item.Properties != nil && item.Properties.ContentLength != nil {
				info.Size = *item.Properties.ContentLength
			}
			out = append(out, info)
		}
	}
	return out, nil
}

func (s *azureStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteBlob(ctx, s.container, key, nil)
	return azureError(err)
}

func (s *azureStore) Ping(ctx context.Context) error {
	_, err := s.client.ServiceClient().NewContainerClient(s.container).GetProperties(ctx, nil)
	return azureError(err)
}

func azureError(err error) error {
	if err == nil {
		return nil
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return fmt.Errorf("%w: %v", errObjectNotFound, err)
	}
	if bloberror.HasCode(err, bloberror.BlobArchived, bloberror.BlobBeingRehydrated) {
		return fmt.Errorf("%w: %v", errObjectArchived, err)
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return fmt.Errorf("azure %s (%d): %w", respErr.ErrorCode, respErr.StatusCode, err)
	}
	return err
}
