package metadatamap

import (
	"context"
	"encoding/base64"

	"github.com/nx-intelligence/chronos-db/blobstore"
	svcerrors "github.com/nx-intelligence/chronos-db/infrastructure/errors"
)

// BlobRef is the payload placeholder left behind in place of an
// externalized base64 property.
type BlobRef struct {
	Ref struct {
		ContentBucket string `json:"contentBucket"`
		BlobKey       string `json:"blobKey"`
		TextKey       string `json:"textKey,omitempty"`
	} `json:"ref"`
}

// Externalize decodes every declared base64 property in data, writes its
// bytes (and, when safe, a text.txt companion) to the content bucket, and
// replaces the property with a BlobRef. On any failure after a successful
// put, every key already written this call is best-effort deleted before
// the error is returned.
func Externalize(ctx context.Context, m CollectionMap, store blobstore.Store, contentBucket, collection, id string, ov uint64, data map[string]interface{}) (map[string]interface{}, error) {
	if len(m.Base64Props) == 0 {
		return data, nil
	}

	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}

	var written []string
	cleanup := func() {
		for _, key := range written {
			_ = store.Del(context.Background(), contentBucket, key)
		}
	}

	for prop, cfg := range m.Base64Props {
		raw, ok := out[prop]
		if !ok {
			continue
		}
		encoded, ok := raw.(string)
		if !ok {
			cleanup()
			return nil, svcerrors.Validation(prop, "base64 property must be a string")
		}

		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			cleanup()
			return nil, svcerrors.Validation(prop, "invalid base64 encoding")
		}

		blobKey := blobstore.ContentBlobKey(collection, prop, id, ov)
		if _, err := store.PutRaw(ctx, contentBucket, blobKey, decoded, cfg.ContentType); err != nil {
			cleanup()
			return nil, err
		}
		written = append(written, blobKey)

		ref := BlobRef{}
		ref.Ref.ContentBucket = contentBucket
		ref.Ref.BlobKey = blobKey

		wantsText := cfg.PreferredText || len(cfg.ContentType) >= 5 && cfg.ContentType[:5] == "text/"
		if wantsText && textSafe(string(decoded)) {
			textKey := blobstore.ContentTextKey(collection, prop, id, ov)
			if _, err := store.PutRaw(ctx, contentBucket, textKey, decoded, "text/plain"); err != nil {
				cleanup()
				return nil, err
			}
			written = append(written, textKey)
			ref.Ref.TextKey = textKey
		}

		out[prop] = ref
	}

	return out, nil
}
