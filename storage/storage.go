// Package storage provides the blob store used for synthesized angle
// images and downloaded model artifacts. Paths follow the convention
// pipelines/<ownerId>/<pipelineId>/<artifact>, with operator-preview
// artifacts under an additional preview/ segment.
package storage

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/jackg825/dream-forge-web-sub003/types"
)

// BlobStore is the put/get blob contract consumed by the pipeline.
type BlobStore interface {
	// PutBase64 decodes and stores a base64 payload, returning its URL.
	PutBase64(ctx context.Context, encoded, path, mimeType string) (string, error)
	// PutBuffer stores raw bytes, returning the public URL.
	PutBuffer(ctx context.Context, data []byte, path, mimeType string) (string, error)
}

// ArtifactPath builds the production storage path for one artifact.
func ArtifactPath(ownerID, pipelineID, artifact string) string {
	return fmt.Sprintf("pipelines/%s/%s/%s", ownerID, pipelineID, artifact)
}

// PreviewArtifactPath builds the operator-preview storage path.
func PreviewArtifactPath(ownerID, pipelineID, artifact string) string {
	return fmt.Sprintf("pipelines/%s/%s/preview/%s", ownerID, pipelineID, artifact)
}

// AngleArtifact names the stored image for one canonical angle.
func AngleArtifact(angle types.Angle) string {
	return fmt.Sprintf("views/%s.png", angle)
}

// decodeBase64 tolerates both padded and unpadded payloads.
func decodeBase64(encoded string) ([]byte, error) {
	if data, err := base64.StdEncoding.DecodeString(encoded); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(encoded)
}
