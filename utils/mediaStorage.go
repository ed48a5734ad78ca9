package utils

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/url"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"google.golang.org/api/option"
)

// Media attached to an MMS is uploaded once at enqueue time; the job only
// carries the resulting URL, so retries never re-upload.

const maxMediaDimension = 1600

func getGoogleClient(ctx context.Context) (*storage.Client, error) {
	// Prefer ADC (Cloud Run service account / GOOGLE_APPLICATION_CREDENTIALS).
	// If you need to provide explicit JSON (e.g. locally), set GCS_CREDENTIALS_JSON.
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		client, err := storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// UploadMessageMedia decodes base64 media, downscales oversized images so
// carriers accept them, stores the object under the tenant's prefix, and
// returns a provider-fetchable URL.
func UploadMessageMedia(ctx context.Context, tenantId string, base64Data string, mimeType string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(base64Data)
	if err != nil {
		return "", err
	}

	ext := ""
	switch mimeType {
	case "image/jpeg":
		ext = ".jpg"
	case "image/png":
		ext = ".png"
	case "image/gif":
		ext = ".gif"
	case "video/mp4":
		ext = ".mp4"
	default:
		return "", errors.New("unsupported media type: " + mimeType)
	}

	if mimeType == "image/jpeg" || mimeType == "image/png" {
		decoded, err = downscaleImage(decoded, mimeType)
		if err != nil {
			return "", err
		}
	}

	bucketName := os.Getenv("GCS_BUCKET")
	if bucketName == "" {
		return "", errors.New("GCS_BUCKET is required")
	}

	client, err := getGoogleClient(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	objectKey := tenantId + "/media/" + uuid.NewString() + ext
	w := client.Bucket(bucketName).Object(objectKey).NewWriter(ctx)
	w.ContentType = mimeType
	if _, err := w.Write(decoded); err != nil {
		_ = w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	return BuildObjectAccessURL(objectKey), nil
}

func downscaleImage(data []byte, mimeType string) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	if bounds.Dx() <= maxMediaDimension && bounds.Dy() <= maxMediaDimension {
		return data, nil
	}

	resized := imaging.Fit(img, maxMediaDimension, maxMediaDimension, imaging.Lanczos)

	format := imaging.JPEG
	if mimeType == "image/png" {
		format = imaging.PNG
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, format); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildObjectAccessURL maps an object key to the URL the message provider
// will fetch. STORAGE_ACCESS_BASE_URL may embed a {objectKey} placeholder.
func BuildObjectAccessURL(objectKey string) string {
	base := strings.TrimSpace(os.Getenv("STORAGE_ACCESS_BASE_URL"))
	if base != "" {
		if strings.Contains(base, "{objectKey}") {
			escaped := objectKey
			if strings.Contains(base, "?") {
				escaped = url.QueryEscape(objectKey)
			}
			return strings.ReplaceAll(base, "{objectKey}", escaped)
		}
		if strings.Contains(base, "?") {
			return base + url.QueryEscape(objectKey)
		}
		return strings.TrimRight(base, "/") + "/" + objectKey
	}

	gcsURL := strings.TrimSpace(os.Getenv("GCS_URL"))
	gcsBucket := strings.TrimSpace(os.Getenv("GCS_BUCKET"))
	if gcsURL != "" && gcsBucket != "" {
		return "https://" + gcsURL + "/" + gcsBucket + "/" + objectKey
	}

	return objectKey
}
