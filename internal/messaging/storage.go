// internal/messaging/storage.go

package messaging

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// S3AttachmentVerifier checks that attachment and voice URLs point at an
// object the upload service stored in the media bucket
type S3AttachmentVerifier struct {
	s3Client   s3iface.S3API
	bucketName string
	baseURL    string
}

// NewS3AttachmentVerifier creates a verifier for objects served under baseURL
func NewS3AttachmentVerifier(awsSession *session.Session, bucketName, baseURL string) *S3AttachmentVerifier {
	return newS3AttachmentVerifier(s3.New(awsSession), bucketName, baseURL)
}

func newS3AttachmentVerifier(client s3iface.S3API, bucketName, baseURL string) *S3AttachmentVerifier {
	return &S3AttachmentVerifier{
		s3Client:   client,
		bucketName: bucketName,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

// Verify returns ErrInvalidRequest for a foreign URL or a missing object and
// ErrUpstream when the bucket cannot be reached
func (v *S3AttachmentVerifier) Verify(ctx context.Context, mediaURL string) error {
	key, err := mediaKey(mediaURL, v.baseURL)
	if err != nil {
		return err
	}

	_, err = v.s3Client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(v.bucketName),
		Key:    aws.String(key),
	})
	if err == nil {
		return nil
	}

	if reqErr, ok := err.(awserr.RequestFailure); ok && reqErr.StatusCode() == http.StatusNotFound {
		return invalidf("attachment %s does not exist", mediaURL)
	}
	if aerr, ok := err.(awserr.Error); ok && (aerr.Code() == "NotFound" || aerr.Code() == s3.ErrCodeNoSuchKey) {
		return invalidf("attachment %s does not exist", mediaURL)
	}
	return fmt.Errorf("%w: head object: %v", ErrUpstream, err)
}

// PrefixAttachmentVerifier accepts only URLs under the media base URL. It is
// used when the bucket is not reachable from this process.
type PrefixAttachmentVerifier struct {
	baseURL string
}

func NewPrefixAttachmentVerifier(baseURL string) *PrefixAttachmentVerifier {
	return &PrefixAttachmentVerifier{baseURL: strings.TrimSuffix(baseURL, "/")}
}

func (v *PrefixAttachmentVerifier) Verify(ctx context.Context, mediaURL string) error {
	_, err := mediaKey(mediaURL, v.baseURL)
	return err
}

// mediaKey extracts the object key from a media URL
func mediaKey(mediaURL, baseURL string) (string, error) {
	if baseURL == "" {
		key := mediaURL
		if i := strings.Index(key, "://"); i >= 0 {
			key = key[i+3:]
			if j := strings.Index(key, "/"); j >= 0 {
				key = key[j+1:]
			}
		}
		if key == "" {
			return "", invalidf("invalid attachment url %q", mediaURL)
		}
		return key, nil
	}

	if !strings.HasPrefix(mediaURL, baseURL+"/") {
		return "", invalidf("attachment %s is not hosted by the upload service", mediaURL)
	}
	key := strings.TrimPrefix(mediaURL, baseURL+"/")
	if key == "" {
		return "", invalidf("invalid attachment url %q", mediaURL)
	}
	return key, nil
}
