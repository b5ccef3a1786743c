package publish

import (
	"context"
	stderrors "errors"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go/transport/http"
	"k8s.io/utils/pointer"
	"kubegems.io/onnxq/pkg/errors"
)

type S3Options struct {
	URL       string `json:"url,omitempty"`
	Region    string `json:"region,omitempty"`
	Bucket    string `json:"bucket,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	AccessKey string `json:"accessKey,omitempty"`
	SecretKey string `json:"secretKey,omitempty"`
	PathStyle bool   `json:"pathStyle,omitempty"`
}

func NewDefaultS3Options() *S3Options {
	return &S3Options{
		Prefix:    "onnxq",
		Region:    "us-east-1",
		PathStyle: true,
	}
}

var _ FSProvider = &S3FSProvider{}

type S3FSProvider struct {
	Bucket string
	Client *s3.Client
	Prefix string
}

func NewS3FSProvider(ctx context.Context, options *S3Options) (*S3FSProvider, error) {
	if options.Bucket == "" {
		return nil, errors.NewParameterInvalidError("s3 bucket must not be empty")
	}
	loadopts := []func(*config.LoadOptions) error{
		config.WithRegion(options.Region),
	}
	if options.AccessKey != "" {
		loadopts = append(loadopts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(options.AccessKey, options.SecretKey, ""),
		))
	}
	if options.URL != "" {
		loadopts = append(loadopts, config.WithEndpointResolverWithOptions(
			aws.EndpointResolverWithOptionsFunc(
				func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
					return aws.Endpoint{URL: options.URL}, nil
				},
			),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadopts...)
	if err != nil {
		return nil, err
	}
	s3cli := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = options.PathStyle
	})
	return &S3FSProvider{
		Bucket: options.Bucket,
		Client: s3cli,
		Prefix: options.Prefix,
	}, nil
}

func (m *S3FSProvider) Put(ctx context.Context, path string, content BlobContent) error {
	uploadobj := &s3.PutObjectInput{
		Bucket:        aws.String(m.Bucket),
		Key:           m.prefixedKey(path),
		Body:          content.Content,
		ContentLength: content.ContentLength,
		ContentType:   aws.String(content.ContentType),
	}
	if content.ContentEncoding != "" {
		uploadobj.ContentEncoding = aws.String(content.ContentEncoding)
	}
	if _, err := manager.NewUploader(m.Client).Upload(ctx, uploadobj); err != nil {
		return errors.NewInternalError(err)
	}
	return nil
}

func (m *S3FSProvider) Get(ctx context.Context, path string) (BlobContent, error) {
	getobjout, err := m.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.Bucket),
		Key:    m.prefixedKey(path),
	})
	if err != nil {
		if IsS3StorageNotFound(err) {
			return BlobContent{}, errors.NewNotFoundError(path)
		}
		return BlobContent{}, err
	}
	return BlobContent{
		Content:         getobjout.Body,
		ContentType:     pointer.StringDeref(getobjout.ContentType, ""),
		ContentLength:   getobjout.ContentLength,
		ContentEncoding: pointer.StringDeref(getobjout.ContentEncoding, ""),
	}, nil
}

func (m *S3FSProvider) Remove(ctx context.Context, path string, recursive bool) error {
	if !recursive {
		_, err := m.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.Bucket),
			Key:    m.prefixedKey(path),
		})
		return err
	}
	prefix := m.prefixedKey(path)
	if !strings.HasSuffix(*prefix, "/") {
		*prefix += "/"
	}
	output, err := m.Client.ListObjects(ctx, &s3.ListObjectsInput{
		Bucket: aws.String(m.Bucket),
		Prefix: prefix,
	})
	if err != nil {
		return err
	}
	if len(output.Contents) == 0 {
		return nil
	}
	objectsids := make([]s3types.ObjectIdentifier, 0, len(output.Contents))
	for _, object := range output.Contents {
		objectsids = append(objectsids, s3types.ObjectIdentifier{Key: object.Key})
	}
	_, err = m.Client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(m.Bucket),
		Delete: &s3types.Delete{Objects: objectsids},
	})
	return err
}

func (m *S3FSProvider) Exists(ctx context.Context, path string) (bool, error) {
	_, err := m.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.Bucket),
		Key:    m.prefixedKey(path),
	})
	if err != nil {
		if IsS3StorageNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (m *S3FSProvider) List(ctx context.Context, path string, recursive bool) ([]FsObjectMeta, error) {
	prefix := *m.prefixedKey(path)
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	listinput := &s3.ListObjectsInput{
		Bucket: aws.String(m.Bucket),
		Prefix: aws.String(prefix),
	}
	if !recursive {
		listinput.Delimiter = aws.String("/")
	}
	var result []FsObjectMeta
	for {
		listobjout, err := m.Client.ListObjects(ctx, listinput)
		if err != nil {
			return nil, err
		}
		for _, obj := range listobjout.Contents {
			result = append(result, FsObjectMeta{
				Name:         strings.TrimPrefix(pointer.StringDeref(obj.Key, ""), prefix),
				Size:         obj.Size,
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
		if !listobjout.IsTruncated {
			return result, nil
		}
		listinput.Marker = listobjout.NextMarker
		if listinput.Marker == nil && len(listobjout.Contents) > 0 {
			listinput.Marker = listobjout.Contents[len(listobjout.Contents)-1].Key
		}
	}
}

func IsS3StorageNotFound(err error) bool {
	var apie *http.ResponseError
	if stderrors.As(err, &apie) {
		return apie.HTTPStatusCode() == 404
	}
	return false
}

func (m *S3FSProvider) prefixedKey(key string) *string {
	return aws.String(path.Join(m.Prefix, key))
}
