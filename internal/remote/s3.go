package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"passfiles/internal/pf"
)

// claimAttempts bounds how often AddRecord retries when another writer
// claimed the same id first.
const claimAttempts = 5

// S3Options configures an S3Remote.
type S3Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // custom endpoint, e.g. MinIO; enables path-style addressing
	AccessKey string
	SecretKey string

	// DeleteSecret must be presented by Delete calls when set.
	DeleteSecret string
}

// S3Remote stores records in an S3 bucket:
//
//	<prefix>/records/<id>/info.json     (metadata, pf.RemoteInfo as JSON)
//	<prefix>/records/<id>/v<version>    (content versions)
//
// Ids are claimed with conditional writes on info.json, so concurrent
// clients never share one.
type S3Remote struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	secret   string
	clock    pf.Clock
	logger   pf.Logger
}

// NewS3Remote creates an S3-backed remote from opts.
func NewS3Remote(ctx context.Context, opts S3Options, clock pf.Clock, logger pf.Logger) (*S3Remote, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 remote requires a bucket")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	if clock == nil {
		clock = pf.RealClock{}
	}
	if logger == nil {
		logger = pf.NewNopLogger()
	}
	return &S3Remote{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   opts.Bucket,
		prefix:   normalizePrefix(opts.Prefix),
		secret:   opts.DeleteSecret,
		clock:    clock,
		logger:   logger,
	}, nil
}

func normalizePrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

func (r *S3Remote) recordsPrefix() string {
	return r.prefix + "records/"
}

func (r *S3Remote) recordPrefix(id int64) string {
	return r.recordsPrefix() + strconv.FormatInt(id, 10) + "/"
}

func (r *S3Remote) infoKey(id int64) string {
	return r.recordPrefix(id) + "info.json"
}

func (r *S3Remote) contentKey(id int64, version int) string {
	return r.recordPrefix(id) + "v" + strconv.Itoa(version)
}

// recordIDs lists the ids that have a record directory, ascending.
func (r *S3Remote) recordIDs(ctx context.Context) ([]int64, error) {
	prefix := r.recordsPrefix()
	p := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(r.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var ids []int64
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			id, err := strconv.ParseInt(name, 10, 64)
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *S3Remote) getObject(ctx context.Context, key string) ([]byte, error) {
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (r *S3Remote) readInfo(ctx context.Context, id int64) (pf.RemoteInfo, error) {
	data, err := r.getObject(ctx, r.infoKey(id))
	if err != nil {
		return pf.RemoteInfo{}, err
	}
	var info pf.RemoteInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return pf.RemoteInfo{}, fmt.Errorf("decoding info of record %d: %w", id, err)
	}
	return info, nil
}

// writeInfo stores info. With create, the write only succeeds if no info
// exists yet for the id.
func (r *S3Remote) writeInfo(ctx context.Context, info pf.RemoteInfo, create bool) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encoding info: %w", err)
	}
	in := &s3.PutObjectInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(r.infoKey(info.ID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}
	if create {
		in.IfNoneMatch = aws.String("*")
	}
	_, err = r.client.PutObject(ctx, in)
	return err
}

func (r *S3Remote) ListRecords(ctx context.Context, t pf.Type) ([]pf.RemoteInfo, error) {
	ids, err := r.recordIDs(ctx)
	if err != nil {
		return nil, mapS3Error("list records", err)
	}

	var list []pf.RemoteInfo
	for _, id := range ids {
		info, err := r.readInfo(ctx, id)
		if isS3NotFound(err) {
			// Deleted between the listing and the read.
			continue
		}
		if err != nil {
			return nil, mapS3Error("list records", err)
		}
		if info.Type != t {
			continue
		}
		list = append(list, pf.RemoteInfo{
			ID:               info.ID,
			Type:             info.Type,
			Version:          info.Version,
			InfoChangedOn:    info.InfoChangedOn,
			VersionChangedOn: info.VersionChangedOn,
		})
	}
	return list, nil
}

func (r *S3Remote) GetRecordInfo(ctx context.Context, id int64) (pf.RemoteInfo, error) {
	info, err := r.readInfo(ctx, id)
	if err != nil {
		return pf.RemoteInfo{}, mapS3Error("get record info", err)
	}
	return info, nil
}

func (r *S3Remote) GetVersionContent(ctx context.Context, id int64, version int) ([]byte, error) {
	data, err := r.getObject(ctx, r.contentKey(id, version))
	if err != nil {
		return nil, mapS3Error("get version content", err)
	}
	return data, nil
}

func (r *S3Remote) AddRecord(ctx context.Context, info pf.RemoteInfo) (pf.RemoteInfo, error) {
	ids, err := r.recordIDs(ctx)
	if err != nil {
		return pf.RemoteInfo{}, mapS3Error("add record", err)
	}
	next := int64(1)
	if len(ids) > 0 {
		next = ids[len(ids)-1] + 1
	}

	now := r.clock.Now()
	created := pf.RemoteInfo{
		Type:             info.Type,
		Name:             info.Name,
		Color:            info.Color,
		CreatedOn:        now,
		InfoChangedOn:    now,
		VersionChangedOn: now,
	}
	for attempt := 0; attempt < claimAttempts; attempt++ {
		created.ID = next + int64(attempt)
		err := r.writeInfo(ctx, created, true)
		if err == nil {
			r.logger.Debug("claimed record id", "id", created.ID)
			return created, nil
		}
		if !isPreconditionFailed(err) {
			return pf.RemoteInfo{}, mapS3Error("add record", err)
		}
	}
	return pf.RemoteInfo{}, &pf.RemoteError{Op: "add record", Status: 409, Message: "could not claim a record id"}
}

func (r *S3Remote) SaveInfo(ctx context.Context, info pf.RemoteInfo) (pf.RemoteInfo, error) {
	saved, err := r.readInfo(ctx, info.ID)
	if err != nil {
		return pf.RemoteInfo{}, mapS3Error("save info", err)
	}
	saved.Name = info.Name
	saved.Color = info.Color
	saved.InfoChangedOn = r.clock.Now()
	if err := r.writeInfo(ctx, saved, false); err != nil {
		return pf.RemoteInfo{}, mapS3Error("save info", err)
	}
	return saved, nil
}

func (r *S3Remote) SaveContent(ctx context.Context, id int64, data []byte) (pf.RemoteInfo, error) {
	saved, err := r.readInfo(ctx, id)
	if err != nil {
		return pf.RemoteInfo{}, mapS3Error("save content", err)
	}
	saved.Version++
	saved.VersionChangedOn = r.clock.Now()

	_, err = r.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(r.contentKey(id, saved.Version)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return pf.RemoteInfo{}, mapS3Error("save content", err)
	}
	if err := r.writeInfo(ctx, saved, false); err != nil {
		return pf.RemoteInfo{}, mapS3Error("save content", err)
	}
	return saved, nil
}

func (r *S3Remote) Delete(ctx context.Context, id int64, secret string) error {
	if r.secret != "" && secret != r.secret {
		return &pf.RemoteError{Op: "delete", Status: 403, Message: "delete secret does not match"}
	}
	if _, err := r.readInfo(ctx, id); err != nil {
		return mapS3Error("delete", err)
	}

	p := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
		Prefix: aws.String(r.recordPrefix(id)),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return mapS3Error("delete", err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		objects := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = r.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(r.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return mapS3Error("delete", err)
		}
	}
	return nil
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed"
}

// mapS3Error converts SDK errors to the remote error contract. Missing keys
// become 404s, service errors keep their status, and anything that never got
// a response (or got a 5xx) counts as offline.
func mapS3Error(op string, err error) error {
	if err == nil {
		return nil
	}
	if isS3NotFound(err) {
		return &pf.RemoteError{Op: op, Status: 404, Message: "not found"}
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w: %v", op, pf.ErrOffline, err)
	}
	status := 0
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	if status >= 500 {
		return fmt.Errorf("%s: %w: %v", op, pf.ErrOffline, err)
	}
	return &pf.RemoteError{Op: op, Status: status, Message: apiErr.ErrorMessage()}
}

// Compile-time check that S3Remote implements pf.RemoteAPI interface
var _ pf.RemoteAPI = (*S3Remote)(nil)
