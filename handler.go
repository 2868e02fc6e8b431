package sqsclaimcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// payloadRef records the coordinates of a fetched payload so it can be
// released once the wrapped handler succeeds.
type payloadRef struct {
	bucket string
	key    string
}

// HandlerOption configures the wrappers returned by NewSQSHandler and
// NewLambdaHandler.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	deletePayloads bool
}

// WithoutPayloadDeletion leaves offloaded objects in place after the wrapped
// handler succeeds. Resolution still happens.
func WithoutPayloadDeletion() HandlerOption {
	return func(hc *handlerConfig) { hc.deletePayloads = false }
}

// NewSQSHandler wraps a Lambda SQS handler so that records whose body is a
// pointer record are resolved against S3 before fn runs, and the backing
// objects are deleted once fn returns without error.
//
// Processing is fail-fast: a resolution failure for any record aborts the
// invocation with a *LargePayloadError before fn is called, so the platform
// redrives the whole batch. Errors returned by fn itself propagate unwrapped
// and leave the offloaded objects in place. Handlers reporting partial batch
// failures via events.SQSEventResponse should disable deletion, since a
// successful return deletes the payloads of every resolved record.
func NewSQSHandler[T any](c *Client, fn func(context.Context, events.SQSEvent) (T, error), optFns ...HandlerOption) func(context.Context, events.SQSEvent) (T, error) {
	cfg := handlerConfig{deletePayloads: !c.skipDeleteS3Payloads}
	for _, optFn := range optFns {
		optFn(&cfg)
	}

	return func(ctx context.Context, event events.SQSEvent) (T, error) {
		var zero T

		resolved, refs, err := c.resolveClaimChecks(ctx, &event)
		if err != nil {
			return zero, err
		}

		out, err := fn(ctx, *resolved)
		if err != nil {
			return zero, err
		}

		if cfg.deletePayloads {
			if err := c.deletePayloadRefs(ctx, refs); err != nil {
				return zero, err
			}
		}

		return out, nil
	}
}

// NewLambdaHandler is the raw-event variant of NewSQSHandler for functions
// wired to more than one trigger. The payload is treated as an SQS event only
// when every record is sourced from aws:sqs; any other event shape is handed
// to fn byte-for-byte with no store interaction.
func NewLambdaHandler[T any](c *Client, fn func(context.Context, json.RawMessage) (T, error), optFns ...HandlerOption) func(context.Context, json.RawMessage) (T, error) {
	cfg := handlerConfig{deletePayloads: !c.skipDeleteS3Payloads}
	for _, optFn := range optFns {
		optFn(&cfg)
	}

	return func(ctx context.Context, raw json.RawMessage) (T, error) {
		var zero T

		var event events.SQSEvent
		if err := json.Unmarshal(raw, &event); err != nil || !isSQSEvent(&event) {
			return fn(ctx, raw)
		}

		resolved, refs, err := c.resolveClaimChecks(ctx, &event)
		if err != nil {
			return zero, err
		}

		payload, err := json.Marshal(resolved)
		if err != nil {
			return zero, fmt.Errorf("unable to marshal resolved sqs event: %w", err)
		}

		out, err := fn(ctx, payload)
		if err != nil {
			return zero, err
		}

		if cfg.deletePayloads {
			if err := c.deletePayloadRefs(ctx, refs); err != nil {
				return zero, err
			}
		}

		return out, nil
	}
}

func isSQSEvent(evt *events.SQSEvent) bool {
	if len(evt.Records) == 0 {
		return false
	}

	for _, rec := range evt.Records {
		if rec.EventSource != "aws:sqs" {
			return false
		}
	}

	return true
}

// resolveClaimChecks substitutes the S3 object content for every pointer body
// in the event and returns the coordinates of the fetched objects. Unlike
// RetrieveLambdaEvent, detection goes by body shape rather than message
// attributes: producers using the Java payload-offloading libraries do not
// always forward the size attribute into Lambda records. Literal bodies are
// passed through untouched with no store interaction.
func (c *Client) resolveClaimChecks(ctx context.Context, evt *events.SQSEvent) (*events.SQSEvent, []payloadRef, error) {
	resolved := *evt
	records := make([]events.SQSMessage, 0, len(evt.Records))
	var refs []payloadRef

	for _, rec := range evt.Records {
		ptr, ok := sniffPointer(rec.Body)
		if !ok {
			records = append(records, rec)
			continue
		}

		content, err := c.downloadPayload(ctx, ptr.S3BucketName, ptr.S3Key)
		if err != nil {
			var noSuchKey *s3types.NoSuchKey
			if c.discardOrphans && errors.As(err, &noSuchKey) {
				c.logger.WarnContext(ctx, "discarding orphaned extended message", "bucket", ptr.S3BucketName, "key", ptr.S3Key)
				continue
			}

			return nil, nil, &LargePayloadError{Bucket: ptr.S3BucketName, Key: ptr.S3Key, Err: err}
		}

		rec.Body = content
		records = append(records, rec)
		refs = append(refs, payloadRef{bucket: ptr.S3BucketName, key: ptr.S3Key})
	}

	resolved.Records = records
	return &resolved, refs, nil
}

func (c *Client) deletePayloadRefs(ctx context.Context, refs []payloadRef) error {
	for _, ref := range refs {
		if _, err := c.s3c.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(ref.bucket),
			Key:    aws.String(ref.key),
		}); err != nil {
			return &LargePayloadError{Bucket: ref.bucket, Key: ref.key, Err: err}
		}

		c.logger.DebugContext(ctx, "deleted offloaded payload", "bucket", ref.bucket, "key", ref.key)
	}

	return nil
}
