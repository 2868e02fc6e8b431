// Package sqsclaimcheck implements the claim-check pattern for Amazon SQS:
// message payloads over the queue size limit are offloaded to S3 and replaced
// by a pointer record, which is resolved transparently on the consuming side.
package sqsclaimcheck

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	maxAllowedAttributes = 10 - 1 // 1 is reserved for the payload size attribute

	// 1 MiB, the current SQS maximum message size
	defaultMessageSizeThreshold = 1048576

	attributeDataTypeNumber = "Number"
)

var objectPrefixPattern = regexp.MustCompile(`^[a-zA-Z0-9!\-_.*'()]+$`)

// SQSClient is the subset of the SQS API the extended client builds on.
// *sqs.Client satisfies it.
type SQSClient interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// S3Client is the subset of the S3 API used for payload offloading. *s3.Client
// satisfies it.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Client wraps an SQS client so that payloads over the configured threshold
// travel through S3 instead of the queue. It is a drop-in replacement for the
// send/receive/delete surface of *sqs.Client.
type Client struct {
	SQSClient
	s3c    S3Client
	logger *slog.Logger

	bucketName                string
	objectPrefix              string
	pointerClass              string
	reservedAttrs             []string
	messageSizeThreshold      int64
	batchMessageSizeThreshold int64
	alwaysThroughS3           bool
	skipDeleteS3Payloads      bool
	discardOrphans            bool

	// computed once at construction, used for batch payload accounting
	baseAttributeSize int
	baseS3PointerSize int
}

type ClientOption func(*Client) error

func New(sqsc SQSClient, s3c S3Client, optFns ...ClientOption) (*Client, error) {
	c := Client{
		SQSClient:                 sqsc,
		s3c:                       s3c,
		logger:                    slog.New(slog.NewTextHandler(io.Discard, nil)),
		messageSizeThreshold:      defaultMessageSizeThreshold,
		batchMessageSizeThreshold: defaultMessageSizeThreshold,
		pointerClass:              "software.amazon.payloadoffloading.PayloadS3Pointer",
		reservedAttrs:             []string{"ExtendedPayloadSize", "SQSLargePayloadSize"},
	}

	for _, optFn := range optFns {
		if err := optFn(&c); err != nil {
			return nil, err
		}
	}

	c.baseAttributeSize = len(c.reservedAttrs[0]) + len(attributeDataTypeNumber)
	c.baseS3PointerSize = len(fmt.Sprintf(pointerFormat, c.pointerClass, "", strings.Repeat("0", uuidKeyLength)))

	return &c, nil
}

// WithS3BucketName sets the bucket offloaded payloads are written to. Queue
// URLs of the form "queueURL|bucket" override it per call.
func WithS3BucketName(bucketName string) ClientOption {
	return func(c *Client) error {
		c.bucketName = bucketName
		return nil
	}
}

// WithObjectPrefix stores offloaded payloads under "prefix/<uuid>" instead of
// a bare uuid. The prefix must stay within the S3 safe character set.
func WithObjectPrefix(prefix string) ClientOption {
	return func(c *Client) error {
		if !objectPrefixPattern.MatchString(prefix) {
			return ErrObjectPrefix
		}

		c.objectPrefix = prefix
		return nil
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithMessageSizeThreshold overrides the size (in bytes) above which a single
// message payload is offloaded to S3. Defaults to 1 MiB.
func WithMessageSizeThreshold(size int) ClientOption {
	return func(c *Client) error {
		c.messageSizeThreshold = int64(size)
		return nil
	}
}

// WithBatchMessageSizeThreshold overrides the size (in bytes) above which the
// combined payload of a SendMessageBatch call is optimized by offloading
// entries to S3. Defaults to 1 MiB.
func WithBatchMessageSizeThreshold(size int) ClientOption {
	return func(c *Client) error {
		c.batchMessageSizeThreshold = int64(size)
		return nil
	}
}

// WithAlwaysS3 routes every payload through S3 regardless of size.
func WithAlwaysS3(alwaysS3 bool) ClientOption {
	return func(c *Client) error {
		c.alwaysThroughS3 = alwaysS3
		return nil
	}
}

// Override default PointerClass with custom value (i.e.
// "com.amazon.sqs.javamessaging.MessageS3Pointer")
func WithPointerClass(pointerClass string) ClientOption {
	return func(c *Client) error {
		c.pointerClass = pointerClass
		return nil
	}
}

// WithReservedAttributeNames overrides the attribute names that mark a message
// as carrying an offloaded payload. The first entry is stamped on outgoing
// messages; all entries are recognized on incoming ones.
func WithReservedAttributeNames(attributeNames []string) ClientOption {
	return func(c *Client) error {
		if len(attributeNames) == 0 {
			return errors.New("at least one reserved attribute name is required")
		}

		c.reservedAttrs = attributeNames
		return nil
	}
}

// WithSkipDeleteS3Payloads leaves offloaded payloads in S3 when their queue
// message is deleted (or when a wrapped Lambda handler succeeds). Useful when
// the bucket has its own lifecycle policy.
func WithSkipDeleteS3Payloads(skip bool) ClientOption {
	return func(c *Client) error {
		c.skipDeleteS3Payloads = skip
		return nil
	}
}

// WithDiscardOrphanedExtendedMessages drops messages whose offloaded payload
// no longer exists (NoSuchKey) instead of failing the receive. On the
// ReceiveMessage path the orphaned queue message is also deleted.
func WithDiscardOrphanedExtendedMessages(discard bool) ClientOption {
	return func(c *Client) error {
		c.discardOrphans = discard
		return nil
	}
}

func (c *Client) messageExceedsThreshold(body *string, attributes map[string]types.MessageAttributeValue) bool {
	return int64(len(aws.ToString(body)))+c.attributeSize(attributes) > c.messageSizeThreshold
}

func (c *Client) attributeSize(attributes map[string]types.MessageAttributeValue) int64 {
	var sum int64
	for k, attr := range attributes {
		sum += int64(len(k))
		sum += int64(len(aws.ToString(attr.DataType)))
		sum += int64(len(aws.ToString(attr.StringValue)))
		sum += int64(len(attr.BinaryValue))
	}
	return sum
}

func (c *Client) s3Key(filename string) string {
	if c.objectPrefix != "" {
		return fmt.Sprintf("%s/%s", c.objectPrefix, filename)
	}

	return filename
}

// resolveQueueBucket splits an optional "|bucket" override off a queue URL.
func (c *Client) resolveQueueBucket(queueURL *string) (*string, string) {
	if queueURL == nil {
		return nil, c.bucketName
	}

	if url, bucket, ok := strings.Cut(*queueURL, "|"); ok {
		return aws.String(url), bucket
	}

	return queueURL, c.bucketName
}

func (c *Client) hasReservedAttribute(attributes map[string]types.MessageAttributeValue) bool {
	for _, reserved := range c.reservedAttrs {
		if _, ok := attributes[reserved]; ok {
			return true
		}
	}
	return false
}

func (c *Client) hasReservedLambdaAttribute(attributes map[string]events.SQSMessageAttribute) bool {
	for _, reserved := range c.reservedAttrs {
		if _, ok := attributes[reserved]; ok {
			return true
		}
	}
	return false
}

// extendAttributes returns a copy of attributes with the reserved payload size
// attribute stamped on.
func (c *Client) extendAttributes(attributes map[string]types.MessageAttributeValue, bodySize int) map[string]types.MessageAttributeValue {
	extended := make(map[string]types.MessageAttributeValue, len(attributes)+1)
	for k, v := range attributes {
		extended[k] = v
	}

	extended[c.reservedAttrs[0]] = types.MessageAttributeValue{
		DataType:    aws.String(attributeDataTypeNumber),
		StringValue: aws.String(strconv.Itoa(bodySize)),
	}

	return extended
}

// uploadPayload writes body to S3 under a fresh key and returns the serialized
// pointer record to send in its place.
func (c *Client) uploadPayload(ctx context.Context, bucket, body string) (string, error) {
	key := c.s3Key(uuid.New().String())

	_, err := c.s3c.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(body),
	})
	if err != nil {
		return "", fmt.Errorf("unable to upload large payload to s3: %w", err)
	}

	asBytes, err := jsonMarshal(&s3Pointer{
		S3BucketName: bucket,
		S3Key:        key,
		class:        c.pointerClass,
	})
	if err != nil {
		return "", fmt.Errorf("unable to marshal S3 pointer: %w", err)
	}

	c.logger.DebugContext(ctx, "offloaded large payload to s3", "bucket", bucket, "key", key, "size", len(body))

	return string(asBytes), nil
}

// downloadPayload fetches an offloaded payload. The object stream is always
// closed, even when the read fails; a close failure is reported rather than
// swallowed.
func (c *Client) downloadPayload(ctx context.Context, bucket, key string) (string, error) {
	out, err := c.s3c.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("error when reading from s3 (%s/%s): %w", bucket, key, err)
	}

	body, readErr := io.ReadAll(out.Body)
	closeErr := out.Body.Close()

	if readErr != nil {
		return "", fmt.Errorf("error when reading buffer: %w", readErr)
	}

	if closeErr != nil {
		return "", fmt.Errorf("error when closing s3 object stream (%s/%s): %w", bucket, key, closeErr)
	}

	return string(body), nil
}

// SendMessage delivers a message to the specified queue through the underlying
// SQS client. Payloads exceeding the message size threshold (or every payload,
// under WithAlwaysS3) are first written to S3 and replaced by a pointer
// record, with the reserved size attribute recording the original body length.
func (c *Client) SendMessage(
	ctx context.Context,
	params *sqs.SendMessageInput,
	optFns ...func(*sqs.Options),
) (*sqs.SendMessageOutput, error) {
	// copy to avoid mutating params
	input := *params

	if len(input.MessageAttributes) > maxAllowedAttributes {
		return nil, fmt.Errorf("number of message attributes [%d] exceeds the allowed maximum for large-payload messages [%d]", len(input.MessageAttributes), maxAllowedAttributes)
	}

	queueURL, bucket := c.resolveQueueBucket(input.QueueUrl)
	input.QueueUrl = queueURL

	if c.alwaysThroughS3 || c.messageExceedsThreshold(input.MessageBody, input.MessageAttributes) {
		pointerBody, err := c.uploadPayload(ctx, bucket, aws.ToString(input.MessageBody))
		if err != nil {
			return nil, err
		}

		input.MessageAttributes = c.extendAttributes(input.MessageAttributes, len(aws.ToString(input.MessageBody)))
		input.MessageBody = aws.String(pointerBody)
	}

	return c.SQSClient.SendMessage(ctx, &input, optFns...)
}

type messageSize struct {
	bodySize int64
	attrSize int64
}

func (s messageSize) total() int64 { return s.bodySize + s.attrSize }

type batchMessageMeta struct {
	payloadIndex int
	msgSize      messageSize
}

type batchPayload struct {
	// running combined size of the batch as entries are priced and offloaded
	batchBytes int64
	// pointer record size for this batch: base pointer plus bucket name length
	s3PointerSize    int
	extendedMessages []batchMessageMeta
}

// pointerReplacementSize is the on-queue footprint of an entry after its body
// is offloaded: the pointer record, the reserved size attribute (name, data
// type, and the decimal digits of the original body length), and any original
// attributes which stay on the message.
func (c *Client) pointerReplacementSize(bp *batchPayload, m batchMessageMeta) int64 {
	return int64(bp.s3PointerSize+c.baseAttributeSize+len(strconv.FormatInt(m.msgSize.bodySize, 10))) + m.msgSize.attrSize
}

// optimizeBatchPayload decides which remaining entries to offload so the
// combined batch size fits under the batch threshold while sending as little
// data to S3 as possible: if a single offload suffices, the smallest such
// entry is chosen; otherwise the largest shrinkable entry is offloaded and the
// process repeats. Entries whose pointer replacement is not smaller than their
// payload are never offloaded.
func (c *Client) optimizeBatchPayload(bp *batchPayload, messages []batchMessageMeta) *batchPayload {
	for _, m := range messages {
		bp.batchBytes += m.msgSize.total()
	}

	candidates := make([]batchMessageMeta, 0, len(messages))
	for _, m := range messages {
		if c.pointerReplacementSize(bp, m) < m.msgSize.total() {
			candidates = append(candidates, m)
		}
	}

	for bp.batchBytes > c.batchMessageSizeThreshold && len(candidates) > 0 {
		pick := -1

		// smallest entry whose offload alone brings the batch under the threshold
		for i, m := range candidates {
			gain := m.msgSize.total() - c.pointerReplacementSize(bp, m)
			if bp.batchBytes-gain > c.batchMessageSizeThreshold {
				continue
			}
			if pick == -1 || m.msgSize.bodySize < candidates[pick].msgSize.bodySize {
				pick = i
			}
		}

		// no single offload suffices; take the largest shrinkable entry
		if pick == -1 {
			for i, m := range candidates {
				if pick == -1 || m.msgSize.bodySize > candidates[pick].msgSize.bodySize {
					pick = i
				}
			}
		}

		picked := candidates[pick]
		bp.batchBytes -= picked.msgSize.total() - c.pointerReplacementSize(bp, picked)
		bp.extendedMessages = append(bp.extendedMessages, picked)
		candidates = append(candidates[:pick], candidates[pick+1:]...)
	}

	return bp
}

// SendMessageBatch delivers up to 10 messages to the specified queue. Each
// entry over the message size threshold is offloaded to S3 like SendMessage;
// if the combined batch still exceeds the batch threshold, further entries are
// offloaded per optimizeBatchPayload. Uploads for a batch run concurrently.
func (c *Client) SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	input := *params
	entries := make([]types.SendMessageBatchRequestEntry, len(input.Entries))
	copy(entries, input.Entries)
	input.Entries = entries

	queueURL, bucket := c.resolveQueueBucket(input.QueueUrl)
	input.QueueUrl = queueURL

	bp := &batchPayload{s3PointerSize: c.baseS3PointerSize + len(bucket)}
	remaining := make([]batchMessageMeta, 0, len(entries))

	for i := range entries {
		if len(entries[i].MessageAttributes) > maxAllowedAttributes {
			return nil, fmt.Errorf("number of message attributes [%d] exceeds the allowed maximum for large-payload messages [%d]", len(entries[i].MessageAttributes), maxAllowedAttributes)
		}

		meta := batchMessageMeta{
			payloadIndex: i,
			msgSize: messageSize{
				bodySize: int64(len(aws.ToString(entries[i].MessageBody))),
				attrSize: c.attributeSize(entries[i].MessageAttributes),
			},
		}

		if c.alwaysThroughS3 || meta.msgSize.total() > c.messageSizeThreshold {
			bp.extendedMessages = append(bp.extendedMessages, meta)
			bp.batchBytes += c.pointerReplacementSize(bp, meta)
		} else {
			remaining = append(remaining, meta)
		}
	}

	bp = c.optimizeBatchPayload(bp, remaining)

	eg, egCtx := errgroup.WithContext(ctx)
	for _, meta := range bp.extendedMessages {
		meta := meta
		eg.Go(func() error {
			entry := &entries[meta.payloadIndex]
			body := aws.ToString(entry.MessageBody)

			pointerBody, err := c.uploadPayload(egCtx, bucket, body)
			if err != nil {
				return err
			}

			entry.MessageAttributes = c.extendAttributes(entry.MessageAttributes, len(body))
			entry.MessageBody = aws.String(pointerBody)
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return c.SQSClient.SendMessageBatch(ctx, &input, optFns...)
}

// ensureReservedAttributes makes sure a receive call asks for the reserved
// payload size attributes, so extended messages can be recognized. The list is
// left alone when it already requests everything or any reserved name.
func (c *Client) ensureReservedAttributes(names []string) []string {
	for _, name := range names {
		if name == "All" || name == ".*" {
			return names
		}

		for _, reserved := range c.reservedAttrs {
			if name == reserved {
				return names
			}
		}
	}

	extended := make([]string, 0, len(names)+len(c.reservedAttrs))
	extended = append(extended, names...)
	extended = append(extended, c.reservedAttrs...)
	return extended
}

// ReceiveMessage retrieves messages from the specified queue through the
// underlying SQS client. Messages carrying a reserved payload size attribute
// have their pointer body swapped for the S3 object content, and their receipt
// handle extended with the object coordinates so DeleteMessage can release the
// payload. Orphaned extended messages are either surfaced as errors or, under
// WithDiscardOrphanedExtendedMessages, deleted and dropped from the response.
func (c *Client) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	input := *params
	input.MessageAttributeNames = c.ensureReservedAttributes(params.MessageAttributeNames)

	out, err := c.SQSClient.ReceiveMessage(ctx, &input, optFns...)
	if err != nil {
		return out, err
	}

	messages := make([]types.Message, 0, len(out.Messages))
	for _, msg := range out.Messages {
		if !c.hasReservedAttribute(msg.MessageAttributes) {
			messages = append(messages, msg)
			continue
		}

		var ptr s3Pointer
		if err := jsonUnmarshal([]byte(aws.ToString(msg.Body)), &ptr); err != nil {
			return nil, fmt.Errorf("error when unmarshalling s3 pointer: %w", err)
		}

		content, err := c.downloadPayload(ctx, ptr.S3BucketName, ptr.S3Key)
		if err != nil {
			var noSuchKey *s3types.NoSuchKey
			if c.discardOrphans && errors.As(err, &noSuchKey) {
				c.logger.WarnContext(ctx, "discarding orphaned extended message", "bucket", ptr.S3BucketName, "key", ptr.S3Key)

				if _, err := c.SQSClient.DeleteMessage(ctx, &sqs.DeleteMessageInput{
					QueueUrl:      input.QueueUrl,
					ReceiptHandle: msg.ReceiptHandle,
				}); err != nil {
					return nil, fmt.Errorf("unable to delete orphaned extended message: %w", err)
				}

				continue
			}

			return nil, err
		}

		msg.Body = aws.String(content)
		msg.ReceiptHandle = aws.String(newExtendedReceiptHandle(ptr.S3BucketName, ptr.S3Key, aws.ToString(msg.ReceiptHandle)))
		messages = append(messages, msg)
	}

	out.Messages = messages
	return out, nil
}

// RetrieveLambdaEvent resolves offloaded payloads inside a Lambda SQS event.
// Records carrying a reserved payload size attribute have their pointer body
// replaced by the S3 object content and their receipt handle extended; other
// records pass through untouched. With orphan discarding enabled, records
// whose object is gone are dropped from the returned event.
func (c *Client) RetrieveLambdaEvent(ctx context.Context, evt *events.SQSEvent) (*events.SQSEvent, error) {
	resolved := *evt
	records := make([]events.SQSMessage, 0, len(evt.Records))

	for _, rec := range evt.Records {
		if !c.hasReservedLambdaAttribute(rec.MessageAttributes) {
			records = append(records, rec)
			continue
		}

		var ptr s3Pointer
		if err := jsonUnmarshal([]byte(rec.Body), &ptr); err != nil {
			return nil, fmt.Errorf("error when unmarshalling s3 pointer: %w", err)
		}

		content, err := c.downloadPayload(ctx, ptr.S3BucketName, ptr.S3Key)
		if err != nil {
			var noSuchKey *s3types.NoSuchKey
			if c.discardOrphans && errors.As(err, &noSuchKey) {
				c.logger.WarnContext(ctx, "discarding orphaned extended message", "bucket", ptr.S3BucketName, "key", ptr.S3Key)
				continue
			}

			return nil, err
		}

		rec.Body = content
		rec.ReceiptHandle = newExtendedReceiptHandle(ptr.S3BucketName, ptr.S3Key, rec.ReceiptHandle)
		records = append(records, rec)
	}

	resolved.Records = records
	return &resolved, nil
}

// DeleteMessage deletes a message from the specified queue. Extended receipt
// handles produced by ReceiveMessage are recognized: the queue message is
// deleted with the original handle and the offloaded payload is removed from
// S3 (unless WithSkipDeleteS3Payloads is set).
func (c *Client) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	bucket, key, handle := parseExtendedReceiptHandle(aws.ToString(params.ReceiptHandle))
	if handle == "" {
		return c.SQSClient.DeleteMessage(ctx, params, optFns...)
	}

	input := *params
	input.ReceiptHandle = aws.String(handle)

	out, err := c.SQSClient.DeleteMessage(ctx, &input, optFns...)
	if err != nil {
		return out, err
	}

	if !c.skipDeleteS3Payloads {
		if _, err := c.s3c.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}); err != nil {
			return out, fmt.Errorf("unable to delete s3 payload (%s/%s): %w", bucket, key, err)
		}
	}

	return out, nil
}

// DeleteMessageBatch deletes up to 10 messages from the specified queue.
// Extended receipt handles are stripped before the underlying call; the
// backing S3 objects of entries SQS reports as deleted are then removed with
// one DeleteObjects call per bucket. When SQS reports no failures every
// extended entry's object is removed.
func (c *Client) DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
	input := *params
	entries := make([]types.DeleteMessageBatchRequestEntry, len(input.Entries))
	copy(entries, input.Entries)
	input.Entries = entries

	type bucketKey struct {
		bucket string
		key    string
	}

	refs := make(map[string]bucketKey, len(entries))
	order := make([]string, 0, len(entries))

	for i := range entries {
		bucket, key, handle := parseExtendedReceiptHandle(aws.ToString(entries[i].ReceiptHandle))
		if handle == "" {
			continue
		}

		entries[i].ReceiptHandle = aws.String(handle)
		id := aws.ToString(entries[i].Id)
		refs[id] = bucketKey{bucket: bucket, key: key}
		order = append(order, id)
	}

	out, err := c.SQSClient.DeleteMessageBatch(ctx, &input, optFns...)
	if err != nil || c.skipDeleteS3Payloads || len(refs) == 0 {
		return out, err
	}

	// with partial failures, only release payloads of entries SQS deleted
	deletable := order
	if len(out.Failed) > 0 {
		deletable = deletable[:0]
		for _, success := range out.Successful {
			if _, ok := refs[aws.ToString(success.Id)]; ok {
				deletable = append(deletable, aws.ToString(success.Id))
			}
		}
	}

	objects := make(map[string][]s3types.ObjectIdentifier)
	buckets := make([]string, 0, 1)
	for _, id := range deletable {
		ref := refs[id]
		if _, ok := objects[ref.bucket]; !ok {
			buckets = append(buckets, ref.bucket)
		}
		objects[ref.bucket] = append(objects[ref.bucket], s3types.ObjectIdentifier{Key: aws.String(ref.key)})
	}

	for _, bucket := range buckets {
		if _, err := c.s3c.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &s3types.Delete{Objects: objects[bucket]},
		}); err != nil {
			return out, fmt.Errorf("unable to delete s3 payloads (%s): %w", bucket, err)
		}
	}

	return out, nil
}

// ChangeMessageVisibility changes the visibility timeout of a message,
// transparently stripping extended receipt handles.
func (c *Client) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	if _, _, handle := parseExtendedReceiptHandle(aws.ToString(params.ReceiptHandle)); handle != "" {
		input := *params
		input.ReceiptHandle = aws.String(handle)
		return c.SQSClient.ChangeMessageVisibility(ctx, &input, optFns...)
	}

	return c.SQSClient.ChangeMessageVisibility(ctx, params, optFns...)
}
