package sqsclaimcheck

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"os"
	"strconv"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
)

const maxMessageSize = 1048576

type integrationEnv struct {
	t          *testing.T
	client     *Client
	sqsc       *sqs.Client
	s3c        *s3.Client
	queueURL   string
	bucketName string
}

func startIntegrationTest(t *testing.T) *integrationEnv {
	region := os.Getenv("AWS_REGION")
	bucketName := os.Getenv("BUCKET_NAME")
	queueURL := os.Getenv("QUEUE_URL")

	if testing.Short() {
		t.Skip("skipping integration test")
		return nil
	}

	if region == "" || bucketName == "" || queueURL == "" {
		t.Skip("missing one or more env vars: AWS_REGION, BUCKET_NAME, QUEUE_URL. skipping integration test.")
		return nil
	}

	ctx := context.Background()
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	assert.NoError(t, err)

	sqsc := sqs.NewFromConfig(cfg)
	s3c := s3.NewFromConfig(cfg)
	client, err := New(sqsc, s3c, WithS3BucketName(bucketName))
	assert.NoError(t, err)

	return &integrationEnv{
		t:          t,
		client:     client,
		sqsc:       sqsc,
		s3c:        s3c,
		queueURL:   queueURL,
		bucketName: bucketName,
	}
}

var letters = []byte("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")

func createPayload(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

func createMaxPayload() string {
	return createPayload(maxMessageSize)
}

func createOversizedPayload() string {
	return createPayload(maxMessageSize + 1)
}

// verify some behaviors from AWS are working as expected so that the claim
// check client can operate within expected invariants
func TestBaselineOversizedPayloadIntegration(t *testing.T) {
	i := startIntegrationTest(t)

	_, err := i.sqsc.SendMessage(context.Background(), &sqs.SendMessageInput{
		MessageBody: aws.String(createOversizedPayload()),
		QueueUrl:    aws.String(i.queueURL),
	})

	// ensure that oversized payloads will fail to be sent to sqs
	assert.ErrorContains(t, err, "Message must be shorter than 1048576 bytes")

	// missing key in accessible test bucket should return typed NoSuchKey
	_, err = i.s3c.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: &i.bucketName,
		Key:    aws.String("definitely-missing-object-key"),
	})

	var noSuchKey *s3types.NoSuchKey
	assert.Error(t, err)
	assert.True(t, errors.As(err, &noSuchKey), "expected NoSuchKey for missing object")

	_, err = i.s3c.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String("no-access-bucket"),
		Key:    aws.String("some-object"),
	})

	// should not be NoSuchKey; expected AccessDenied error
	assert.Error(t, err)
	assert.False(t, errors.As(err, &noSuchKey), "should not be NoSuchKey for access denied case")
}

func TestCoreFunctionalityIntegration(t *testing.T) {
	i := startIntegrationTest(t)
	payloads := []string{createMaxPayload(), createOversizedPayload(), createOversizedPayload()}

	tests := []struct {
		name                string
		payload             string
		receiveMessageFn    func(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
		msgChecks           func(t *testing.T, msg types.Message)
		receiptHandleChecks func(t *testing.T, handle string)
	}{
		{
			name:             "payloads within the limit stay on the queue",
			payload:          payloads[0],
			receiveMessageFn: i.sqsc.ReceiveMessage,
			msgChecks: func(t *testing.T, msg types.Message) {
				assert.NotContains(t, msg.MessageAttributes, "ExtendedPayloadSize")
				assert.Equal(t, payloads[0], *msg.Body)
			},
		},
		{
			name:             "oversized payload is offloaded to s3",
			payload:          payloads[1],
			receiveMessageFn: i.sqsc.ReceiveMessage,
			msgChecks: func(t *testing.T, msg types.Message) {
				assert.Contains(t, msg.MessageAttributes, "ExtendedPayloadSize")
				assert.Equal(t, strconv.Itoa(maxMessageSize+1), *msg.MessageAttributes["ExtendedPayloadSize"].StringValue)

				var ptr s3Pointer
				err := json.Unmarshal([]byte(*msg.Body), &ptr)
				assert.NoError(t, err)
				assert.Equal(t, "software.amazon.payloadoffloading.PayloadS3Pointer", ptr.class)
				assert.Equal(t, i.bucketName, ptr.S3BucketName)

				s3r, err := i.s3c.GetObject(context.TODO(), &s3.GetObjectInput{
					Bucket: &ptr.S3BucketName,
					Key:    &ptr.S3Key,
				})
				assert.NoError(t, err)

				defer s3r.Body.Close()

				content, err := io.ReadAll(s3r.Body)
				assert.NoError(t, err)
				assert.Equal(t, payloads[1], string(content))

				_, err = i.s3c.DeleteObject(context.TODO(), &s3.DeleteObjectInput{
					Bucket: &ptr.S3BucketName,
					Key:    &ptr.S3Key,
				})
				assert.NoError(t, err)
			},
		},
		{
			name:             "offloaded payload resolved transparently by the client",
			payload:          payloads[2],
			receiveMessageFn: i.client.ReceiveMessage,
			msgChecks: func(t *testing.T, msg types.Message) {
				assert.Contains(t, msg.MessageAttributes, "ExtendedPayloadSize")
				assert.Equal(t, strconv.Itoa(maxMessageSize+1), *msg.MessageAttributes["ExtendedPayloadSize"].StringValue)
				assert.Equal(t, payloads[2], *msg.Body)

				bucket, key, handle := parseExtendedReceiptHandle(*msg.ReceiptHandle)
				assert.NotEmpty(t, bucket)
				assert.NotEmpty(t, key)
				assert.NotEmpty(t, handle)
			},
			receiptHandleChecks: func(t *testing.T, handle string) {
				bucket, key, _ := parseExtendedReceiptHandle(handle)

				_, err := i.s3c.GetObject(context.TODO(), &s3.GetObjectInput{
					Bucket: &bucket,
					Key:    &key,
				})

				assert.ErrorContains(t, err, "NoSuchKey")
			},
		},
	}

	for _, tC := range tests {
		t.Run(tC.name, func(t *testing.T) {
			_, err := i.client.SendMessage(context.TODO(), &sqs.SendMessageInput{
				MessageBody: &tC.payload,
				QueueUrl:    aws.String(i.queueURL),
			})

			assert.NoError(t, err)

			res, err := tC.receiveMessageFn(context.TODO(), &sqs.ReceiveMessageInput{
				QueueUrl:              aws.String(i.queueURL),
				MessageAttributeNames: []string{"All"},
			})

			assert.NoError(t, err)

			msg := res.Messages[0]
			tC.msgChecks(t, msg)

			_, err = i.client.DeleteMessage(context.TODO(), &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(i.queueURL),
				ReceiptHandle: msg.ReceiptHandle,
			})

			assert.NoError(t, err)

			if tC.receiptHandleChecks != nil {
				tC.receiptHandleChecks(t, *msg.ReceiptHandle)
			}
		})
	}
}

func TestBatchFunctionalityIntegration(t *testing.T) {
	i := startIntegrationTest(t)

	payloads := []string{createPayload(50), createOversizedPayload()}
	res, err := i.client.SendMessageBatch(context.TODO(), &sqs.SendMessageBatchInput{
		Entries: []types.SendMessageBatchRequestEntry{
			{
				Id:          aws.String("standard"),
				MessageBody: aws.String(payloads[0]),
			},
			{
				Id:          aws.String("offloaded"),
				MessageBody: aws.String(payloads[1]),
			},
		},
		QueueUrl: aws.String(i.queueURL),
	})

	assert.NoError(t, err)
	assert.Len(t, res.Successful, 2)

	recResp, err := i.client.ReceiveMessage(context.TODO(), &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(i.queueURL),
		AttributeNames:      []types.QueueAttributeName{},
		MaxNumberOfMessages: 2,
	})

	assert.NoError(t, err)
	assert.Len(t, recResp.Messages, 2)

	var bucket, key, handle string
	hasOffloaded := false
	hasStandard := false
	for _, msg := range recResp.Messages {
		if attr, ok := msg.MessageAttributes["ExtendedPayloadSize"]; ok {
			hasOffloaded = true
			assert.Equal(t, strconv.Itoa(maxMessageSize+1), *attr.StringValue)
			assert.Equal(t, payloads[1], *msg.Body)

			bucket, key, handle = parseExtendedReceiptHandle(*msg.ReceiptHandle)
			assert.NotEmpty(t, bucket)
			assert.NotEmpty(t, key)
			assert.NotEmpty(t, handle)
		} else {
			hasStandard = true
			assert.Equal(t, payloads[0], *msg.Body)
		}
	}

	assert.True(t, hasOffloaded)
	assert.True(t, hasStandard)

	_, err = i.client.DeleteMessageBatch(context.TODO(), &sqs.DeleteMessageBatchInput{
		Entries: []types.DeleteMessageBatchRequestEntry{
			{
				Id:            aws.String("1"),
				ReceiptHandle: recResp.Messages[0].ReceiptHandle,
			},
			{
				Id:            aws.String("2"),
				ReceiptHandle: recResp.Messages[1].ReceiptHandle,
			},
		},
		QueueUrl: aws.String(i.queueURL),
	})
	assert.NoError(t, err)

	_, err = i.s3c.GetObject(context.TODO(), &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})

	assert.ErrorContains(t, err, "NoSuchKey")
}

// full claim-check round trip through a wrapped handler: the offloaded
// payload is fetched, handed to the handler, and deleted on success.
func TestHandlerRoundTripIntegration(t *testing.T) {
	i := startIntegrationTest(t)

	payload := createOversizedPayload()
	_, err := i.client.SendMessage(context.TODO(), &sqs.SendMessageInput{
		MessageBody: aws.String(payload),
		QueueUrl:    aws.String(i.queueURL),
	})
	assert.NoError(t, err)

	res, err := i.sqsc.ReceiveMessage(context.TODO(), &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(i.queueURL),
		MessageAttributeNames: []string{"All"},
	})
	assert.NoError(t, err)
	assert.Len(t, res.Messages, 1)

	var ptr s3Pointer
	assert.NoError(t, json.Unmarshal([]byte(*res.Messages[0].Body), &ptr))

	handler := NewSQSHandler(i.client, func(ctx context.Context, event events.SQSEvent) (string, error) {
		assert.Len(t, event.Records, 1)
		assert.Equal(t, payload, event.Records[0].Body)
		return "done", nil
	})

	out, err := handler(context.TODO(), events.SQSEvent{
		Records: []events.SQSMessage{{
			EventSource: "aws:sqs",
			Body:        *res.Messages[0].Body,
		}},
	})
	assert.NoError(t, err)
	assert.Equal(t, "done", out)

	// handler success must release the offloaded object
	_, err = i.s3c.GetObject(context.TODO(), &s3.GetObjectInput{
		Bucket: &ptr.S3BucketName,
		Key:    &ptr.S3Key,
	})
	assert.ErrorContains(t, err, "NoSuchKey")

	_, err = i.sqsc.DeleteMessage(context.TODO(), &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(i.queueURL),
		ReceiptHandle: res.Messages[0].ReceiptHandle,
	})
	assert.NoError(t, err)
}
