package sqsclaimcheck

import (
	"encoding/json"
	"fmt"
	"regexp"
)

const (
	// Serialized pointer records are a 2-element JSON array: the pointer class
	// tag followed by the object coordinates. Matches the format emitted by the
	// Java payload-offloading libraries.
	pointerFormat = `["%s",{"s3BucketName":"%s","s3Key":"%s"}]`

	s3BucketNameMarker = "-..s3BucketName..-"
	s3KeyMarker        = "-..s3Key..-"

	// length of a canonical uuid object key, used for pointer size accounting
	uuidKeyLength = 36
)

// swapped out in tests to exercise marshalling failure paths
var (
	jsonMarshal   = json.Marshal
	jsonUnmarshal = json.Unmarshal
)

var extendedReceiptHandlePattern = regexp.MustCompile(
	`^-\.\.s3BucketName\.\.-(.*)-\.\.s3BucketName\.\.--\.\.s3Key\.\.-(.*)-\.\.s3Key\.\.-(.*)`,
)

type s3Pointer struct {
	S3BucketName string
	S3Key        string
	class        string
}

func (p *s3Pointer) UnmarshalJSON(in []byte) error {
	ptr := []interface{}{}

	if err := json.Unmarshal(in, &ptr); err != nil {
		return err
	}

	if len(ptr) != 2 {
		return fmt.Errorf("invalid pointer format, expected length 2, but received [%d]", len(ptr))
	}

	class, ok := ptr[0].(string)
	if !ok {
		return fmt.Errorf("invalid pointer format, expected class tag string, but received [%T]", ptr[0])
	}

	coords, ok := ptr[1].(map[string]interface{})
	if !ok {
		return fmt.Errorf("invalid pointer format, expected coordinate object, but received [%T]", ptr[1])
	}

	bucket, ok := coords["s3BucketName"].(string)
	if !ok {
		return fmt.Errorf("invalid pointer format, missing s3BucketName")
	}

	key, ok := coords["s3Key"].(string)
	if !ok {
		return fmt.Errorf("invalid pointer format, missing s3Key")
	}

	p.S3BucketName = bucket
	p.S3Key = key
	p.class = class

	return nil
}

func (p *s3Pointer) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(pointerFormat, p.class, p.S3BucketName, p.S3Key)), nil
}

// sniffPointer reports whether body is a serialized pointer record, returning
// the parsed record when it is. Literal bodies (including malformed
// pointer-ish JSON) return ok == false and never an error: detection is the
// caller's signal to leave the body untouched.
func sniffPointer(body string) (s3Pointer, bool) {
	if len(body) == 0 || body[0] != '[' {
		return s3Pointer{}, false
	}

	var ptr s3Pointer
	if err := ptr.UnmarshalJSON([]byte(body)); err != nil {
		return s3Pointer{}, false
	}

	return ptr, true
}

// newExtendedReceiptHandle prepends the S3 coordinates of an offloaded payload
// to an SQS receipt handle so DeleteMessage can release the payload alongside
// the queue message.
func newExtendedReceiptHandle(bucket, key, handle string) string {
	return s3BucketNameMarker + bucket + s3BucketNameMarker +
		s3KeyMarker + key + s3KeyMarker + handle
}

// parseExtendedReceiptHandle splits an extended receipt handle into its S3
// coordinates and the original handle. All three return values are empty when
// the handle carries no markers.
func parseExtendedReceiptHandle(extendedHandle string) (bucket, key, handle string) {
	m := extendedReceiptHandlePattern.FindStringSubmatch(extendedHandle)
	if m == nil {
		return "", "", ""
	}

	return m[1], m[2], m[3]
}
