package helpers

import "fmt"

// NewAttachmentKey constructs the S3 key for an externalized body part.
func NewAttachmentKey(hash string) string {
	return fmt.Sprintf("att/%s", hash)
}

// NewMessageKey constructs the S3 key for a stored message skeleton.
func NewMessageKey(hash string) string {
	return fmt.Sprintf("msg/%s", hash)
}
