package model

import "time"

// CheckoutRecord is the record-store entry for a document checkout.
type CheckoutRecord struct {
	DocumentID   string    `json:"document_id" dynamodbav:"document_id"`
	UserID       string    `json:"user_id" dynamodbav:"user_id"`
	UserName     string    `json:"user_name,omitempty" dynamodbav:"user_name"`
	UserEmail    string    `json:"user_email,omitempty" dynamodbav:"user_email"`
	CheckedOutAt time.Time `json:"checked_out_at" dynamodbav:"checked_out_at"`
	ExpiresAt    int64     `json:"expires_at" dynamodbav:"expires_at"` // TTL (Unix timestamp)
	Version      int64     `json:"version" dynamodbav:"version"`
}

// Holder returns the user holding the checkout.
func (r *CheckoutRecord) Holder() UserRef {
	return UserRef{ID: r.UserID, DisplayName: r.UserName, Email: r.UserEmail}
}

// UserCredential is a user's Drive refresh token stored in DynamoDB.
type UserCredential struct {
	UserID                string    `json:"user_id" dynamodbav:"user_id"`
	EncryptedRefreshToken string    `json:"encrypted_refresh_token" dynamodbav:"encrypted_refresh_token"`
	UpdatedAt             time.Time `json:"updated_at" dynamodbav:"updated_at"`
}
