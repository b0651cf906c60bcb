package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/jun/doclock/internal/crypto"
	"github.com/jun/doclock/internal/model"
	"golang.org/x/oauth2"
)

// ErrNoCredential is returned when a user has not handed over a Drive credential.
var ErrNoCredential = errors.New("no stored credential for user")

// CredentialStore keeps per-user Drive refresh tokens, encrypted, in DynamoDB.
// Tokens are obtained by the external identity provider client; the store only
// persists them and turns them into authenticated HTTP clients.
type CredentialStore struct {
	oauthConfig  *oauth2.Config
	dynamoClient *dynamodb.Client
	tableName    string
	encryptor    crypto.Encryptor

	// In-memory fallback
	creds map[string]model.UserCredential
	mu    sync.RWMutex
}

// NewCredentialStore creates a CredentialStore. A nil dynamoClient keeps
// credentials in memory.
func NewCredentialStore(oauthConfig *oauth2.Config, dynamoClient *dynamodb.Client, tableName string, encryptor crypto.Encryptor) *CredentialStore {
	return &CredentialStore{
		oauthConfig:  oauthConfig,
		dynamoClient: dynamoClient,
		tableName:    tableName,
		encryptor:    encryptor,
		creds:        make(map[string]model.UserCredential),
	}
}

// SaveRefreshToken encrypts and stores the refresh token for userID.
func (s *CredentialStore) SaveRefreshToken(ctx context.Context, userID, refreshToken string) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if refreshToken == "" {
		return fmt.Errorf("refresh token is required")
	}

	encrypted, err := s.encryptor.Encrypt(ctx, refreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	cred := model.UserCredential{
		UserID:                userID,
		EncryptedRefreshToken: encrypted,
		UpdatedAt:             time.Now().UTC(),
	}

	if s.dynamoClient == nil {
		s.mu.Lock()
		s.creds[userID] = cred
		s.mu.Unlock()
		return nil
	}

	item, err := attributevalue.MarshalMap(cred)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}
	_, err = s.dynamoClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save credential to DynamoDB: %w", err)
	}
	return nil
}

// GetCredential returns the stored (still encrypted) credential for userID.
func (s *CredentialStore) GetCredential(ctx context.Context, userID string) (*model.UserCredential, error) {
	if s.dynamoClient == nil {
		s.mu.RLock()
		c, ok := s.creds[userID]
		s.mu.RUnlock()
		if !ok {
			return nil, ErrNoCredential
		}
		return &c, nil
	}

	out, err := s.dynamoClient.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"user_id": &types.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get credential from DynamoDB: %w", err)
	}
	if out.Item == nil {
		return nil, ErrNoCredential
	}
	var cred model.UserCredential
	if err := attributevalue.UnmarshalMap(out.Item, &cred); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}
	return &cred, nil
}

// TokenSource returns a refreshing token source for userID.
func (s *CredentialStore) TokenSource(ctx context.Context, userID string) (oauth2.TokenSource, error) {
	cred, err := s.GetCredential(ctx, userID)
	if err != nil {
		return nil, err
	}
	refreshToken, err := s.encryptor.Decrypt(ctx, cred.EncryptedRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	token := &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Now().Add(-1 * time.Hour), // Force refresh
	}
	return s.oauthConfig.TokenSource(ctx, token), nil
}

// HTTPClient returns an authenticated http.Client acting for userID.
func (s *CredentialStore) HTTPClient(ctx context.Context, userID string) (*http.Client, error) {
	ts, err := s.TokenSource(ctx, userID)
	if err != nil {
		return nil, err
	}
	return oauth2.NewClient(ctx, ts), nil
}
