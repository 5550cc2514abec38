package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/aws/smithy-go"
)

// labelsAttribute is the Cognito custom attribute holding the label set as
// a JSON string array.
const labelsAttribute = "custom:labels"

// CognitoAPI is the subset of the Cognito client used by the backend.
type CognitoAPI interface {
	AdminGetUser(ctx context.Context, params *cognitoidentityprovider.AdminGetUserInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.AdminGetUserOutput, error)
	AdminUpdateUserAttributes(ctx context.Context, params *cognitoidentityprovider.AdminUpdateUserAttributesInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.AdminUpdateUserAttributesOutput, error)
}

// CognitoBackend implements the identity service against a Cognito user
// pool, keeping the label set in the custom:labels attribute.
type CognitoBackend struct {
	client     CognitoAPI
	userPoolID string
}

// NewCognitoBackend creates a new CognitoBackend.
func NewCognitoBackend(client CognitoAPI, userPoolID string) *CognitoBackend {
	return &CognitoBackend{client: client, userPoolID: userPoolID}
}

// GetUser fetches a user record by username.
func (c *CognitoBackend) GetUser(ctx context.Context, id string) (*User, error) {
	output, err := c.client.AdminGetUser(ctx, &cognitoidentityprovider.AdminGetUserInput{
		UserPoolId: aws.String(c.userPoolID),
		Username:   aws.String(id),
	})
	if err != nil {
		return nil, mapCognitoError(err)
	}

	attrs := make(map[string]any, len(output.UserAttributes)+1)
	attrs["username"] = aws.ToString(output.Username)
	var labels []string
	for _, attr := range output.UserAttributes {
		name := aws.ToString(attr.Name)
		value := aws.ToString(attr.Value)
		attrs[name] = value
		if name == labelsAttribute {
			labels = decodeLabelsAttribute(value)
		}
	}
	attrs["labels"] = labels

	return &User{ID: id, Labels: labels, Attributes: attrs}, nil
}

// UpdateLabels replaces the user's label set.
func (c *CognitoBackend) UpdateLabels(ctx context.Context, id string, labels []string) (*User, error) {
	encoded, err := json.Marshal(labels)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal labels: %w", err)
	}

	_, err = c.client.AdminUpdateUserAttributes(ctx, &cognitoidentityprovider.AdminUpdateUserAttributesInput{
		UserPoolId: aws.String(c.userPoolID),
		Username:   aws.String(id),
		UserAttributes: []types.AttributeType{
			{
				Name:  aws.String(labelsAttribute),
				Value: aws.String(string(encoded)),
			},
		},
	})
	if err != nil {
		return nil, mapCognitoError(err)
	}

	return &User{
		ID:     id,
		Labels: labels,
		Attributes: map[string]any{
			"username": id,
			"labels":   labels,
		},
	}, nil
}

// decodeLabelsAttribute parses the JSON array stored in custom:labels.
// A malformed or empty value is treated as no labels.
func decodeLabelsAttribute(value string) []string {
	if value == "" {
		return nil
	}
	var labels []string
	if err := json.Unmarshal([]byte(value), &labels); err != nil {
		return nil
	}
	return labels
}

// mapCognitoError converts Cognito API failures into ServiceErrors so the
// handler's status mapping works the same for both backends.
func mapCognitoError(err error) error {
	var notFound *types.UserNotFoundException
	if errors.As(err, &notFound) {
		return &ServiceError{Code: 404, Message: "User does not exist."}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return &ServiceError{Code: 500, Message: apiErr.ErrorMessage(), Type: apiErr.ErrorCode()}
	}

	return err
}
