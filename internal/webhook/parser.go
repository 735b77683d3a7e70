package webhook

import (
	"bytes"
	"encoding/json"
	"unicode/utf8"

	"github.com/cockroachdb/errors"

	"basegraph.app/syncrelay/internal/model"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedJSON    = errors.New("failed to parse webhook payload")
	ErrInvalidStructure = errors.New("invalid webhook payload structure")
)

// Parse authenticates and decodes a tracker webhook. Checks run in a fixed order and stop
// at the first failure: signature, then JSON syntax, then required fields and data shape.
// The returned error matches exactly one of ErrInvalidSignature, ErrMalformedJSON or
// ErrInvalidStructure under errors.Is.
func Parse(rawBody []byte, signature, secret string) (*model.WebhookEvent, error) {
	if !Verify(rawBody, signature, secret) {
		return nil, ErrInvalidSignature
	}

	if !utf8.Valid(rawBody) {
		return nil, errors.Wrap(ErrMalformedJSON, "body is not valid UTF-8")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(rawBody, &fields); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			// valid JSON, but not an object
			return nil, errors.Wrap(ErrInvalidStructure, "payload is not an object")
		}
		return nil, errors.Wrap(ErrMalformedJSON, err.Error())
	}
	if fields == nil {
		return nil, errors.Wrap(ErrInvalidStructure, "payload is null")
	}

	return decodeEvent(fields)
}

func decodeEvent(fields map[string]json.RawMessage) (*model.WebhookEvent, error) {
	action, err := requiredString(fields, "action")
	if err != nil {
		return nil, err
	}

	resourceType, err := requiredString(fields, "type")
	if errors.Is(err, ErrInvalidStructure) {
		// some payload versions name the discriminator resourceType
		resourceType, err = requiredString(fields, "resourceType")
	}
	if err != nil {
		return nil, err
	}

	rawData, ok := fields["data"]
	if !ok || isNull(rawData) {
		return nil, errors.Wrap(ErrInvalidStructure, "missing data")
	}

	event := &model.WebhookEvent{
		Action:       model.WebhookAction(action),
		ResourceType: model.ResourceType(resourceType),
		RawData:      rawData,
	}

	for key, dst := range map[string]*string{
		"organizationId": &event.OrganizationID,
		"webhookId":      &event.WebhookID,
		"createdAt":      &event.CreatedAt,
		"url":            &event.URL,
	} {
		if err := optionalString(fields, key, dst); err != nil {
			return nil, err
		}
	}

	if ts, ok := fields["webhookTimestamp"]; ok && !isNull(ts) {
		var f float64
		if err := json.Unmarshal(ts, &f); err != nil {
			return nil, errors.Wrap(ErrInvalidStructure, "webhookTimestamp must be a number")
		}
		event.WebhookTimestamp = int64(f)
	}

	if from, ok := fields["updatedFrom"]; ok && !isNull(from) {
		event.UpdatedFrom = from
	}

	data, err := decodeData(event.ResourceType, rawData)
	if err != nil {
		return nil, err
	}
	event.Data = data

	return event, nil
}

func decodeData(resourceType model.ResourceType, raw json.RawMessage) (model.EventData, error) {
	switch resourceType {
	case model.ResourceTypeIssue:
		var issue model.IssueData
		if err := json.Unmarshal(raw, &issue); err != nil {
			return nil, errors.Wrap(ErrInvalidStructure, "issue data has the wrong shape")
		}
		if issue.ID == "" {
			return nil, errors.Wrap(ErrInvalidStructure, "issue data missing id")
		}
		return &issue, nil

	case model.ResourceTypeComment:
		var comment model.CommentData
		if err := json.Unmarshal(raw, &comment); err != nil {
			return nil, errors.Wrap(ErrInvalidStructure, "comment data has the wrong shape")
		}
		if comment.ID == "" || comment.IssueID == "" {
			return nil, errors.Wrap(ErrInvalidStructure, "comment data missing id or issueId")
		}
		return &comment, nil

	case model.ResourceTypeIssueLabel, model.ResourceTypeProject, model.ResourceTypeCycle:
		return model.RawData(raw), nil

	default:
		// Unknown resource types still parse; routing decides to ignore them.
		return model.RawData(raw), nil
	}
}

func requiredString(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return "", errors.Wrapf(ErrInvalidStructure, "missing %s", key)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", errors.Wrapf(ErrInvalidStructure, "%s must be a string", key)
	}
	if s == "" {
		return "", errors.Wrapf(ErrInvalidStructure, "missing %s", key)
	}
	return s, nil
}

func optionalString(fields map[string]json.RawMessage, key string, dst *string) error {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errors.Wrapf(ErrInvalidStructure, "%s must be a string", key)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
