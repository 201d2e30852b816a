package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"interviewd/internal/logger"
	"interviewd/pkg/types"
)

const (
	pkPrefixSubject = "SUBJECT#"
	skPrefixNotif   = "NOTIF#"
	ttlDuration     = 90 * 24 * time.Hour
)

// dynamodbAPI is the part of *dynamodb.Client the notifier needs.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Dynamo stores notifications in a single DynamoDB table keyed by subject.
type Dynamo struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
	logger    *zap.Logger
}

var _ Notifier = (*Dynamo)(nil)

// NewDynamo creates a notifier on tableName.
func NewDynamo(api dynamodbAPI, tableName string, l *zap.Logger) (*Dynamo, error) {
	if api == nil {
		return nil, errors.New("notify: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("notify: table name must not be empty")
	}
	return &Dynamo{
		api:       api,
		tableName: tableName,
		now:       time.Now,
		logger:    logger.OrNop(l).Named("notify"),
	}, nil
}

// NewDynamoFromEnvironment builds the notifier from the default AWS credential chain.
func NewDynamoFromEnvironment(ctx context.Context, region, tableName string, l *zap.Logger) (*Dynamo, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region = strings.TrimSpace(region); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("notify: load aws config: %w", err)
	}
	return NewDynamo(dynamodb.NewFromConfig(cfg), tableName, l)
}

func subjectPK(subjectID string) string {
	return pkPrefixSubject + subjectID
}

// notifSK sorts notifications by creation time; the id keeps keys unique.
func notifSK(createdAt time.Time, id string) string {
	return skPrefixNotif + createdAt.UTC().Format(time.RFC3339Nano) + "#" + id
}

func (d *Dynamo) Notify(ctx context.Context, n *types.Notification) error {
	if err := prepare(n, d.now); err != nil {
		return err
	}

	_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                notificationItem(n, n.CreatedAt.Add(ttlDuration).Unix()),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("notify: put notification: %w", err)
	}

	d.logger.Debug("notification filed",
		append(logger.Session("", n.SubjectID), zap.String("kind", string(n.Kind)))...)
	return nil
}

// ListForSubject returns the newest notifications first.
func (d *Dynamo) ListForSubject(ctx context.Context, subjectID string, limit int) ([]*types.Notification, error) {
	if !types.IsValidSubjectID(subjectID) {
		return nil, types.ErrInvalidSubjectID
	}

	out, err := d.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pk":     &ddbtypes.AttributeValueMemberS{Value: subjectPK(subjectID)},
			":prefix": &ddbtypes.AttributeValueMemberS{Value: skPrefixNotif},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(clampLimit(limit))),
	})
	if err != nil {
		return nil, fmt.Errorf("notify: query notifications: %w", err)
	}

	notifications := make([]*types.Notification, 0, len(out.Items))
	for _, item := range out.Items {
		n, err := itemToNotification(item)
		if err != nil {
			return nil, fmt.Errorf("notify: decode notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	return notifications, nil
}

func notificationItem(n *types.Notification, ttl int64) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"PK":        &ddbtypes.AttributeValueMemberS{Value: subjectPK(n.SubjectID)},
		"SK":        &ddbtypes.AttributeValueMemberS{Value: notifSK(n.CreatedAt, n.ID)},
		"id":        &ddbtypes.AttributeValueMemberS{Value: n.ID},
		"subjectId": &ddbtypes.AttributeValueMemberS{Value: n.SubjectID},
		"kind":      &ddbtypes.AttributeValueMemberS{Value: string(n.Kind)},
		"title":     &ddbtypes.AttributeValueMemberS{Value: n.Title},
		"message":   &ddbtypes.AttributeValueMemberS{Value: n.Message},
		"link":      &ddbtypes.AttributeValueMemberS{Value: n.Link},
		"createdAt": &ddbtypes.AttributeValueMemberS{Value: n.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":       &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", ttl)},
	}
}

func itemToNotification(item map[string]ddbtypes.AttributeValue) (*types.Notification, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return nil, err
	}
	subjectID, err := strAttr(item, "subjectId")
	if err != nil {
		return nil, err
	}
	kind, err := strAttr(item, "kind")
	if err != nil {
		return nil, err
	}
	created, err := strAttr(item, "createdAt")
	if err != nil {
		return nil, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("parse createdAt: %w", err)
	}
	title, _ := strAttr(item, "title")
	message, _ := strAttr(item, "message")
	link, _ := strAttr(item, "link")

	return &types.Notification{
		ID:        id,
		SubjectID: subjectID,
		Kind:      types.NotificationKind(kind),
		Title:     title,
		Message:   message,
		Link:      link,
		CreatedAt: createdAt,
	}, nil
}

func strAttr(item map[string]ddbtypes.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("missing attribute %q", key)
	}
	s, ok := v.(*ddbtypes.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("attribute %q is not a string", key)
	}
	return s.Value, nil
}
