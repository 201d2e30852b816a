package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"interviewd/pkg/types"
)

type fakeDynamo struct {
	putErr       error
	queryOut     *dynamodb.QueryOutput
	queryErr     error
	lastPutInput *dynamodb.PutItemInput
	lastQueryIn  *dynamodb.QueryInput
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.lastQueryIn = in
	return f.queryOut, f.queryErr
}

func mustNewDynamo(t *testing.T, db *fakeDynamo) *Dynamo {
	t.Helper()
	d, err := NewDynamo(db, "notifications", nil)
	require.NoError(t, err)
	return d
}

func TestNewDynamo_Validation(t *testing.T) {
	_, err := NewDynamo(nil, "table", nil)
	require.Error(t, err)

	_, err = NewDynamo(&fakeDynamo{}, " ", nil)
	require.Error(t, err)
}

func TestDynamo_NotifyWritesKeys(t *testing.T) {
	db := &fakeDynamo{}
	d := mustNewDynamo(t, db)
	created := time.Date(2026, 5, 1, 10, 0, 0, 123, time.UTC)

	n := &types.Notification{
		ID:        "n1",
		SubjectID: "alice",
		Kind:      types.NotificationEvaluationCompleted,
		Title:     "done",
		Message:   "scored",
		Link:      "/evaluation/s1",
		CreatedAt: created,
	}
	require.NoError(t, d.Notify(context.Background(), n))

	in := db.lastPutInput
	require.NotNil(t, in)
	require.Equal(t, "notifications", aws.ToString(in.TableName))
	require.Equal(t, "SUBJECT#alice", in.Item["PK"].(*ddbtypes.AttributeValueMemberS).Value)
	require.Equal(t, "NOTIF#2026-05-01T10:00:00.000000123Z#n1", in.Item["SK"].(*ddbtypes.AttributeValueMemberS).Value)
	require.Equal(t, "/evaluation/s1", in.Item["link"].(*ddbtypes.AttributeValueMemberS).Value)
	require.Contains(t, aws.ToString(in.ConditionExpression), "attribute_not_exists")
}

func TestDynamo_NotifyError(t *testing.T) {
	d := mustNewDynamo(t, &fakeDynamo{putErr: errors.New("throttled")})
	err := d.Notify(context.Background(), EvaluationDelayed("alice"))
	require.ErrorContains(t, err, "throttled")
}

func TestDynamo_ListForSubject(t *testing.T) {
	created := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	n := &types.Notification{ID: "n1", SubjectID: "alice", Kind: types.NotificationEvaluationDelayed,
		Title: "t", Message: "m", Link: "/dashboard", CreatedAt: created}

	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{
		Items: []map[string]ddbtypes.AttributeValue{notificationItem(n, 0)},
	}}
	d := mustNewDynamo(t, db)

	got, err := d.ListForSubject(context.Background(), "alice", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "n1", got[0].ID)
	require.Equal(t, types.NotificationEvaluationDelayed, got[0].Kind)
	require.True(t, got[0].CreatedAt.Equal(created))

	in := db.lastQueryIn
	require.False(t, aws.ToBool(in.ScanIndexForward))
	require.Equal(t, int32(5), aws.ToInt32(in.Limit))
	require.Equal(t, "SUBJECT#alice", in.ExpressionAttributeValues[":pk"].(*ddbtypes.AttributeValueMemberS).Value)
}

func TestDynamo_ListMalformedItem(t *testing.T) {
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{
		Items: []map[string]ddbtypes.AttributeValue{{
			"id":        &ddbtypes.AttributeValueMemberS{Value: "n1"},
			"subjectId": &ddbtypes.AttributeValueMemberS{Value: "alice"},
			"kind":      &ddbtypes.AttributeValueMemberN{Value: "1"},
		}},
	}}
	d := mustNewDynamo(t, db)

	_, err := d.ListForSubject(context.Background(), "alice", 5)
	require.ErrorContains(t, err, "decode notification")

	db.queryErr = errors.New("boom")
	db.queryOut = nil
	_, err = d.ListForSubject(context.Background(), "alice", 5)
	require.ErrorContains(t, err, "boom")
}
