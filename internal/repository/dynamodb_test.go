package repository

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pagedQueries serves query results one item per page, like a GSI read
// that crosses the 1 MB response limit.
type pagedQueries struct {
	dynamoAPI
	items  []map[string]types.AttributeValue
	inputs []dynamodb.QueryInput
}

func (q *pagedQueries) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	q.inputs = append(q.inputs, *in)
	next := 0
	if start, ok := in.ExclusiveStartKey["id"].(*types.AttributeValueMemberS); ok {
		for i, it := range q.items {
			if id := it["id"].(*types.AttributeValueMemberS); id.Value == start.Value {
				next = i + 1
			}
		}
	}
	out := &dynamodb.QueryOutput{}
	if next < len(q.items) {
		out.Items = q.items[next : next+1]
		if next+1 < len(q.items) {
			out.LastEvaluatedKey = map[string]types.AttributeValue{"id": q.items[next]["id"]}
		}
	}
	return out, nil
}

func TestDynamoInstances_ListBySubjectReadsEveryPage(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	q := &pagedQueries{}
	for i, id := range []string{"I3", "I1", "I2"} {
		inst := newInstance(id, "P1", "T1")
		inst.CreatedAt = base.Add(time.Duration([]int{3, 1, 2}[i]) * time.Minute)
		av, err := attributevalue.MarshalMap(toInstanceItem(inst))
		require.NoError(t, err)
		q.items = append(q.items, av)
	}

	repo := &dynamoInstances{ddb: q, table: "instances"}
	got, err := repo.ListBySubject(context.Background(), "P1")
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, []string{"I1", "I2", "I3"}, []string{got[0].ID, got[1].ID, got[2].ID})
	require.Len(t, q.inputs, 3)
	assert.Equal(t, instancesSubjectIndex, aws.ToString(q.inputs[0].IndexName))
	assert.Empty(t, q.inputs[0].ExclusiveStartKey)
	assert.NotEmpty(t, q.inputs[2].ExclusiveStartKey)
}

func TestDynamoInstances_ListBySubjectEmpty(t *testing.T) {
	repo := &dynamoInstances{ddb: &pagedQueries{}, table: "instances"}
	got, err := repo.ListBySubject(context.Background(), "nobody")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}
