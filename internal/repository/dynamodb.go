package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"CF-FORMS/internal/config"
	"CF-FORMS/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	// Instances table GSI: PK subject_id.
	instancesSubjectIndex = "subject_id-index"
	// Activity table GSI: PK instance_id, SK created_at.
	activityInstanceIndex = "instance_id-created_at-index"
)

// DynamoTables names the tables used by the dynamodb backend. Every table
// uses a string partition key "id".
type DynamoTables struct {
	Templates  string
	Instances  string
	Activities string
}

type templateItem struct {
	ID            string `dynamodbav:"id"`
	Title         string `dynamodbav:"title"`
	Description   string `dynamodbav:"description"`
	FieldsJSON    string `dynamodbav:"fields_json"`
	SignatureJSON string `dynamodbav:"signature_json"`
	SourceObject  string `dynamodbav:"source_object"`
	SourceKind    string `dynamodbav:"source_kind"`
	PageCount     int    `dynamodbav:"page_count"`
	CreatedAt     string `dynamodbav:"created_at"`
	UpdatedAt     string `dynamodbav:"updated_at"`
}

type instanceItem struct {
	ID           string            `dynamodbav:"id"`
	TemplateID   string            `dynamodbav:"template_id"`
	SubjectID    string            `dynamodbav:"subject_id"`
	FieldValues  map[string]string `dynamodbav:"field_values"`
	SignatureRef string            `dynamodbav:"signature_ref"`
	Status       string            `dynamodbav:"status"`
	OutputObject string            `dynamodbav:"output_object"`
	LastError    string            `dynamodbav:"last_error"`
	CreatedAt    string            `dynamodbav:"created_at"`
	UpdatedAt    string            `dynamodbav:"updated_at"`
	CompletedAt  string            `dynamodbav:"completed_at,omitempty"`
}

type activityItem struct {
	ID         string `dynamodbav:"id"`
	InstanceID string `dynamodbav:"instance_id"`
	TemplateID string `dynamodbav:"template_id"`
	SubjectID  string `dynamodbav:"subject_id"`
	Action     string `dynamodbav:"action"`
	Actor      string `dynamodbav:"actor"`
	Detail     string `dynamodbav:"detail"`
	CreatedAt  string `dynamodbav:"created_at"`
}

// dynamoAPI is the part of *dynamodb.Client the repositories call.
type dynamoAPI interface {
	dynamodb.QueryAPIClient
	dynamodb.ScanAPIClient
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// NewDynamoDBClient loads the default AWS configuration. With an endpoint set
// (DynamoDB Local) static credentials are used, since the SDK requires some.
func NewDynamoDBClient(ctx context.Context, cfg config.DynamoDBConfig) (*dynamodb.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// NewDynamoStore builds the dynamodb backend.
func NewDynamoStore(ddb *dynamodb.Client, tables DynamoTables) *Store {
	return &Store{
		Templates:  &dynamoTemplates{ddb: ddb, table: tables.Templates},
		Instances:  &dynamoInstances{ddb: ddb, table: tables.Instances},
		Activities: &dynamoActivities{ddb: ddb, table: tables.Activities},
		Close:      func() error { return nil },
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func idKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

// conditionFailed reports whether err is a failed condition check, returning
// the item as it was when the check ran (empty if it did not exist).
func conditionFailed(err error) (map[string]types.AttributeValue, bool) {
	var cfe *types.ConditionalCheckFailedException
	if errors.As(err, &cfe) {
		return cfe.Item, true
	}
	return nil, false
}

type dynamoTemplates struct {
	ddb   dynamoAPI
	table string
}

func toTemplateItem(t models.Template) (templateItem, error) {
	doc, err := toTemplateDoc(t)
	if err != nil {
		return templateItem{}, err
	}
	return templateItem{
		ID:            t.ID,
		Title:         doc.Title,
		Description:   doc.Description,
		FieldsJSON:    doc.FieldsJSON,
		SignatureJSON: doc.SignatureJSON,
		SourceObject:  doc.SourceObject,
		SourceKind:    doc.SourceKind,
		PageCount:     doc.PageCount,
		CreatedAt:     formatTime(t.CreatedAt),
		UpdatedAt:     formatTime(t.UpdatedAt),
	}, nil
}

func fromTemplateItem(it templateItem) (models.Template, error) {
	t := models.Template{
		ID:           it.ID,
		Title:        it.Title,
		Description:  it.Description,
		SourceObject: it.SourceObject,
		SourceKind:   models.SourceKind(it.SourceKind),
		PageCount:    it.PageCount,
		CreatedAt:    parseTime(it.CreatedAt),
		UpdatedAt:    parseTime(it.UpdatedAt),
	}
	if it.FieldsJSON != "" {
		if err := json.Unmarshal([]byte(it.FieldsJSON), &t.Fields); err != nil {
			return models.Template{}, fmt.Errorf("template %s: failed to decode fields: %w", it.ID, err)
		}
	}
	if it.SignatureJSON != "" {
		var sig models.FieldPlacement
		if err := json.Unmarshal([]byte(it.SignatureJSON), &sig); err != nil {
			return models.Template{}, fmt.Errorf("template %s: failed to decode signature field: %w", it.ID, err)
		}
		t.SignatureField = &sig
	}
	return t, nil
}

func (r *dynamoTemplates) put(ctx context.Context, t models.Template, condition string) error {
	it, err := toTemplateItem(t)
	if err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return err
	}
	_, err = r.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(r.table),
		Item:                     av,
		ConditionExpression:      aws.String(condition),
		ExpressionAttributeNames: map[string]string{"#id": "id"},
	})
	return err
}

func (r *dynamoTemplates) Create(ctx context.Context, t models.Template) error {
	if err := r.put(ctx, t, "attribute_not_exists(#id)"); err != nil {
		if _, ok := conditionFailed(err); ok {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

func (r *dynamoTemplates) Update(ctx context.Context, t models.Template) error {
	if err := r.put(ctx, t, "attribute_exists(#id)"); err != nil {
		if _, ok := conditionFailed(err); ok {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update template: %w", err)
	}
	return nil
}

func (r *dynamoTemplates) GetByID(ctx context.Context, id string) (models.Template, error) {
	out, err := r.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.table),
		Key:            idKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return models.Template{}, fmt.Errorf("failed to get template: %w", err)
	}
	if len(out.Item) == 0 {
		return models.Template{}, ErrNotFound
	}
	var it templateItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return models.Template{}, err
	}
	return fromTemplateItem(it)
}

func (r *dynamoTemplates) List(ctx context.Context) ([]models.Template, error) {
	var out []models.Template
	p := dynamodb.NewScanPaginator(r.ddb, &dynamodb.ScanInput{TableName: aws.String(r.table)})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list templates: %w", err)
		}
		for _, raw := range page.Items {
			var it templateItem
			if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
				return nil, err
			}
			t, err := fromTemplateItem(it)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *dynamoTemplates) Delete(ctx context.Context, id string) error {
	_, err := r.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(r.table),
		Key:                      idKey(id),
		ConditionExpression:      aws.String("attribute_exists(#id)"),
		ExpressionAttributeNames: map[string]string{"#id": "id"},
	})
	if err != nil {
		if _, ok := conditionFailed(err); ok {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete template: %w", err)
	}
	return nil
}

type dynamoInstances struct {
	ddb   dynamoAPI
	table string
}

func toInstanceItem(inst models.Instance) instanceItem {
	values := inst.Values
	if values == nil {
		values = map[string]string{}
	}
	it := instanceItem{
		ID:           inst.ID,
		TemplateID:   inst.TemplateID,
		SubjectID:    inst.SubjectID,
		FieldValues:  values,
		SignatureRef: inst.SignatureRef,
		Status:       string(inst.Status),
		OutputObject: inst.OutputObject,
		LastError:    inst.LastError,
		CreatedAt:    formatTime(inst.CreatedAt),
		UpdatedAt:    formatTime(inst.UpdatedAt),
	}
	if inst.CompletedAt != nil {
		it.CompletedAt = formatTime(*inst.CompletedAt)
	}
	return it
}

func fromInstanceAttributes(av map[string]types.AttributeValue) (models.Instance, error) {
	var it instanceItem
	if err := attributevalue.UnmarshalMap(av, &it); err != nil {
		return models.Instance{}, err
	}
	inst := models.Instance{
		ID:           it.ID,
		TemplateID:   it.TemplateID,
		SubjectID:    it.SubjectID,
		Values:       it.FieldValues,
		SignatureRef: it.SignatureRef,
		Status:       models.InstanceStatus(it.Status),
		OutputObject: it.OutputObject,
		LastError:    it.LastError,
		CreatedAt:    parseTime(it.CreatedAt),
		UpdatedAt:    parseTime(it.UpdatedAt),
	}
	if inst.Values == nil {
		inst.Values = map[string]string{}
	}
	if it.CompletedAt != "" {
		t := parseTime(it.CompletedAt)
		inst.CompletedAt = &t
	}
	return inst, nil
}

func (r *dynamoInstances) GetOrCreate(ctx context.Context, inst models.Instance) (models.Instance, bool, error) {
	av, err := attributevalue.MarshalMap(toInstanceItem(inst))
	if err != nil {
		return models.Instance{}, false, err
	}
	_, err = r.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                           aws.String(r.table),
		Item:                                av,
		ConditionExpression:                 aws.String("attribute_not_exists(#id)"),
		ExpressionAttributeNames:            map[string]string{"#id": "id"},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		return inst.Clone(), true, nil
	}
	existing, ok := conditionFailed(err)
	if !ok {
		return models.Instance{}, false, fmt.Errorf("failed to create instance: %w", err)
	}
	if len(existing) == 0 {
		stored, err := r.GetByID(ctx, inst.ID)
		return stored, false, err
	}
	stored, err := fromInstanceAttributes(existing)
	return stored, false, err
}

func (r *dynamoInstances) GetByID(ctx context.Context, id string) (models.Instance, error) {
	out, err := r.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.table),
		Key:            idKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return models.Instance{}, fmt.Errorf("failed to get instance: %w", err)
	}
	if len(out.Item) == 0 {
		return models.Instance{}, ErrNotFound
	}
	return fromInstanceAttributes(out.Item)
}

// ListBySubject reads every page of the subject GSI, oldest first.
func (r *dynamoInstances) ListBySubject(ctx context.Context, subjectID string) ([]models.Instance, error) {
	p := dynamodb.NewQueryPaginator(r.ddb, &dynamodb.QueryInput{
		TableName:                 aws.String(r.table),
		IndexName:                 aws.String(instancesSubjectIndex),
		KeyConditionExpression:    aws.String("#subject_id = :subject_id"),
		ExpressionAttributeNames:  map[string]string{"#subject_id": "subject_id"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":subject_id": &types.AttributeValueMemberS{Value: subjectID}},
	})

	res := []models.Instance{}
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list instances: %w", err)
		}
		for _, raw := range out.Items {
			inst, err := fromInstanceAttributes(raw)
			if err != nil {
				return nil, err
			}
			res = append(res, inst)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

// update applies a SET expression to an instance that exists and is not
// completed. Any write moves a draft to in_progress; the condition already
// excludes completed, so the new status is always in_progress.
func (r *dynamoInstances) update(ctx context.Context, id, setExpr string, names map[string]string, values map[string]types.AttributeValue) (models.Instance, error) {
	names["#id"] = "id"
	names["#status"] = "status"
	names["#updated_at"] = "updated_at"
	values[":completed"] = &types.AttributeValueMemberS{Value: string(models.InstanceStatusCompleted)}
	values[":in_progress"] = &types.AttributeValueMemberS{Value: string(models.InstanceStatusInProgress)}
	values[":updated_at"] = &types.AttributeValueMemberS{Value: formatTime(time.Now())}

	out, err := r.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(r.table),
		Key:                                 idKey(id),
		ConditionExpression:                 aws.String("attribute_exists(#id) AND #status <> :completed"),
		UpdateExpression:                    aws.String(setExpr + ", #status = :in_progress, #updated_at = :updated_at"),
		ExpressionAttributeNames:            names,
		ExpressionAttributeValues:           values,
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		if old, ok := conditionFailed(err); ok {
			if len(old) == 0 {
				return models.Instance{}, ErrNotFound
			}
			return models.Instance{}, ErrInstanceCompleted
		}
		return models.Instance{}, fmt.Errorf("failed to update instance: %w", err)
	}
	return fromInstanceAttributes(out.Attributes)
}

func (r *dynamoInstances) SetValues(ctx context.Context, id string, values map[string]string) (models.Instance, error) {
	if len(values) == 0 {
		return r.GetByID(ctx, id)
	}
	names := map[string]string{"#values": "field_values"}
	attrs := map[string]types.AttributeValue{}
	expr := "SET "
	i := 0
	for k, v := range values {
		if i > 0 {
			expr += ", "
		}
		nk, vk := fmt.Sprintf("#k%d", i), fmt.Sprintf(":v%d", i)
		names[nk] = k
		attrs[vk] = &types.AttributeValueMemberS{Value: v}
		expr += fmt.Sprintf("#values.%s = %s", nk, vk)
		i++
	}
	return r.update(ctx, id, expr, names, attrs)
}

func (r *dynamoInstances) SetSignature(ctx context.Context, id, ref string) (models.Instance, error) {
	return r.update(ctx, id, "SET #signature_ref = :signature_ref",
		map[string]string{"#signature_ref": "signature_ref"},
		map[string]types.AttributeValue{":signature_ref": &types.AttributeValueMemberS{Value: ref}},
	)
}

func (r *dynamoInstances) Transition(ctx context.Context, id string, from []models.InstanceStatus, to models.InstanceStatus, fields TransitionFields) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	names := map[string]string{
		"#id":         "id",
		"#status":     "status",
		"#last_error": "last_error",
		"#updated_at": "updated_at",
	}
	values := map[string]types.AttributeValue{
		":to":         &types.AttributeValueMemberS{Value: string(to)},
		":last_error": &types.AttributeValueMemberS{Value: fields.LastError},
		":updated_at": &types.AttributeValueMemberS{Value: formatTime(time.Now())},
	}
	expr := "SET #status = :to, #last_error = :last_error, #updated_at = :updated_at"
	if fields.OutputObject != "" {
		names["#output_object"] = "output_object"
		values[":output_object"] = &types.AttributeValueMemberS{Value: fields.OutputObject}
		expr += ", #output_object = :output_object"
	}
	if fields.CompletedAt != nil {
		names["#completed_at"] = "completed_at"
		values[":completed_at"] = &types.AttributeValueMemberS{Value: formatTime(*fields.CompletedAt)}
		expr += ", #completed_at = :completed_at"
	}

	condition := "attribute_exists(#id) AND #status IN ("
	for i, s := range from {
		key := fmt.Sprintf(":from%d", i)
		values[key] = &types.AttributeValueMemberS{Value: string(s)}
		if i > 0 {
			condition += ", "
		}
		condition += key
	}
	condition += ")"

	_, err := r.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(r.table),
		Key:                                 idKey(id),
		ConditionExpression:                 aws.String(condition),
		UpdateExpression:                    aws.String(expr),
		ExpressionAttributeNames:            names,
		ExpressionAttributeValues:           values,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		if old, ok := conditionFailed(err); ok {
			if len(old) == 0 {
				return false, ErrNotFound
			}
			return false, nil
		}
		return false, fmt.Errorf("failed to transition instance: %w", err)
	}
	return true, nil
}

type dynamoActivities struct {
	ddb   dynamoAPI
	table string
}

func (r *dynamoActivities) Append(ctx context.Context, entry models.ActivityLog) error {
	av, err := attributevalue.MarshalMap(activityItem{
		ID:         entry.ID,
		InstanceID: entry.InstanceID,
		TemplateID: entry.TemplateID,
		SubjectID:  entry.SubjectID,
		Action:     entry.Action,
		Actor:      entry.Actor,
		Detail:     entry.Detail,
		CreatedAt:  formatTime(entry.CreatedAt),
	})
	if err != nil {
		return err
	}
	if _, err := r.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.table),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("failed to save activity log: %w", err)
	}
	return nil
}

// ListByInstance reads every entry of the instance from the GSI, newest
// first, and pages in memory since DynamoDB has no offset.
func (r *dynamoActivities) ListByInstance(ctx context.Context, instanceID string, limit, offset int) ([]models.ActivityLog, int64, error) {
	p := dynamodb.NewQueryPaginator(r.ddb, &dynamodb.QueryInput{
		TableName:                 aws.String(r.table),
		IndexName:                 aws.String(activityInstanceIndex),
		KeyConditionExpression:    aws.String("#instance_id = :instance_id"),
		ExpressionAttributeNames:  map[string]string{"#instance_id": "instance_id"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":instance_id": &types.AttributeValueMemberS{Value: instanceID}},
		ScanIndexForward:          aws.Bool(false),
	})

	var all []models.ActivityLog
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to fetch logs: %w", err)
		}
		for _, raw := range out.Items {
			var it activityItem
			if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
				return nil, 0, err
			}
			all = append(all, models.ActivityLog{
				ID:         it.ID,
				InstanceID: it.InstanceID,
				TemplateID: it.TemplateID,
				SubjectID:  it.SubjectID,
				Action:     it.Action,
				Actor:      it.Actor,
				Detail:     it.Detail,
				CreatedAt:  parseTime(it.CreatedAt),
			})
		}
	}
	return page(all, limit, offset), int64(len(all)), nil
}
