package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

// DynamoDBStore implements Store using AWS DynamoDB
type DynamoDBStore struct {
	client *dynamodb.Client
	config DynamoConfig
	logger zerolog.Logger
}

// NewDynamoDBStore creates a new DynamoDB store
func NewDynamoDBStore(ctx context.Context, cfg DynamoConfig, logger zerolog.Logger) (*DynamoDBStore, error) {
	var client *dynamodb.Client

	if cfg.Mode == DynamoModeLocal {
		// LoadDefaultConfig probes the EC2 IMDS endpoint, which hangs when
		// static credentials are intended
		client = dynamodb.New(dynamodb.Options{
			Region:       cfg.Region,
			BaseEndpoint: aws.String(cfg.Endpoint),
			Credentials:  credentials.NewStaticCredentialsProvider("local", "local", ""),
		})
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = dynamodb.NewFromConfig(awsCfg)
	}

	store := &DynamoDBStore{
		client: client,
		config: cfg,
		logger: logger,
	}

	if cfg.Mode == DynamoModeLocal {
		if err := CreateTablesIfNotExist(ctx, client, cfg, logger); err != nil {
			return nil, err
		}
	}

	logger.Info().
		Str("mode", string(cfg.Mode)).
		Str("region", cfg.Region).
		Msg("DynamoDB store initialized")

	return store, nil
}

func stringKey(attrs ...string) map[string]dbtypes.AttributeValue {
	key := make(map[string]dbtypes.AttributeValue, len(attrs)/2)
	for i := 0; i+1 < len(attrs); i += 2 {
		key[attrs[i]] = &dbtypes.AttributeValueMemberS{Value: attrs[i+1]}
	}
	return key
}

func isConditionFailure(err error) bool {
	var ccf *dbtypes.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (s *DynamoDBStore) ResolvePatient(ctx context.Context, p types.Patient) (*types.Patient, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal patient: %w", err)
	}
	cond := expression.AttributeNotExists(expression.Name("ExternalID"))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.config.PatientsTable),
		Item:                     item,
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
	})
	if err == nil {
		return &p, nil
	}
	if !isConditionFailure(err) {
		return nil, fmt.Errorf("failed to save patient: %w", err)
	}

	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.PatientsTable),
		Key:            stringKey("Channel", string(p.Channel), "ExternalID", p.ExternalID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read patient: %w", err)
	}
	var stored types.Patient
	if err := attributevalue.UnmarshalMap(result.Item, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal patient: %w", err)
	}
	return &stored, nil
}

func (s *DynamoDBStore) scanConversations(ctx context.Context, filter expression.ConditionBuilder) ([]types.Conversation, error) {
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                 aws.String(s.config.ConversationsTable),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})

	conversations := make([]types.Conversation, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversations: %w", err)
		}
		var batch []types.Conversation
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conversations: %w", err)
		}
		conversations = append(conversations, batch...)
	}
	return conversations, nil
}

func openStatusCondition() expression.ConditionBuilder {
	return expression.Name("Status").In(
		expression.Value(types.ConversationActive),
		expression.Value(types.ConversationPending),
	)
}

func (s *DynamoDBStore) FindOpenConversation(ctx context.Context, patientID string, channel types.ChannelType) (*types.Conversation, error) {
	filter := expression.Name("PatientID").Equal(expression.Value(patientID)).
		And(expression.Name("Channel").Equal(expression.Value(channel))).
		And(openStatusCondition())

	found, err := s.scanConversations(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(found, func(i, j int) bool { return found[i].CreatedAt.After(found[j].CreatedAt) })
	return &found[0], nil
}

func (s *DynamoDBStore) CreateConversation(ctx context.Context, conv *types.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	item, err := attributevalue.MarshalMap(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	expr, err := expression.NewBuilder().WithCondition(expression.AttributeNotExists(expression.Name("ID"))).Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.config.ConversationsTable),
		Item:                     item,
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
	})
	if isConditionFailure(err) {
		return fmt.Errorf("conversation %s: %w", conv.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.ConversationsTable),
		Key:            stringKey("ID", id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation: %w", err)
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}
	var conv types.Conversation
	if err := attributevalue.UnmarshalMap(result.Item, &conv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return &conv, nil
}

func (s *DynamoDBStore) ListActiveConversations(ctx context.Context) ([]types.Conversation, error) {
	conversations, err := s.scanConversations(ctx, expression.Name("Status").Equal(expression.Value(types.ConversationActive)))
	if err != nil {
		return nil, err
	}
	sort.Slice(conversations, func(i, j int) bool { return conversations[i].CreatedAt.Before(conversations[j].CreatedAt) })
	return conversations, nil
}

// AppendMessage writes the message then moves LastMessageAt forward. The two
// writes are not atomic; a lost bump is corrected by the next message.
func (s *DynamoDBStore) AppendMessage(ctx context.Context, msg *types.Message) error {
	conv, err := s.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	item, err := attributevalue.MarshalMap(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.config.MessagesTable),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	if !msg.CreatedAt.After(conv.LastMessageAt) {
		return nil
	}
	return s.updateConversation(ctx, conv.ID, expression.Set(expression.Name("LastMessageAt"), expression.Value(msg.CreatedAt)))
}

func (s *DynamoDBStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]types.Message, error) {
	keyCond := expression.Key("ConversationID").Equal(expression.Value(conversationID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                 aws.String(s.config.MessagesTable),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})

	messages := make([]types.Message, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query messages: %w", err)
		}
		var batch []types.Message
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal messages: %w", err)
		}
		messages = append(messages, batch...)
	}

	sort.Slice(messages, func(i, j int) bool { return messages[i].CreatedAt.Before(messages[j].CreatedAt) })
	if limit = listLimit(limit); len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

func (s *DynamoDBStore) AssignConversation(ctx context.Context, id, agentID string) error {
	owner := expression.Name("AssignedAgentID")
	cond := expression.AttributeExists(expression.Name("ID")).
		And(openStatusCondition()).
		And(expression.Or(
			owner.Equal(expression.Value("")),
			owner.Equal(expression.Value(agentID)),
			expression.AttributeNotExists(owner),
		))
	update := expression.
		Set(owner, expression.Value(agentID)).
		Set(expression.Name("Status"), expression.Value(types.ConversationActive))

	expr, err := expression.NewBuilder().WithCondition(cond).WithUpdate(update).Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.config.ConversationsTable),
		Key:                       stringKey("ID", id),
		ConditionExpression:       expr.Condition(),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err == nil {
		return nil
	}
	if !isConditionFailure(err) {
		return fmt.Errorf("failed to assign conversation: %w", err)
	}
	if _, err := s.GetConversation(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("assign %s to %s: %w", id, agentID, ErrConflict)
}

func (s *DynamoDBStore) UnassignConversation(ctx context.Context, id string) error {
	return s.updateConversation(ctx, id, expression.Set(expression.Name("AssignedAgentID"), expression.Value("")))
}

func (s *DynamoDBStore) UpdateConversationPriority(ctx context.Context, id string, priority int) error {
	return s.updateConversation(ctx, id, expression.Set(expression.Name("Priority"), expression.Value(priority)))
}

func (s *DynamoDBStore) UpdateConversationStatus(ctx context.Context, id string, status types.ConversationStatus) error {
	return s.updateConversation(ctx, id, expression.Set(expression.Name("Status"), expression.Value(status)))
}

func (s *DynamoDBStore) updateConversation(ctx context.Context, id string, update expression.UpdateBuilder) error {
	expr, err := expression.NewBuilder().
		WithCondition(expression.AttributeExists(expression.Name("ID"))).
		WithUpdate(update).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.config.ConversationsTable),
		Key:                       stringKey("ID", id),
		ConditionExpression:       expr.Condition(),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if isConditionFailure(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) UpsertAgent(ctx context.Context, p types.AgentProfile) error {
	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return fmt.Errorf("failed to marshal agent: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.config.AgentsTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save agent: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) ListAgents(ctx context.Context) ([]types.AgentProfile, error) {
	return s.scanAgents(ctx, nil)
}

func (s *DynamoDBStore) ListManagers(ctx context.Context) ([]types.AgentProfile, error) {
	filter := expression.Name("Role").In(expression.Value(types.RoleManager), expression.Value(types.RoleAdmin))
	return s.scanAgents(ctx, &filter)
}

func (s *DynamoDBStore) scanAgents(ctx context.Context, filter *expression.ConditionBuilder) ([]types.AgentProfile, error) {
	input := &dynamodb.ScanInput{TableName: aws.String(s.config.AgentsTable)}
	if filter != nil {
		expr, err := expression.NewBuilder().WithFilter(*filter).Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build expression: %w", err)
		}
		input.FilterExpression = expr.Filter()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	agents := make([]types.AgentProfile, 0)
	paginator := dynamodb.NewScanPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agents: %w", err)
		}
		var batch []types.AgentProfile
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal agents: %w", err)
		}
		agents = append(agents, batch...)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

func (s *DynamoDBStore) SaveNotification(ctx context.Context, n types.Notification) error {
	item, err := attributevalue.MarshalMap(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.config.NotificationsTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save notification: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) ListNotifications(ctx context.Context, recipientID string, limit int) ([]types.Notification, error) {
	keyCond := expression.Key("RecipientID").Equal(expression.Value(recipientID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	result, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.config.NotificationsTable),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}

	var notifications []types.Notification
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &notifications); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notifications: %w", err)
	}
	sort.SliceStable(notifications, func(i, j int) bool { return notifications[i].CreatedAt.After(notifications[j].CreatedAt) })
	if limit = listLimit(limit); len(notifications) > limit {
		notifications = notifications[:limit]
	}
	return notifications, nil
}

func (s *DynamoDBStore) MarkNotificationRead(ctx context.Context, recipientID, id string) error {
	expr, err := expression.NewBuilder().
		WithCondition(expression.AttributeExists(expression.Name("ID"))).
		WithUpdate(expression.Set(expression.Name("IsRead"), expression.Value(true))).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.config.NotificationsTable),
		Key:                       stringKey("RecipientID", recipientID, "ID", id),
		ConditionExpression:       expr.Condition(),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if isConditionFailure(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) Close() error { return nil }
