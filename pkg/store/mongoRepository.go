package store

import (
	"context"
	"encoding/json"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
)

type MongoRepository struct {
	client   *mongo.Client
	database string
}

func NewMongoRepository(client *mongo.Client, database string) *MongoRepository {
	return &MongoRepository{client: client, database: database}
}

// EnsureIndexes creates the unique idempotency-key index the Enqueue
// duplicate-detection relies on.
func (m *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := m.tasks().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "idempotency_key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (m *MongoRepository) tasks() *mongo.Collection {
	return m.client.Database(m.database).Collection("onboarding_tasks")
}

func (m *MongoRepository) phones() *mongo.Collection {
	return m.client.Database(m.database).Collection("phone_registrations")
}

func (m *MongoRepository) creds() *mongo.Collection {
	return m.client.Database(m.database).Collection("channel_credentials")
}

// mongoTask is the BSON shape of OnboardingTask. Checkpoint and result JSON
// is stored as text so the documents stay readable in the shell.
type mongoTask struct {
	ID             string            `bson:"id"`
	IdempotencyKey string            `bson:"idempotency_key"`
	TenantID       string            `bson:"tenant_id"`
	Inputs         TaskInputs        `bson:"inputs"`
	Status         string            `bson:"status"`
	RetryCount     int               `bson:"retry_count"`
	Checkpoints    map[string]string `bson:"checkpoints,omitempty"`
	Result         string            `bson:"result,omitempty"`
	ErrorClass     string            `bson:"error_class,omitempty"`
	ErrorMessage   string            `bson:"error_message,omitempty"`
	CancelReason   string            `bson:"cancel_reason,omitempty"`
	StartedAt      *time.Time        `bson:"started_at,omitempty"`
	FinishedAt     *time.Time        `bson:"finished_at,omitempty"`
	CreatedAt      time.Time         `bson:"created_at"`
	UpdatedAt      time.Time         `bson:"updated_at"`
}

func toMongoTask(t *OnboardingTask) *mongoTask {
	doc := &mongoTask{
		ID:             t.ID,
		IdempotencyKey: t.IdempotencyKey,
		TenantID:       t.TenantID,
		Inputs:         t.Inputs,
		Status:         string(t.Status),
		RetryCount:     t.RetryCount,
		Result:         string(t.Result),
		ErrorClass:     string(t.ErrorClass),
		ErrorMessage:   t.ErrorMessage,
		CancelReason:   t.CancelReason,
		StartedAt:      t.StartedAt,
		FinishedAt:     t.FinishedAt,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
	if len(t.Checkpoints) > 0 {
		doc.Checkpoints = make(map[string]string, len(t.Checkpoints))
		for k, v := range t.Checkpoints {
			doc.Checkpoints[k] = string(v)
		}
	}
	return doc
}

func (d *mongoTask) toTask() *OnboardingTask {
	task := &OnboardingTask{
		ID:             d.ID,
		IdempotencyKey: d.IdempotencyKey,
		TenantID:       d.TenantID,
		Inputs:         d.Inputs,
		Status:         TaskStatus(d.Status),
		RetryCount:     d.RetryCount,
		ErrorClass:     ErrorClass(d.ErrorClass),
		ErrorMessage:   d.ErrorMessage,
		CancelReason:   d.CancelReason,
		StartedAt:      d.StartedAt,
		FinishedAt:     d.FinishedAt,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
	if d.Result != "" {
		task.Result = json.RawMessage(d.Result)
	}
	if len(d.Checkpoints) > 0 {
		task.Checkpoints = make(map[string]json.RawMessage, len(d.Checkpoints))
		for k, v := range d.Checkpoints {
			task.Checkpoints[k] = json.RawMessage(v)
		}
	}
	return task
}

func (m *MongoRepository) Enqueue(ctx context.Context, task *OnboardingTask) (*OnboardingTask, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Enqueue")
	defer span.End()

	_, err := m.tasks().InsertOne(ctx, toMongoTask(task))
	if err == nil {
		return task, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		span.RecordError(err)
		return nil, err
	}
	return m.findOneTask(ctx, bson.M{"idempotency_key": task.IdempotencyKey}, nil)
}

func (m *MongoRepository) GetByID(ctx context.Context, id string) (*OnboardingTask, error) {
	return m.findOneTask(ctx, bson.M{"id": id}, nil)
}

func (m *MongoRepository) FindActiveByTenant(ctx context.Context, tenantID string) (*OnboardingTask, error) {
	filter := bson.M{"tenant_id": tenantID, "status": bson.M{"$in": []string{string(TaskPending), string(TaskProcessing)}}}
	return m.findOneTask(ctx, filter, options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}))
}

func (m *MongoRepository) FindLastFailedByTenant(ctx context.Context, tenantID string) (*OnboardingTask, error) {
	filter := bson.M{"tenant_id": tenantID, "status": string(TaskFailed)}
	return m.findOneTask(ctx, filter, options.FindOne().SetSort(bson.D{{Key: "finished_at", Value: -1}}))
}

func (m *MongoRepository) FindPending(ctx context.Context, limit int) ([]OnboardingTask, error) {
	return m.findTasks(ctx, bson.M{"status": string(TaskPending)}, "created_at", limit)
}

func (m *MongoRepository) FindStuck(ctx context.Context, olderThan time.Time, limit int) ([]OnboardingTask, error) {
	filter := bson.M{"status": string(TaskProcessing), "started_at": bson.M{"$lt": olderThan}}
	return m.findTasks(ctx, filter, "started_at", limit)
}

func (m *MongoRepository) FindRetryable(ctx context.Context, maxRetries, limit int) ([]OnboardingTask, error) {
	filter := bson.M{
		"status":      string(TaskFailed),
		"retry_count": bson.M{"$lt": maxRetries},
		"error_class": bson.M{"$in": []string{string(ErrClassTransient), string(ErrClassUnknown)}},
	}
	return m.findTasks(ctx, filter, "updated_at", limit)
}

func (m *MongoRepository) Claim(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	return m.transition(ctx, "Claim",
		bson.M{"id": id, "status": string(TaskPending)},
		bson.M{"$set": bson.M{"status": string(TaskProcessing), "started_at": now, "updated_at": now}})
}

func (m *MongoRepository) SaveCheckpoint(ctx context.Context, id, step string, result json.RawMessage) (bool, error) {
	return m.transition(ctx, "SaveCheckpoint",
		bson.M{"id": id, "status": string(TaskProcessing)},
		bson.M{"$set": bson.M{"checkpoints." + step: string(result), "updated_at": time.Now().UTC()}})
}

func (m *MongoRepository) Complete(ctx context.Context, id string, result json.RawMessage) (bool, error) {
	now := time.Now().UTC()
	return m.transition(ctx, "Complete",
		bson.M{"id": id, "status": bson.M{"$in": []string{string(TaskProcessing), string(TaskFailed)}}},
		bson.M{
			"$set":   bson.M{"status": string(TaskCompleted), "result": string(result), "finished_at": now, "updated_at": now},
			"$unset": bson.M{"error_class": "", "error_message": ""},
		})
}

func (m *MongoRepository) Fail(ctx context.Context, id string, class ErrorClass, msg string) (bool, error) {
	now := time.Now().UTC()
	return m.transition(ctx, "Fail",
		bson.M{"id": id, "status": string(TaskProcessing)},
		bson.M{
			"$set": bson.M{"status": string(TaskFailed), "error_class": string(class), "error_message": msg, "finished_at": now, "updated_at": now},
			"$inc": bson.M{"retry_count": 1},
		})
}

func (m *MongoRepository) ResetStuck(ctx context.Context, id string) (bool, error) {
	return m.transition(ctx, "ResetStuck",
		bson.M{"id": id, "status": string(TaskProcessing)},
		bson.M{
			"$set":   bson.M{"status": string(TaskPending), "updated_at": time.Now().UTC()},
			"$unset": bson.M{"started_at": ""},
		})
}

func (m *MongoRepository) RetryClaim(ctx context.Context, id string, maxRetries int) (bool, error) {
	return m.transition(ctx, "RetryClaim",
		bson.M{"id": id, "status": string(TaskFailed), "retry_count": bson.M{"$lt": maxRetries}},
		bson.M{
			"$set":   bson.M{"status": string(TaskPending), "updated_at": time.Now().UTC()},
			"$unset": bson.M{"started_at": "", "finished_at": ""},
		})
}

func (m *MongoRepository) Cancel(ctx context.Context, id, requesterTenantID, reason string) (*OnboardingTask, bool, error) {
	task, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if task.TenantID != requesterTenantID {
		return nil, false, ErrNotAuthorized
	}
	if task.Status == TaskCancelled {
		return task, true, nil
	}
	if task.Status == TaskCompleted {
		return nil, false, ErrNotCancellable
	}

	now := time.Now().UTC()
	ok, err := m.transition(ctx, "Cancel",
		bson.M{"id": id, "status": bson.M{"$in": []string{string(TaskPending), string(TaskProcessing), string(TaskFailed)}}},
		bson.M{"$set": bson.M{"status": string(TaskCancelled), "cancel_reason": reason, "finished_at": now, "updated_at": now}})
	if err != nil {
		return nil, false, err
	}
	if !ok {
		task, err = m.GetByID(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if task.Status == TaskCancelled {
			return task, true, nil
		}
		return nil, false, ErrNotCancellable
	}

	task, err = m.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return task, false, nil
}

func (m *MongoRepository) GetPhone(ctx context.Context, phoneNumberID string) (*PhoneRegistration, error) {
	var phone PhoneRegistration
	err := m.phones().FindOne(ctx, bson.M{"phone_number_id": phoneNumberID}).Decode(&phone)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &phone, nil
}

func (m *MongoRepository) CreatePhonePending(ctx context.Context, phone *PhoneRegistration) (bool, error) {
	now := time.Now().UTC()
	res, err := m.phones().UpdateOne(ctx,
		bson.M{"phone_number_id": phone.PhoneNumberID},
		bson.M{"$setOnInsert": bson.M{
			"phone_number_id": phone.PhoneNumberID,
			"waba_id":         phone.WabaID,
			"tenant_id":       phone.TenantID,
			"display_number":  phone.DisplayNumber,
			"status":          string(PhonePending),
			"created_at":      now,
			"updated_at":      now,
		}},
		options.Update().SetUpsert(true))
	if err != nil {
		return false, err
	}
	return res.UpsertedCount == 1, nil
}

func (m *MongoRepository) FinalizePhone(ctx context.Context, phoneNumberID string, expected, to PhoneStatus) (bool, error) {
	res, err := m.phones().UpdateOne(ctx,
		bson.M{"phone_number_id": phoneNumberID, "status": string(expected)},
		bson.M{"$set": bson.M{"status": string(to), "updated_at": time.Now().UTC()}})
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}

func (m *MongoRepository) SetPhoneExternalStatus(ctx context.Context, phoneNumberID string, to PhoneStatus) error {
	res, err := m.phones().UpdateOne(ctx,
		bson.M{"phone_number_id": phoneNumberID},
		bson.M{"$set": bson.M{"status": string(to), "updated_at": time.Now().UTC()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoRepository) UpsertCredential(ctx context.Context, cred *ChannelCredential) error {
	_, err := m.creds().UpdateOne(ctx,
		bson.M{"tenant_id": cred.TenantID},
		bson.M{"$set": bson.M{
			"tenant_id":       cred.TenantID,
			"waba_id":         cred.WabaID,
			"phone_number_id": cred.PhoneNumberID,
			"access_token":    cred.AccessToken,
			"updated_at":      time.Now().UTC(),
		}},
		options.Update().SetUpsert(true))
	return err
}

// transition is the mongo flavour of the conditional update: the filter
// carries the status precondition and MatchedCount plays the role of SQL
// rows-affected.
func (m *MongoRepository) transition(ctx context.Context, name string, filter, update bson.M) (bool, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	defer span.End()

	start := time.Now()
	res, err := m.tasks().UpdateOne(ctx, filter, update)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	addDBStatsToSpan(span, name, res.MatchedCount, time.Since(start))
	return res.MatchedCount == 1, nil
}

func (m *MongoRepository) findOneTask(ctx context.Context, filter bson.M, opts *options.FindOneOptions) (*OnboardingTask, error) {
	var doc mongoTask
	var err error
	if opts != nil {
		err = m.tasks().FindOne(ctx, filter, opts).Decode(&doc)
	} else {
		err = m.tasks().FindOne(ctx, filter).Decode(&doc)
	}
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.toTask(), nil
}

func (m *MongoRepository) findTasks(ctx context.Context, filter bson.M, sortField string, limit int) ([]OnboardingTask, error) {
	opts := options.Find().SetLimit(int64(limit)).SetSort(bson.D{{Key: sortField, Value: 1}})
	cursor, err := m.tasks().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var tasks []OnboardingTask
	for cursor.Next(ctx) {
		var doc mongoTask
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		tasks = append(tasks, *doc.toTask())
	}
	return tasks, cursor.Err()
}
