package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/eshaffer321/lodgetix-reconcile/internal/domain/model"
)

// Collection names used by the LodgeTix database
const (
	CollectionPayments            = "payments"
	CollectionRegistrations       = "registrations"
	CollectionPendingImports      = "pending-imports"
	CollectionFailedRegistrations = "failedRegistrations"
)

// registration lookup keys per field, camelCase first
var registrationFieldKeys = map[model.RegistrationField][]string{
	model.FieldStripePaymentIntentID: {"stripePaymentIntentId", "stripe_payment_intent_id"},
	model.FieldNestedPaymentIntentID: {"registrationData.paymentIntentId", "registrationData.payment_intent_id", "registration_data.payment_intent_id"},
	model.FieldSquarePaymentID:       {"squarePaymentId", "square_payment_id"},
	model.FieldConfirmationNumber:    {"confirmationNumber", "confirmation_number"},
}

// MongoStore reads and writes the LodgeTix MongoDB collections.
// Documents are decoded loosely and normalized at this boundary.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
}

// Compile-time check that MongoStore implements Repository
var _ Repository = (*MongoStore)(nil)

// NewMongoStore connects to uri and verifies the connection.
func NewMongoStore(ctx context.Context, uri, database string, logger *slog.Logger) (*MongoStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := options.Client().
		ApplyURI(uri).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	logger.Info("connected to mongo", "database", database)
	return &MongoStore{client: client, db: client.Database(database), logger: logger}, nil
}

// Close disconnects the client
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) coll(name string) *mongo.Collection {
	return s.db.Collection(name)
}

// idFilter matches _id stored either as an ObjectID or as a plain string.
func idFilter(id string) bson.M {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return bson.M{"_id": bson.M{"$in": bson.A{oid, id}}}
	}
	return bson.M{"_id": id}
}

func newDocID(id string) any {
	if id == "" {
		return primitive.NewObjectID()
	}
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return oid
	}
	return id
}

func anyOf(keys []string, value any) bson.M {
	or := make(bson.A, 0, len(keys))
	for _, k := range keys {
		or = append(or, bson.M{k: value})
	}
	return bson.M{"$or": or}
}

func (s *MongoStore) findOne(ctx context.Context, collection string, filter bson.M, opts ...*options.FindOneOptions) (bson.M, error) {
	var doc bson.M
	err := s.coll(collection).FindOne(ctx, filter, opts...).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *MongoStore) findAll(ctx context.Context, collection string, filter bson.M, opts *options.FindOptions) ([]bson.M, error) {
	cursor, err := s.coll(collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// ---- payments ----

// GetPayment retrieves a payment by _id, falling back to paymentId
func (s *MongoStore) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	doc, err := s.findOne(ctx, CollectionPayments, idFilter(id))
	if err == nil && doc == nil {
		doc, err = s.findOne(ctx, CollectionPayments, anyOf([]string{"paymentId", "payment_id"}, id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	p := model.NormalizePayment(doc)
	return &p, nil
}

// ListPayments returns payments matching filter, newest first
func (s *MongoStore) ListPayments(ctx context.Context, filter PaymentFilter) ([]*model.Payment, error) {
	var and bson.A
	if filter.MaxConfidence > 0 {
		and = append(and, confidenceBelow(filter.MaxConfidence))
	}
	if filter.MatchedOnly {
		and = append(and, matchedOnly())
	}
	query := bson.M{}
	if len(and) > 0 {
		query["$and"] = and
	}

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}

	docs, err := s.findAll(ctx, CollectionPayments, query, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}

	payments := make([]*model.Payment, 0, len(docs))
	for _, doc := range docs {
		p := model.NormalizePayment(doc)
		payments = append(payments, &p)
	}
	return payments, nil
}

// FindPaymentByProviderID returns a settled payment for a provider id
func (s *MongoStore) FindPaymentByProviderID(ctx context.Context, source model.Source, providerID string, statuses []string) (*model.Payment, error) {
	query := bson.M{
		"$and": bson.A{
			anyOf([]string{"paymentId", "payment_id"}, providerID),
			bson.M{"source": string(source)},
		},
	}
	if len(statuses) > 0 {
		query["status"] = bson.M{"$in": statuses}
	}

	doc, err := s.findOne(ctx, CollectionPayments, query)
	if err != nil {
		return nil, fmt.Errorf("failed to find payment: %w", err)
	}
	if doc == nil {
		return nil, nil
	}
	p := model.NormalizePayment(doc)
	return &p, nil
}

// UpsertPayment replaces a payment document, inserting it when absent
func (s *MongoStore) UpsertPayment(ctx context.Context, p *model.Payment) error {
	id := newDocID(p.ID)
	doc := paymentDocument(p)
	doc["_id"] = id

	_, err := s.coll(CollectionPayments).ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert payment: %w", err)
	}
	p.ID = idString(id)
	return nil
}

// Match fields are written in camelCase. Legacy documents may still carry
// the snake_case spellings, which every match write removes.
var (
	matchFields = []string{
		"matchedRegistrationId",
		"linkedRegistrationId",
		"matchConfidence",
		"matchMethod",
		"matchDetails",
		"matchedAt",
		"matchedBy",
	}
	legacyMatchFields = []string{
		"matched_registration_id",
		"linked_registration_id",
		"match_confidence",
		"match_method",
		"match_details",
		"matched_at",
		"matched_by",
	}
)

func unsetFields(fields ...[]string) bson.M {
	out := bson.M{}
	for _, group := range fields {
		for _, f := range group {
			out[f] = ""
		}
	}
	return out
}

func saveMatchUpdate(rec model.MatchRecord) bson.M {
	return bson.M{
		"$set": bson.M{
			"matchedRegistrationId": rec.RegistrationID,
			"linkedRegistrationId":  rec.RegistrationID,
			"matchConfidence":       rec.Confidence,
			"matchMethod":           string(rec.Method),
			"matchDetails":          detailDocuments(rec.Details),
			"matchedAt":             rec.MatchedAt,
			"matchedBy":             rec.MatchedBy,
		},
		"$unset": unsetFields(legacyMatchFields),
	}
}

func clearMatchUpdate() bson.M {
	return bson.M{"$unset": unsetFields(matchFields, legacyMatchFields)}
}

// revokeMatchPipeline records the current registration id and drops the
// match fields in one update, so nothing can land between read and write.
func revokeMatchPipeline(reason string, at time.Time) mongo.Pipeline {
	current := bson.M{"$ifNull": bson.A{
		"$matchedRegistrationId",
		bson.M{"$ifNull": bson.A{"$matched_registration_id", ""}},
	}}
	return mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"previousMatchCleared": current,
			"matchClearedAt":       at,
			"matchClearedReason":   bson.M{"$literal": reason},
		}}},
		{{Key: "$unset", Value: append(append([]string{}, matchFields...), legacyMatchFields...)}},
	}
}

// confidenceBelow selects payments whose match confidence, under either
// spelling, is missing or below threshold.
func confidenceBelow(threshold int) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"matchConfidence": bson.M{"$lt": threshold}},
		bson.M{"$and": bson.A{
			bson.M{"matchConfidence": nil},
			bson.M{"$or": bson.A{
				bson.M{"match_confidence": bson.M{"$lt": threshold}},
				bson.M{"match_confidence": nil},
			}},
		}},
	}}
}

func matchedOnly() bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"matchedRegistrationId": bson.M{"$nin": bson.A{nil, ""}}},
		bson.M{"matched_registration_id": bson.M{"$nin": bson.A{nil, ""}}},
	}}
}

// SaveMatch writes the match fields with a single UpdateOne
func (s *MongoStore) SaveMatch(ctx context.Context, paymentID string, rec model.MatchRecord) error {
	return s.updatePayment(ctx, paymentID, saveMatchUpdate(rec), "save match")
}

// ClearMatch unsets the match fields with a single UpdateOne
func (s *MongoStore) ClearMatch(ctx context.Context, paymentID string) error {
	return s.updatePayment(ctx, paymentID, clearMatchUpdate(), "clear match")
}

// RevokeMatch unsets the match fields and stamps the audit fields with a
// single pipeline update.
func (s *MongoStore) RevokeMatch(ctx context.Context, paymentID, reason string, at time.Time) error {
	return s.updatePayment(ctx, paymentID, revokeMatchPipeline(reason, at), "revoke match")
}

func (s *MongoStore) updatePayment(ctx context.Context, paymentID string, update any, op string) error {
	res, err := s.coll(CollectionPayments).UpdateOne(ctx, idFilter(paymentID), update)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("payment %s: %w", paymentID, ErrNotFound)
	}
	return nil
}

// ---- registrations ----

// GetRegistration retrieves a registration by _id or registrationId
func (s *MongoStore) GetRegistration(ctx context.Context, id string) (*model.Registration, error) {
	doc, err := s.findOne(ctx, CollectionRegistrations, idFilter(id))
	if err == nil && doc == nil {
		doc, err = s.findOne(ctx, CollectionRegistrations, anyOf([]string{"registrationId", "registration_id"}, id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get registration: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("registration %s: %w", id, ErrNotFound)
	}
	r := model.NormalizeRegistration(doc)
	return &r, nil
}

// FindRegistrationByField returns the oldest registration whose field equals value
func (s *MongoStore) FindRegistrationByField(ctx context.Context, field model.RegistrationField, value string) (*model.Registration, error) {
	keys, ok := registrationFieldKeys[field]
	if !ok {
		return nil, fmt.Errorf("unsupported registration field %q", field)
	}
	if value == "" {
		return nil, nil
	}

	opts := options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	doc, err := s.findOne(ctx, CollectionRegistrations, anyOf(keys, value), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find registration: %w", err)
	}
	if doc == nil {
		return nil, nil
	}
	r := model.NormalizeRegistration(doc)
	return &r, nil
}

// UpsertRegistration replaces a registration document, inserting it when absent
func (s *MongoStore) UpsertRegistration(ctx context.Context, r *model.Registration) error {
	id := newDocID(r.ID)
	doc := registrationDocument(r)
	doc["_id"] = id

	_, err := s.coll(CollectionRegistrations).ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert registration: %w", err)
	}
	r.ID = idString(id)
	return nil
}

// LinkPayment writes linkedPaymentId and transactionId onto a registration
func (s *MongoStore) LinkPayment(ctx context.Context, registrationID, paymentID, transactionID string) error {
	update := bson.M{"$set": bson.M{
		"linkedPaymentId": paymentID,
		"transactionId":   transactionID,
	}}
	res, err := s.coll(CollectionRegistrations).UpdateOne(ctx, idFilter(registrationID), update)
	if err != nil {
		return fmt.Errorf("failed to link payment: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("registration %s: %w", registrationID, ErrNotFound)
	}
	return nil
}

// ---- pending imports ----

// ListPendingImports returns pending imports oldest first
func (s *MongoStore) ListPendingImports(ctx context.Context, limit int) ([]*model.PendingImport, error) {
	opts := options.Find().SetSort(bson.D{{Key: "pendingSince", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	docs, err := s.findAll(ctx, CollectionPendingImports, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending imports: %w", err)
	}

	out := make([]*model.PendingImport, 0, len(docs))
	for _, doc := range docs {
		p := model.NormalizePendingImport(doc)
		out = append(out, &p)
	}
	return out, nil
}

// SavePendingImport replaces a pending import document, inserting it when absent
func (s *MongoStore) SavePendingImport(ctx context.Context, p *model.PendingImport) error {
	id := newDocID(p.ID)
	doc := pendingDocument(p)
	doc["_id"] = id

	_, err := s.coll(CollectionPendingImports).ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save pending import: %w", err)
	}
	p.ID = idString(id)
	return nil
}

// RecordPendingCheck stores the outcome of an unsuccessful check
func (s *MongoStore) RecordPendingCheck(ctx context.Context, id string, checkCount int, reason string, at time.Time) error {
	update := bson.M{"$set": bson.M{
		"checkCount":    checkCount,
		"lastCheckDate": at,
		"reason":        reason,
	}}
	res, err := s.coll(CollectionPendingImports).UpdateOne(ctx, idFilter(id), update)
	if err != nil {
		return fmt.Errorf("failed to record pending check: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("pending import %s: %w", id, ErrNotFound)
	}
	return nil
}

// ResolvePendingImport inserts the promoted registration, then deletes the
// pending document. Not transactional: a failure between the two leaves the
// pending record in place for the next run.
func (s *MongoStore) ResolvePendingImport(ctx context.Context, id string, r *model.Registration) error {
	doc := registrationDocument(r)
	doc["importedAt"] = time.Now().UTC()
	if r.ID != "" && r.ID != id {
		doc["_id"] = newDocID(r.ID)
	}

	res, err := s.coll(CollectionRegistrations).InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("failed to insert resolved registration: %w", err)
	}
	r.ID = idString(res.InsertedID)

	return s.deletePending(ctx, id)
}

// FailPendingImport inserts into failedRegistrations, then deletes the pending document
func (s *MongoStore) FailPendingImport(ctx context.Context, f *model.FailedRegistration) error {
	doc := pendingDocument(&f.PendingImport)
	doc["_id"] = newDocID(f.ID)
	doc["failureReason"] = f.FailureReason
	doc["failedAt"] = f.FailedAt
	doc["finalCheckCount"] = f.FinalCheckCount

	if _, err := s.coll(CollectionFailedRegistrations).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to insert failed registration: %w", err)
	}
	return s.deletePending(ctx, f.ID)
}

func (s *MongoStore) deletePending(ctx context.Context, id string) error {
	res, err := s.coll(CollectionPendingImports).DeleteOne(ctx, idFilter(id))
	if err != nil {
		return fmt.Errorf("failed to delete pending import: %w", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("pending import %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListFailedRegistrations returns failed registrations, most recent first
func (s *MongoStore) ListFailedRegistrations(ctx context.Context, limit int) ([]*model.FailedRegistration, error) {
	opts := options.Find().SetSort(bson.D{{Key: "failedAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	docs, err := s.findAll(ctx, CollectionFailedRegistrations, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed registrations: %w", err)
	}

	out := make([]*model.FailedRegistration, 0, len(docs))
	for _, doc := range docs {
		f := model.NormalizeFailedRegistration(doc)
		out = append(out, &f)
	}
	return out, nil
}

// ---- document builders ----

func idString(id any) string {
	switch v := id.(type) {
	case primitive.ObjectID:
		return v.Hex()
	case string:
		return v
	}
	return fmt.Sprint(id)
}

func decimal128(v fmt.Stringer) any {
	d, err := primitive.ParseDecimal128(v.String())
	if err != nil {
		return v.String()
	}
	return d
}

func detailDocuments(details []model.MatchDetail) bson.A {
	out := make(bson.A, 0, len(details))
	for _, d := range details {
		out = append(out, bson.M{
			"fieldName":         d.FieldName,
			"paymentValue":      d.PaymentValue,
			"registrationValue": d.RegistrationValue,
			"paymentPath":       d.PaymentPath,
			"registrationPath":  d.RegistrationPath,
			"points":            d.Points,
			"isMatch":           d.IsMatch,
		})
	}
	return out
}

func paymentDocument(p *model.Payment) bson.M {
	doc := bson.M{
		"source":        string(p.Source),
		"paymentId":     p.PaymentID,
		"transactionId": p.TransactionID,
		"status":        p.Status,
		"customerEmail": p.CustomerEmail,
		"customerName":  p.CustomerName,
		"amount":        decimal128(p.Amount),
		"currency":      p.Currency,
		"timestamp":     p.Timestamp,
	}
	if len(p.AltPaymentIDs) > 0 {
		original := bson.M{}
		for path, v := range p.AltPaymentIDs {
			original[strings.TrimPrefix(path, "originalData.")] = v
		}
		doc["originalData"] = original
	}
	if p.IsMatched() {
		doc["matchedRegistrationId"] = p.MatchedRegistrationID
		doc["linkedRegistrationId"] = p.MatchedRegistrationID
		doc["matchConfidence"] = p.Confidence()
		doc["matchMethod"] = string(p.MatchMethod)
		doc["matchDetails"] = detailDocuments(p.MatchDetails)
		doc["matchedBy"] = p.MatchedBy
		if p.MatchedAt != nil {
			doc["matchedAt"] = *p.MatchedAt
		}
	}
	if p.PreviousMatchCleared != "" {
		doc["previousMatchCleared"] = p.PreviousMatchCleared
		doc["matchClearedReason"] = p.MatchClearedReason
		if p.MatchClearedAt != nil {
			doc["matchClearedAt"] = *p.MatchClearedAt
		}
	}
	return doc
}

func registrationDocument(r *model.Registration) bson.M {
	doc := bson.M{
		"registrationId":        r.RegistrationID,
		"confirmationNumber":    r.ConfirmationNumber,
		"stripePaymentIntentId": r.StripePaymentIntentID,
		"squarePaymentId":       r.SquarePaymentID,
		"registrationType":      string(r.RegistrationType),
		"paymentStatus":         r.PaymentStatus,
		"totalAmount":           decimal128(r.TotalAmount),
		"customerEmail":         r.CustomerEmail,
		"createdAt":             r.CreatedAt,
		"registrationData": bson.M{
			"paymentIntentId": r.RegistrationData.PaymentIntentID,
			"bookingContact": bson.M{
				"firstName":    r.RegistrationData.BookingContact.FirstName,
				"lastName":     r.RegistrationData.BookingContact.LastName,
				"emailAddress": r.RegistrationData.BookingContact.Email,
			},
		},
		"attendeeCount": r.RegistrationData.AttendeeCount,
	}
	for path, v := range r.ExtraPaymentRefs {
		parent, key, ok := strings.Cut(path, ".")
		if !ok {
			continue
		}
		nested, _ := doc[parent].(bson.M)
		if nested == nil {
			nested = bson.M{}
			doc[parent] = nested
		}
		nested[key] = v
	}
	if r.LinkedPaymentID != "" {
		doc["linkedPaymentId"] = r.LinkedPaymentID
	}
	if r.TransactionID != "" {
		doc["transactionId"] = r.TransactionID
	}
	if r.PaymentVerified {
		doc["paymentVerified"] = true
	}
	if r.PreviouslyPendingSince != nil {
		doc["previouslyPendingSince"] = *r.PreviouslyPendingSince
		doc["resolvedAfterChecks"] = r.ResolvedAfterChecks
	}
	return doc
}

func pendingDocument(p *model.PendingImport) bson.M {
	doc := registrationDocument(&p.Registration)
	doc["pendingSince"] = p.PendingSince
	doc["attemptedPaymentIds"] = p.AttemptedPaymentIDs
	doc["checkCount"] = p.CheckCount
	doc["reason"] = p.Reason
	if p.LastCheckDate != nil {
		doc["lastCheckDate"] = *p.LastCheckDate
	}
	return doc
}
