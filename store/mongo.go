package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/jackg825/dream-forge-web-sub003/types"
)

const pipelineCollection = "pipelines"

// MongoStore is the production Store backed by a MongoDB collection.
// One document per pipeline run; stage transitions use filtered
// FindOneAndUpdate so the status check and the write are a single
// server-side operation.
type MongoStore struct {
	coll   *mongo.Collection
	logger *zap.Logger
}

func NewMongoStore(db *mongo.Database, logger *zap.Logger) *MongoStore {
	return &MongoStore{
		coll:   db.Collection(pipelineCollection),
		logger: logger.With(zap.String("component", "pipeline_store")),
	}
}

// EnsureIndexes creates the owner and status indexes. Safe to call on
// every startup.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "ownerId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	if err != nil {
		return types.NewError(types.ErrInternal, "create pipeline indexes").WithCause(err)
	}
	return nil
}

func (s *MongoStore) Create(ctx context.Context, run *types.PipelineRun) error {
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	if _, err := s.coll.InsertOne(ctx, run); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return types.NewErrorf(types.ErrInvalidArgument, "pipeline %s already exists", run.ID)
		}
		return types.NewError(types.ErrInternal, "insert pipeline").WithCause(err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*types.PipelineRun, error) {
	var run types.PipelineRun
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&run)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errNotFound(id)
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "load pipeline").WithCause(err)
	}
	return &run, nil
}

func (s *MongoStore) ClaimStage(ctx context.Context, id string, pre StagePrecondition, to types.Status) (*types.PipelineRun, error) {
	ors := bson.A{bson.M{"status": bson.M{"$in": pre.Statuses}}}
	if pre.RetryStep != "" {
		ors = append(ors, bson.M{"status": types.StatusFailed, "errorStep": pre.RetryStep})
	}
	filter := bson.M{"_id": id, "$or": ors}
	update := bson.M{
		"$set":   bson.M{"status": to, "updatedAt": time.Now().UTC()},
		"$unset": bson.M{"errorStep": "", "errorMessage": ""},
	}

	var prior types.PipelineRun
	err := s.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&prior)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, s.missOrRace(ctx, id)
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "claim stage").WithCause(err)
	}
	return &prior, nil
}

func (s *MongoStore) ReleaseStage(ctx context.Context, id string, back types.Status, errorStep types.Step, errorMessage string) error {
	set := bson.M{"status": back, "updatedAt": time.Now().UTC()}
	unset := bson.M{}
	if errorStep != "" {
		set["errorStep"] = errorStep
	} else {
		unset["errorStep"] = ""
	}
	if errorMessage != "" {
		set["errorMessage"] = errorMessage
	} else {
		unset["errorMessage"] = ""
	}
	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return s.updateOne(ctx, id, update)
}

func (s *MongoStore) SetStageCharged(ctx context.Context, id string, step types.Step, amount int64) error {
	return s.updateOne(ctx, id, bson.M{"$set": bson.M{
		chargeKey(step): amount,
		"updatedAt":     time.Now().UTC(),
	}})
}

func (s *MongoStore) SetProviderTask(ctx context.Context, id, provider, taskID string, opts types.MeshOptions) error {
	return s.updateOne(ctx, id, bson.M{"$set": bson.M{
		"provider":        provider,
		"providerTaskId":  taskID,
		"providerOptions": opts,
		"updatedAt":       time.Now().UTC(),
	}})
}

func (s *MongoStore) MarkFailed(ctx context.Context, id string, step types.Step, message string, zeroCharge bool) error {
	set := bson.M{
		"status":       types.StatusFailed,
		"errorStep":    step,
		"errorMessage": message,
		"updatedAt":    time.Now().UTC(),
	}
	if zeroCharge {
		set[chargeKey(step)] = int64(0)
	}
	return s.updateOne(ctx, id, bson.M{"$set": set})
}

func (s *MongoStore) SetMeshImages(ctx context.Context, id string, images map[types.Angle]types.ProcessedImage, agg *types.AggregatedPalette, newStatus types.Status) error {
	return s.updateOne(ctx, id, bson.M{"$set": bson.M{
		"meshImages":             images,
		"aggregatedColorPalette": agg,
		"status":                 newStatus,
		"updatedAt":              time.Now().UTC(),
	}})
}

func (s *MongoStore) ReplaceMeshImage(ctx context.Context, id string, angle types.Angle, img types.ProcessedImage, agg *types.AggregatedPalette, maxRegenerations int) error {
	filter := bson.M{
		"_id":               id,
		"status":            types.StatusImagesReady,
		"regenerationsUsed": bson.M{"$lt": maxRegenerations},
	}
	update := bson.M{
		"$set": bson.M{
			"meshImages." + string(angle): img,
			"aggregatedColorPalette":      agg,
			"updatedAt":                   time.Now().UTC(),
		},
		"$inc": bson.M{"regenerationsUsed": 1},
	}
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return types.NewError(types.ErrInternal, "replace angle image").WithCause(err)
	}
	if res.MatchedCount == 0 {
		return s.regenerateMiss(ctx, id, maxRegenerations)
	}
	return nil
}

// regenerateMiss maps a lost ReplaceMeshImage guard to the right error
// kind by inspecting the current document.
func (s *MongoStore) regenerateMiss(ctx context.Context, id string, maxRegenerations int) error {
	run, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if run.RegenerationsUsed >= maxRegenerations {
		return types.NewErrorf(types.ErrResourceExhausted, "regeneration limit of %d reached", maxRegenerations)
	}
	return errLostRace(id)
}

func (s *MongoStore) SetMeshResult(ctx context.Context, id, url, path, format string, report *types.PrintabilityReport, from, to types.Status) error {
	set := bson.M{
		"meshUrl":    url,
		"meshPath":   path,
		"meshFormat": format,
		"status":     to,
		"updatedAt":  time.Now().UTC(),
	}
	if report != nil {
		set["printReport"] = report
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id, "status": from}, bson.M{"$set": set})
	if err != nil {
		return types.NewError(types.ErrInternal, "set mesh result").WithCause(err)
	}
	if res.MatchedCount == 0 {
		return s.missOrRace(ctx, id)
	}
	return nil
}

func (s *MongoStore) SetTextureResult(ctx context.Context, id, url, path, format string, from, to types.Status) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id, "status": from}, bson.M{"$set": bson.M{
		"texturedModelUrl":    url,
		"texturedModelPath":   path,
		"texturedModelFormat": format,
		"status":              to,
		"updatedAt":           time.Now().UTC(),
	}})
	if err != nil {
		return types.NewError(types.ErrInternal, "set texture result").WithCause(err)
	}
	if res.MatchedCount == 0 {
		return s.missOrRace(ctx, id)
	}
	return nil
}

func (s *MongoStore) ResetToStep(ctx context.Context, id string, target types.Status, keepResults bool) error {
	filter := bson.M{
		"_id": id,
		"status": bson.M{"$nin": bson.A{
			types.StatusGeneratingImages,
			types.StatusGeneratingMesh,
			types.StatusGeneratingTexture,
		}},
	}
	set := bson.M{"status": target, "updatedAt": time.Now().UTC()}
	unset := bson.M{"errorStep": "", "errorMessage": ""}

	if !keepResults {
		switch target {
		case types.StatusDraft:
			unset["meshImages"] = ""
			unset["aggregatedColorPalette"] = ""
			set["regenerationsUsed"] = 0
			set[chargeKey(types.StepImages)] = int64(0)
			fallthrough
		case types.StatusImagesReady:
			unset["provider"] = ""
			unset["providerTaskId"] = ""
			unset["providerOptions"] = ""
			unset["meshUrl"] = ""
			unset["meshPath"] = ""
			unset["meshFormat"] = ""
			unset["printReport"] = ""
			set[chargeKey(types.StepMesh)] = int64(0)
			fallthrough
		case types.StatusMeshReady:
			unset["texturedModelUrl"] = ""
			unset["texturedModelPath"] = ""
			unset["texturedModelFormat"] = ""
			set[chargeKey(types.StepTexture)] = int64(0)
		}
	}

	res, err := s.coll.UpdateOne(ctx, filter, bson.M{"$set": set, "$unset": unset})
	if err != nil {
		return types.NewError(types.ErrInternal, "reset pipeline").WithCause(err)
	}
	if res.MatchedCount == 0 {
		return s.missOrRace(ctx, id)
	}
	return nil
}

func (s *MongoStore) SetPreviewMeshImage(ctx context.Context, id string, angle types.Angle, img types.ProcessedImage) error {
	return s.updateOne(ctx, id, bson.M{"$set": bson.M{
		"adminPreview.meshImages." + string(angle): img,
		"updatedAt": time.Now().UTC(),
	}})
}

func (s *MongoStore) SetPreviewMeshTask(ctx context.Context, id, provider, taskID string) error {
	return s.updateOne(ctx, id, bson.M{"$set": bson.M{
		"adminPreview.provider":       provider,
		"adminPreview.providerTaskId": taskID,
		"updatedAt":                   time.Now().UTC(),
	}})
}

func (s *MongoStore) SetPreviewMeshArtifact(ctx context.Context, id, url, path, format string) error {
	return s.updateOne(ctx, id, bson.M{"$set": bson.M{
		"adminPreview.meshUrl":    url,
		"adminPreview.meshPath":   path,
		"adminPreview.meshFormat": format,
		"updatedAt":               time.Now().UTC(),
	}})
}

// PromotePreview copies the preview field into its production
// counterpart and removes the preview field in one aggregation-pipeline
// update. The filter requires the preview field to exist, so a missing
// preview surfaces as failed-precondition instead of silently writing
// nulls.
func (s *MongoStore) PromotePreview(ctx context.Context, id string, field PreviewField) error {
	var filter bson.M
	var pipe mongo.Pipeline

	if angle, ok := field.Angle(); ok {
		src := "adminPreview.meshImages." + string(angle)
		filter = bson.M{"_id": id, src: bson.M{"$exists": true}}
		pipe = mongo.Pipeline{
			{{Key: "$set", Value: bson.M{
				"meshImages." + string(angle): "$" + src,
				"updatedAt":                   time.Now().UTC(),
			}}},
			{{Key: "$unset", Value: src}},
		}
	} else {
		filter = bson.M{"_id": id, "adminPreview.meshUrl": bson.M{"$exists": true}}
		pipe = mongo.Pipeline{
			{{Key: "$set", Value: bson.M{
				"meshUrl":        "$adminPreview.meshUrl",
				"meshPath":       "$adminPreview.meshPath",
				"meshFormat":     "$adminPreview.meshFormat",
				"provider":       "$adminPreview.provider",
				"providerTaskId": "$adminPreview.providerTaskId",
				"updatedAt":      time.Now().UTC(),
			}}},
			{{Key: "$unset", Value: bson.A{
				"adminPreview.meshUrl",
				"adminPreview.meshPath",
				"adminPreview.meshFormat",
				"adminPreview.provider",
				"adminPreview.providerTaskId",
			}}},
		}
	}

	res, err := s.coll.UpdateOne(ctx, filter, pipe)
	if err != nil {
		return types.NewError(types.ErrInternal, "promote preview").WithCause(err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return types.NewErrorf(types.ErrFailedPrecondition, "no preview exists for field %q", field)
	}
	return nil
}

func (s *MongoStore) RejectPreview(ctx context.Context, id string, field PreviewField, all bool) error {
	if all {
		return s.updateOne(ctx, id, bson.M{
			"$unset": bson.M{"adminPreview": ""},
			"$set":   bson.M{"updatedAt": time.Now().UTC()},
		})
	}

	// $unset of an absent field is a no-op, which is exactly the
	// contract: rejecting always succeeds for an existing pipeline.
	unset := bson.M{}
	if angle, ok := field.Angle(); ok {
		unset["adminPreview.meshImages."+string(angle)] = ""
	} else {
		for _, f := range []string{"meshUrl", "meshPath", "meshFormat", "provider", "providerTaskId"} {
			unset["adminPreview."+f] = ""
		}
	}
	return s.updateOne(ctx, id, bson.M{
		"$unset": unset,
		"$set":   bson.M{"updatedAt": time.Now().UTC()},
	})
}

func (s *MongoStore) AppendAdminAction(ctx context.Context, id string, action types.AdminAction) error {
	return s.updateOne(ctx, id, bson.M{
		"$push": bson.M{"adminActions": action},
		"$set":  bson.M{"updatedAt": time.Now().UTC()},
	})
}

func (s *MongoStore) CountByStatus(ctx context.Context, status types.Status) (int64, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{"status": status})
	if err != nil {
		return 0, types.NewError(types.ErrInternal, "count pipelines").WithCause(err)
	}
	return n, nil
}

// updateOne applies an unconditional update to one pipeline document.
func (s *MongoStore) updateOne(ctx context.Context, id string, update bson.M) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return types.NewError(types.ErrInternal, "update pipeline").WithCause(err)
	}
	if res.MatchedCount == 0 {
		return errNotFound(id)
	}
	return nil
}

// missOrRace distinguishes a missing document from a guard that did not
// match.
func (s *MongoStore) missOrRace(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return errLostRace(id)
}

func chargeKey(step types.Step) string {
	switch step {
	case types.StepImages:
		return "creditsCharged.views"
	case types.StepMesh:
		return "creditsCharged.mesh"
	case types.StepTexture:
		return "creditsCharged.texture"
	}
	return "creditsCharged." + string(step)
}

var _ Store = (*MongoStore)(nil)
